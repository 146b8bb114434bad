// Package hal describes the simulated machine the kernel boots on: a single
// bank of boot memory followed by a hot-pluggable bank, a PL011 UART at the
// base of the physical address space and a device tree blob placed by the
// firmware.
package hal

import (
	"armmu/kernel"
	"armmu/kernel/cpu"
	"armmu/kernel/driver/tty"
	"armmu/kernel/hal/fdt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
	"armmu/kernel/mm/pmm"
	"armmu/kernel/mm/vmm"
)

// Offsets from MachineConfig.MemBase.
const (
	// UARTOffset is the location of the UART register window. The first
	// uartNoMapSize bytes of memory are not part of the linear map.
	UARTOffset = uintptr(0)

	// ImageOffset is the load address of the kernel image.
	ImageOffset = uintptr(2 * mm.Mb)

	// DTBOffset is where the firmware places the device tree blob.
	DTBOffset = uintptr(8 * mm.Mb)

	uartNoMapSize = 64 * mm.Kb

	// The image is 1M long. Its last six pages hold the boot tables and
	// the fixmap tables.
	imageSize = uintptr(1 * mm.Mb)

	minBootMemSize = 16 * mm.Mb
)

var (
	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Terminal{}

	errBadMachineConfig = &kernel.Error{Module: "hal", Message: "invalid machine configuration"}
	errDTBTooLarge      = &kernel.Error{Module: "hal", Message: "device tree blob does not fit in boot memory"}
)

// MachineConfig describes the simulated machine.
type MachineConfig struct {
	// MemBase is the physical address of the first memory bank. It must
	// be 2M aligned.
	MemBase uintptr

	// BootMemSize is the size of the memory reported at boot.
	BootMemSize mm.Size

	// HotplugSize is the size of the memory bank that directly follows
	// boot memory and is absent at boot.
	HotplugSize mm.Size

	// DTBSize is the total size of the device tree blob.
	DTBSize uint32

	// Reservations are added to the memory reservation block of the
	// device tree blob.
	Reservations []fdt.Reservation

	// VMM holds the tunables passed to the vmm package.
	VMM vmm.Config
}

// DefaultMachineConfig returns a machine with 64M of boot memory and a 16M
// hotplug bank.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MemBase:     0x4000_0000,
		BootMemSize: 64 * mm.Mb,
		HotplugSize: 16 * mm.Mb,
		DTBSize:     uint32(16 * mm.Kb),
	}
}

// Machine is a booted-up simulation of the hardware.
type Machine struct {
	Arena   *physmem.Arena
	BootMem *pmm.BootMemAllocator
	MMU     *cpu.Recorder
	Layout  vmm.KernelLayout
	Config  MachineConfig

	// UARTPhys and DTBPhys are the physical addresses of the UART
	// registers and the device tree blob.
	UARTPhys uintptr
	DTBPhys  uintptr
}

// NewMachine allocates the physical memory for the machine described by
// cfg, registers the boot memory bank and loads the kernel image and the
// device tree blob.
func NewMachine(cfg MachineConfig) (*Machine, *kernel.Error) {
	if cfg.MemBase&uintptr(2*mm.Mb-1) != 0 || cfg.BootMemSize < minBootMemSize ||
		uintptr(cfg.BootMemSize)&(mm.PageSize-1) != 0 || uintptr(cfg.HotplugSize)&(mm.PageSize-1) != 0 {
		return nil, errBadMachineConfig
	}

	if uintptr(cfg.DTBSize) > uintptr(cfg.BootMemSize)-DTBOffset {
		return nil, errDTBTooLarge
	}

	arena, err := physmem.New(cfg.MemBase, cfg.BootMemSize+cfg.HotplugSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Arena:    arena,
		BootMem:  pmm.NewBootMemAllocator(arena),
		Config:   cfg,
		UARTPhys: cfg.MemBase + UARTOffset,
		DTBPhys:  cfg.MemBase + DTBOffset,
		Layout:   imageLayout(cfg.MemBase + ImageOffset),
	}

	if err = m.loadBootMemory(); err != nil {
		arena.Close()
		return nil, err
	}

	m.MMU = cpu.NewRecorder(m.Layout.SwapperPgDir.Address())
	return m, nil
}

func (m *Machine) loadBootMemory() *kernel.Error {
	var (
		base      = m.Config.MemBase
		imagePhys = base + ImageOffset
	)

	if err := m.BootMem.AddMemory(base, m.Config.BootMemSize); err != nil {
		return err
	}
	if err := m.BootMem.MarkNoMap(m.UARTPhys, uartNoMapSize); err != nil {
		return err
	}
	if err := m.BootMem.Reserve(imagePhys, mm.Size(imageSize)); err != nil {
		return err
	}

	blob := fdt.Build(m.Config.DTBSize, m.Config.Reservations)
	kernel.Memcopy(m.Arena.Bytes(m.DTBPhys, uintptr(len(blob))), blob)
	return nil
}

// HotplugBase returns the physical address of the hotplug bank.
func (m *Machine) HotplugBase() uintptr {
	return m.Config.MemBase + uintptr(m.Config.BootMemSize)
}

// Close releases the machine memory.
func (m *Machine) Close() *kernel.Error {
	return m.Arena.Close()
}

// imageLayout describes a kernel image loaded at imagePhys and linked at
// the start of the vmalloc area.
func imageLayout(imagePhys uintptr) vmm.KernelLayout {
	var (
		voffset = vmm.VmallocStart + ImageOffset - imagePhys
		va      = func(off uintptr) uintptr { return imagePhys + off + voffset }
		end     = imagePhys + imageSize
	)

	return vmm.KernelLayout{
		Text:          va(0),
		Etext:         va(0x6_0000),
		StartRodata:   va(0x6_0000),
		InitBegin:     va(0x8_0000),
		InitEnd:       va(0xa_0000),
		Data:          va(0xa_0000),
		End:           va(imageSize),
		KimageVOffset: voffset,
		SwapperPgDir:  mm.FrameFromAddress(end - 0x6000),
		BmPUD:         mm.FrameFromAddress(end - 0x3000),
		BmPMD:         mm.FrameFromAddress(end - 0x2000),
		BmPTE:         mm.FrameFromAddress(end - 0x1000),
	}
}
