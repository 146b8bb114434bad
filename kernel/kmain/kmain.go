// Package kmain contains the kernel boot sequence.
package kmain

import (
	"io"

	"armmu/kernel"
	"armmu/kernel/driver/uart"
	"armmu/kernel/hal"
	"armmu/kernel/hal/fdt"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/pmm"
	"armmu/kernel/mm/vmalloc"
	"armmu/kernel/mm/vmm"
)

// vmallocDemoSize is the size of the region allocated to check that the
// vmalloc area is usable once paging is up.
const vmallocDemoSize = 64 * mm.Kb

var (
	errConsoleMap = &kernel.Error{Module: "kmain", Message: "unable to map the UART registers"}

	console uart.PL011
)

// Kmain boots the kernel on machine m. Console output is sent to host.
//
// The boot sequence follows the order the real kernel uses: the boot
// tables and the fixmap come first, the early console and the device tree
// are accessed through fixed slots, then the final kernel tables are built
// and the general purpose allocator takes over. Kmain finishes by exercising
// the late mapping paths: the console moves to an ioremap window, a vmalloc
// region is allocated and the hotplug bank is added and removed.
func Kmain(m *hal.Machine, host io.ByteWriter) *kernel.Error {
	wire := &uart.Wire{Sink: host}

	var err *kernel.Error
	if err = vmm.Init(vmm.Env{Arena: m.Arena, MMU: m.MMU, BootMem: m.BootMem, Layout: m.Layout, Config: m.Config.VMM}); err != nil {
		return err
	} else if err = vmm.CreateBootTables(); err != nil {
		return err
	}
	vmm.EarlyFixmapInit()

	if err = initEarlyConsole(m.UARTPhys, wire); err != nil {
		return err
	} else if err = reserveFDTMemory(m); err != nil {
		return err
	} else if err = vmm.PagingInit(); err != nil {
		return err
	} else if err = populateVmemmap(m.BootMem); err != nil {
		return err
	}

	frames := pmm.NewBitmapAllocator(m.BootMem)
	vmm.SetFrameAllocator(frames)
	vmalloc.SetFrameAllocator(frames.AllocFrame, frames.FreeFrame)

	if err = vmm.MarkRodataRO(); err != nil {
		return err
	} else if err = remapConsole(m.UARTPhys, wire); err != nil {
		return err
	} else if err = vmallocSelfTest(); err != nil {
		return err
	}

	if m.Config.HotplugSize != 0 {
		if err = hotplugSelfTest(frames, m.HotplugBase(), m.Config.HotplugSize); err != nil {
			return err
		}
	}

	m.BootMem.PrintMemoryMap()
	frames.PrintStats()
	kfmt.Logf("kmain", "boot complete; %d bytes sent to the console\n", wire.Sent)
	return nil
}

// initEarlyConsole maps the UART registers through the earlycon fixmap slot
// and redirects the kernel log to it.
func initEarlyConsole(uartPhys uintptr, line uart.Line) *kernel.Error {
	vmm.SetFixmap(vmm.FixEarlyconMemBase, uartPhys, vmm.ProtDevice)

	regs := vmm.MappedBytes(vmm.FixToVirt(vmm.FixEarlyconMemBase), uart.RegisterWindow)
	if regs == nil {
		return errConsoleMap
	}

	if err := console.Attach(regs, line); err != nil {
		return err
	}

	hal.ActiveTerminal.AttachTo(&console)
	kfmt.SetOutputSink(hal.ActiveTerminal)
	kfmt.Logf("kmain", "earlycon: pl011 at 0x%x (fixmap 0x%x)\n", uartPhys, vmm.FixToVirt(vmm.FixEarlyconMemBase))
	return nil
}

// remapConsole moves the console from the fixmap slot to a permanent
// device mapping.
func remapConsole(uartPhys uintptr, line uart.Line) *kernel.Error {
	virtAddr, err := vmm.Ioremap(uartPhys, uart.RegisterWindow, vmm.ProtDevice)
	if err != nil {
		return err
	}

	regs := vmm.MappedBytes(virtAddr, uart.RegisterWindow)
	if regs == nil {
		return errConsoleMap
	}

	console.Detach()
	if err = console.Attach(regs, line); err != nil {
		return err
	}
	vmm.ClearFixmap(vmm.FixEarlyconMemBase)

	kfmt.Logf("kmain", "console: pl011 remapped to 0x%x\n", virtAddr)
	return nil
}

// reserveFDTMemory maps the device tree blob and reserves the ranges listed
// in its memory reservation block.
func reserveFDTMemory(m *hal.Machine) *kernel.Error {
	dtVirt, size, err := vmm.FixmapRemapFDT(m.DTBPhys)
	if err != nil {
		return err
	}
	kfmt.Logf("kmain", "fdt: %d bytes at 0x%x mapped to 0x%x\n", size, m.DTBPhys, dtVirt)

	var rsvErr *kernel.Error
	err = fdt.VisitReservedMemory(vmm.MappedBytes(dtVirt, uintptr(size)), func(addr, size uint64) bool {
		kfmt.Logf("kmain", "fdt: reserved [0x%x - 0x%x]\n", addr, addr+size)
		rsvErr = m.BootMem.Reserve(uintptr(addr), mm.Size(size))
		return rsvErr == nil
	})

	if err != nil {
		return err
	}
	return rsvErr
}

// populateVmemmap backs the page descriptors of every boot memory bank.
func populateVmemmap(bootMem *pmm.BootMemAllocator) *kernel.Error {
	var err *kernel.Error
	bootMem.VisitMemRegions(func(r *pmm.Region) bool {
		err = vmm.VmemmapPopulate(vmm.PfnToVmemmap(mm.FrameFromAddress(r.Base)), vmm.PfnToVmemmap(mm.FrameFromAddress(r.End())))
		return err == nil
	})
	return err
}

func vmallocSelfTest() *kernel.Error {
	addr, err := vmalloc.Alloc(vmallocDemoSize)
	if err != nil {
		return err
	}

	phys, _, err := vmm.Translate(addr)
	if err != nil {
		return err
	}
	kfmt.Logf("kmain", "vmalloc: %dKb at 0x%x (first page at 0x%x)\n", uint64(vmallocDemoSize/mm.Kb), addr, phys)

	vmalloc.Free(addr, vmallocDemoSize)
	return nil
}

func hotplugSelfTest(frames *pmm.BitmapAllocator, base uintptr, size mm.Size) *kernel.Error {
	if err := vmm.ArchAddMemory(base, size); err != nil {
		return err
	}
	frames.AddPool(base, size)
	frames.PrintStats()

	if err := frames.RemovePool(base, size); err != nil {
		return err
	}
	return vmm.ArchRemoveMemory(base, size)
}
