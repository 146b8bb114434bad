package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"armmu/kernel/hal"
	"armmu/kernel/kmain"
	"armmu/kernel/mm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[armmu] error: %s\n", err.Error())
	os.Exit(1)
}

// main boots the kernel on a simulated machine and prints the console
// output to stdout.
func main() {
	cfg := hal.DefaultMachineConfig()

	var (
		memMb     = flag.Uint("mem", uint(cfg.BootMemSize/mm.Mb), "boot memory size in Mb")
		hotplugMb = flag.Uint("hotplug", uint(cfg.HotplugSize/mm.Mb), "hotplug bank size in Mb (0 disables the hotplug test)")
		dtbKb     = flag.Uint("dtb-size", uint(cfg.DTBSize/uint32(mm.Kb)), "device tree blob size in Kb")
		maxFDTKb  = flag.Uint("max-fdt-size", 0, "largest accepted device tree blob in Kb (0 selects the default)")
	)
	flag.BoolVar(&cfg.VMM.DebugPagealloc, "debug-pagealloc", false, "map the linear map with pages only")
	flag.BoolVar(&cfg.VMM.VmemmapSectionMaps, "vmemmap-sections", false, "back the page descriptor array with 2M blocks")
	flag.Parse()

	if len(flag.Args()) != 0 {
		exit(errors.New("unexpected arguments"))
	}

	cfg.BootMemSize = mm.Size(*memMb) * mm.Mb
	cfg.HotplugSize = mm.Size(*hotplugMb) * mm.Mb
	cfg.DTBSize = uint32(*dtbKb) * uint32(mm.Kb)
	cfg.VMM.MaxFDTSize = uint32(*maxFDTKb) * uint32(mm.Kb)

	m, kerr := hal.NewMachine(cfg)
	if kerr != nil {
		exit(kerr)
	}
	defer m.Close()

	out := bufio.NewWriter(os.Stdout)
	kerr = kmain.Kmain(m, out)
	_ = out.Flush()

	if kerr != nil {
		m.Close()
		exit(kerr)
	}
}
