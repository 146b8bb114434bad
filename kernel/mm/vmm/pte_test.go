package vmm

import (
	"testing"

	"armmu/kernel/mm"
)

func TestPageTableEntryKinds(t *testing.T) {
	var (
		table = tableEntry(mm.Frame(0x40123))
		block = blockEntry(0x4020_0000, ProtKernel)
		page  = pageEntry(0x4000_1000, ProtKernelRO)
	)

	specs := []struct {
		pte                      pageTableEntry
		l                        level
		isTable, isBlock, isLeaf bool
	}{
		{0, levelPMD, false, false, false},
		{table, levelPGD, true, false, false},
		{table, levelPMD, true, false, false},
		{block, levelPUD, false, true, true},
		{block, levelPMD, false, true, true},
		// block descriptors are not valid at the root or leaf levels
		{block, levelPGD, false, false, false},
		{block, levelPTE, false, false, false},
		{page, levelPTE, false, false, true},
	}

	for specIndex, spec := range specs {
		if got := spec.pte.isTable(spec.l); got != spec.isTable {
			t.Errorf("[spec %d] expected isTable to return %t; got %t", specIndex, spec.isTable, got)
		}
		if got := spec.pte.isBlock(spec.l); got != spec.isBlock {
			t.Errorf("[spec %d] expected isBlock to return %t; got %t", specIndex, spec.isBlock, got)
		}
		if got := spec.pte.isTerminal(spec.l); got != spec.isLeaf {
			t.Errorf("[spec %d] expected isTerminal to return %t; got %t", specIndex, spec.isLeaf, got)
		}
	}

	if exp, got := mm.Frame(0x40123), table.Frame(); got != exp {
		t.Errorf("expected table frame 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uintptr(0x4020_0000), block.physAddr(); got != exp {
		t.Errorf("expected block address 0x%x; got 0x%x", exp, got)
	}

	if got := page.Prot(); got != ProtKernelRO {
		t.Errorf("expected page prot 0x%x; got 0x%x", ProtKernelRO, got)
	}
}

func TestProtHelpers(t *testing.T) {
	specs := []struct {
		prot     Prot
		exec, rw bool
		memType  uint8
	}{
		{ProtKernel, false, true, mtNormal},
		{ProtKernelRO, false, false, mtNormal},
		{ProtKernelROX, true, false, mtNormal},
		{ProtKernelExec, true, true, mtNormal},
		{ProtDevice, false, true, mtDeviceNGnRE},
	}

	for specIndex, spec := range specs {
		if got := spec.prot.Executable(); got != spec.exec {
			t.Errorf("[spec %d] expected Executable to return %t; got %t", specIndex, spec.exec, got)
		}
		if got := spec.prot.Writable(); got != spec.rw {
			t.Errorf("[spec %d] expected Writable to return %t; got %t", specIndex, spec.rw, got)
		}
		if got := spec.prot.MemType(); got != spec.memType {
			t.Errorf("[spec %d] expected MemType to return %d; got %d", specIndex, spec.memType, got)
		}
	}
}
