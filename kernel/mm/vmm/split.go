package vmm

// split fills child, a table at level l+1, with descriptors that translate
// the range covered by the block descriptor coarse at level l. The new
// descriptors carry the attributes of the block unchanged. The caller is
// responsible for installing child and invalidating the stale block.
func split(l level, coarse pageTableEntry, child Table) {
	var (
		fine     = l + 1
		physAddr = coarse.physAddr()
		prot     = coarse.Prot()
	)

	for i := 0; i < entriesPerTable; i, physAddr = i+1, physAddr+fine.size() {
		if fine == levelPTE {
			child.store(i, pageEntry(physAddr, prot))
			continue
		}

		child.store(i, blockEntry(physAddr, prot))
	}

	mmu.StoreBarrier()
}
