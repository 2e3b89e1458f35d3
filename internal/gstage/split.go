package gstage

// splitHugeLeaf materializes the full subtree of 4 KiB leaves mirroring a
// huge-page leaf found at res, then replaces that leaf with a branch
// pointing at the new subtree. gpa is any address within the huge page's
// range (used only to recover the range's base address). Caller holds
// c.lock.
func (c *Context) splitHugeLeaf(res walkResult, gpa Gpa) error {
	pte := c.arena[res.nodeID].entries[res.index]
	if res.level == c.mode.leafLevel() || !pte.isLeaf() {
		return nil
	}

	span := c.mode.spanBytes(res.level)
	baseGpa := Gpa(uint64(gpa) &^ (span - 1))
	baseHpa := pte.pa()
	flags := pte.flags()

	childID, err := c.buildSubtree(res.level+1, baseGpa, baseHpa, flags)
	if err != nil {
		return err
	}
	c.arena[res.nodeID].entries[res.index] = branchPTE(c.arena[childID].selfAddr)
	return nil
}

// buildSubtree recursively allocates table nodes from level down to the
// context's leaf level, filling every leaf with a PTE that reproduces the
// huge mapping's host-physical offset and flags. Caller holds c.lock.
func (c *Context) buildSubtree(level int, gpaBase Gpa, hpaBase Hpa, flags Flags) (nodeID, error) {
	id, err := c.newNode(level)
	if err != nil {
		return nilNode, err
	}

	childSpan := c.mode.spanBytes(level)
	if level == c.mode.leafLevel() {
		for i := 0; i < EntriesPerLevel; i++ {
			childHpa := hpaBase + Hpa(uint64(i)*childSpan)
			c.arena[id].entries[i] = leafPTE(childHpa, flags)
		}
		return id, nil
	}

	for i := 0; i < EntriesPerLevel; i++ {
		childGpaBase := gpaBase + Gpa(uint64(i)*childSpan)
		childHpaBase := hpaBase + Hpa(uint64(i)*childSpan)
		childID, err := c.buildSubtree(level+1, childGpaBase, childHpaBase, flags)
		if err != nil {
			return nilNode, err
		}
		c.arena[id].entries[i] = branchPTE(c.arena[childID].selfAddr)
	}
	return id, nil
}

// ProtectPage updates the permission flags on the leaf mapping gpa.
// If gpa is currently covered by a huge-page leaf, the huge page is split
// into a full 4 KiB subtree first so the permission change applies only
// to the targeted page (spec §4.6.2). Any permission decrease triggers a
// TLB invalidation; pure increases do not.
func (c *Context) ProtectPage(gpa Gpa, flags Flags) error {
	c.lock.Lock()

	res, err := c.walk(gpa, false)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	if !c.arena[res.nodeID].entries[res.index].isValid() {
		c.lock.Unlock()
		return notMappedError(gpa)
	}

	if res.level != c.mode.leafLevel() {
		if err := c.splitHugeLeaf(res, gpa); err != nil {
			c.lock.Unlock()
			return err
		}
		res, err = c.walk(gpa, false)
		if err != nil {
			c.lock.Unlock()
			return err
		}
	}

	old := c.arena[res.nodeID].entries[res.index]
	newPTE := leafPTE(old.pa(), flags)
	c.arena[res.nodeID].entries[res.index] = newPTE

	decreased := (old.canWrite() && !newPTE.canWrite()) ||
		(old.canRead() && !newPTE.canRead()) ||
		(old.canExecute() && !newPTE.canExecute())

	c.lock.Unlock()

	if decreased {
		c.Invalidate(gpa, false)
	}
	return nil
}
