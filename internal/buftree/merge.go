package buftree

// merge.go implements folding one buffer's call tree into another — the
// step a master buffer performs to absorb a terminating per-thread buffer
// (and, at shutdown, every thread buffer still live). The dumper does not
// merge; it writes buffers as they are.
//
// Grounded on IgProfTrace.cc/profile-trace.cc's mergeFrom: walk the
// donor's tree depth-first, reconstructing the address path to each node,
// and replay it into the receiver via the ordinary Push/Tick/Acquire
// machinery so the receiver's own invariants (cache, hash table sizing)
// stay intact rather than being copied wholesale.
//
// © 2025 profcore authors. MIT License.

// MergeFrom folds other's call tree, counters and live resources into b.
// Both buffers must use counter definitions assigned the same ids (i.e.
// DefineCounter was called in the same order on each) — this matches the
// original's assumption that donor and receiver share one CounterDef
// table, since in practice a thread buffer and the master buffer are
// initialised from the same Controller.
//
// The caller must hold Lock on both b and other; mergeFrom does not lock
// internally so a Controller can merge several thread buffers into the
// master under one outer critical section if desired.
func (b *Buffer) MergeFrom(other *Buffer) {
	path := make([]uintptr, 0, MaxDepth)
	b.mergeNode(other.root, &path)
	b.perf = addPerfStat(b.perf, other.perf)
}

func addPerfStat(a, c PerfStat) PerfStat {
	return PerfStat{
		NTraces:   a.NTraces + c.NTraces,
		SumDepth:  a.SumDepth + c.SumDepth,
		Sum2Depth: a.Sum2Depth + c.Sum2Depth,
		SumTicks:  a.SumTicks + c.SumTicks,
		Sum2Ticks: a.Sum2Ticks + c.Sum2Ticks,
		SumTPerD:  a.SumTPerD + c.SumTPerD,
		Sum2TPerD: a.Sum2TPerD + c.Sum2TPerD,
	}
}

// mergeNode recurses over donor's subtree rooted at node, appending node's
// address to path before descending and popping it on the way back out,
// so every recursive call sees the full outermost-to-innermost address
// list leading to the current frame.
func (b *Buffer) mergeNode(node *StackNode, path *[]uintptr) {
	if node.Address != 0 {
		*path = append(*path, node.Address)
	}

	if hasAnyCounter(node) {
		frame := b.push(*path)
		b.mergeCounters(frame, node)
	}

	for child := node.FirstChild; child != nil; child = child.Sibling {
		b.mergeNode(child, path)
	}

	if node.Address != 0 {
		*path = (*path)[:len(*path)-1]
	}
}

func hasAnyCounter(node *StackNode) bool {
	for _, c := range node.Counters {
		if c != nil {
			return true
		}
	}
	return false
}

// mergeCounters folds every counter attached to donorNode onto frame,
// re-acquiring any still-live resources under their original counter so
// the receiver's peak accounting includes them. Resources already
// released in the donor (absent from its live list) contribute only their
// already-folded Value/Peak; a still-live one is re-acquired under its
// original id (unless that id is already live in the receiver) so the
// receiver also tracks its later Release.
func (b *Buffer) mergeCounters(frame *StackNode, donorNode *StackNode) {
	for i, dc := range donorNode.Counters {
		if dc == nil {
			continue
		}
		def := b.defs[i]
		if def == nil {
			continue
		}
		rc := b.counterAt(frame, def)

		// Add the donor's Ticks and Value directly, then raise Peak to at
		// least the new Value and the donor's own historical maximum.
		rc.Ticks += dc.Ticks
		rc.Value += dc.Value
		if rc.Value > rc.Peak {
			rc.Peak = rc.Value
		}
		if dc.Peak > rc.Peak {
			rc.Peak = dc.Peak
		}

		for res := dc.Resources; res != nil; res = res.Next {
			// Re-home the live resource under the receiver so a later
			// Release (keyed by the same id in the now-shared resource
			// hash) finds it.
			if b.findResource(res.ID) == nil {
				b.acquireResource(res.ID, rc, res.Size)
			}
		}
	}
}
