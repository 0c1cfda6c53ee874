package buftree

// resource.go implements the live-resource hash table: an open-addressed,
// linear-probed map from an opaque resource id (an allocation address, a
// file descriptor, ...) to the Resource record tracking which counter
// acquired it, so a later Release can find and retire it in O(1) expected
// time without the caller supplying the counter again.
//
// Grounded on original_source/profile-trace.h's HResource/Resource structs
// and profile-trace.cc's expandResourceHash/findResource/releaseResource.
//
// © 2025 profcore authors. MIT License.

import (
	"github.com/profcore/engine/internal/hashmix"
)

// maxHashProbes bounds a linear probe run before the table is grown,
// matching IgProfTrace's MAX_HASH_PROBES.
const maxHashProbes = 8

// initialHashLogSize is the starting log2 slot count; small by default
// since profcore buffers are typically per-thread rather than one giant
// process-wide table, unlike IGPROF's fixed 1<<20 starting size.
const initialHashLogSize = 10

// Resource is one live, acquired unit charged against a Counter. Resources
// form a doubly linked list per counter (Prev/Next) so MergeFrom and
// DebugDump can enumerate everything still live without touching the hash
// table. slotIdx is the resource's current position in the owning
// resourceHash, kept in sync across rehashes and backward-shift deletes so
// Release never needs to re-probe.
type Resource struct {
	slotIdx uint32
	ID      uintptr
	Prev    *Resource
	Next    *Resource
	Counter *Counter
	Size    uint64
}

// hashSlot is one open-addressed bucket. ID == 0 marks an empty slot;
// resource id 0 is never valid (callers must use a non-zero handle, e.g. a
// pointer or fd+1).
type hashSlot struct {
	id     uintptr
	record *Resource
}

// resourceHash is the table proper: a flat, arena-backed slice of slots
// plus bookkeeping for growth decisions.
type resourceHash struct {
	slots   []hashSlot
	logSize uint
	used    int
}

func newResourceHash(b *Buffer) *resourceHash {
	h := &resourceHash{logSize: initialHashLogSize}
	h.slots = allocateSlotSlice(b, 1<<h.logSize)
	return h
}

func mask32(logSize uint) uint32 { return uint32(1)<<logSize - 1 }

// probe returns the slot index id would start probing at.
func probe(id uintptr, logSize uint) uint32 {
	return hashmix.Mix32(uint64(id)) & mask32(logSize)
}

// find locates id's slot, returning (idx, found). When not found the
// returned idx is the first empty bucket on the probe chain, suitable for
// insertion; ok reports whether probing overflowed maxHashProbes without
// finding either the key or an empty slot (growth required).
func (h *resourceHash) find(id uintptr) (idx uint32, found bool, ok bool) {
	idx = probe(id, h.logSize)
	mask := mask32(h.logSize)
	for probes := 0; probes < maxHashProbes; probes++ {
		s := &h.slots[idx]
		if s.id == 0 {
			return idx, false, true
		}
		if s.id == id {
			return idx, true, true
		}
		idx = (idx + 1) & mask
	}
	return 0, false, false
}

// expandResourceHash grows the table's log size by two (four times as many
// slots) and rehashes every live
// entry, matching IgProfTrace::expandResourceHash's retry-until-it-fits
// loop: if the larger size still overflows for some key, it grows again.
func (b *Buffer) expandResourceHash() {
	h := b.resources
	b.diag.HashExpansions++
	for {
		h.logSize += 2
		fresh := allocateSlotSlice(b, 1<<h.logSize)
		if rehashInto(h.slots, fresh, h.logSize) {
			h.slots = fresh
			return
		}
	}
}

func rehashInto(old, fresh []hashSlot, logSize uint) bool {
	mask := mask32(logSize)
	for i := range old {
		if old[i].id == 0 {
			continue
		}
		id := old[i].id
		idx := probe(id, logSize)
		placed := false
		for probes := 0; probes < maxHashProbes; probes++ {
			if fresh[idx].id == 0 {
				fresh[idx].id = id
				fresh[idx].record = old[i].record
				fresh[idx].record.slotIdx = idx
				placed = true
				break
			}
			idx = (idx + 1) & mask
		}
		if !placed {
			return false
		}
	}
	return true
}

// acquireResource records that id is now live, charged to counter with the
// given size, growing the table if necessary. If id is already live it
// inserts nothing and returns nil; the caller (Buffer.Acquire) checks
// findResource first so it can count the double acquire.
func (b *Buffer) acquireResource(id uintptr, counter *Counter, size uint64) *Resource {
	h := b.resources
	for {
		idx, found, ok := h.find(id)
		if !ok {
			b.expandResourceHash()
			h = b.resources
			continue
		}
		if found {
			return nil
		}
		r := b.allocateResourceNode()
		r.slotIdx = idx
		r.ID = id
		r.Counter = counter
		r.Size = size
		h.slots[idx].id = id
		h.slots[idx].record = r
		h.used++

		r.Next = counter.Resources
		if r.Next != nil {
			r.Next.Prev = r
		}
		counter.Resources = r
		return r
	}
}

// findResource looks up id's live Resource, or nil if not currently live.
func (b *Buffer) findResource(id uintptr) *Resource {
	h := b.resources
	idx, found, ok := h.find(id)
	if !ok || !found {
		return nil
	}
	return h.slots[idx].record
}

// releaseResource retires r: unlinks it from its counter's live list and
// empties its hash slot, matching IgProfTrace::releaseResource. Emptying
// the slot outright (rather than tombstoning it) would break later lookups
// for any other key whose probe chain runs through this bucket, so the
// vacated slot is backfilled by shifting its cluster back one step at a
// time — the standard deletion algorithm for linear-probed open
// addressing.
func (b *Buffer) releaseResource(r *Resource) {
	if r.Prev != nil {
		r.Prev.Next = r.Next
	} else {
		r.Counter.Resources = r.Next
	}
	if r.Next != nil {
		r.Next.Prev = r.Prev
	}

	h := b.resources
	mask := mask32(h.logSize)
	hole := r.slotIdx
	h.slots[hole].id = 0
	h.slots[hole].record = nil
	h.used--

	scan := (hole + 1) & mask
	for h.slots[scan].id != 0 {
		natural := probe(h.slots[scan].id, h.logSize)
		if inCycle(hole, scan, natural) {
			h.slots[hole] = h.slots[scan]
			h.slots[hole].record.slotIdx = hole
			h.slots[scan].id = 0
			h.slots[scan].record = nil
			hole = scan
		}
		scan = (scan + 1) & mask
	}
}

// inCycle reports whether natural lies outside the half-open ring interval
// (hole, scan], i.e. whether a probe for the entry currently at scan
// starts at or before hole and would stop once it hit the hole — meaning
// the entry must move back to keep probing correct.
func inCycle(hole, scan, natural uint32) bool {
	if hole <= scan {
		return natural <= hole || natural > scan
	}
	return natural <= hole && natural > scan
}
