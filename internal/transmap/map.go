// Package transmap implements TransMap: a wait-free hash table over a
// power-of-two spine with recursively expanding sub-spines, data nodes
// carrying a transactional NodeDescriptor, batched Insert/Delete/Find/
// Update with cooperative helping, and forced expansion of
// high-contention slots.
//
// The hash function is required to be a bijection on the 32-bit key
// space: equal indices at every spine level then imply equal keys, so
// "same slot, different key" can never happen at a leaf.
package transmap

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/translock/translock/internal/alloc"
	"github.com/translock/translock/internal/executor"
	"github.com/translock/translock/internal/helpstack"
	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/telemetry"
	"github.com/translock/translock/internal/txn"
)

// MainBits is the number of hash bits consumed by the root spine
// (size 2^MainBits); SubBits is consumed by every sub-spine
// thereafter. 8 + 4*6 = 32 covers the full hash width.
const (
	MainBits = 8
	SubBits  = 4
)

// MaxCASFailure is the number of failed CAS attempts against one slot
// that triggers forced expansion: the slot is marked so every
// subsequent operation must replace it with a sub-spine before
// proceeding, bounding per-slot contention.
const MaxCASFailure = 10

// hashKey is required to be a bijection on uint32. A multiplicative
// Fibonacci hash (odd constant, invertible mod 2^32) satisfies this.
func hashKey(key uint32) uint32 {
	return key * 2654435761
}

// claim is the atomically-installed payload behind a data node's
// current transactional ownership: which NodeDescriptor/op claims it,
// whether that claim is marked for physical cleanup (the Tagged
// mark-bit idiom shared with translist/transskip), and the value the
// claiming Insert/Update/Find proposes or carries forward. value
// travels in the same CAS as the ownership claim so a winning install
// and the value it carries are always observed together — writing a
// node's value through a separate field, after the fact, could let a
// losing claim's write land after the real winner's.
type claim struct {
	nd     *txn.NodeDescriptor
	marked bool
	value  uint32
}

func newClaim(nd *txn.NodeDescriptor, value uint32) *claim {
	return &claim{nd: nd, value: value}
}

// markClaim returns a copy of c with the mark bit set, preserving nd
// and value. Used when a data node is scheduled for physical removal.
func markClaim(c *claim) *claim {
	return &claim{nd: c.nd, marked: true, value: c.value}
}

// dataNode is a TransMap leaf: one key's hash and its current
// transactional claim.
type dataNode struct {
	hash  uint32
	claim atomic.Pointer[claim]
}

// spine is one level of the map: an array of slots plus a parallel
// array of per-slot CAS-failure counters driving forced expansion.
type spine struct {
	bits       uint // hash bits this level consumes
	shift      uint // how far those bits must be shifted right to index here
	slots      []atomic.Pointer[slot]
	casFailure []atomic.Uint32
}

// slot is the tagged content of one spine array entry: nil (never
// written), a data node, a child spine, or an empty slot marked for
// forced expansion.
type slot struct {
	data   *dataNode
	child  *spine
	forced bool
}

func newSpine(bits, shift uint) *spine {
	n := uint(1) << bits
	return &spine{
		bits:       bits,
		shift:      shift,
		slots:      make([]atomic.Pointer[slot], n),
		casFailure: make([]atomic.Uint32, n),
	}
}

func (s *spine) index(hash uint32) uint32 {
	return (hash >> s.shift) & ((1 << s.bits) - 1)
}

// Map is a TransMap container.
type Map struct {
	root *spine

	descAllocator     *alloc.Pool[txn.Descriptor]
	nodeDescAllocator *alloc.Pool[txn.NodeDescriptor]
	claimAllocator    *alloc.Pool[claim]
	dataAllocator     *alloc.Pool[dataNode]

	logger zerolog.Logger
}

// Config bounds the allocator pools.
type Config struct {
	Capacity    uint64
	ThreadCount uint64
}

// New builds an empty TransMap sized per cfg.
func New(cfg Config) *Map {
	budget := cfg.Capacity * 8
	if budget < cfg.ThreadCount {
		budget = cfg.ThreadCount
	}
	return &Map{
		root:              newSpine(MainBits, 32-MainBits),
		descAllocator:     alloc.NewPool[txn.Descriptor](budget, cfg.ThreadCount),
		nodeDescAllocator: alloc.NewPool[txn.NodeDescriptor](budget, cfg.ThreadCount),
		claimAllocator:    alloc.NewPool[claim](budget, cfg.ThreadCount),
		dataAllocator:     alloc.NewPool[dataNode](budget, cfg.ThreadCount),
		logger:            telemetry.WithContainer("map"),
	}
}

// Worker bundles one goroutine's allocator handles, help stack,
// metrics recorder, and watch slot.
//
// watch records the hash this worker currently operates on, stored as
// hash+1 so that 0 means none (hash 0xFFFFFFFF wraps to 0 and so also
// reads as none); a future node-recycling scheme would scan
// every worker's watch before reusing a retired data node's slab
// entry. The bump allocator never recycles individually, so nothing
// reads watch today, but the field is kept populated so that
// reclamation can be added without touching the traversal code.
type Worker struct {
	id        int
	descH     *alloc.Handle[txn.Descriptor]
	nodeDescH *alloc.Handle[txn.NodeDescriptor]
	claimH    *alloc.Handle[claim]
	dataH     *alloc.Handle[dataNode]
	help      *helpstack.Stack
	rec       *metrics.Recorder
	watch     atomic.Uint32
}

// NewWorker registers worker id and returns its handle.
func (m *Map) NewWorker(id int) *Worker {
	return &Worker{
		id:        id,
		descH:     m.descAllocator.Init(id),
		nodeDescH: m.nodeDescAllocator.Init(id),
		claimH:    m.claimAllocator.Init(id),
		dataH:     m.dataAllocator.Init(id),
		help:      helpstack.New(),
		rec:       metrics.NewRecorder(),
	}
}

// Recorder exposes the worker's commit/abort/fake-abort tally.
func (w *Worker) Recorder() *metrics.Recorder { return w.rec }

// AllocateDesc allocates and initializes a descriptor for ops.
func (m *Map) AllocateDesc(w *Worker, ops []txn.Operation) *txn.Descriptor {
	d := w.descH.Alloc()
	d.InitOps(ops)
	return d
}

// ExecuteOps drives desc to commit or abort.
func (m *Map) ExecuteOps(w *Worker, desc *txn.Descriptor) bool {
	bound := boundWorker{m: m, w: w}
	return executor.ExecuteOps(bound, desc, w.help, w.rec)
}

type boundWorker struct {
	m *Map
	w *Worker
}

func (b boundWorker) Insert(key, value uint32, desc *txn.Descriptor, opid uint8) bool {
	ok, _ := b.m.upsert(b.w, key, value, desc, opid, true)
	return ok
}
func (b boundWorker) Delete(key uint32, desc *txn.Descriptor, opid uint8) bool {
	return b.m.delete(b.w, key, desc, opid)
}
func (b boundWorker) Find(key uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	return b.m.find(b.w, key, desc, opid)
}
func (b boundWorker) Update(key, value uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	return b.m.upsert(b.w, key, value, desc, opid, false)
}
func (b boundWorker) Cleanup(desc *txn.Descriptor) {
	b.m.PostCommitCleanup(b.w, desc)
}

// locate descends from the root spine to the slot that either already
// holds hash, or is the empty/forced slot where a new data node for
// hash belongs. It cooperates in forcing expansion of any marked slot
// it passes through.
func (m *Map) locate(w *Worker, hash uint32) (sp *spine, idx uint32) {
	sp = m.root
	for {
		idx = sp.index(hash)
		cur := sp.slots[idx].Load()

		if cur == nil || (cur.forced == false && cur.data == nil && cur.child == nil) {
			return sp, idx
		}
		if cur.forced {
			m.forceExpand(sp, idx, cur)
			continue
		}
		if cur.data != nil {
			if cur.data.hash == hash {
				return sp, idx
			}
			// Different key in this slot: caller expands it.
			return sp, idx
		}
		// cur.child != nil: descend.
		sp = cur.child
	}
}

// forceExpand replaces a forced-expansion slot with a fresh, empty
// sub-spine before any operation may proceed through it.
func (m *Map) forceExpand(sp *spine, idx uint32, forced *slot) {
	child := newSpine(SubBits, subtractShift(sp.shift))
	repl := &slot{child: child}
	sp.slots[idx].CompareAndSwap(forced, repl)
}

func subtractShift(shift uint) uint {
	if shift < SubBits {
		return 0
	}
	return shift - SubBits
}

// expandCollision handles "occupied by data node with a different
// hash": build (possibly several levels of) sub-spine until the old
// and new data nodes land in different slots, then CAS the old
// data-node pointer to the new sub-spine.
func (m *Map) expandCollision(sp *spine, idx uint32, old *slot, newHash uint32, newData *dataNode) (*spine, uint32, bool) {
	oldData := old.data
	shift := subtractShift(sp.shift)
	child := newSpine(SubBits, shift)

	top := child
	oldIdx := child.index(oldData.hash)
	newIdx := child.index(newHash)
	for oldIdx == newIdx && shift > 0 {
		inner := newSpine(SubBits, subtractShift(shift))
		child.slots[oldIdx].Store(&slot{child: inner})
		child = inner
		shift = subtractShift(shift)
		oldIdx = child.index(oldData.hash)
		newIdx = child.index(newHash)
	}
	child.slots[oldIdx].Store(&slot{data: oldData})
	child.slots[newIdx].Store(&slot{data: newData})

	repl := &slot{child: top}
	if !sp.slots[idx].CompareAndSwap(old, repl) {
		return nil, 0, false
	}
	return child, newIdx, true
}

func (m *Map) casSlot(sp *spine, idx uint32, old, new *slot) bool {
	if sp.slots[idx].CompareAndSwap(old, new) {
		return true
	}
	if sp.casFailure[idx].Add(1) >= MaxCASFailure {
		sp.slots[idx].CompareAndSwap(old, &slot{forced: true})
	}
	return false
}

func (m *Map) upsert(w *Worker, key, value uint32, desc *txn.Descriptor, opid uint8, isInsert bool) (bool, uint32) {
	hash := hashKey(key)
	w.watch.Store(hash + 1)
	defer w.watch.Store(0)

	nd := w.nodeDescH.Alloc()
	*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
	// Insert/Update always propose value itself: the claim travels with
	// the op's own value, not one carried forward from a prior claim.
	own := w.claimH.Alloc()
	*own = *newClaim(nd, value)

	for {
		sp, idx := m.locate(w, hash)
		cur := sp.slots[idx].Load()

		if cur == nil || (!cur.forced && cur.data == nil && cur.child == nil) {
			if !isInsert {
				return false, 0 // UPDATE: FAIL if key absent
			}
			fresh := w.dataH.Alloc()
			*fresh = dataNode{hash: hash}
			fresh.claim.Store(own)
			if m.casSlot(sp, idx, cur, &slot{data: fresh}) {
				return true, value
			}
			continue
		}

		if cur.forced {
			m.forceExpand(sp, idx, cur)
			continue
		}

		if cur.child != nil {
			continue // a concurrent expansion landed here; redescend
		}

		if cur.data.hash != hash {
			fresh := w.dataH.Alloc()
			*fresh = dataNode{hash: hash}
			fresh.claim.Store(own)
			if _, _, ok := m.expandCollision(sp, idx, cur, hash, fresh); ok {
				return true, value
			}
			continue
		}

		old := cur.data.claim.Load()
		if old.marked {
			continue
		}
		executor.FinishPendingTxn(boundWorker{m, w}, old.nd, desc, w.help, w.rec)

		curClaim := cur.data.claim.Load()
		if txn.SameOperation(curClaim.nd, nd) {
			return true, value
		}
		if curClaim.marked {
			continue
		}
		if curClaim.nd.Desc.Status() == txn.StatusActive {
			continue
		}

		present := txn.Present(curClaim.nd)
		if isInsert && present {
			return false, 0 // INSERT: FAIL if already present
		}
		if !isInsert && !present {
			return false, 0 // UPDATE: FAIL if absent
		}
		if cur.data.claim.CompareAndSwap(curClaim, own) {
			return true, value
		}
	}
}

func (m *Map) delete(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	hash := hashKey(key)
	w.watch.Store(hash + 1)
	defer w.watch.Store(0)

	var nd *txn.NodeDescriptor

	for {
		sp, idx := m.locate(w, hash)
		cur := sp.slots[idx].Load()

		if cur == nil || (!cur.forced && cur.data == nil && cur.child == nil) {
			return false
		}
		if cur.forced {
			m.forceExpand(sp, idx, cur)
			continue
		}
		if cur.child != nil {
			continue
		}
		if cur.data.hash != hash {
			return false
		}

		old := cur.data.claim.Load()
		if old.marked {
			return false
		}
		executor.FinishPendingTxn(boundWorker{m, w}, old.nd, desc, w.help, w.rec)

		if nd == nil {
			nd = w.nodeDescH.Alloc()
			*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
		}

		curClaim := cur.data.claim.Load()
		if txn.SameOperation(curClaim.nd, nd) {
			return true
		}
		if curClaim.marked {
			return false
		}
		if curClaim.nd.Desc.Status() == txn.StatusActive {
			continue
		}
		if !txn.Present(curClaim.nd) {
			return false
		}
		// Delete never changes the stored value; carry it forward so a
		// later Find on this (now logically absent) node still reports
		// what was last there.
		own := w.claimH.Alloc()
		*own = *newClaim(nd, curClaim.value)
		if cur.data.claim.CompareAndSwap(curClaim, own) {
			return true
		}
	}
}

func (m *Map) find(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	hash := hashKey(key)
	w.watch.Store(hash + 1)
	defer w.watch.Store(0)

	var nd *txn.NodeDescriptor

	for {
		sp, idx := m.locate(w, hash)
		cur := sp.slots[idx].Load()

		if cur == nil || (!cur.forced && cur.data == nil && cur.child == nil) {
			return false, 0
		}
		if cur.forced {
			m.forceExpand(sp, idx, cur)
			continue
		}
		if cur.child != nil {
			continue
		}
		if cur.data.hash != hash {
			return false, 0
		}

		old := cur.data.claim.Load()
		if old.marked {
			return false, 0
		}
		executor.FinishPendingTxn(boundWorker{m, w}, old.nd, desc, w.help, w.rec)

		if nd == nil {
			nd = w.nodeDescH.Alloc()
			*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
		}

		curClaim := cur.data.claim.Load()
		if txn.SameOperation(curClaim.nd, nd) {
			return true, curClaim.value
		}
		if curClaim.marked {
			return false, 0
		}
		if curClaim.nd.Desc.Status() == txn.StatusActive {
			continue
		}
		if !txn.Present(curClaim.nd) {
			return false, 0
		}

		// Publish this FIND as a witness, carrying the current value
		// forward unchanged (FIND never mutates it).
		own := w.claimH.Alloc()
		*own = *newClaim(nd, curClaim.value)
		if cur.data.claim.CompareAndSwap(curClaim, own) {
			return true, curClaim.value
		}
	}
}

// Contains reports whether key is logically present right now — a
// debug/test convenience, not part of the transactional API (reading
// presence outside a transaction is inherently racy).
func (m *Map) Contains(key uint32) bool {
	_, ok := m.Value(key)
	return ok
}

// Value reports the value currently stored for key and whether key is
// logically present, outside any transaction — the same debug/test
// convenience as Contains, extended to report the payload.
func (m *Map) Value(key uint32) (uint32, bool) {
	hash := hashKey(key)
	sp := m.root
	for {
		idx := sp.index(hash)
		cur := sp.slots[idx].Load()
		if cur == nil || (!cur.forced && cur.data == nil && cur.child == nil) {
			return 0, false
		}
		if cur.forced {
			return 0, false
		}
		if cur.child != nil {
			sp = cur.child
			continue
		}
		if cur.data.hash != hash {
			return 0, false
		}
		c := cur.data.claim.Load()
		if c == nil || c.marked {
			return 0, false
		}
		if c.nd.Desc.Status() == txn.StatusActive {
			return 0, false
		}
		if !txn.Present(c.nd) {
			return 0, false
		}
		return c.value, true
	}
}

// PostCommitCleanup physically clears data-node slots committed-deleted
// (or rolled-back-inserted) by desc. The executor calls this once desc
// leaves ACTIVE. A missed or lost race here is never fatal to
// correctness: a marked-but-unsnipped node already reads as absent
// (Find/Delete return false on a marked claim) and any upsert that
// finds one spins until the slot is snipped, same as translist and
// transskip tolerate a missed unlink.
func (m *Map) PostCommitCleanup(w *Worker, desc *txn.Descriptor) {
	committed := desc.Committed()
	for opid, op := range desc.Ops {
		if op.Type != txn.OpDelete && op.Type != txn.OpInsert {
			continue
		}
		wantCommitted := op.Type == txn.OpDelete
		if committed != wantCommitted {
			continue
		}
		hash := hashKey(op.Key)
		sp, idx := m.locate(w, hash)
		cur := sp.slots[idx].Load()
		if cur == nil || cur.data == nil || cur.data.hash != hash {
			continue
		}
		c := cur.data.claim.Load()
		if c.marked || c.nd.Desc != desc || int(c.nd.OpID) != opid {
			continue
		}
		marked := markClaim(c)
		if cur.data.claim.CompareAndSwap(c, marked) {
			sp.slots[idx].CompareAndSwap(cur, &slot{})
		}
	}
}
