// Package translist implements TransList: a lock-free ordered
// singly-linked list whose nodes carry a transactional NodeDescriptor,
// supporting batched, atomically-committed Insert/Delete/Find
// operations with cooperative helping.
//
// Traversal follows a mark-and-skip retry idiom: a predecessor walk
// that finds a physically-marked node CASes it out of the chain and
// retries, the same shape as a single-flag lock-free delete, but
// generalized from one logical-deletion bit to the full transactional
// NodeDescriptor model.
package translist

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

// MinKey and MaxKey bound the caller-visible key space. Internally
// keys are shifted up by one so that key 0 never collides with the
// head sentinel.
const (
	MinKey uint32 = 0
	MaxKey uint32 = ^uint32(0) - 1
)

func internalKey(k uint32) uint32 { return k + 1 }

// node is a TransList data node. marked is the Harris-style physical
// mark on this node's own outgoing edge (set once a predecessor should
// skip and unlink it); it is independent of nodeDesc's own Marked flag,
// which instead signals logical-delete authority.
type node struct {
	key      uint32
	next     atomic.Pointer[node]
	marked   atomic.Bool
	nodeDesc atomic.Pointer[txn.Tagged]
}

// List is a TransList container.
type List struct {
	head, tail *node

	descAllocator     *alloc.Pool[txn.Descriptor]
	nodeDescAllocator *alloc.Pool[txn.NodeDescriptor]
	taggedAllocator   *alloc.Pool[txn.Tagged]

	logger zerolog.Logger
}

// Config bounds the allocator pools behind a List: capacity is the
// number of live container nodes expected over the run, threadCount is
// the number of workers that will call NewWorker.
type Config struct {
	Capacity    uint64
	ThreadCount uint64
}

// New builds an empty TransList sized per cfg.
func New(cfg Config) *List {
	head := &node{key: 0}
	tail := &node{key: ^uint32(0)}
	head.next.Store(tail)

	// Every committed Insert/Delete/Find claim allocates one
	// NodeDescriptor and one Tagged wrapper; budget generously since
	// these never get reclaimed individually (bump allocator, no free
	// list).
	budget := cfg.Capacity * 8
	if budget < cfg.ThreadCount {
		budget = cfg.ThreadCount
	}
	return &List{
		head:              head,
		tail:              tail,
		descAllocator:     alloc.NewPool[txn.Descriptor](budget, cfg.ThreadCount),
		nodeDescAllocator: alloc.NewPool[txn.NodeDescriptor](budget, cfg.ThreadCount),
		taggedAllocator:   alloc.NewPool[txn.Tagged](budget, cfg.ThreadCount),
		logger:            telemetry.WithContainer("list"),
	}
}

// Worker bundles everything one goroutine needs to drive transactions
// against a List: its own allocator handles, help stack, and metrics
// recorder.
type Worker struct {
	id        int
	descH     *alloc.Handle[txn.Descriptor]
	nodeDescH *alloc.Handle[txn.NodeDescriptor]
	taggedH   *alloc.Handle[txn.Tagged]
	help      *helpstack.Stack
	rec       *metrics.Recorder
}

// NewWorker registers worker id and returns its handle. id must be
// stable and unique in [0, ThreadCount).
func (l *List) NewWorker(id int) *Worker {
	return &Worker{
		id:        id,
		descH:     l.descAllocator.Init(id),
		nodeDescH: l.nodeDescAllocator.Init(id),
		taggedH:   l.taggedAllocator.Init(id),
		help:      helpstack.New(),
		rec:       metrics.NewRecorder(),
	}
}

// Recorder exposes the worker's commit/abort/fake-abort tally.
func (w *Worker) Recorder() *metrics.Recorder { return w.rec }

// AllocateDesc allocates and initializes a transaction descriptor
// (status ACTIVE) for the given operation batch.
func (l *List) AllocateDesc(w *Worker, ops []txn.Operation) *txn.Descriptor {
	d := w.descH.Alloc()
	d.InitOps(ops)
	return d
}

// ExecuteOps drives desc to commit or abort, returning true iff
// committed.
func (l *List) ExecuteOps(w *Worker, desc *txn.Descriptor) bool {
	bound := boundWorker{l: l, w: w}
	return executor.ExecuteOps(bound, desc, w.help, w.rec)
}

// boundWorker adapts (List, Worker) to executor.Primitives.
type boundWorker struct {
	l *List
	w *Worker
}

func (b boundWorker) Insert(key, value uint32, desc *txn.Descriptor, opid uint8) bool {
	return b.l.insert(b.w, key, desc, opid)
}

func (b boundWorker) Delete(key uint32, desc *txn.Descriptor, opid uint8) bool {
	return b.l.delete(b.w, key, desc, opid)
}

func (b boundWorker) Find(key uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	return b.l.find(b.w, key, desc, opid), 0
}

func (b boundWorker) Update(key, value uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	// TransList never carries OpUpdate; a descriptor that reaches this
	// is malformed.
	panic("translist: UPDATE is not a list operation")
}

func (b boundWorker) Cleanup(desc *txn.Descriptor) {
	b.l.PostCommitCleanup(b.w, desc)
}

// locatePredecessor finds (pred, curr) such that pred.key < key <=
// curr.key, physically unlinking any marked nodes it walks past
// (Fraser-style strong search: unlink as you go, retry from head on a
// failed unlink CAS).
func (l *List) locatePredecessor(key uint32) (pred, curr *node) {
retry:
	pred = l.head
	curr = pred.next.Load()
	for {
		for curr.marked.Load() {
			next := curr.next.Load()
			if !pred.next.CompareAndSwap(curr, next) {
				goto retry
			}
			curr = next
		}
		if curr.key >= key {
			return pred, curr
		}
		pred = curr
		curr = pred.next.Load()
	}
}

func (l *List) insert(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	nd := w.nodeDescH.Alloc()
	*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
	tagged := w.taggedH.Alloc()
	*tagged = *txn.NewTagged(nd)

	for {
		pred, curr := l.locatePredecessor(key)

		if curr.key != key {
			newNode := &node{key: key}
			newNode.next.Store(curr)
			newNode.nodeDesc.Store(tagged)
			if pred.next.CompareAndSwap(curr, newNode) {
				return true
			}
			continue
		}

		old := curr.nodeDesc.Load()
		if old.Marked {
			continue // dying node; retry from head
		}

		executor.FinishPendingTxn(boundWorker{l, w}, old.ND, desc, w.help, w.rec)

		cur := curr.nodeDesc.Load()
		if txn.SameOperation(cur.ND, nd) {
			return true // SKIP: a helper already installed this exact claim
		}

		if cur.Marked {
			continue
		}

		if cur.ND.Desc.Status() == txn.StatusActive {
			continue // still unresolved after helping; retry
		}

		if !txn.Present(cur.ND) {
			if curr.nodeDesc.CompareAndSwap(cur, tagged) {
				return true
			}
			continue
		}

		return false // FAIL: key already present
	}
}

func (l *List) delete(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	var nd *txn.NodeDescriptor
	var tagged *txn.Tagged

	for {
		_, curr := l.locatePredecessor(key)
		if curr.key != key {
			return false // FAIL: key absent
		}

		old := curr.nodeDesc.Load()
		if old.Marked {
			return false
		}

		executor.FinishPendingTxn(boundWorker{l, w}, old.ND, desc, w.help, w.rec)

		if nd == nil {
			nd = w.nodeDescH.Alloc()
			*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
			tagged = w.taggedH.Alloc()
			*tagged = *txn.NewTagged(nd)
		}

		cur := curr.nodeDesc.Load()
		if txn.SameOperation(cur.ND, nd) {
			return true
		}
		if cur.Marked {
			return false
		}
		if cur.ND.Desc.Status() == txn.StatusActive {
			continue
		}

		if txn.Present(cur.ND) {
			if curr.nodeDesc.CompareAndSwap(cur, tagged) {
				return true
			}
			continue
		}

		return false
	}
}

func (l *List) find(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	var nd *txn.NodeDescriptor
	var tagged *txn.Tagged

	for {
		_, curr := l.locatePredecessor(key)
		if curr.key != key {
			return false
		}

		old := curr.nodeDesc.Load()
		if old.Marked {
			return false
		}

		executor.FinishPendingTxn(boundWorker{l, w}, old.ND, desc, w.help, w.rec)

		if nd == nil {
			nd = w.nodeDescH.Alloc()
			*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
			tagged = w.taggedH.Alloc()
			*tagged = *txn.NewTagged(nd)
		}

		cur := curr.nodeDesc.Load()
		if txn.SameOperation(cur.ND, nd) {
			return true
		}
		if cur.Marked {
			return false
		}
		if cur.ND.Desc.Status() == txn.StatusActive {
			continue
		}

		if !txn.Present(cur.ND) {
			return false
		}

		// Publish this FIND as a witness: install our NodeDescriptor
		// unconditionally so a later conflicting op can detect this
		// read even though FIND never changes presence.
		if curr.nodeDesc.CompareAndSwap(cur, tagged) {
			return true
		}
		continue
	}
}

// PostCommitCleanup performs the physical unlink of nodes a
// just-committed Delete op removed and the just-aborted Insert ops
// that were rolled back. The executor calls this once desc leaves
// ACTIVE; a later locatePredecessor traversal that walks past a marked
// node unlinks it too, so a missed or lost race here is never fatal to
// correctness, only to how promptly a dead node is reclaimed.
func (l *List) PostCommitCleanup(w *Worker, desc *txn.Descriptor) {
	committed := desc.Committed()
	for opid, op := range desc.Ops {
		if op.Type != txn.OpDelete && op.Type != txn.OpInsert {
			continue
		}
		wantCommitted := op.Type == txn.OpDelete
		if committed != wantCommitted {
			continue
		}
		key := internalKey(op.Key)
		_, curr := l.locatePredecessor(key)
		if curr.key != key {
			continue
		}
		tagged := curr.nodeDesc.Load()
		if tagged.Marked || tagged.ND.Desc != desc || int(tagged.ND.OpID) != opid {
			continue
		}
		marked := txn.MarkTagged(tagged)
		if curr.nodeDesc.CompareAndSwap(tagged, marked) {
			curr.marked.Store(true)
			pred, _ := l.locatePredecessor(key)
			next := curr.next.Load()
			pred.next.CompareAndSwap(curr, next)
		}
	}
}

// Contains reports whether key is logically present right now — a
// debug/test convenience, not part of the transactional API (reading
// presence outside a transaction is inherently racy).
func (l *List) Contains(key uint32) bool {
	key = internalKey(key)
	_, curr := l.locatePredecessor(key)
	if curr.key != key {
		return false
	}
	tagged := curr.nodeDesc.Load()
	if tagged == nil || tagged.Marked {
		return false
	}
	if tagged.ND.Desc.Status() == txn.StatusActive {
		return false
	}
	return txn.Present(tagged.ND)
}
