// Package transskip implements TransSkip: a lock-free Fraser-style
// multi-level skip list whose bottom-level node carries the
// transactional NodeDescriptor (upper levels are index-only), with
// batched, atomically-committed Insert/Delete/Find and cooperative
// helping.
//
// Traversal uses two search modes: a weak search that neither tests nor
// unlinks marked nodes, and a strong search that physically unlinks
// them (CAS-retry from the top level down). Physical unlinking of a deleted
// tower cascades top to bottom; only the bottom level carries logical
// state.
package transskip

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/translock/translock/internal/alloc"
	"github.com/translock/translock/internal/executor"
	"github.com/translock/translock/internal/helpstack"
	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/telemetry"
	"github.com/translock/translock/internal/txn"
)

// NumLevels bounds node height; fine for up to 2^NumLevels nodes.
const NumLevels = 20

// MinKey and MaxKey bound the caller-visible key space (see
// translist's identical convention; keys are shifted by one
// internally so 0 never collides with the head sentinel).
const (
	MinKey uint32 = 0
	MaxKey uint32 = ^uint32(0) - 1
)

func internalKey(k uint32) uint32 { return k + 1 }

// node is one TransSkip tower. Only level 0's nodeDesc carries logical
// state; next[1:] are a pure index, rebuilt top-down on delete.
type node struct {
	key      uint32
	level    int
	next     []atomic.Pointer[node]
	marked   atomic.Bool // Harris mark: this node's own outgoing edges are pending unlink
	nodeDesc atomic.Pointer[txn.Tagged]
}

// Skip is a TransSkip container.
type Skip struct {
	head, tail *node

	descAllocator     *alloc.Pool[txn.Descriptor]
	nodeDescAllocator *alloc.Pool[txn.NodeDescriptor]
	taggedAllocator   *alloc.Pool[txn.Tagged]

	logger zerolog.Logger
}

// Config bounds the allocator pools and random level source.
type Config struct {
	Capacity    uint64
	ThreadCount uint64
}

// New builds an empty TransSkip sized per cfg.
func New(cfg Config) *Skip {
	head := &node{key: 0, level: NumLevels, next: make([]atomic.Pointer[node], NumLevels)}
	tail := &node{key: ^uint32(0), level: NumLevels, next: make([]atomic.Pointer[node], NumLevels)}
	for i := 0; i < NumLevels; i++ {
		head.next[i].Store(tail)
	}

	budget := cfg.Capacity * 8
	if budget < cfg.ThreadCount {
		budget = cfg.ThreadCount
	}
	return &Skip{
		head:              head,
		tail:              tail,
		descAllocator:     alloc.NewPool[txn.Descriptor](budget, cfg.ThreadCount),
		nodeDescAllocator: alloc.NewPool[txn.NodeDescriptor](budget, cfg.ThreadCount),
		taggedAllocator:   alloc.NewPool[txn.Tagged](budget, cfg.ThreadCount),
		logger:            telemetry.WithContainer("skip"),
	}
}

// Worker bundles one goroutine's allocator handles, help stack, metrics
// recorder, and private level-assignment RNG.
type Worker struct {
	id        int
	descH     *alloc.Handle[txn.Descriptor]
	nodeDescH *alloc.Handle[txn.NodeDescriptor]
	taggedH   *alloc.Handle[txn.Tagged]
	help      *helpstack.Stack
	rec       *metrics.Recorder
	rngMu     sync.Mutex
	rng       *rand.Rand
}

// NewWorker registers worker id and returns its handle.
func (s *Skip) NewWorker(id int) *Worker {
	return &Worker{
		id:        id,
		descH:     s.descAllocator.Init(id),
		nodeDescH: s.nodeDescAllocator.Init(id),
		taggedH:   s.taggedAllocator.Init(id),
		help:      helpstack.New(),
		rec:       metrics.NewRecorder(),
		rng:       rand.New(rand.NewPCG(uint64(id)+1, uint64(id)*2+1)),
	}
}

// Recorder exposes the worker's commit/abort/fake-abort tally.
func (w *Worker) Recorder() *metrics.Recorder { return w.rec }

// randomLevel picks a tower height in [1, NumLevels], drop rate 0.5
// per level.
func (w *Worker) randomLevel() int {
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	level := 1
	for level < NumLevels && w.rng.Float64() < 0.5 {
		level++
	}
	return level
}

// AllocateDesc allocates and initializes a descriptor for ops.
func (s *Skip) AllocateDesc(w *Worker, ops []txn.Operation) *txn.Descriptor {
	d := w.descH.Alloc()
	d.InitOps(ops)
	return d
}

// ExecuteOps drives desc to commit or abort.
func (s *Skip) ExecuteOps(w *Worker, desc *txn.Descriptor) bool {
	bound := boundWorker{s: s, w: w}
	return executor.ExecuteOps(bound, desc, w.help, w.rec)
}

type boundWorker struct {
	s *Skip
	w *Worker
}

func (b boundWorker) Insert(key, value uint32, desc *txn.Descriptor, opid uint8) bool {
	return b.s.insert(b.w, key, desc, opid)
}
func (b boundWorker) Delete(key uint32, desc *txn.Descriptor, opid uint8) bool {
	return b.s.delete(b.w, key, desc, opid)
}
func (b boundWorker) Find(key uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	return b.s.find(b.w, key, desc, opid), 0
}
func (b boundWorker) Update(key, value uint32, desc *txn.Descriptor, opid uint8) (bool, uint32) {
	panic("transskip: UPDATE is not a skip-list operation")
}
func (b boundWorker) Cleanup(desc *txn.Descriptor) {
	b.s.PostCommitCleanup(b.w, desc)
}

// weakSearch finds, at every level, the first node with key >= k,
// whether or not it is marked, and unlinks nothing along the way — an
// optimistic traversal; callers check the returned node's claim
// themselves before acting on it.
func (s *Skip) weakSearch(key uint32) (preds, succs [NumLevels]*node, bottom *node) {
	x := s.head
	for i := NumLevels - 1; i >= 0; i-- {
		xNext := x.next[i].Load()
		for xNext.key < key {
			x = xNext
			xNext = x.next[i].Load()
		}
		preds[i] = x
		succs[i] = xNext
	}
	return preds, succs, succs[0]
}

// strongSearch is weakSearch plus physical unlinking of marked nodes
// it encounters at each level.
func (s *Skip) strongSearch(key uint32) (preds, succs [NumLevels]*node, bottom *node) {
retry:
	x := s.head
	for i := NumLevels - 1; i >= 0; i-- {
		xNext := x.next[i].Load()
		for {
			for xNext.marked.Load() {
				next := xNext.next[i].Load()
				if !x.next[i].CompareAndSwap(xNext, next) {
					goto retry
				}
				xNext = next
			}
			if xNext.key >= key {
				break
			}
			x = xNext
			xNext = x.next[i].Load()
		}
		preds[i] = x
		succs[i] = xNext
	}
	return preds, succs, succs[0]
}

func (s *Skip) insert(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	nd := w.nodeDescH.Alloc()
	*nd = txn.NodeDescriptor{Desc: desc, OpID: opid}
	tagged := w.taggedH.Alloc()
	*tagged = *txn.NewTagged(nd)

	for {
		preds, _, curr := s.weakSearch(key)

		if curr.key == key {
			old := curr.nodeDesc.Load()
			if old.Marked {
				continue
			}
			executor.FinishPendingTxn(boundWorker{s, w}, old.ND, desc, w.help, w.rec)

			cur := curr.nodeDesc.Load()
			if txn.SameOperation(cur.ND, nd) {
				return true
			}
			if cur.Marked {
				continue
			}
			if cur.ND.Desc.Status() == txn.StatusActive {
				continue
			}
			if !txn.Present(cur.ND) {
				if curr.nodeDesc.CompareAndSwap(cur, tagged) {
					return true
				}
				continue
			}
			return false
		}

		// Not present: splice in a fresh tower at level 0, then
		// propagate upward (best effort, may retry per level).
		height := w.randomLevel()
		n := &node{key: key, level: height, next: make([]atomic.Pointer[node], height)}
		n.nodeDesc.Store(tagged)

		n.next[0].Store(curr)
		if !preds[0].next[0].CompareAndSwap(curr, n) {
			continue
		}

		// Level 0 CAS is the linearization point; splice remaining
		// levels best-effort.
		for lvl := 1; lvl < height; lvl++ {
			for {
				lvlPreds, lvlSuccs, c := s.weakSearch(key)
				if c.key == key && c != n {
					break // someone else already won this key
				}
				n.next[lvl].Store(lvlSuccs[lvl])
				if lvlPreds[lvl].next[lvl].CompareAndSwap(lvlSuccs[lvl], n) {
					break
				}
				if n.marked.Load() {
					break
				}
			}
		}
		return true
	}
}

func (s *Skip) delete(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	var nd *txn.NodeDescriptor
	var tagged *txn.Tagged

	_, _, curr := s.weakSearch(key)

	for {
		if curr.key != key {
			return false
		}

		old := curr.nodeDesc.Load()
		if old.Marked {
			return false
		}

		executor.FinishPendingTxn(boundWorker{s, w}, old.ND, desc, w.help, w.rec)

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

func (s *Skip) find(w *Worker, key uint32, desc *txn.Descriptor, opid uint8) bool {
	key = internalKey(key)
	var nd *txn.NodeDescriptor
	var tagged *txn.Tagged

	_, _, curr := s.weakSearch(key)

	for {
		if curr.key != key {
			return false
		}

		old := curr.nodeDesc.Load()
		if old.Marked {
			return false
		}

		executor.FinishPendingTxn(boundWorker{s, w}, old.ND, desc, w.help, w.rec)

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

		// FIND installs its witness unconditionally, same as the list.
		if curr.nodeDesc.CompareAndSwap(cur, tagged) {
			return true
		}
		continue
	}
}

// markDeleted sets the Harris mark on n so a later strongSearch
// unlinks it at every level it touches, top to bottom.
func (s *Skip) markDeleted(n *node) {
	n.marked.Store(true)
}

// PostCommitCleanup physically unlinks nodes committed-deleted (or
// rolled-back-inserted) by desc. Called by the executor once desc
// leaves ACTIVE; best-effort otherwise, as in translist — a strongSearch
// walking past a still-marked node unlinks it anyway.
func (s *Skip) PostCommitCleanup(w *Worker, desc *txn.Descriptor) {
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
		_, _, curr := s.weakSearch(key)
		if curr.key != key {
			continue
		}
		tagged := curr.nodeDesc.Load()
		if tagged.Marked || tagged.ND.Desc != desc || int(tagged.ND.OpID) != opid {
			continue
		}
		marked := txn.MarkTagged(tagged)
		if curr.nodeDesc.CompareAndSwap(tagged, marked) {
			s.markDeleted(curr)
			s.strongSearch(key) // cascades the physical unlink top-down
		}
	}
}

// Contains is a debug/test convenience, not part of the transactional
// API.
func (s *Skip) Contains(key uint32) bool {
	key = internalKey(key)
	_, _, curr := s.weakSearch(key)
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
