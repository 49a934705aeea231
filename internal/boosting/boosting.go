// Package boosting implements comparison baselines in the style of
// "transactional boosting": a single mutex serializes an entire
// operation batch around calls into a plain (non-transactional)
// lock-free container. These exist to be measured against the
// descriptor-based cores in internal/translist, internal/transskip,
// and internal/transmap — they intentionally do not meet the
// lock-free bar those packages do.
package boosting

import (
	"sync"
	"sync/atomic"

	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/txn"
	"github.com/translock/translock/skiptrie"
)

// plainSet is the minimal single-key surface a boosted container
// needs: no batching, no descriptors, just insert/delete/find on one
// key at a time, exactly as the lock-free containers this wrapper
// guards would look without the transactional layer.
type plainSet interface {
	Insert(key, value uint32) bool
	Delete(key uint32) bool
	Find(key uint32) bool
}

// Worker is a boosting container's per-goroutine handle. There is no
// allocator or help stack here — boosting needs neither batching
// machinery nor helping, only a recorder so transbench can report
// commit/abort counts uniformly across every set type.
type Worker struct {
	rec *metrics.Recorder
}

// Recorder exposes the worker's commit/abort tally.
func (w *Worker) Recorder() *metrics.Recorder { return w.rec }

// Set wraps a plainSet with a single coarse-grained lock: the whole
// operation batch runs under one critical section and either commits
// (lock released after every op ran) or aborts (an op hit FAIL, and
// the ops that already ran are undone in reverse order before the lock
// is released, so no other batch ever observes a partial effect).
type Set struct {
	mu  sync.Mutex
	set plainSet
}

// New wraps set behind a single mutex.
func New(set plainSet) *Set {
	return &Set{set: set}
}

// NewWorker returns a fresh per-goroutine handle.
func (s *Set) NewWorker(id int) *Worker {
	return &Worker{rec: metrics.NewRecorder()}
}

// AllocateDesc builds a plain (heap-allocated) descriptor: boosting
// has no bump allocator, since it never needs helper threads to keep
// a descriptor alive past the lock's critical section.
func (s *Set) AllocateDesc(w *Worker, ops []txn.Operation) *txn.Descriptor {
	return txn.NewDescriptor(ops)
}

// ExecuteOps runs desc's whole batch under the set's lock.
func (s *Set) ExecuteOps(w *Worker, desc *txn.Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := true
	var undo []txn.Operation
	for _, op := range desc.Ops {
		switch op.Type {
		case txn.OpInsert:
			if ok = s.set.Insert(op.Key, op.Value); ok {
				undo = append(undo, txn.Operation{Type: txn.OpDelete, Key: op.Key})
			}
		case txn.OpDelete:
			if ok = s.set.Delete(op.Key); ok {
				undo = append(undo, txn.Operation{Type: txn.OpInsert, Key: op.Key})
			}
		case txn.OpFind:
			ok = s.set.Find(op.Key)
		case txn.OpUpdate:
			if ok = s.set.Insert(op.Key, op.Value); ok {
				undo = append(undo, txn.Operation{Type: txn.OpDelete, Key: op.Key})
			}
		}
		if !ok {
			break
		}
	}

	if ok {
		desc.TryCommit()
		w.rec.Commit()
	} else {
		for i := len(undo) - 1; i >= 0; i-- {
			if u := undo[i]; u.Type == txn.OpDelete {
				s.set.Delete(u.Key)
			} else {
				s.set.Insert(u.Key, u.Value)
			}
		}
		desc.TryAbort()
		w.rec.Abort()
	}
	return ok
}

// LockFreeList is a plain (non-transactional, non-batched) Harris-style
// sorted lock-free linked list: single-key insert/delete/find, no
// descriptors. This is exactly the structure transactional boosting
// wraps a coarse lock around instead of redesigning for composable
// batches — the boosting Set above supplies the batching and the
// commit/abort semantics; this type supplies single-op lock-freedom.
type lfNode struct {
	key    uint32
	value  uint32
	next   atomic.Pointer[lfNode]
	marked atomic.Bool
}

type LockFreeList struct {
	head, tail *lfNode
}

// NewLockFreeList returns an empty list-backed set.
func NewLockFreeList() *LockFreeList {
	head := &lfNode{key: 0}
	tail := &lfNode{key: ^uint32(0)}
	head.next.Store(tail)
	return &LockFreeList{head: head, tail: tail}
}

func (l *LockFreeList) search(key uint32) (pred, curr *lfNode) {
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

func (l *LockFreeList) Insert(key, value uint32) bool {
	key++ // avoid colliding with the key-0 head sentinel
	for {
		pred, curr := l.search(key)
		if curr.key == key {
			return false
		}
		n := &lfNode{key: key, value: value}
		n.next.Store(curr)
		if pred.next.CompareAndSwap(curr, n) {
			return true
		}
	}
}

func (l *LockFreeList) Delete(key uint32) bool {
	key++
	for {
		pred, curr := l.search(key)
		if curr.key != key {
			return false
		}
		next := curr.next.Load()
		if !curr.marked.CompareAndSwap(false, true) {
			return false
		}
		pred.next.CompareAndSwap(curr, next)
		return true
	}
}

func (l *LockFreeList) Find(key uint32) bool {
	key++
	_, curr := l.search(key)
	return curr.key == key && !curr.marked.Load()
}

// XFastSet adapts skiptrie.SkipTrie (a lock-free skip list that also
// records its top-level nodes in an x-fast trie; its lookups walk the
// skip list from the head) to plainSet, so
// boosting can wrap it the same coarse-lock way it wraps LockFreeList.
// SkipTrie is a pure ordered set with no stored value, so value is
// dropped on Insert.
type XFastSet struct {
	st *skiptrie.SkipTrie
}

// NewXFastSet wraps a fresh SkipTrie.
func NewXFastSet() *XFastSet {
	return &XFastSet{st: skiptrie.NewSkipTrie()}
}

func (x *XFastSet) Insert(key, value uint32) bool { return x.st.Insert(key) }
func (x *XFastSet) Delete(key uint32) bool        { return x.st.Delete(key) }
func (x *XFastSet) Find(key uint32) bool          { return x.st.Find(key) }
