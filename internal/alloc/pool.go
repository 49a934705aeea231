// Package alloc implements the bump (slab) allocator the transactional
// containers use for Descriptor, NodeDescriptor, and container-node
// payloads: a single pre-reserved region split evenly across worker
// threads, with no free list. Lifetime is delegated to the owning
// worker — everything a thread allocates dies when that thread's share
// of the pool is discarded (batch/test teardown), never individually.
//
// Built with Go generics over a fixed-segment, atomic-bookkeeping
// design: each worker gets a private slice and a single atomic
// bump cursor, never a general-purpose free list.
package alloc

import (
	"fmt"
	"sync/atomic"
)

// Pool is a fixed-capacity, per-thread bump allocator for values of
// type T. It never frees individual values; the entire pool is
// reclaimed at once when the caller drops its last reference.
type Pool[T any] struct {
	threadCount  uint64
	perThreadCap uint64 // number of T values each thread's slice can hold
	ticket       atomic.Uint64

	slices []*threadSlice[T]
}

type threadSlice[T any] struct {
	backing  []T
	freeNext atomic.Uint64 // index of the next free element
}

// NewPool reserves room for totalElements values of T split evenly
// across threadCount workers. Each worker must call Init exactly once
// before calling Alloc.
func NewPool[T any](totalElements, threadCount uint64) *Pool[T] {
	if threadCount == 0 {
		panic("alloc: threadCount must be positive")
	}
	perThread := totalElements / threadCount
	if perThread == 0 {
		panic("alloc: totalElements too small for threadCount")
	}

	p := &Pool[T]{
		threadCount:  threadCount,
		perThreadCap: perThread,
		slices:       make([]*threadSlice[T], threadCount),
	}
	return p
}

// Init assigns the calling goroutine a private slice of the pool.
// Callers pass a stable worker id in [0, threadCount); Init is not
// safe to call twice for the same id and concurrent Init calls for
// different ids from different goroutines are fine (single-writer per
// slice thereafter).
func (p *Pool[T]) Init(workerID int) *Handle[T] {
	if workerID < 0 || uint64(workerID) >= p.threadCount {
		panic(fmt.Sprintf("alloc: worker id %d out of range [0, %d)", workerID, p.threadCount))
	}
	ts := &threadSlice[T]{backing: make([]T, p.perThreadCap)}
	p.slices[workerID] = ts
	return &Handle[T]{slice: ts}
}

// Handle is a worker's private view into the pool, returned by Init.
// Alloc on a Handle is single-writer: only the goroutine that obtained
// the handle may call Alloc on it.
type Handle[T any] struct {
	slice *threadSlice[T]
}

// Alloc returns a pointer to a fresh, zero-valued T from this worker's
// slice. It panics if the slice is exhausted — the allocator
// intentionally never grows or frees.
func (h *Handle[T]) Alloc() *T {
	idx := h.slice.freeNext.Add(1) - 1
	if idx >= uint64(len(h.slice.backing)) {
		panic("alloc: pool slice exhausted")
	}
	return &h.slice.backing[idx]
}
