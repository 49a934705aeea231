// Package stm implements minimal comparison baselines in the style of
// software transactional memory engines: NOrec (a single global
// sequence lock validating an optimistic read/write log at commit
// time) and Orec (per-key versioned ownership records, acquired in
// key order at commit time). Both are translated down to the
// core commit/validate/apply shape of their namesakes
// (orecela/norec-style algorithms) rather than reproducing every
// contention-management policy variant.
package stm

import (
	"sort"
	"sync/atomic"

	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/txn"
)

// logEntry records one key's read version (if read) and pending write
// value (if written) within a single in-flight transaction.
type logEntry struct {
	read    bool
	write   bool
	value   uint32
	present bool
	readVer uint64
}

// Worker is one goroutine's handle; STM needs no allocator or help
// stack, only a recorder for uniform transbench reporting.
type Worker struct {
	rec *metrics.Recorder
	log map[uint32]*logEntry
}

// Recorder exposes the worker's commit/abort tally.
func (w *Worker) Recorder() *metrics.Recorder { return w.rec }

// entry is the versioned word an STM Set stores per key: a u64
// version (odd = locked) and its value, following the classic
// orec/seqlock encoding.
type entry struct {
	version atomic.Uint64
	present atomic.Bool
	value   atomic.Uint32
}

// Set is a shared key/value store driven by one of the two commit
// protocols below. All keys share storage (a fixed-size version
// table indexed by key % len(table)); collisions under the table
// just mean unrelated keys occasionally share a version counter,
// exactly the false-conflict behavior orec-based STMs accept.
type Set struct {
	table    []entry
	protocol Protocol
	globalSeq atomic.Uint64 // NOrec's single global sequence lock
}

// Protocol selects the commit algorithm.
type Protocol int

const (
	// NOrec: readers never block; validate the whole read set against
	// the global sequence number at every read and again at commit;
	// writers take the global sequence lock (CAS to odd) to apply.
	NOrec Protocol = iota
	// Orec: per-key versioned ownership records; commit acquires the
	// write set's orecs in key order (deadlock-free), validates the
	// read set, applies, then releases with bumped versions.
	Orec
)

// TableSize bounds the shared version table.
const TableSize = 4096

// New builds a Set using the given commit protocol.
func New(protocol Protocol) *Set {
	return &Set{table: make([]entry, TableSize), protocol: protocol}
}

func (s *Set) slot(key uint32) *entry {
	return &s.table[key%uint32(len(s.table))]
}

// NewWorker returns a fresh per-goroutine handle.
func (s *Set) NewWorker(id int) *Worker {
	return &Worker{rec: metrics.NewRecorder()}
}

// AllocateDesc builds a plain heap descriptor (STM needs no bump
// allocator: a transaction's log lives only as long as ExecuteOps's
// call stack).
func (s *Set) AllocateDesc(w *Worker, ops []txn.Operation) *txn.Descriptor {
	return txn.NewDescriptor(ops)
}

// ExecuteOps runs desc's whole batch as one transaction, retrying the
// whole attempt after a transient conflict until it either commits or
// an op's own precondition fails (STM engines are blocking/retry-based,
// not lock-free — that is the point of the comparison).
func (s *Set) ExecuteOps(w *Worker, desc *txn.Descriptor) bool {
	for {
		w.log = make(map[uint32]*logEntry, len(desc.Ops))
		ok, retry := s.runOnce(w, desc)
		if ok {
			desc.TryCommit()
			w.rec.Commit()
			return true
		}
		if !retry {
			desc.TryAbort()
			w.rec.Abort()
			return false
		}
		// Transient validation failure: retry the whole batch.
	}
}

// runOnce runs one attempt of desc's batch. retry reports whether the
// failure is transient (a read or commit lost a race against a
// concurrent committer, so the whole attempt should run again) as
// opposed to permanent (an op's own invariant failed, e.g. inserting a
// key already present, which must abort the transaction for good).
func (s *Set) runOnce(w *Worker, desc *txn.Descriptor) (ok bool, retry bool) {
	startSeq := s.globalSeq.Load()

	for _, op := range desc.Ops {
		e, seen := w.log[op.Key]
		if !seen {
			e = &logEntry{}
			w.log[op.Key] = e
			present, value, version, readOK := s.read(op.Key, startSeq)
			if !readOK {
				return false, true
			}
			e.read, e.present, e.value, e.readVer = true, present, value, version
		}

		switch op.Type {
		case txn.OpFind:
			if !e.present {
				return false, false
			}
		case txn.OpInsert:
			if e.present {
				return false, false
			}
			e.write, e.present, e.value = true, true, op.Value
		case txn.OpUpdate:
			if !e.present {
				return false, false
			}
			e.write, e.value = true, op.Value
		case txn.OpDelete:
			if !e.present {
				return false, false
			}
			e.write, e.present = true, false
		}
	}

	committed := s.commit(w, startSeq)
	return committed, !committed
}

// read loads key's current value, validating (for NOrec) that the
// global sequence has not moved since the transaction began.
func (s *Set) read(key uint32, startSeq uint64) (present bool, value uint32, version uint64, ok bool) {
	e := s.slot(key)
	if s.protocol == NOrec {
		if s.globalSeq.Load() != startSeq {
			return false, 0, 0, false
		}
	}
	ver := e.version.Load()
	if ver&1 == 1 {
		return false, 0, 0, false // locked by a concurrent committer
	}
	present = e.present.Load()
	value = e.value.Load()
	if e.version.Load() != ver {
		return false, 0, 0, false
	}
	return present, value, ver, true
}

func (s *Set) commit(w *Worker, startSeq uint64) bool {
	writes := make([]uint32, 0, len(w.log))
	for k, e := range w.log {
		if e.write {
			writes = append(writes, k)
		}
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i] < writes[j] })

	switch s.protocol {
	case NOrec:
		return s.commitNOrec(w, startSeq, writes)
	default:
		return s.commitOrec(w, writes)
	}
}

// commitNOrec acquires the single global sequence lock, validates
// every read against it, applies writes, then publishes a new even
// sequence number.
func (s *Set) commitNOrec(w *Worker, startSeq uint64, writes []uint32) bool {
	if len(writes) == 0 {
		return s.globalSeq.Load() == startSeq
	}
	if !s.globalSeq.CompareAndSwap(startSeq, startSeq+1) {
		return false
	}
	for _, k := range writes {
		e := s.slot(k)
		entry := w.log[k]
		e.present.Store(entry.present)
		e.value.Store(entry.value)
	}
	s.globalSeq.Store(startSeq + 2)
	return true
}

// commitOrec locks each written key's orec in key order, validates
// every read (written or not) against its recorded version, applies,
// then unlocks with a bumped version.
func (s *Set) commitOrec(w *Worker, writes []uint32) bool {
	locked := make([]*entry, 0, len(writes))
	for _, k := range writes {
		e := s.slot(k)
		ver := w.log[k].readVer
		if !e.version.CompareAndSwap(ver, ver|1) {
			s.unlockAll(locked)
			return false
		}
		locked = append(locked, e)
	}

	for k, le := range w.log {
		e := s.slot(k)
		if le.write {
			continue // already locked at our own read version
		}
		if e.version.Load() != le.readVer {
			s.unlockAll(locked)
			return false
		}
	}

	for _, k := range writes {
		e := s.slot(k)
		le := w.log[k]
		e.present.Store(le.present)
		e.value.Store(le.value)
		e.version.Store((le.readVer + 2) &^ 1)
	}
	return true
}

func (s *Set) unlockAll(locked []*entry) {
	for _, e := range locked {
		v := e.version.Load()
		e.version.Store(v &^ 1)
	}
}
