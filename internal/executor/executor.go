// Package executor implements the transaction driver shared by every
// container: ExecuteOps/HelpOps walk a descriptor's operation list,
// invoke the container's primitives, recursively help any in-flight
// descriptor observed along the way (bounded by the caller's help
// stack), and perform the single CAS that commits or aborts the whole
// batch.
//
//
// Every container shares one executor: only the primitive dispatch
// (Insert/Delete/Find/Update) is container-specific.
package executor

import (
	"github.com/translock/translock/internal/helpstack"
	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/txn"
)

// Primitives is the set of container operations the executor drives. A
// container (list, skip list, or map) implements this once; Update may
// simply return false for containers that never see an OpUpdate (list,
// skip list), since their descriptors never carry that op type.
type Primitives interface {
	Insert(key, value uint32, desc *txn.Descriptor, opid uint8) bool
	Delete(key uint32, desc *txn.Descriptor, opid uint8) bool
	Find(key uint32, desc *txn.Descriptor, opid uint8) (bool, uint32)
	Update(key, value uint32, desc *txn.Descriptor, opid uint8) (bool, uint32)

	// Cleanup performs the post-commit/post-abort physical step: snip
	// nodes committed-deleted or aborted-inserted by desc. Called
	// exactly once, by whichever HelpOps call actually transitions desc
	// out of ACTIVE.
	Cleanup(desc *txn.Descriptor)
}

// ExecuteOps drives desc to completion (commit or abort) and reports
// whether it committed. It is the sole public entry point workers call;
// help is the calling worker's own cycle-detection stack, reset here.
func ExecuteOps(c Primitives, desc *txn.Descriptor, help *helpstack.Stack, rec *metrics.Recorder) bool {
	help.Reset()
	HelpOps(c, desc, 0, help, rec)
	return desc.Status() == txn.StatusCommitted
}

// HelpOps advances desc starting at opid, as either the transaction's
// owner or a helper. It pushes desc onto help for the duration of the
// call so that nested helping can detect cycles back to desc.
func HelpOps(c Primitives, desc *txn.Descriptor, opid uint8, help *helpstack.Stack, rec *metrics.Recorder) bool {
	if desc.Status() != txn.StatusActive {
		return desc.Status() == txn.StatusCommitted
	}

	if help.Contains(desc) {
		if desc.TryAbort() {
			rec.Abort()
			rec.FakeAbort()
			c.Cleanup(desc)
		}
		return false
	}

	help.Push(desc)
	ok := true
	for desc.Status() == txn.StatusActive && ok && int(opid) < desc.Size() {
		op := desc.Ops[opid]
		var value uint32
		switch op.Type {
		case txn.OpInsert:
			ok = c.Insert(op.Key, op.Value, desc, opid)
		case txn.OpDelete:
			ok = c.Delete(op.Key, desc, opid)
		case txn.OpUpdate:
			ok, value = c.Update(op.Key, op.Value, desc, opid)
			desc.Results[opid] = value
		default: // txn.OpFind
			ok, value = c.Find(op.Key, desc, opid)
			desc.Results[opid] = value
		}
		opid++
	}
	help.Pop()

	if ok {
		if desc.TryCommit() {
			rec.Commit()
			c.Cleanup(desc)
		}
	} else {
		if desc.TryAbort() {
			rec.Abort()
			c.Cleanup(desc)
		}
	}

	return desc.Status() == txn.StatusCommitted
}

// FinishPendingTxn ensures the descriptor that currently owns a node
// (as named by nd) is resolved before the caller acts on the node's
// presence: if some other, still-ACTIVE descriptor owns it, help that
// descriptor forward from its next operation. Always returns true —
// it performs help as a side effect; the caller re-reads the node's
// NodeDescriptor afterward to see the result.
func FinishPendingTxn(c Primitives, nd *txn.NodeDescriptor, desc *txn.Descriptor, help *helpstack.Stack, rec *metrics.Recorder) bool {
	if nd.Desc == desc {
		return true
	}
	if nd.Desc.Status() == txn.StatusActive {
		HelpOps(c, nd.Desc, nd.OpID+1, help, rec)
	}
	return true
}
