package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorCommitAbortMutualExclusion(t *testing.T) {
	d := NewDescriptor([]Operation{{Type: OpInsert, Key: 1}})
	require.Equal(t, StatusActive, d.Status())

	require.True(t, d.TryCommit())
	assert.False(t, d.TryCommit(), "a second TryCommit on a committed descriptor must fail")
	assert.False(t, d.TryAbort(), "TryAbort after commit must fail")
	assert.True(t, d.Committed())
}

func TestDescriptorAbort(t *testing.T) {
	d := NewDescriptor([]Operation{{Type: OpDelete, Key: 1}})
	require.True(t, d.TryAbort())
	assert.False(t, d.TryAbort())
	assert.False(t, d.TryCommit())
	assert.False(t, d.Committed())
}

func TestNewDescriptorPanicsOnBadSize(t *testing.T) {
	assert.Panics(t, func() { NewDescriptor(nil) })
	tooMany := make([]Operation, MaxOps+1)
	assert.Panics(t, func() { NewDescriptor(tooMany) })
}

func TestPresentTable(t *testing.T) {
	tests := []struct {
		name   string
		op     OpType
		status Status
		want   bool
	}{
		{"insert committed is present", OpInsert, StatusCommitted, true},
		{"insert aborted is absent", OpInsert, StatusAborted, false},
		{"delete committed is absent", OpDelete, StatusCommitted, false},
		{"delete aborted is present", OpDelete, StatusAborted, true},
		{"find committed is present", OpFind, StatusCommitted, true},
		{"find aborted is present", OpFind, StatusAborted, true},
		{"update committed is present", OpUpdate, StatusCommitted, true},
		{"update aborted is present", OpUpdate, StatusAborted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDescriptor([]Operation{{Type: tt.op, Key: 1}})
			switch tt.status {
			case StatusCommitted:
				d.TryCommit()
			case StatusAborted:
				d.TryAbort()
			}
			nd := &NodeDescriptor{Desc: d, OpID: 0}
			assert.Equal(t, tt.want, Present(nd))
		})
	}
}

func TestPresentPanicsOnActiveDescriptor(t *testing.T) {
	d := NewDescriptor([]Operation{{Type: OpInsert, Key: 1}})
	nd := &NodeDescriptor{Desc: d, OpID: 0}
	assert.Panics(t, func() { Present(nd) })
}

func TestSameOperation(t *testing.T) {
	d1 := NewDescriptor([]Operation{{Type: OpInsert, Key: 1}, {Type: OpFind, Key: 2}})
	d2 := NewDescriptor([]Operation{{Type: OpInsert, Key: 1}})

	a := &NodeDescriptor{Desc: d1, OpID: 0}
	b := &NodeDescriptor{Desc: d1, OpID: 0}
	c := &NodeDescriptor{Desc: d1, OpID: 1}
	e := &NodeDescriptor{Desc: d2, OpID: 0}

	assert.True(t, SameOperation(a, b))
	assert.False(t, SameOperation(a, c))
	assert.False(t, SameOperation(a, e))
}

func TestMarkTaggedPreservesNodeDescriptor(t *testing.T) {
	d := NewDescriptor([]Operation{{Type: OpInsert, Key: 1}})
	nd := &NodeDescriptor{Desc: d, OpID: 0}
	tagged := NewTagged(nd)
	assert.False(t, tagged.Marked)

	marked := MarkTagged(tagged)
	assert.True(t, marked.Marked)
	assert.Same(t, nd, marked.ND)
	assert.False(t, tagged.Marked, "MarkTagged must not mutate the original value")
}
