package helpstack

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/translock/translock/internal/txn"
)

func TestPushContainsPop(t *testing.T) {
	s := New()
	d1 := txn.NewDescriptor([]txn.Operation{{Type: txn.OpInsert, Key: 1}})
	d2 := txn.NewDescriptor([]txn.Operation{{Type: txn.OpFind, Key: 2}})

	assert.False(t, s.Contains(d1))

	s.Push(d1)
	assert.True(t, s.Contains(d1))
	assert.False(t, s.Contains(d2))

	s.Push(d2)
	assert.True(t, s.Contains(d2))

	s.Pop()
	assert.False(t, s.Contains(d2))
	assert.True(t, s.Contains(d1))

	s.Pop()
	assert.False(t, s.Contains(d1))
}

func TestResetClearsStack(t *testing.T) {
	s := New()
	d := txn.NewDescriptor([]txn.Operation{{Type: txn.OpInsert, Key: 1}})
	s.Push(d)
	s.Reset()
	assert.False(t, s.Contains(d))
}

func TestPopOnEmptyPanics(t *testing.T) {
	s := New()
	assert.Panics(t, func() { s.Pop() })
}

func TestPushOverflowPanics(t *testing.T) {
	s := New()
	d := txn.NewDescriptor([]txn.Operation{{Type: txn.OpInsert, Key: 1}})
	for i := 0; i < Capacity; i++ {
		s.Push(d)
	}
	assert.Panics(t, func() { s.Push(d) })
}
