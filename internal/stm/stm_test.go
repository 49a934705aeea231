package stm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translock/translock/internal/txn"
)

func testProtocols() []Protocol { return []Protocol{NOrec, Orec} }

func TestInsertFindDelete(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)

		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: 10, Value: 100}})
		require.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpFind, Key: 10}})
		assert.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpDelete, Key: 10}})
		require.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpFind, Key: 10}})
		assert.False(t, s.ExecuteOps(w, d))
	}
}

func TestFindAbsentKeyAborts(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)
		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpFind, Key: 99}})
		assert.False(t, s.ExecuteOps(w, d))
	}
}

func TestDuplicateInsertAbortsWithoutHanging(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)

		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: 5, Value: 50}})
		require.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: 5, Value: 51}})
		assert.False(t, s.ExecuteOps(w, d))
	}
}

func TestDeleteAbsentKeyAbortsWithoutHanging(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)
		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpDelete, Key: 42}})
		assert.False(t, s.ExecuteOps(w, d))
	}
}

func TestUpdateRequiresExistingKey(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)

		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpUpdate, Key: 3, Value: 9}})
		assert.False(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: 3, Value: 1}})
		require.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpUpdate, Key: 3, Value: 2}})
		assert.True(t, s.ExecuteOps(w, d))
	}
}

func TestBatchAllOrNothing(t *testing.T) {
	for _, p := range testProtocols() {
		s := New(p)
		w := s.NewWorker(0)

		d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: 1, Value: 1}})
		require.True(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{
			{Type: txn.OpInsert, Key: 2, Value: 2},
			{Type: txn.OpInsert, Key: 1, Value: 2}, // already present, whole batch fails
		})
		assert.False(t, s.ExecuteOps(w, d))

		d = s.AllocateDesc(w, []txn.Operation{{Type: txn.OpFind, Key: 2}})
		assert.False(t, s.ExecuteOps(w, d), "a failed batch must not leave partial effects visible")
	}
}

func TestConcurrentInsertsAreAllVisible(t *testing.T) {
	for _, p := range testProtocols() {
		const threads = 8
		const perThread = 100

		s := New(p)

		var wg sync.WaitGroup
		for tid := 0; tid < threads; tid++ {
			wg.Add(1)
			go func(tid int) {
				defer wg.Done()
				w := s.NewWorker(tid)
				for i := 0; i < perThread; i++ {
					key := uint32(tid*perThread + i)
					d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: key, Value: key}})
					s.ExecuteOps(w, d)
				}
			}(tid)
		}
		wg.Wait()

		w := s.NewWorker(0)
		for tid := 0; tid < threads; tid++ {
			for i := 0; i < perThread; i++ {
				key := uint32(tid*perThread + i)
				d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpFind, Key: key}})
				assert.True(t, s.ExecuteOps(w, d), "key %d should be present", key)
			}
		}
	}
}

func TestConcurrentInsertsSameKeyOnlyOneWins(t *testing.T) {
	for _, p := range testProtocols() {
		const attempts = 30
		s := New(p)

		for i := 0; i < attempts; i++ {
			key := uint32(1000 + i)
			var wg sync.WaitGroup
			results := make([]bool, 2)
			for j := 0; j < 2; j++ {
				wg.Add(1)
				go func(j int) {
					defer wg.Done()
					w := s.NewWorker(j)
					d := s.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: key, Value: key}})
					results[j] = s.ExecuteOps(w, d)
				}(j)
			}
			wg.Wait()
			assert.True(t, results[0] != results[1], "exactly one concurrent insert of the same key must commit")
		}
	}
}
