package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translock/translock/pkg/container"
)

func TestPopulateInsertsKeyRangeKeys(t *testing.T) {
	c, err := container.New(container.KindList, container.Config{Capacity: 8192, ThreadCount: 1})
	require.NoError(t, err)
	w := c.NewWorker(0)

	Populate(c, w, 100, false)

	snap := w.Recorder().Snapshot()
	assert.Equal(t, uint64(100), snap.Commits+snap.Aborts, "populate issues one insert attempt per key in range")
}

func TestRunProducesResultsPerWorker(t *testing.T) {
	c, err := container.New(container.KindList, container.Config{Capacity: 65536, ThreadCount: 4})
	require.NoError(t, err)

	cfg := Config{
		Threads:  4,
		TestSize: 20,
		TranSize: 2,
		KeyRange: 1000,
		Mix:      Mix{InsertPct: 40, DeletePct: 30},
	}

	results := Run(c, cfg, false)
	require.Len(t, results, cfg.Threads)

	total := Total(results)
	assert.Equal(t, total.Commits+total.Aborts, uint64(cfg.Threads)*uint64(cfg.TestSize))
}

func TestRunWithMapMixIncludesUpdates(t *testing.T) {
	c, err := container.New(container.KindMap, container.Config{Capacity: 65536, ThreadCount: 4})
	require.NoError(t, err)

	cfg := Config{
		Threads:  4,
		TestSize: 20,
		TranSize: 2,
		KeyRange: 1000,
		Mix:      Mix{InsertPct: 30, DeletePct: 30, UpdatePct: 20},
	}

	results := Run(c, cfg, true)
	total := Total(results)
	assert.Equal(t, total.Commits+total.Aborts, uint64(cfg.Threads)*uint64(cfg.TestSize))
}

func TestTotalSumsAcrossResults(t *testing.T) {
	results := []Result{
		{Commits: 3, Aborts: 1, FakeAborts: 0},
		{Commits: 2, Aborts: 0, FakeAborts: 1},
	}
	assert.Equal(t, Result{Commits: 5, Aborts: 1, FakeAborts: 1}, Total(results))
}
