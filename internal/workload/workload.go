// Package workload generates randomized transaction batches against a
// container and drives a fixed-size pool of worker goroutines through
// them, mirroring the benchmark harness's WorkThread/Tester shape:
// seed a pre-run population, release every worker from a start
// barrier together, then have each run testSize batches of tranSize
// operations drawn from a uniform key range and insert/delete/find
// (/update) mix.
package workload

import (
	"math/rand/v2"
	"sync"

	"github.com/translock/translock/internal/txn"
	"github.com/translock/translock/pkg/container"
)

// Mix is the operation-type distribution for generated batches, given
// as percentages (insertPct + deletePct + updatePct <= 100; the
// remainder is FIND).
type Mix struct {
	InsertPct uint32
	DeletePct uint32
	UpdatePct uint32 // map only
}

// Config parameterizes one benchmark run.
type Config struct {
	Threads  int
	TestSize uint32 // batches per worker
	TranSize uint32 // operations per batch
	KeyRange uint32
	Mix      Mix
}

// Pin is a thread-affinity hook. The original harness pins each
// worker to one CPU via sched_setaffinity; Go's scheduler gives no
// portable equivalent, so this is a deliberate no-op kept as a named
// extension point rather than removed outright.
func Pin(workerID int) {}

// generator draws one worker's random key/op stream, seeded
// independently per worker the way the original seeds per-thread
// boost::mt19937 generators from wall-clock time plus thread id.
type generator struct {
	keyRNG *rand.Rand
	opRNG  *rand.Rand
	mix    Mix
	isMap  bool
}

func newGenerator(seed uint64, mix Mix, isMap bool) *generator {
	return &generator{
		keyRNG: rand.New(rand.NewPCG(seed, seed^0x9e3779b9)),
		opRNG:  rand.New(rand.NewPCG(seed+1000, seed+1000)),
		mix:    mix,
		isMap:  isMap,
	}
}

func (g *generator) batch(keyRange uint32, tranSize uint32) []txn.Operation {
	ops := make([]txn.Operation, tranSize)
	for i := range ops {
		key := 1 + uint32(g.keyRNG.Int64N(int64(keyRange)))
		roll := 1 + uint32(g.opRNG.Int64N(100))
		switch {
		case roll <= g.mix.InsertPct:
			value := uint32(0)
			if g.isMap {
				value = uint32(g.keyRNG.Int64N(1 << 31))
			}
			ops[i] = txn.Operation{Type: txn.OpInsert, Key: key, Value: value}
		case roll <= g.mix.InsertPct+g.mix.DeletePct:
			ops[i] = txn.Operation{Type: txn.OpDelete, Key: key}
		case g.isMap && roll <= g.mix.InsertPct+g.mix.DeletePct+g.mix.UpdatePct:
			value := uint32(g.keyRNG.Int64N(1 << 31))
			ops[i] = txn.Operation{Type: txn.OpUpdate, Key: key, Value: value}
		default:
			ops[i] = txn.Operation{Type: txn.OpFind, Key: key}
		}
	}
	return ops
}

// Result is one worker's tally; Total sums them into the process total.
type Result struct {
	Commits    uint64
	Aborts     uint64
	FakeAborts uint64
}

// Populate seeds the container with keyRange single-INSERT
// transactions before the timed run starts, the same pre-population
// step Tester performs.
func Populate(c container.Container, w container.Worker, keyRange uint32, isMap bool) {
	rng := rand.New(rand.NewPCG(0xcafef00d, 0xf00dcafe))
	for i := uint32(0); i < keyRange; i++ {
		key := 1 + uint32(rng.Int64N(int64(keyRange)))
		value := uint32(0)
		if isMap {
			value = uint32(rng.Int64N(1 << 31))
		}
		desc := c.AllocateDesc(w, []txn.Operation{{Type: txn.OpInsert, Key: key, Value: value}})
		c.ExecuteOps(w, desc)
	}
}

// Run spawns cfg.Threads workers behind a start barrier, each running
// cfg.TestSize batches of cfg.TranSize random operations, and returns
// each worker's commit/abort/fake-abort counts, indexed by worker id
// (Total sums them).
func Run(c container.Container, cfg Config, isMap bool) []Result {
	results := make([]Result, cfg.Threads)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	done.Add(cfg.Threads)

	for i := 0; i < cfg.Threads; i++ {
		go func(id int) {
			defer done.Done()
			Pin(id)

			w := c.NewWorker(id)
			gen := newGenerator(uint64(id)+1, cfg.Mix, isMap)

			start.Wait()
			for b := uint32(0); b < cfg.TestSize; b++ {
				ops := gen.batch(cfg.KeyRange, cfg.TranSize)
				desc := c.AllocateDesc(w, ops)
				c.ExecuteOps(w, desc)
			}

			s := w.Recorder().Snapshot()
			results[id] = Result{Commits: s.Commits, Aborts: s.Aborts, FakeAborts: s.FakeAborts}
		}(i)
	}

	start.Done()
	done.Wait()
	return results
}

// Total sums a worker-indexed slice of Results.
func Total(results []Result) Result {
	var t Result
	for _, r := range results {
		t.Commits += r.Commits
		t.Aborts += r.Aborts
		t.FakeAborts += r.FakeAborts
	}
	return t
}
