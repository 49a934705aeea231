// Package metrics implements the commit/abort/fake-abort diagnostic
// counters. The hot path never touches a shared atomic: each worker
// owns a private Recorder, and counts are folded into process-wide
// totals (and, optionally, Prometheus counters) only at teardown.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a single worker's private commit/abort/fake-abort
// tally. It is not safe for concurrent use — exactly one worker
// goroutine owns each Recorder.
type Recorder struct {
	commits    uint64
	aborts     uint64
	fakeAborts uint64
}

// NewRecorder returns a zeroed per-worker recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Commit records one committed transaction.
func (r *Recorder) Commit() { r.commits++ }

// Abort records one aborted transaction.
func (r *Recorder) Abort() { r.aborts++ }

// FakeAbort records one abort caused by helping-cycle detection rather
// than an operation precondition failure.
func (r *Recorder) FakeAbort() { r.fakeAborts++ }

// Summary is an immutable snapshot of a Recorder's counts.
type Summary struct {
	Commits    uint64
	Aborts     uint64
	FakeAborts uint64
}

// Snapshot reads the recorder's current counts.
func (r *Recorder) Snapshot() Summary {
	return Summary{Commits: r.commits, Aborts: r.aborts, FakeAborts: r.fakeAborts}
}

// Fold sums a set of per-worker recorders into one Summary. Call once,
// after every worker goroutine has finished, in place of a contended
// global atomic.
func Fold(recorders []*Recorder) Summary {
	var total Summary
	for _, r := range recorders {
		s := r.Snapshot()
		total.Commits += s.Commits
		total.Aborts += s.Aborts
		total.FakeAborts += s.FakeAborts
	}
	return total
}

// PromCounters exposes a folded Summary as Prometheus counters for a
// named container ("list", "skip", "map", ...). Callers register the
// returned counters with a prometheus.Registerer of their choosing
// (cmd/transbench uses prometheus.DefaultRegisterer when --metrics-addr
// is set).
type PromCounters struct {
	Commits    prometheus.Counter
	Aborts     prometheus.Counter
	FakeAborts prometheus.Counter
}

// NewPromCounters builds (but does not register) counters labeled with
// the given container name.
func NewPromCounters(container string) *PromCounters {
	labels := prometheus.Labels{"container": container}
	return &PromCounters{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "translock_transactions_committed_total",
			Help:        "Total committed transactions.",
			ConstLabels: labels,
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "translock_transactions_aborted_total",
			Help:        "Total aborted transactions.",
			ConstLabels: labels,
		}),
		FakeAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "translock_transactions_fake_aborted_total",
			Help:        "Aborts caused by helping-cycle detection rather than a failed precondition.",
			ConstLabels: labels,
		}),
	}
}

// Register adds the counters to reg.
func (c *PromCounters) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{c.Commits, c.Aborts, c.FakeAborts} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Apply adds a folded Summary's counts onto the Prometheus counters.
func (c *PromCounters) Apply(s Summary) {
	c.Commits.Add(float64(s.Commits))
	c.Aborts.Add(float64(s.Aborts))
	c.FakeAborts.Add(float64(s.FakeAborts))
}
