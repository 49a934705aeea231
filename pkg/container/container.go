// Package container defines the Container interface shared by
// TransList, TransSkip, and TransMap, and adapters that let
// cmd/transbench select one by name without depending on any
// container package's concrete worker type.
package container

import (
	"fmt"

	"github.com/translock/translock/internal/boosting"
	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/stm"
	"github.com/translock/translock/internal/translist"
	"github.com/translock/translock/internal/transmap"
	"github.com/translock/translock/internal/transskip"
	"github.com/translock/translock/internal/txn"
)

// Worker is a per-goroutine handle into a Container: its allocator
// slices, help stack, and metrics recorder.
type Worker interface {
	Recorder() *metrics.Recorder
}

// Container is the operation surface every transactional container
// exposes: allocate a descriptor for an operation batch, then drive it
// to commit or abort.
type Container interface {
	NewWorker(id int) Worker
	AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor
	ExecuteOps(w Worker, desc *txn.Descriptor) bool
}

// Config bounds every container's allocator pools uniformly.
type Config struct {
	Capacity    uint64
	ThreadCount uint64
}

// Kind names a selectable container implementation.
type Kind string

const (
	KindList          Kind = "list"
	KindSkip          Kind = "skip"
	KindMap           Kind = "map"
	KindBoostingList  Kind = "boosting-list"
	KindBoostingXFast Kind = "boosting-xfast"
	KindSTMNOrec      Kind = "stm-norec"
	KindSTMOrec       Kind = "stm-orec"
)

// New builds the named container.
func New(kind Kind, cfg Config) (Container, error) {
	switch kind {
	case KindList:
		return &listContainer{l: translist.New(translist.Config{Capacity: cfg.Capacity, ThreadCount: cfg.ThreadCount})}, nil
	case KindSkip:
		return &skipContainer{s: transskip.New(transskip.Config{Capacity: cfg.Capacity, ThreadCount: cfg.ThreadCount})}, nil
	case KindMap:
		return &mapContainer{m: transmap.New(transmap.Config{Capacity: cfg.Capacity, ThreadCount: cfg.ThreadCount})}, nil
	case KindBoostingList:
		return &boostingContainer{b: boosting.New(boosting.NewLockFreeList())}, nil
	case KindBoostingXFast:
		return &boostingContainer{b: boosting.New(boosting.NewXFastSet())}, nil
	case KindSTMNOrec:
		return &stmContainer{s: stm.New(stm.NOrec)}, nil
	case KindSTMOrec:
		return &stmContainer{s: stm.New(stm.Orec)}, nil
	default:
		return nil, fmt.Errorf("container: unknown kind %q", kind)
	}
}

type listContainer struct{ l *translist.List }

func (c *listContainer) NewWorker(id int) Worker { return c.l.NewWorker(id) }
func (c *listContainer) AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor {
	return c.l.AllocateDesc(w.(*translist.Worker), ops)
}
func (c *listContainer) ExecuteOps(w Worker, desc *txn.Descriptor) bool {
	return c.l.ExecuteOps(w.(*translist.Worker), desc)
}

type skipContainer struct{ s *transskip.Skip }

func (c *skipContainer) NewWorker(id int) Worker { return c.s.NewWorker(id) }
func (c *skipContainer) AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor {
	return c.s.AllocateDesc(w.(*transskip.Worker), ops)
}
func (c *skipContainer) ExecuteOps(w Worker, desc *txn.Descriptor) bool {
	return c.s.ExecuteOps(w.(*transskip.Worker), desc)
}

type mapContainer struct{ m *transmap.Map }

func (c *mapContainer) NewWorker(id int) Worker { return c.m.NewWorker(id) }
func (c *mapContainer) AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor {
	return c.m.AllocateDesc(w.(*transmap.Worker), ops)
}
func (c *mapContainer) ExecuteOps(w Worker, desc *txn.Descriptor) bool {
	return c.m.ExecuteOps(w.(*transmap.Worker), desc)
}

type boostingContainer struct{ b *boosting.Set }

func (c *boostingContainer) NewWorker(id int) Worker { return c.b.NewWorker(id) }
func (c *boostingContainer) AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor {
	return c.b.AllocateDesc(w.(*boosting.Worker), ops)
}
func (c *boostingContainer) ExecuteOps(w Worker, desc *txn.Descriptor) bool {
	return c.b.ExecuteOps(w.(*boosting.Worker), desc)
}

type stmContainer struct{ s *stm.Set }

func (c *stmContainer) NewWorker(id int) Worker { return c.s.NewWorker(id) }
func (c *stmContainer) AllocateDesc(w Worker, ops []txn.Operation) *txn.Descriptor {
	return c.s.AllocateDesc(w.(*stm.Worker), ops)
}
func (c *stmContainer) ExecuteOps(w Worker, desc *txn.Descriptor) bool {
	return c.s.ExecuteOps(w.(*stm.Worker), desc)
}
