// Package pool runs fire-and-forget tasks on a fixed set of partitions.
// Tasks are routed to a partition by key so that one connection's events
// stay on one partition, while tasks inside a partition run concurrently
// on that partition's workers with no ordering guarantee.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Task is a unit of work. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

// Observer is notified about dropped and panicking tasks.
type Observer interface {
	TaskDropped(partition int)
	TaskPanicked(partition int)
}

// Config holds configuration for the pool.
type Config struct {
	// Partitions defaults to GOMAXPROCS.
	Partitions int
	// WorkersPerPartition bounds concurrent tasks per partition.
	WorkersPerPartition int
	// QueueSize is the per-partition buffer.
	QueueSize int
}

type partition struct {
	queue chan Task
}

// Pool is a sharded, bounded worker pool.
type Pool struct {
	cfg        Config
	partitions []*partition
	observer   Observer
	logger     zerolog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    atomic.Bool
	mu         sync.RWMutex // guards Submit against Stop
}

// New creates a new pool. Call Start before submitting.
func New(cfg Config, logger zerolog.Logger) *Pool {
	if cfg.Partitions <= 0 {
		cfg.Partitions = runtime.GOMAXPROCS(0)
	}
	if cfg.WorkersPerPartition <= 0 {
		cfg.WorkersPerPartition = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With().Str("component", "pool").Logger(),
	}
	p.partitions = make([]*partition, cfg.Partitions)
	for i := range p.partitions {
		p.partitions[i] = &partition{queue: make(chan Task, cfg.QueueSize)}
	}
	return p
}

// SetObserver sets the drop/panic observer (metrics).
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Partitions returns the number of partitions.
func (p *Pool) Partitions() int {
	return len(p.partitions)
}

// PartitionFor returns the partition index a key routes to.
func (p *Pool) PartitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.partitions)))
}

// Start launches worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	if p.running.Swap(true) {
		return // already running
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i, part := range p.partitions {
		for w := 0; w < p.cfg.WorkersPerPartition; w++ {
			p.wg.Add(1)
			go p.worker(ctx, i, part)
		}
	}

	p.logger.Info().
		Int("partitions", len(p.partitions)).
		Int("workers_per_partition", p.cfg.WorkersPerPartition).
		Msg("pool started")
}

// Stop cancels running tasks' context and waits for workers to exit.
// Queued tasks that have not started are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	wasRunning := p.running.Swap(false)
	p.mu.Unlock()
	if !wasRunning {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("pool stopped")
}

// Submit enqueues fn on the partition for key without blocking. It returns
// false if the pool is not running or the partition queue is full.
func (p *Pool) Submit(key string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return false
	}

	idx := p.PartitionFor(key)
	select {
	case p.partitions[idx].queue <- fn:
		return true
	default:
		p.logger.Warn().Int("partition", idx).Msg("partition queue is full, dropping task")
		if p.observer != nil {
			p.observer.TaskDropped(idx)
		}
		return false
	}
}

func (p *Pool) worker(ctx context.Context, idx int, part *partition) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-part.queue:
			p.run(ctx, idx, fn)
		}
	}
}

func (p *Pool) run(ctx context.Context, idx int, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("partition", idx).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			if p.observer != nil {
				p.observer.TaskPanicked(idx)
			}
		}
	}()
	fn(ctx)
}
