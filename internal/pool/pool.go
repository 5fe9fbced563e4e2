// Package pool runs connection tasks on a bounded number of workers.
//
// Each accepted connection gets one task for its whole lifetime. When every
// slot is taken, Go waits briefly for one to free up and otherwise refuses
// the task so the caller can close the socket instead of letting it starve.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultSize      = 1024
	DefaultQueueWait = 250 * time.Millisecond
)

// ErrSaturated is returned by Go when no worker became free within the
// queue wait.
var ErrSaturated = errors.New("pool: all workers busy")

// Config holds pool limits.
type Config struct {
	// Size is the maximum number of concurrent tasks. Zero means DefaultSize.
	Size int
	// QueueWait is how long Go waits for a free worker. Zero means
	// DefaultQueueWait; negative means do not wait at all.
	QueueWait time.Duration
}

// Pool is a bounded task runner.
type Pool struct {
	sem       *semaphore.Weighted
	size      int
	queueWait time.Duration
	inUse     atomic.Int64
	wg        sync.WaitGroup
}

// New returns a Pool with the given limits.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.QueueWait == 0 {
		cfg.QueueWait = DefaultQueueWait
	}
	return &Pool{
		sem:       semaphore.NewWeighted(int64(cfg.Size)),
		size:      cfg.Size,
		queueWait: cfg.QueueWait,
	}
}

// Go runs task on a worker. It returns ErrSaturated if no worker frees up
// within the queue wait, or ctx's error if ctx ends first. The task
// receives ctx.
func (p *Pool) Go(ctx context.Context, task func(ctx context.Context)) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.inUse.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inUse.Add(-1)
		task(ctx)
	}()
	return nil
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	if p.queueWait < 0 {
		return ErrSaturated
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.queueWait)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSaturated
	}
	return nil
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// InUse returns the number of running tasks.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Size returns the worker limit.
func (p *Pool) Size() int { return p.size }
