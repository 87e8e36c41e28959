// Package dispatch runs jobs keyed by id on a bounded number of workers.
// A job id can be running at most once; duplicates are rejected.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/ppsrunner/internal/log"
)

const DefaultCeiling = 5

var (
	ErrPanic        = errors.New("job panicked")
	ErrForceStopped = errors.New("jobs force cancelled after shutdown grace")
)

// Work is one unit submitted to the pool. The context is cancelled only
// when the pool is force stopped.
type Work func(ctx context.Context) error

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mx      sync.Mutex
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New returns a pool executing at most ceiling jobs at once. Values below 1
// fall back to DefaultCeiling.
func New(ceiling int) *Pool {
	if ceiling < 1 {
		ceiling = DefaultCeiling
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(ceiling)),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Submit registers id and starts work once a worker slot is free. It blocks
// the caller while the pool is at its ceiling and returns false when id is
// already running, the pool is shut down, or ctx ends before a slot frees.
//
// Attributes stored in ctx by log.ContextAttrs are kept for the job, its
// cancellation is not.
func (p *Pool) Submit(ctx context.Context, id string, work Work) bool {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))

	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		slog.WarnContext(ctx, "pool is shut down: rejecting job")
		return false
	}
	if _, ok := p.running[id]; ok {
		p.mx.Unlock()
		slog.InfoContext(ctx, "job already running: ignoring")
		return false
	}
	p.running[id] = struct{}{}
	p.wg.Add(1)
	p.mx.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.deregister(id)
		p.wg.Done()
		slog.WarnContext(ctx, "waiting for a worker slot failed: dropping job", "error", err)
		return false
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(p.ctx, cancel)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.deregister(id)
		defer stop()
		defer cancel()

		start := time.Now()
		err := safeRun(jctx, work)
		if err != nil {
			slog.ErrorContext(jctx, "job failed", "error", err, "elapsed", time.Since(start).String())
			return
		}
		slog.InfoContext(jctx, "job finished", "elapsed", time.Since(start).String())
	}()
	return true
}

// Running returns the ids of registered jobs, including those waiting for a
// slot, sorted.
func (p *Pool) Running() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every submitted job has returned. It must not race with
// Submit.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses further submissions and waits up to grace for running
// jobs. Jobs still running after grace get their context cancelled and are
// waited for; ErrForceStopped is returned in that case.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mx.Lock()
	p.closed = true
	p.mx.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
	}

	slog.Warn("shutdown grace elapsed: cancelling jobs", "jobs", p.Running())
	p.cancel()
	<-done
	return ErrForceStopped
}

func (p *Pool) deregister(id string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	delete(p.running, id)
}

func safeRun(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return work(ctx)
}
