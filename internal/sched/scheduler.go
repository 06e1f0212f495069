// Package sched implements the cooperative, non-preemptive task scheduler
// that every replica and placement operation runs under: a fixed pool of
// workers, each driving one task at a time, plus side thread pools for
// offloading blocking syscalls off the worker loop.
package sched

import (
	"context"
	"fmt"
	"time"
)

// ThreadType names a side thread pool used for blocking work that must not
// run on a worker's own loop goroutine (spec §4.4's service threads).
type ThreadType int

const (
	// ThreadReplica backs getfd's MkdirAll/Open calls, per spec §4.5.
	ThreadReplica ThreadType = iota
)

func (t ThreadType) String() string {
	switch t {
	case ThreadReplica:
		return "replica"
	default:
		return fmt.Sprintf("thread(%d)", int(t))
	}
}

type threadJob func()

type threadPool struct {
	jobs chan threadJob
	quit chan struct{}
}

func newThreadPool(n int) *threadPool {
	p := &threadPool{jobs: make(chan threadJob, 4096), quit: make(chan struct{})}
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

func (p *threadPool) loop() {
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.quit:
			return
		}
	}
}

func (p *threadPool) submit(job threadJob) {
	p.jobs <- job
}

func (p *threadPool) stop() { close(p.quit) }

// Scheduler owns the worker pool and the side thread pools tasks offload
// blocking work to.
type Scheduler struct {
	workers []*Worker
	pools   map[ThreadType]*threadPool
}

// NewScheduler starts n workers, each with its own loop goroutine.
func NewScheduler(n int) *Scheduler {
	if n <= 0 {
		n = 1
	}
	s := &Scheduler{pools: make(map[ThreadType]*threadPool)}
	s.workers = make([]*Worker, n)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s)
		go s.workers[i].loop()
	}
	return s
}

// NumWorkers returns the size of the worker pool.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// WorkerFor returns the worker a chunk id is affine to, per spec §4.5's
// chk.ID % N assignment: every operation on a given chunk serializes
// through the same worker for the chunk's lifetime.
func (s *Scheduler) WorkerFor(chkID uint64) *Worker {
	return s.workers[chkID%uint64(len(s.workers))]
}

// RegisterThreadOps creates a side thread pool of n goroutines for typ.
// Calling it twice for the same type replaces the pool; callers normally do
// this once at startup.
func (s *Scheduler) RegisterThreadOps(typ ThreadType, n int) {
	s.pools[typ] = newThreadPool(n)
}

// workerOf resolves key % N, or hint directly when hint >= 0.
func (s *Scheduler) workerOf(key uint64, hint int) *Worker {
	if hint >= 0 {
		return s.workers[hint%len(s.workers)]
	}
	return s.WorkerFor(key)
}

// Spawn starts fn as a new task on worker key%N (or workerHint, if >= 0)
// and returns a handle immediately; the caller does not block on
// completion.
func (s *Scheduler) Spawn(ctx context.Context, key uint64, workerHint int, name string, fn func(context.Context) (int, error)) *Task {
	return s.workerOf(key, workerHint).spawnTask(ctx, name, fn)
}

// Request posts fn to worker key%N's (or workerHint's) mailbox and blocks
// the calling goroutine — which need not itself be a task — until the
// worker has run it to completion, returning its result. This is the
// cross-worker dispatch path replica and placement operations use to hop
// execution onto a chunk's owning worker.
func (s *Scheduler) Request(ctx context.Context, key uint64, workerHint int, name string, fn func(context.Context) (int, error)) (int, error) {
	t := s.Spawn(ctx, key, workerHint, name, fn)
	if t == nil {
		return 0, errShutdown
	}
	<-t.doneCh
	return t.result, t.err
}

// NewThread offloads fn onto typ's side thread pool and parks the calling
// task until it completes (or timeout elapses, when > 0), so a blocking
// syscall never stalls the worker loop's single token.
//
// Park owns the arbitration between the pool goroutine's eventual resolve
// and ctx being canceled/timing out first, so a resolve that races a
// cancellation is dropped rather than tripping Resume's double-resume
// Fatal.
func (s *Scheduler) NewThread(ctx context.Context, typ ThreadType, name string, timeout time.Duration, fn func() (int, error)) (int, error) {
	if TaskGet(ctx) == nil {
		return 0, errNotATask
	}
	pool, ok := s.pools[typ]
	if !ok {
		return 0, fmt.Errorf("sched: no thread pool registered for %s", typ)
	}

	if name == "" {
		name = "thread:" + typ.String()
	}

	v, ptr, err := Park(ctx, name, timeout, func(resolve func(int, any)) {
		pool.submit(func() {
			val, fnErr := fn()
			var p any
			if fnErr != nil {
				p = fnErr
			}
			resolve(val, p)
		})
	})
	if err != nil {
		return v, err
	}
	var fnErr error
	if e, ok := ptr.(error); ok {
		fnErr = e
	}
	return v, fnErr
}

// Shutdown stops every worker loop and side thread pool. It does not wait
// for in-flight tasks to finish; callers should drain outstanding work
// first.
func (s *Scheduler) Shutdown() {
	for _, w := range s.workers {
		w.stop()
	}
	for _, p := range s.pools {
		p.stop()
	}
}
