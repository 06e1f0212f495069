package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sdfs-io/sdfs/pkg/sdfserr"
)

// ETIMEDOUT and ECANCELED mirror the kernel errno values yield returns on a
// timeout or an explicit cancellation, per spec §4.4.
const (
	ETIMEDOUT = 110
	ECANCELED = 125
)

type resumeMsg struct {
	val int
	ptr any
}

// Task is a suspendable unit of work. It is created by core_request-style
// dispatch (Request) or a direct Spawn on a worker, and parks at named
// yield points, resuming exactly once per park.
type Task struct {
	worker *Worker
	name   string

	parked   atomic.Bool
	resumeCh chan resumeMsg
	parkedCh chan struct{}
	doneCh   chan struct{}

	result int
	err    error
}

type taskCtxKey struct{}

func withTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, t)
}

// TaskGet returns the task running on ctx, or nil if ctx was not created by
// the scheduler.
func TaskGet(ctx context.Context) *Task {
	t, _ := ctx.Value(taskCtxKey{}).(*Task)
	return t
}

// Running reports whether ctx is executing inside a scheduler task.
func Running(ctx context.Context) bool {
	return TaskGet(ctx) != nil
}

// Self returns the worker the calling task is running on, or nil if ctx is
// not executing inside a scheduler task.
func Self(ctx context.Context) *Worker {
	if t := TaskGet(ctx); t != nil {
		return t.worker
	}
	return nil
}

// Worker returns the worker that owns this task.
func (t *Task) Worker() *Worker { return t.worker }

// Name returns the task's current yield label, for diagnostics.
func (t *Task) Name() string { return t.name }

func newTask(w *Worker, name string) *Task {
	return &Task{
		worker:   w,
		name:     name,
		resumeCh: make(chan resumeMsg, 1),
		parkedCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// run drives fn to completion under panic recovery, so a task that panics
// cannot corrupt its worker (spec §4.4 Failure).
func (t *Task) run(ctx context.Context, fn func(context.Context) (int, error)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", t.name).Msg("task panicked, worker continues")
			t.result, t.err = -1, sdfserr.New(sdfserr.Internal, errRecovered(r))
		}
		close(t.doneCh)
		t.parkedCh <- struct{}{}
	}()

	t.result, t.err = fn(withTask(ctx, t))
}

// Yield suspends the calling task at a named point and returns the value it
// is eventually resumed with. timeout <= 0 means wait forever.
func Yield(ctx context.Context, name string, timeout time.Duration) (int, any, error) {
	t := TaskGet(ctx)
	if t == nil {
		return 0, nil, sdfserr.New(sdfserr.Internal, errNotATask)
	}

	t.name = name
	if !t.parked.CompareAndSwap(false, true) {
		sdfserr.Fatal("task %p parked twice without an intervening resume", t)
	}

	t.parkedCh <- struct{}{}

	if timeout <= 0 {
		select {
		case msg := <-t.resumeCh:
			return msg.val, msg.ptr, nil
		case <-ctx.Done():
			t.parked.Store(false)
			return -ECANCELED, nil, ctx.Err()
		}
	}

	select {
	case msg := <-t.resumeCh:
		return msg.val, msg.ptr, nil
	case <-ctx.Done():
		t.parked.Store(false)
		return -ECANCELED, nil, ctx.Err()
	case <-time.After(timeout):
		t.parked.Store(false)
		return -ETIMEDOUT, nil, nil
	}
}

// Resume delivers value/ptr to a parked task, enqueuing it on its owning
// worker's ready queue. It must be called exactly once per outstanding
// Yield (invariant I3/I4); a second call on an already-resumed task is a
// logic error and is reported via sdfserr.Fatal rather than silently
// dropped.
func Resume(t *Task, value int, ptr any) error {
	if !t.parked.CompareAndSwap(true, false) {
		sdfserr.Fatal("resume on task %p without a matching yield", t)
		return sdfserr.New(sdfserr.Internal, errDoubleResume)
	}
	t.worker.enqueueResume(t, resumeMsg{val: value, ptr: ptr})
	return nil
}

// Park arms the calling task to receive exactly one resume, invokes submit
// (which is responsible for arranging that the resolve function it
// receives is eventually called exactly once, possibly before submit even
// returns), and blocks until resolve fires or ctx is done / timeout
// elapses.
//
// submit runs after the task is armed, so a resolve that fires
// synchronously — before Park ever reaches its wait — is still delivered
// through the buffered resumeCh rather than racing Yield's own arming.
// Whichever of {resolve fires, ctx is done} happens first wins a single
// shared CompareAndSwap; the loser has no effect. This is the arbiter
// aio.Gateway.Commit and Scheduler.NewThread delegate to instead of each
// keeping its own disconnected flag, which is what let a resolve racing a
// cancellation trip Resume's double-resume Fatal.
func Park(ctx context.Context, name string, timeout time.Duration, submit func(resolve func(val int, ptr any))) (int, any, error) {
	t := TaskGet(ctx)
	if t == nil {
		return 0, nil, sdfserr.New(sdfserr.Internal, errNotATask)
	}

	t.name = name
	if !t.parked.CompareAndSwap(false, true) {
		sdfserr.Fatal("task %p parked twice without an intervening resume", t)
	}
	t.parkedCh <- struct{}{}

	var resolved atomic.Bool
	submit(func(val int, ptr any) {
		if !resolved.CompareAndSwap(false, true) {
			return
		}
		t.parked.Store(false)
		t.worker.enqueueResume(t, resumeMsg{val: val, ptr: ptr})
	})

	var after <-chan time.Time
	if timeout > 0 {
		after = time.After(timeout)
	}

	select {
	case msg := <-t.resumeCh:
		return msg.val, msg.ptr, nil
	case <-ctx.Done():
		if resolved.CompareAndSwap(false, true) {
			t.parked.Store(false)
			return -ECANCELED, nil, ctx.Err()
		}
		// resolve already won the race; its message is already on its way
		// through the worker's ready queue.
		msg := <-t.resumeCh
		return msg.val, msg.ptr, nil
	case <-after:
		if resolved.CompareAndSwap(false, true) {
			t.parked.Store(false)
			return -ETIMEDOUT, nil, nil
		}
		msg := <-t.resumeCh
		return msg.val, msg.ptr, nil
	}
}
