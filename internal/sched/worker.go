package sched

import (
	"context"
)

// spawnReq asks a worker to start a new task running fn.
type spawnReq struct {
	ctx  context.Context
	name string
	fn   func(context.Context) (int, error)
	out  chan *Task
}

type readyItem struct {
	task *Task
	msg  resumeMsg
}

// Worker runs at most one task's code at a time: its loop goroutine holds
// the single token that lets a task's goroutine proceed, and reclaims it as
// soon as the task parks at a Yield or finishes. Tasks therefore interleave
// cooperatively within a worker exactly as they would on a single
// stackful-coroutine thread, while distinct workers run in true parallel.
type Worker struct {
	idx    int
	sched  *Scheduler
	spawn  chan spawnReq
	ready  chan readyItem
	quit   chan struct{}
	closed chan struct{}
}

func newWorker(idx int, s *Scheduler) *Worker {
	return &Worker{
		idx:    idx,
		sched:  s,
		spawn:  make(chan spawnReq, 256),
		ready:  make(chan readyItem, 4096),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Index returns the worker's position in the scheduler's worker slice,
// used for chunk-id affinity hashing (spec §4.5).
func (w *Worker) Index() int { return w.idx }

func (w *Worker) loop() {
	defer close(w.closed)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.spawn:
			t := newTask(w, req.name)
			if req.out != nil {
				req.out <- t
			}
			go t.run(req.ctx, req.fn)
			<-t.parkedCh
		case item := <-w.ready:
			item.task.resumeCh <- item.msg
			<-item.task.parkedCh
		}
	}
}

func (w *Worker) enqueueResume(t *Task, msg resumeMsg) {
	select {
	case w.ready <- readyItem{task: t, msg: msg}:
	case <-w.quit:
	}
}

// spawnTask starts fn as a new task on w and returns a handle to it once the
// task has been created (not once it has finished or first parked).
func (w *Worker) spawnTask(ctx context.Context, name string, fn func(context.Context) (int, error)) *Task {
	out := make(chan *Task, 1)
	select {
	case w.spawn <- spawnReq{ctx: ctx, name: name, fn: fn, out: out}:
	case <-w.quit:
		return nil
	}
	return <-out
}

func (w *Worker) stop() {
	close(w.quit)
	<-w.closed
}
