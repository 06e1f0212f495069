// Package aio implements the async disk gateway: a fixed pool of disk
// worker goroutines that perform vectored reads and writes and resume the
// scheduler task that submitted them, mirroring diskio_submit/aio_commit's
// callback-into-schedule_resume shape (spec §4.3).
package aio

import (
	"context"
	"errors"
	"fmt"

	"github.com/sdfs-io/sdfs/internal/sched"
	sdfslog "github.com/sdfs-io/sdfs/pkg/log"
	"github.com/sdfs-io/sdfs/pkg/sdfserr"
	"golang.org/x/sys/unix"
)

// Op names the vectored syscall an IOCB performs.
type Op int

const (
	OpPreadv Op = iota
	OpPwritev
)

// IOCB describes one submitted disk operation. Tag carries the caller's own
// bookkeeping through to the completion callback; the gateway never
// inspects it.
type IOCB struct {
	FD     int
	Op     Op
	Iov    [][]byte
	Offset int64
	Tag    any
}

// Gateway owns a fixed pool of disk worker goroutines, each draining a
// bounded channel that acts as the submission ring. A ring never grows past
// its depth: a full ring parks a submitting task until a slot frees, and
// returns Busy to a caller that is not a task.
type Gateway struct {
	rings []chan job
	next  uint64
}

type job struct {
	iocb     *IOCB
	callback func(*IOCB, int64, error)
}

// NewGateway starts workers goroutines, each with a ring of queueDepth
// pending submissions.
func NewGateway(workers, queueDepth int) *Gateway {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 32
	}
	g := &Gateway{rings: make([]chan job, workers)}
	for i := range g.rings {
		ring := make(chan job, queueDepth)
		g.rings[i] = ring
		go g.loop(i, ring)
	}
	return g
}

func (g *Gateway) loop(idx int, ring chan job) {
	log := sdfslog.WithWorker(idx)
	for j := range ring {
		n, err := perform(j.iocb)
		if err != nil {
			log.Debug().Err(err).Int("fd", j.iocb.FD).Msg("disk op failed")
		}
		j.callback(j.iocb, n, err)
	}
}

func perform(iocb *IOCB) (int64, error) {
	var n int
	var err error
	switch iocb.Op {
	case OpPreadv:
		n, err = unix.Preadv(iocb.FD, iocb.Iov, iocb.Offset)
	case OpPwritev:
		n, err = unix.Pwritev(iocb.FD, iocb.Iov, iocb.Offset)
	default:
		return 0, fmt.Errorf("aio: unknown op %d", iocb.Op)
	}
	return int64(n), err
}

// trySubmit makes one non-blocking attempt to enqueue iocb on its ring,
// reporting whether the ring had room.
func (g *Gateway) trySubmit(iocb *IOCB, callback func(*IOCB, int64, error)) bool {
	ring := g.rings[uint64(iocb.FD)%uint64(len(g.rings))]
	select {
	case ring <- job{iocb: iocb, callback: callback}:
		return true
	default:
		return false
	}
}

// Submit enqueues iocb on the ring selected by iocb.FD; callback runs on a
// disk worker goroutine once the operation completes. When the ring is
// full, Submit parks the calling task (spec §4.3 back-pressure) rather
// than returning an error, waking as soon as a slot frees; outside a
// scheduler task it falls back to returning Busy immediately, since there
// would be no task for a freed slot to resume.
func (g *Gateway) Submit(ctx context.Context, iocb *IOCB, callback func(*IOCB, int64, error)) error {
	if g.trySubmit(iocb, callback) {
		return nil
	}
	if sched.TaskGet(ctx) == nil {
		return sdfserr.New(sdfserr.Busy, errRingFull)
	}

	ring := g.rings[uint64(iocb.FD)%uint64(len(g.rings))]
	_, ptr, err := sched.Park(ctx, "aio_submit_backpressure", 0, func(resolve func(int, any)) {
		go func() {
			select {
			case ring <- job{iocb: iocb, callback: callback}:
				resolve(0, nil)
			case <-ctx.Done():
				resolve(0, ctx.Err())
			}
		}()
	})
	if err != nil {
		return sdfserr.New(sdfserr.Canceled, err)
	}
	if cancelErr, ok := ptr.(error); ok {
		return sdfserr.New(sdfserr.Canceled, cancelErr)
	}
	return nil
}

// Commit submits iocb onto the fd-hashed ring and parks the calling task
// until a disk worker resumes it, returning the byte count or an I/O
// error. This is the buffered path's submit/yield pair, folded into one
// call since Go's task identity is already on ctx: the op is queued
// behind whatever else is already pending on that ring, and the caller
// yields while it waits its turn.
//
// A single sched.Park call owns both ends of the wait — the ring-full
// back-pressure (the queued goroutine's own blocking send) and the disk
// worker's eventual resolve — rather than nesting a second Park inside
// it, since a task can only be parked once at a time.
func (g *Gateway) Commit(ctx context.Context, iocb *IOCB) (int64, error) {
	if sched.TaskGet(ctx) == nil {
		return 0, sdfserr.New(sdfserr.Internal, errNotATask)
	}

	ring := g.rings[uint64(iocb.FD)%uint64(len(g.rings))]
	n, ptr, err := sched.Park(ctx, "aio_commit", 0, func(resolve func(int, any)) {
		callback := func(_ *IOCB, n int64, ioErr error) {
			var p any
			if ioErr != nil {
				p = ioErr
			}
			resolve(int(n), p)
		}
		if g.trySubmit(iocb, callback) {
			return
		}
		// Ring is full: block on the send off-task instead of nesting a
		// second Park on the same task. The goroutine either enqueues
		// (and the op eventually resolves normally) or this call has
		// already returned via cancellation, in which case resolve is a
		// harmless no-op once it fires.
		go func() { ring <- job{iocb: iocb, callback: callback} }()
	})
	return commitResult(n, ptr, err)
}

// CommitInline performs iocb's syscall directly, bypassing the ring
// entirely, for the O_DIRECT fast path where the caller has already paid
// for sector alignment and wants the syscall dispatched without queuing
// behind other pending ops on the same fd's ring. The syscall itself
// still runs off the calling task's worker (via sched.NewThread's
// dedicated pool) so a slow direct write cannot stall other tasks on the
// same worker; the task yields until it completes.
func (g *Gateway) CommitInline(ctx context.Context, sch *sched.Scheduler, typ sched.ThreadType, iocb *IOCB) (int64, error) {
	if sched.TaskGet(ctx) == nil {
		return 0, sdfserr.New(sdfserr.Internal, errNotATask)
	}

	n, err := sch.NewThread(ctx, typ, "aio_commit_direct", 0, func() (int, error) {
		v, perr := perform(iocb)
		return int(v), perr
	})
	if err != nil {
		var se *sdfserr.Error
		if errors.As(err, &se) {
			return int64(n), se
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return int64(n), sdfserr.New(sdfserr.Canceled, err)
		}
		return int64(n), sdfserr.New(sdfserr.IO, err)
	}
	return int64(n), nil
}

func commitResult(n int, ptr any, err error) (int64, error) {
	if err != nil {
		return 0, sdfserr.New(sdfserr.Canceled, err)
	}
	if ptr != nil {
		if ioErr, ok := ptr.(error); ok {
			var se *sdfserr.Error
			if errors.As(ioErr, &se) {
				return int64(n), se
			}
			return int64(n), sdfserr.New(sdfserr.IO, ioErr)
		}
	}
	return int64(n), nil
}
