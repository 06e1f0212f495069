package replica

import (
	"context"
	"errors"
	"syscall"

	"github.com/sdfs-io/sdfs/internal/aio"
	"github.com/sdfs-io/sdfs/internal/buffer"
	"github.com/sdfs-io/sdfs/internal/chunkid"
	"github.com/sdfs-io/sdfs/internal/sched"
	"github.com/sdfs-io/sdfs/pkg/config"
	"github.com/sdfs-io/sdfs/pkg/metrics"
	"github.com/sdfs-io/sdfs/pkg/sdfserr"
	"golang.org/x/sys/unix"
)

// SectorSize is the O_DIRECT alignment boundary the fast-path predicate
// checks offset and size against.
const SectorSize = 512

// IO describes one logical replica operation: which chunk, which byte
// range, and the snapshot generation it targets.
type IO struct {
	Chk      chunkid.ChunkID
	SnapVers uint64
	Offset   uint64
	Size     uint32
}

// Engine is the replica I/O core: it owns no state per chunk, only the
// scheduler and disk gateway every operation is dispatched through.
type Engine struct {
	sched *sched.Scheduler
	gw    *aio.Gateway
	cfg   *config.Config
}

// NewEngine wires a replica engine to a running scheduler and disk
// gateway. cfg.IOSync selects the fast (O_DIRECT) vs buffered path per
// operation, not per engine.
func NewEngine(s *sched.Scheduler, gw *aio.Gateway, cfg *config.Config) *Engine {
	return &Engine{sched: s, gw: gw, cfg: cfg}
}

// onOwningWorker runs fn inline if the calling task already lives on
// io.Chk.ID's owning worker, otherwise hops execution there via
// sched.Request — the Go expression of "the engine issues a request to
// migrate execution" (spec §4.6).
func (e *Engine) onOwningWorker(ctx context.Context, chkID uint64, name string, fn func(context.Context) (int, error)) (int, error) {
	want := e.sched.WorkerFor(chkID)
	if w := sched.Self(ctx); w != nil && w == want {
		return fn(ctx)
	}
	return e.sched.Request(ctx, chkID, -1, name, fn)
}

func (e *Engine) fastPath(io IO) bool {
	return e.cfg.IOSync && io.Offset%SectorSize == 0 && uint64(io.Size)%SectorSize == 0
}

// segBytes sums the length of a projected iovec set, so callers can assert
// the projection covers exactly the buffer's logical length (§4.6 step 4)
// before handing it to the gateway.
func segBytes(segs [][]byte) int {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return n
}

func pathLabel(direct bool) string {
	if direct {
		return "direct"
	}
	return "buffered"
}

// errnoLabel extracts the sdfserr.Kind tag for the errors-total counter,
// falling back to "unknown" for errors this package didn't wrap itself.
func errnoLabel(err error) string {
	var se *sdfserr.Error
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	return "unknown"
}

// Write stores buf at io's (chunk, offset), cloning buf so the caller
// keeps ownership of its own reference. Returns the byte count written on
// success.
func (e *Engine) Write(ctx context.Context, io IO, buf *buffer.Buffer) (int, error) {
	a := metrics.Begin("write", pathLabel(e.fastPath(io)))
	n, err := e.onOwningWorker(ctx, io.Chk.ID, "replica_write", func(ctx context.Context) (int, error) {
		return e.writeInline(ctx, io, buf)
	})
	errno := ""
	if err != nil {
		errno = errnoLabel(err)
	}
	a.Queue(n, errno)
	return n, err
}

func (e *Engine) writeInline(ctx context.Context, io IO, buf *buffer.Buffer) (int, error) {
	if sched.TaskGet(ctx) == nil {
		return 0, sdfserr.New(sdfserr.Internal, errNotRunning)
	}

	// step 2: clone so the caller's Free doesn't race this operation's use.
	clone := buf.Clone()
	defer clone.Free()

	flags := unix.O_CREAT | unix.O_RDWR
	direct := e.fastPath(io)
	if direct {
		flags |= unix.O_DIRECT
	} else if e.cfg.IOSync {
		flags |= unix.O_SYNC
	}

	// step 3: acquire the backing file descriptor.
	fd, path, err := e.getFD(ctx, io.Chk, io.SnapVers, flags)
	if err != nil {
		return 0, wrapIOErr("write", path, err)
	}
	defer unix.Close(fd)

	// step 4: project the buffer into iovecs. O_DIRECT requires every iovec
	// base and length sector-aligned (P6); the caller's clone carries no
	// such guarantee, so the direct path copies into a freshly aligned
	// buffer before submitting.
	submit := clone
	if direct {
		aligned, alignErr := buffer.NewLenAligned(int(io.Size))
		if alignErr != nil {
			return 0, sdfserr.New(sdfserr.IO, alignErr)
		}
		defer aligned.Free()
		aligned.CopyFrom(clone)
		submit = aligned
	}
	segs := submit.Segments()
	if projected := segBytes(segs); projected != submit.Len() {
		return 0, sdfserr.New(sdfserr.Internal, errShortIO)
	}

	// step 5/6: submit the vectored write and wait for completion. Direct
	// writes dispatch inline off the ring (they're already sector-aligned
	// and want no queuing delay behind other fds); buffered writes queue
	// on the fd's ring and yield for their turn.
	iocb := &aio.IOCB{FD: fd, Op: aio.OpPwritev, Iov: segs, Offset: int64(io.Offset)}
	var n int64
	if direct {
		n, err = e.gw.CommitInline(ctx, e.sched, sched.ThreadReplica, iocb)
	} else {
		n, err = e.gw.Commit(ctx, iocb)
	}
	if err != nil {
		return 0, wrapIOErr("write", path, err)
	}

	// step 8: byte-count mismatch is EIO regardless of kernel errno.
	if n != int64(buf.Len()) {
		return int(n), sdfserr.New(sdfserr.IO, errShortIO)
	}

	// step 7: success; fd and clone release via defer on every exit path.
	return int(n), nil
}

// Read fetches io.Size bytes at io.Offset into a freshly allocated buffer.
// A successful return always has buf.Len() == io.Size; a short read from
// the kernel is surfaced as EIO rather than silently returning fewer
// bytes than requested.
func (e *Engine) Read(ctx context.Context, io IO) (*buffer.Buffer, error) {
	a := metrics.Begin("read", pathLabel(e.fastPath(io)))
	var buf *buffer.Buffer
	n, err := e.onOwningWorker(ctx, io.Chk.ID, "replica_read", func(ctx context.Context) (int, error) {
		b, readN, readErr := e.readInline(ctx, io)
		buf = b
		return readN, readErr
	})
	errno := ""
	if err != nil {
		errno = errnoLabel(err)
	}
	a.Queue(n, errno)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Engine) readInline(ctx context.Context, io IO) (*buffer.Buffer, int, error) {
	if sched.TaskGet(ctx) == nil {
		return nil, 0, sdfserr.New(sdfserr.Internal, errNotRunning)
	}

	flags := unix.O_RDONLY
	direct := e.fastPath(io)
	if direct {
		flags |= unix.O_DIRECT
	}

	fd, path, err := e.getFD(ctx, io.Chk, io.SnapVers, flags)
	if err != nil {
		return nil, 0, wrapIOErr("read", path, err)
	}
	defer unix.Close(fd)

	// O_DIRECT requires a sector-aligned destination buffer (P6); fastPath
	// already guarantees io.Size is a multiple of SectorSize on this path.
	var buf *buffer.Buffer
	if direct {
		aligned, alignErr := buffer.NewLenAligned(int(io.Size))
		if alignErr != nil {
			return nil, 0, sdfserr.New(sdfserr.IO, alignErr)
		}
		buf = aligned
	} else {
		buf = buffer.NewLen(int(io.Size))
	}
	segs := buf.Segments()
	if projected := segBytes(segs); projected != buf.Len() {
		buf.Free()
		return nil, 0, sdfserr.New(sdfserr.Internal, errShortIO)
	}

	iocb := &aio.IOCB{FD: fd, Op: aio.OpPreadv, Iov: segs, Offset: int64(io.Offset)}
	var n int64
	if direct {
		n, err = e.gw.CommitInline(ctx, e.sched, sched.ThreadReplica, iocb)
	} else {
		n, err = e.gw.Commit(ctx, iocb)
	}
	if err != nil {
		buf.Free()
		return nil, 0, wrapIOErr("read", path, err)
	}

	if n != int64(buf.Len()) {
		buf.Free()
		return nil, int(n), sdfserr.New(sdfserr.IO, errShortIO)
	}

	return buf, int(n), nil
}

func wrapIOErr(op, path string, err error) error {
	var se *sdfserr.Error
	if errors.As(err, &se) && se.Kind == sdfserr.Canceled {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return sdfserr.New(sdfserr.Canceled, err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return sdfserr.New(sdfserr.IO, &Error{Op: op, Path: path, Errno: errno})
	}
	return sdfserr.New(sdfserr.IO, err)
}
