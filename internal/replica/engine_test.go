package replica

import (
	"context"
	"testing"

	"github.com/sdfs-io/sdfs/internal/aio"
	"github.com/sdfs-io/sdfs/internal/buffer"
	"github.com/sdfs-io/sdfs/internal/chunkid"
	"github.com/sdfs-io/sdfs/internal/sched"
	"github.com/sdfs-io/sdfs/pkg/config"
	"github.com/sdfs-io/sdfs/pkg/sdfserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, ioSync bool) (*Engine, *sched.Scheduler) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.IOSync = ioSync

	s := sched.NewScheduler(2)
	s.RegisterThreadOps(sched.ThreadReplica, 4)
	t.Cleanup(s.Shutdown)

	gw := aio.NewGateway(2, 16)
	return NewEngine(s, gw, cfg), s
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	e, s := newTestEngine(t, false)

	chk := chunkid.ChunkID{ID: 42, VolID: 7, Idx: 0}
	payload := []byte("replica engine round trip payload")
	io := IO{Chk: chk, Offset: 0, Size: uint32(len(payload))}

	_, err := s.Request(context.Background(), chk.ID, -1, "test-write", func(ctx context.Context) (int, error) {
		buf := buffer.FromBytes(payload)
		defer buf.Free()
		n, err := e.Write(ctx, io, buf)
		return n, err
	})
	require.NoError(t, err)

	var got []byte
	_, err = s.Request(context.Background(), chk.ID, -1, "test-read", func(ctx context.Context) (int, error) {
		buf, err := e.Read(ctx, io)
		if err != nil {
			return 0, err
		}
		defer buf.Free()
		got = buf.Bytes()
		return buf.Len(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteHopsToOwningWorker(t *testing.T) {
	e, s := newTestEngine(t, false)
	chk := chunkid.ChunkID{ID: 5, VolID: 1, Idx: 0}
	payload := []byte("hop")
	io := IO{Chk: chk, Offset: 0, Size: uint32(len(payload))}

	// Request dispatches to chk.ID's worker already, so call Write from a
	// task explicitly pinned to a different worker to exercise the hop.
	otherWorker := (int(chk.ID) + 1) % s.NumWorkers()
	n, err := s.Request(context.Background(), 0, otherWorker, "caller", func(ctx context.Context) (int, error) {
		buf := buffer.FromBytes(payload)
		defer buf.Free()
		return e.Write(ctx, io, buf)
	})
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
}

func TestDirectPathRequiresAlignment(t *testing.T) {
	e, s := newTestEngine(t, true)
	chk := chunkid.ChunkID{ID: 3, VolID: 1, Idx: 0}

	io := IO{Chk: chk, Offset: 0, Size: 4096}
	assert.True(t, e.fastPath(io))

	unaligned := IO{Chk: chk, Offset: 1, Size: 4096}
	assert.False(t, e.fastPath(unaligned))

	buf, err := buffer.NewLenAligned(4096)
	require.NoError(t, err)
	defer buf.Free()

	n, err := s.Request(context.Background(), chk.ID, -1, "direct-write", func(ctx context.Context) (int, error) {
		return e.Write(ctx, io, buf)
	})
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func TestDirectPathWriteThenReadRoundTrip(t *testing.T) {
	e, s := newTestEngine(t, true)
	chk := chunkid.ChunkID{ID: 21, VolID: 1, Idx: 0}
	io := IO{Chk: chk, Offset: 0, Size: 4096}
	require.True(t, e.fastPath(io))

	src, err := buffer.NewLenAligned(4096)
	require.NoError(t, err)
	defer src.Free()
	for i := range src.Segments()[0] {
		src.Segments()[0][i] = byte(i)
	}

	n, err := s.Request(context.Background(), chk.ID, -1, "direct-write", func(ctx context.Context) (int, error) {
		return e.Write(ctx, io, src)
	})
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	var got []byte
	_, err = s.Request(context.Background(), chk.ID, -1, "direct-read", func(ctx context.Context) (int, error) {
		buf, readErr := e.Read(ctx, io)
		if readErr != nil {
			return 0, readErr
		}
		defer buf.Free()
		got = buf.Bytes()
		return buf.Len(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, src.Bytes(), got)
}

func TestReadOnMissingChunkReturnsError(t *testing.T) {
	e, s := newTestEngine(t, false)
	chk := chunkid.ChunkID{ID: 9, VolID: 1, Idx: 0}
	io := IO{Chk: chk, Offset: 0, Size: 4}

	_, err := s.Request(context.Background(), chk.ID, -1, "read-missing", func(ctx context.Context) (int, error) {
		_, err := e.Read(ctx, io)
		return 0, err
	})
	assert.Error(t, err)
}

func TestWriteCanceledBeforeCommitReleasesResources(t *testing.T) {
	e, s := newTestEngine(t, false)
	chk := chunkid.ChunkID{ID: 13, VolID: 1, Idx: 0}
	payload := []byte("canceled")
	io := IO{Chk: chk, Offset: 0, Size: uint32(len(payload))}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	var refcntAfter int32
	_, err := s.Request(cancelCtx, chk.ID, -1, "canceled-write", func(ctx context.Context) (int, error) {
		buf := buffer.FromBytes(payload)
		n, werr := e.Write(ctx, io, buf)
		refcntAfter = buf.RefCount()
		buf.Free()
		return n, werr
	})
	require.Error(t, err)
	assert.True(t, sdfserr.Is(err, sdfserr.Canceled))
	// the clone Write took must have released its reference; only the
	// caller's own reference (freed just above) should remain outstanding
	// at the moment we sampled it.
	assert.Equal(t, int32(1), refcntAfter)

	// A fresh write to the same chunk must still succeed: no fd leaked.
	_, err = s.Request(context.Background(), chk.ID, -1, "retry-write", func(ctx context.Context) (int, error) {
		buf := buffer.FromBytes(payload)
		defer buf.Free()
		return e.Write(ctx, io, buf)
	})
	require.NoError(t, err)
}

func TestRepeatedWritesDoNotLeakFDs(t *testing.T) {
	e, s := newTestEngine(t, false)
	chk := chunkid.ChunkID{ID: 11, VolID: 1, Idx: 0}
	payload := []byte("abcd")
	io := IO{Chk: chk, Offset: 0, Size: uint32(len(payload))}

	for i := 0; i < 64; i++ {
		_, err := s.Request(context.Background(), chk.ID, -1, "write", func(ctx context.Context) (int, error) {
			buf := buffer.FromBytes(payload)
			defer buf.Free()
			return e.Write(ctx, io, buf)
		})
		require.NoError(t, err)
	}
}
