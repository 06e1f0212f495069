// Package replica implements the file handle acquirer and the replica I/O
// engine: the two pieces that turn a logical (chunk, offset, size) request
// into a vectored read or write against a path on local disk.
package replica

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sdfs-io/sdfs/internal/chunkid"
	"github.com/sdfs-io/sdfs/internal/pathhash"
	"github.com/sdfs-io/sdfs/internal/sched"
	"golang.org/x/sys/unix"
)

// PathLevel is the hashed-directory cascade level every chunk file lives
// under. The source supports multiple levels for migration; this tree only
// ever writes level 0.
const PathLevel = 0

// Error wraps a kernel errno so callers can match it with errors.Is against
// syscall.Errno values (ENOSPC, ENOENT, ...) without caring which layer
// produced it.
type Error struct {
	Op    string
	Path  string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("replica: %s %s: %v", e.Op, e.Path, e.Errno)
}

func (e *Error) Unwrap() error { return e.Errno }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Errno == other.Errno
	}
	return errors.Is(e.Errno, target)
}

// getFD resolves chk's on-disk path, creates its parent directory cascade
// if needed, and opens it with flags. It always runs on the ThreadReplica
// side pool (spec §4.5) so the blocking mkdir/open calls never occupy a
// worker's single execution token.
func (e *Engine) getFD(ctx context.Context, chk chunkid.ChunkID, snapvers uint64, flags int) (int, string, error) {
	path := pathhash.ChunkPath(e.cfg.WorkDir, PathLevel, chk, snapvers)

	v, err := e.sched.NewThread(ctx, sched.ThreadReplica, "getfd", 0, func() (int, error) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
			return -1, mkErr
		}
		fd, openErr := unix.Open(path, flags, 0600)
		if openErr != nil {
			return -1, openErr
		}
		if ctx.Err() != nil {
			unix.Close(fd)
			return -1, ctx.Err()
		}
		return fd, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return -1, path, err
		}
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			errno = syscall.EIO
		}
		return -1, path, &Error{Op: "getfd", Path: path, Errno: errno}
	}
	return v, path, nil
}
