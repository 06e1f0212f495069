package replica

import (
	"context"

	"github.com/sdfs-io/sdfs/internal/buffer"
)

// ReplicaWrite is the exported entry point spec §6 names for the RPC
// layer to call into: the worker-affinity check and write algorithm both
// live in Engine.Write, so this only adapts its (int, error) return to
// the single-error shape a handler expects. It owns no transport of its
// own — the wire framing a remote client uses to reach this call is out
// of scope here.
func (e *Engine) ReplicaWrite(ctx context.Context, io IO, buf *buffer.Buffer) error {
	_, err := e.Write(ctx, io, buf)
	return err
}

// ReplicaRead is ReplicaWrite's symmetric read entry point: it fills the
// caller's own buf (sized to io.Size) rather than handing back a freshly
// allocated one, since an RPC handler typically already owns a
// response buffer.
func (e *Engine) ReplicaRead(ctx context.Context, io IO, buf *buffer.Buffer) error {
	result, err := e.Read(ctx, io)
	if err != nil {
		return err
	}
	defer result.Free()

	buf.CopyFrom(result)
	return nil
}
