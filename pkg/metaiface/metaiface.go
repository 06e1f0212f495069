// Package metaiface defines the narrow boundary the replica core and
// volume placement layer use to reach the external inode/xattr metadata
// subsystem. Metadata policy itself is out of scope; this package only
// names the three operations placement needs.
package metaiface

import (
	"context"
	"time"

	"github.com/sdfs-io/sdfs/internal/chunkid"
)

// VolAttrs carries the volume attributes Mkvol records against the root
// directory entry it allocates.
type VolAttrs struct {
	Name      string
	Sharding  int
	Replica   int
	CreatedAt time.Time
}

// Client is the external inode interface every volume placement operation
// consumes. Nothing else in this codebase is allowed to talk to metadata
// directly.
type Client interface {
	Mkvol(ctx context.Context, vol chunkid.VolID, attrs VolAttrs) error
	ChildCount(ctx context.Context, vol chunkid.VolID) (uint64, error)
	Unlink(ctx context.Context, vol chunkid.VolID) error
}
