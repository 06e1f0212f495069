// Package chunkid defines the identifiers shared across the replica I/O
// core: a chunk belongs to a volume, lives at one index within its
// replica set, and is typed the way the source's chkid_t.type tag is.
package chunkid

import "fmt"

// Type mirrors the source's chkid_t type tag.
type Type uint8

const (
	TypeData Type = iota
	TypeMeta
	TypeDir
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeMeta:
		return "meta"
	case TypeDir:
		return "dir"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ChunkID names one replica of a chunk: ID is the chunk's identity, VolID
// the volume it belongs to, Idx its position in the volume's replica set.
// Comparable, so it is safe to use as a map key.
type ChunkID struct {
	ID       uint64
	VolID    uint64
	Idx      uint32
	Type     Type
	Snapshot uint64
}

func (c ChunkID) String() string {
	return fmt.Sprintf("%016x/%d/%d@%d", c.ID, c.VolID, c.Idx, c.Snapshot)
}

// VolID names a volume and the snapshot generation an operation targets.
type VolID struct {
	VolID    uint64
	SnapVers uint64
}
