// Package buffer implements the segmented, reference-counted byte buffer
// the replica I/O engine clones, projects into iovecs, and frees.
package buffer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// SegSize bounds how many bytes a single segment carries.
const SegSize = 256 * 1024

// SectorSize is the alignment unit direct I/O requires.
const SectorSize = 512

// segment is one reference-counted chunk of backing memory. refcnt is
// shared by every Buffer holding this segment; Free decrements it and
// releases the backing array once it reaches zero.
type segment struct {
	data   []byte
	refcnt *int32
}

func newSegment(n int) *segment {
	one := int32(1)
	return &segment{data: make([]byte, n), refcnt: &one}
}

func newSegmentAligned(n int) *segment {
	if n%SectorSize != 0 {
		n = ((n / SectorSize) + 1) * SectorSize
	}
	// allocate extra so we can carve out a sector-aligned slice
	raw := make([]byte, n+SectorSize)
	off := 0
	if addr := uintptrOf(raw); addr%SectorSize != 0 {
		off = int(SectorSize - addr%SectorSize)
	}
	one := int32(1)
	return &segment{data: raw[off : off+n], refcnt: &one}
}

// Buffer is an ordered sequence of segments forming one logical byte range.
// Clones share segments by reference; mutation is only valid while a
// segment's refcnt is 1.
type Buffer struct {
	segs   []*segment
	length int
}

// NewEmpty returns a zero-length buffer.
func NewEmpty() *Buffer {
	return &Buffer{}
}

// NewLen allocates enough segments to cover n bytes; contents are
// undefined, Len() reports n.
func NewLen(n int) *Buffer {
	b := &Buffer{}
	remaining := n
	for remaining > 0 {
		sz := SegSize
		if remaining < sz {
			sz = remaining
		}
		b.segs = append(b.segs, newSegment(sz))
		remaining -= sz
	}
	b.length = n
	return b
}

// NewLenAligned allocates n bytes across segments whose base pointer and
// length are both SectorSize-aligned, for use on the O_DIRECT path. n must
// already be a multiple of SectorSize.
func NewLenAligned(n int) (*Buffer, error) {
	if n%SectorSize != 0 {
		return nil, fmt.Errorf("buffer: direct length %d not sector-aligned", n)
	}
	b := &Buffer{}
	remaining := n
	segSize := SegSize - SegSize%SectorSize
	for remaining > 0 {
		sz := segSize
		if remaining < sz {
			sz = remaining
		}
		b.segs = append(b.segs, newSegmentAligned(sz))
		remaining -= sz
	}
	b.length = n
	return b, nil
}

// FromBytes wraps an existing byte slice as a single-segment buffer. Used by
// callers (and tests) that already hold data to write.
func FromBytes(data []byte) *Buffer {
	one := int32(1)
	return &Buffer{
		segs:   []*segment{{data: data, refcnt: &one}},
		length: len(data),
	}
}

// Len returns the buffer's logical length.
func (b *Buffer) Len() int {
	return b.length
}

// Clone returns a new Buffer sharing this one's segments. Either side may
// Free independently; storage is released when the last reference drops.
func (b *Buffer) Clone() *Buffer {
	segs := make([]*segment, len(b.segs))
	for i, s := range b.segs {
		*s.refcnt++
		segs[i] = s
	}
	return &Buffer{segs: segs, length: b.length}
}

// Free drops this Buffer's reference to each of its segments.
func (b *Buffer) Free() {
	for _, s := range b.segs {
		*s.refcnt--
	}
	b.segs = nil
	b.length = 0
}

// RefCount returns the current reference count shared across this buffer
// and any clones of it. A freed buffer reports 0.
func (b *Buffer) RefCount() int32 {
	if len(b.segs) == 0 {
		return 0
	}
	return *b.segs[0].refcnt
}

// DropTail logically shrinks the buffer by k bytes from the end.
func (b *Buffer) DropTail(k int) {
	if k <= 0 {
		return
	}
	if k > b.length {
		k = b.length
	}
	b.length -= k

	remaining := b.length
	kept := b.segs[:0]
	for _, s := range b.segs {
		if remaining <= 0 {
			*s.refcnt--
			continue
		}
		if len(s.data) > remaining {
			s.data = s.data[:remaining]
		}
		remaining -= len(s.data)
		kept = append(kept, s)
	}
	b.segs = kept
}

// Trans fills vec[0:count] with iovecs covering the buffer in order and
// returns the total bytes projected. It fails if vec is too small to hold
// every segment.
func (b *Buffer) Trans(vec []unix.Iovec) (int, error) {
	if len(b.segs) > len(vec) {
		return 0, fmt.Errorf("buffer: iovec count %d insufficient for %d segments", len(vec), len(b.segs))
	}
	total := 0
	for i, s := range b.segs {
		if len(s.data) == 0 {
			continue
		}
		vec[i].SetLen(len(s.data))
		vec[i].Base = &s.data[0]
		total += len(s.data)
	}
	return total, nil
}

// Segments returns the buffer's backing slices in order, for callers (the
// disk gateway) that drive vectored syscalls through golang.org/x/sys/unix's
// [][]byte-based Preadv/Pwritev rather than raw iovecs.
func (b *Buffer) Segments() [][]byte {
	out := make([][]byte, len(b.segs))
	for i, s := range b.segs {
		out[i] = s.data
	}
	return out
}

// CopyFrom copies src's contents into this buffer's own backing segments
// and returns the number of bytes copied, capped at min(b.Len(), src.Len()).
// Unlike Bytes, which always allocates a fresh contiguous copy, CopyFrom
// writes through to the caller's existing storage.
func (b *Buffer) CopyFrom(src *Buffer) int {
	data := src.Bytes()
	n := 0
	for _, s := range b.segs {
		if n >= len(data) {
			break
		}
		n += copy(s.data, data[n:])
	}
	return n
}

// Bytes copies the buffer's contents into a single contiguous slice. Used
// by tests and by callers outside the hot path; the replica engine's hot
// path hands Segments to the disk gateway instead.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.length)
	for _, s := range b.segs {
		out = append(out, s.data...)
	}
	return out
}

// MaxIovecCount returns the iovec slice size guaranteed to hold any buffer
// up to msgMax bytes, per spec §4.2: ceil(msgMax/SegSize) + 1.
func MaxIovecCount(msgMax int) int {
	return (msgMax+SegSize-1)/SegSize + 1
}
