package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewLenReportsLength(t *testing.T) {
	b := NewLen(4096)
	assert.Equal(t, 4096, b.Len())
	b.Free()
}

func TestNewLenSpansMultipleSegments(t *testing.T) {
	b := NewLen(SegSize*2 + 17)
	assert.Equal(t, SegSize*2+17, b.Len())
	assert.Len(t, b.segs, 3)
	b.Free()
}

func TestCloneSharesSegmentsAndFreesIndependently(t *testing.T) {
	b := NewLen(1024)
	c := b.Clone()

	assert.Equal(t, b.Len(), c.Len())
	assert.Equal(t, int32(2), *b.segs[0].refcnt)

	c.Free()
	assert.Equal(t, int32(1), *b.segs[0].refcnt)

	b.Free()
}

func TestTransProjectsFullBuffer(t *testing.T) {
	b := FromBytes([]byte("hello world"))
	vec := make([]unix.Iovec, 1)

	n, err := b.Trans(vec)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.EqualValues(t, 11, vec[0].Len)
}

func TestTransFailsWhenVectorTooSmall(t *testing.T) {
	b := NewLen(SegSize*3 + 1)
	vec := make([]unix.Iovec, 2)

	_, err := b.Trans(vec)
	assert.Error(t, err)
	b.Free()
}

func TestDropTailShrinksLogicalLength(t *testing.T) {
	b := FromBytes([]byte("hello world"))
	b.DropTail(6)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, "hello", string(b.Bytes()))
}

func TestNewLenAlignedRejectsUnalignedLength(t *testing.T) {
	_, err := NewLenAligned(513)
	assert.Error(t, err)
}

func TestNewLenAlignedSegmentsAreSectorAligned(t *testing.T) {
	b, err := NewLenAligned(4096)
	require.NoError(t, err)
	for _, s := range b.segs {
		assert.Equal(t, 0, len(s.data)%SectorSize)
		assert.Equal(t, uintptr(0), uintptrOf(s.data)%SectorSize)
	}
	b.Free()
}

func TestMaxIovecCount(t *testing.T) {
	assert.Equal(t, 1024*1024/SegSize+1, MaxIovecCount(1024*1024))
}

func TestRefCountTracksClonesAndFrees(t *testing.T) {
	b := FromBytes([]byte("abc"))
	assert.Equal(t, int32(1), b.RefCount())

	clone := b.Clone()
	assert.Equal(t, int32(2), b.RefCount())

	clone.Free()
	assert.Equal(t, int32(1), b.RefCount())
	b.Free()
}

func TestCopyFromWritesThroughToOwnBacking(t *testing.T) {
	src := FromBytes([]byte("copied"))
	defer src.Free()

	dst := NewLen(6)
	defer dst.Free()

	n := dst.CopyFrom(src)
	assert.Equal(t, 6, n)
	assert.Equal(t, "copied", string(dst.Bytes()))
}
