// Package pathhash maps a chunk id onto the hashed directory cascade the
// backing store uses to bound per-directory fanout.
package pathhash

import (
	"fmt"
	"path/filepath"

	"github.com/sdfs-io/sdfs/internal/chunkid"
)

// cascadeLevels and cascadeBits are fixed at build time per spec §4.1's
// requirement that implementers pin L and B and document the choice: two
// 16-bit levels bound fanout to 65536 entries per directory while keeping
// the path short (four hex digits per level).
const (
	cascadeLevels = 2
	cascadeBits   = 16
)

// Cascade maps a 64-bit chunk id onto an L-component hex directory path,
// most significant bits first: the first component holds the id's top B
// bits and the last component its bottom B bits. With L=2 and B=16, bits
// 16 through 47 of the id do not appear in the path.
func Cascade(id uint64) string {
	parts := make([]string, cascadeLevels)
	mask := uint64(1)<<cascadeBits - 1
	for i := 0; i < cascadeLevels; i++ {
		shift := uint(64 - cascadeBits*(i+1))
		if i == cascadeLevels-1 {
			shift = 0
		}
		parts[i] = fmt.Sprintf("%04x", (id>>shift)&mask)
	}
	return filepath.Join(parts...)
}

// ChunkPath builds the full on-disk path for one replica of a chunk:
// ${home}/disk/${level}/${cascade(id)}/${volid}_v${snapvers}/${idx}
func ChunkPath(home string, level int, chk chunkid.ChunkID, snapvers uint64) string {
	sub := fmt.Sprintf("%d_v%d", chk.VolID, snapvers)
	return filepath.Join(home, "disk", fmt.Sprintf("%d", level), Cascade(chk.ID), sub, fmt.Sprintf("%d", chk.Idx))
}
