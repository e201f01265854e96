package chunk

import "fmt"

// Default sizing for chunks and blocks. These are the fallbacks used when
// pkg/config does not override them.
const (
	DefaultChunkSize int64 = 64 * 1024 * 1024
	DefaultBlockSize int64 = 4 * 1024 * 1024
)

// MakeSliceObjectKey is the single shared key function both the writer and
// the reader must agree on: it maps (slice id, block index, block size) to
// a deterministic object path. block size is embedded so a final,
// shorter-than-BLOCK_SIZE block can be located without a side index.
func MakeSliceObjectKey(sliceID uint64, blockIndex int, blockSize int64) string {
	return fmt.Sprintf("chunks/%d/%d_%d_%d", sliceID/1000, sliceID, blockIndex, blockSize)
}
