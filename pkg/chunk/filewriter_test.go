package chunk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kisekifs/kiseki/pkg/diskpool"
	metamem "github.com/kisekifs/kiseki/pkg/meta/memory"
	objmem "github.com/kisekifs/kiseki/pkg/object/memory"
)

const (
	testFWChunkSize = 64 * 1024
	testFWBlockSize = 16 * 1024
)

func newTestFileWriter(t *testing.T, capacity int64) (*FileWriter, *diskpool.Pool, *objmem.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.bin")
	pool, err := diskpool.New(path, testFWBlockSize, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store := objmem.New()
	engine := metamem.New()
	fw := NewFileWriter(1, pool, engine, store, Config{ChunkSize: testFWChunkSize, BlockSize: testFWBlockSize, FlushQueueSize: 10})
	t.Cleanup(fw.Close)
	return fw, pool, store
}

// TestFileWriterSequentialWriteWithinOneChunk covers a single contiguous
// write that lands entirely inside chunk 0.
func TestFileWriterSequentialWriteWithinOneChunk(t *testing.T) {
	fw, _, _ := newTestFileWriter(t, testFWBlockSize*16)

	data := make([]byte, 1000)
	n, err := fw.Write(context.Background(), 0, data)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.EqualValues(t, 1000, fw.Length())
}

// TestFileWriterWriteCrossingChunkBoundary covers a write that LocateChunk
// must split across two chunks, each landing on its own slice writer.
func TestFileWriterWriteCrossingChunkBoundary(t *testing.T) {
	fw, _, _ := newTestFileWriter(t, testFWBlockSize*16)

	offset := int64(testFWChunkSize - 100)
	data := make([]byte, 200)
	n, err := fw.Write(context.Background(), offset, data)
	require.NoError(t, err)
	require.Equal(t, 200, n)
	require.EqualValues(t, offset+200, fw.Length())
}

// TestFileWriterFullChunkFillTriggersFullFlush fills a chunk to exactly
// chunkSize, which should produce a FlushFull request once MakeBackgroundFlushReq
// is consulted after freezing; simulates the freeze->flush->mark_done->removal
// path end to end via a manual Flush.
func TestFileWriterFullChunkFillTriggersFullFlush(t *testing.T) {
	fw, _, store := newTestFileWriter(t, testFWBlockSize*16)

	data := make([]byte, testFWChunkSize)
	_, err := fw.Write(context.Background(), 0, data)
	require.NoError(t, err)

	require.NoError(t, fw.Flush(context.Background()))
	require.Greater(t, store.Len(), 0)

	require.Eventually(t, func() bool {
		fw.RemoveDoneSliceWriter()
		return len(fw.chunks) == 0
	}, time.Second, 10*time.Millisecond)
}

// TestFileWriterManualFlushRacesWithConcurrentWriters exercises a manual
// Flush() running concurrently with ongoing Write() calls: every write
// either lands on a slice writer drained by Flush or on a fresh one
// allocated after the drain, and no data is lost (length accounts for all
// bytes written).
func TestFileWriterManualFlushRacesWithConcurrentWriters(t *testing.T) {
	fw, _, _ := newTestFileWriter(t, testFWBlockSize*32)

	const writers = 8
	const writeLen = 512
	done := make(chan struct{}, writers)

	for i := 0; i < writers; i++ {
		go func(i int) {
			_, err := fw.Write(context.Background(), int64(i*writeLen), make([]byte, writeLen))
			require.NoError(t, err)
			done <- struct{}{}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fw.Flush(ctx))

	for i := 0; i < writers; i++ {
		<-done
	}
	require.EqualValues(t, writers*writeLen, fw.Length())
}

// TestFileWriterRandomWriteTriggersEarlyFlush exercises the early-flush
// heuristic: once more than earlyFlushScanDepth slice writers exist in a
// chunk and the pool is mostly free, an older unmatched slice writer gets
// speculatively frozen and flushed without an explicit manual Flush call.
func TestFileWriterRandomWriteTriggersEarlyFlush(t *testing.T) {
	fw, _, _ := newTestFileWriter(t, testFWBlockSize*64)

	entry := fw.chunkEntryFor(0)

	// Seed more than earlyFlushScanDepth non-overlapping slice writers so
	// that findSliceWriter's scan walks past the exempt newest window.
	var seeded []*SliceWriter
	for i := 0; i < earlyFlushScanDepth+2; i++ {
		off := int64(i) * 4096
		sw := fw.findSliceWriter(entry, 0, off)
		seeded = append(seeded, sw)
		_, err := sw.WriteAt(context.Background(), 0, make([]byte, 100))
		require.NoError(t, err)
	}

	// A write targeting a brand new offset forces the scan to walk every
	// existing writer looking for a match, passing over the older ones.
	newOffset := int64(earlyFlushScanDepth+10) * 4096
	sw := fw.findSliceWriter(entry, 0, newOffset)
	require.NotNil(t, sw)

	require.Eventually(t, func() bool {
		for _, w := range seeded {
			if w.HasFrozen() && w.HasDone() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestFileWriterPublishLengthIgnoresSmallerConcurrentValue(t *testing.T) {
	fw, _, _ := newTestFileWriter(t, testFWBlockSize*4)
	fw.publishLength(1000)
	fw.publishLength(500)
	require.EqualValues(t, 1000, fw.Length())
}
