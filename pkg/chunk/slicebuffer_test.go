package chunk

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/object/memory"
)

const (
	testBufChunkSize = 16 * 1024
	testBufBlockSize = 4 * 1024
)

func newTestBufferPool(t *testing.T) *diskpool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := diskpool.New(path, testBufBlockSize, testBufBlockSize*8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func keyFnFor(sliceID uint64) KeyFunc {
	return func(blockIndex int, blockSize int64) string {
		return MakeSliceObjectKey(sliceID, blockIndex, blockSize)
	}
}

func TestSliceBufferWriteWithinBlock(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)

	n, err := buf.WriteAt(context.Background(), 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.EqualValues(t, 5, buf.Length())
	require.EqualValues(t, 0, buf.FlushedLength())
}

func TestSliceBufferWriteSpanningBlocks(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)

	data := make([]byte, testBufBlockSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := buf.WriteAt(context.Background(), testBufBlockSize-50, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.EqualValues(t, testBufBlockSize-50+int64(len(data)), buf.Length())
}

func TestSliceBufferRejectsOutOfBounds(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)

	_, err := buf.WriteAt(context.Background(), testBufChunkSize-10, make([]byte, 20))
	require.Error(t, err)
}

func TestSliceBufferFlushBulkUploadsOnlyCompleteBlocks(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)
	store := memory.New()

	full := make([]byte, testBufBlockSize)
	_, err := buf.WriteAt(context.Background(), 0, full)
	require.NoError(t, err)
	_, err = buf.WriteAt(context.Background(), testBufBlockSize, make([]byte, 100))
	require.NoError(t, err)

	require.NoError(t, buf.FlushBulkTo(context.Background(), testBufChunkSize, keyFnFor(1), store))
	require.EqualValues(t, testBufBlockSize, buf.FlushedLength())
	require.Equal(t, 1, store.Len())
}

func TestSliceBufferFlushUploadsEverythingIncludingShortTail(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)
	store := memory.New()

	full := make([]byte, testBufBlockSize)
	_, err := buf.WriteAt(context.Background(), 0, full)
	require.NoError(t, err)
	_, err = buf.WriteAt(context.Background(), testBufBlockSize, make([]byte, 100))
	require.NoError(t, err)

	require.NoError(t, buf.Flush(context.Background(), keyFnFor(1), store))
	require.Equal(t, buf.Length(), buf.FlushedLength())
	require.Equal(t, 2, store.Len())
}

func TestSliceBufferFlushIsIdempotentOnAlreadyReleasedBlocks(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)
	store := memory.New()

	full := make([]byte, testBufBlockSize)
	_, err := buf.WriteAt(context.Background(), 0, full)
	require.NoError(t, err)

	require.NoError(t, buf.FlushBulkTo(context.Background(), testBufChunkSize, keyFnFor(1), store))
	require.Equal(t, 1, store.Len())

	// A second flush over the same range must not re-upload.
	require.NoError(t, buf.Flush(context.Background(), keyFnFor(1), store))
	require.Equal(t, 1, store.Len())
}

func TestSliceBufferFlushedLengthMonotonic(t *testing.T) {
	pool := newTestBufferPool(t)
	buf := NewSliceBuffer(pool, testBufChunkSize, testBufBlockSize)
	store := memory.New()

	var prev int64
	for i := 0; i < 3; i++ {
		_, err := buf.WriteAt(context.Background(), int64(i)*testBufBlockSize, make([]byte, testBufBlockSize))
		require.NoError(t, err)
		require.NoError(t, buf.FlushBulkTo(context.Background(), buf.Length(), keyFnFor(1), store))
		require.GreaterOrEqual(t, buf.FlushedLength(), prev)
		prev = buf.FlushedLength()
	}
}
