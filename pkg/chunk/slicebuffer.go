package chunk

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/metrics"
	"github.com/kisekifs/kiseki/pkg/object"
)

// KeyFunc produces the object key for one block of a slice, given the
// block's index and its on-upload size (the last block of a slice may be
// shorter than blockSize).
type KeyFunc func(blockIndex int, blockSize int64) string

type blockSlot struct {
	page     *diskpool.Page
	released bool
}

// SliceBuffer is a chunk-local, page-backed write buffer. It holds up to
// chunkSize/blockSize blocks; each present block either owns a page
// (dirty, not yet uploaded) or has been released after upload.
type SliceBuffer struct {
	mu sync.Mutex

	pool      *diskpool.Pool
	chunkSize int64
	blockSize int64
	blocks    []blockSlot

	length        int64
	flushedLength int64
}

// NewSliceBuffer allocates an empty buffer for one chunk-sized slice.
func NewSliceBuffer(pool *diskpool.Pool, chunkSize, blockSize int64) *SliceBuffer {
	numBlocks := chunkSize / blockSize
	return &SliceBuffer{
		pool:      pool,
		chunkSize: chunkSize,
		blockSize: blockSize,
		blocks:    make([]blockSlot, numBlocks),
	}
}

// Length is the highest offset written within the slice so far.
func (b *SliceBuffer) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// FlushedLength is the monotonically increasing prefix already uploaded.
func (b *SliceBuffer) FlushedLength() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushedLength
}

// WriteAt writes data at offset within the slice, acquiring a page for
// every block it touches that doesn't already hold one. Writing past
// chunkSize is rejected; otherwise the write is always admitted in full
// (partial admission only ever happens at the slice's right edge, which
// callers enforce by bounding offset+len(data) to chunkSize upstream).
func (b *SliceBuffer) WriteAt(ctx context.Context, offset int64, data []byte) (int, error) {
	if offset < 0 || offset+int64(len(data)) > b.chunkSize {
		return 0, &errs.ValidationError{Msg: "slicebuffer: write exceeds chunk bounds"}
	}

	written := 0
	for written < len(data) {
		cur := offset + int64(written)
		blockIdx := int(cur / b.blockSize)
		blockOffset := cur % b.blockSize
		avail := b.blockSize - blockOffset
		chunkLen := int64(len(data) - written)
		if chunkLen > avail {
			chunkLen = avail
		}

		b.mu.Lock()
		slot := &b.blocks[blockIdx]
		if slot.released {
			b.mu.Unlock()
			return written, &errs.ValidationError{Msg: "slicebuffer: write to already-released block"}
		}
		if slot.page == nil {
			pg, err := b.pool.Acquire(ctx)
			if err != nil {
				b.mu.Unlock()
				return written, err
			}
			slot.page = pg
		}
		page := slot.page
		b.mu.Unlock()

		if err := page.WriteAt(blockOffset, chunkLen, bytes.NewReader(data[written:int64(written)+chunkLen])); err != nil {
			return written, err
		}

		written += int(chunkLen)

		b.mu.Lock()
		if cur+chunkLen > b.length {
			b.length = cur + chunkLen
		}
		b.mu.Unlock()
	}

	return written, nil
}

// blockBounds returns [start, end) for block i given the buffer's current
// length, i.e. the number of valid bytes in that block.
func (b *SliceBuffer) blockBounds(i int) (start, end int64) {
	start = int64(i) * b.blockSize
	end = start + b.blockSize
	if end > b.length {
		end = b.length
	}
	return start, end
}

// FlushBulkTo uploads every complete block whose end is <= upTo and which
// has not yet been uploaded, advancing flushedLength over the contiguous
// released prefix. Partial (not-yet-full) blocks are left alone; call
// Flush for those.
func (b *SliceBuffer) FlushBulkTo(ctx context.Context, upTo int64, keyFn KeyFunc, store object.Store) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.blocks {
		start, end := b.blockBounds(i)
		if start >= b.length {
			break
		}
		full := end-start == b.blockSize
		if !full || end > upTo {
			continue
		}
		if err := b.uploadBlockLocked(ctx, i, start, end, keyFn, store); err != nil {
			return err
		}
	}

	b.advanceFlushedLengthLocked()
	return nil
}

// Flush uploads every remaining unreleased block, including a final
// possibly-short one, and sets flushedLength = length.
func (b *SliceBuffer) Flush(ctx context.Context, keyFn KeyFunc, store object.Store) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.blocks {
		start, end := b.blockBounds(i)
		if start >= b.length {
			break
		}
		if b.blocks[i].released {
			continue
		}
		if err := b.uploadBlockLocked(ctx, i, start, end, keyFn, store); err != nil {
			return err
		}
	}

	b.flushedLength = b.length
	return nil
}

// uploadBlockLocked uploads block i (caller holds b.mu) and releases its
// page back to the pool.
func (b *SliceBuffer) uploadBlockLocked(ctx context.Context, i int, start, end int64, keyFn KeyFunc, store object.Store) error {
	slot := &b.blocks[i]
	if slot.released || slot.page == nil {
		return nil
	}

	blockLen := end - start
	data, err := slot.page.Bytes(0, blockLen)
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	key := keyFn(i, blockLen)
	uploadStart := time.Now()
	err = store.Put(ctx, key, cp)
	if m := metrics.New(); m != nil {
		m.ObserveObjectPut(int64(len(cp)), time.Since(uploadStart).Seconds())
	}
	if err != nil {
		return err
	}

	slot.page.Release()
	slot.page = nil
	slot.released = true
	return nil
}

// advanceFlushedLengthLocked moves flushedLength forward over however many
// leading blocks are now fully released.
func (b *SliceBuffer) advanceFlushedLengthLocked() {
	covered := int64(0)
	for i := range b.blocks {
		start, end := b.blockBounds(i)
		if start >= b.length {
			break
		}
		if !b.blocks[i].released {
			break
		}
		covered = end
	}
	if covered > b.flushedLength {
		b.flushedLength = covered
	}
}
