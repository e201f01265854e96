package chunk

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kisekifs/kiseki/internal/telemetry"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta"
	"github.com/kisekifs/kiseki/pkg/object"
)

// SliceWriter binds one SliceBuffer to a slice within a chunk, tracking
// its lifecycle over two booleans: frozen (no more writes accepted) and
// done (safe to remove from the FileWriter's map).
//
// Rust's writer races a write against a freeze notification with a
// structured select. Go's select has no equivalent "abort the losing
// branch mid-flight" primitive over a buffer write, so instead writeMu
// plays the role of the buffer's writer lease: Freeze takes it before
// flipping the frozen flag, so any write already past the check is
// guaranteed to complete, and any write arriving after sees frozen and
// returns 0 without touching the buffer.
type SliceWriter struct {
	internalSeq   uint64
	sliceID       atomic.Uint64
	offsetOfChunk int64
	chunkIndex    int64
	ino           meta.Ino

	buffer *SliceBuffer

	writeMu sync.Mutex
	frozen  atomic.Bool
	done    atomic.Bool

	freezeMu     sync.Mutex
	freezeNotify chan struct{}
	doneNotify   chan struct{}

	engine    meta.Engine
	store     object.Store
	blockSize int64
}

// NewSliceWriter creates a writer for a fresh slice at offsetOfChunk
// within its chunk. The slice id is assigned lazily on first flush.
func NewSliceWriter(internalSeq uint64, ino meta.Ino, chunkIndex, offsetOfChunk int64, pool *diskpool.Pool, chunkSize, blockSize int64, engine meta.Engine, store object.Store) *SliceWriter {
	return &SliceWriter{
		internalSeq:   internalSeq,
		ino:           ino,
		chunkIndex:    chunkIndex,
		offsetOfChunk: offsetOfChunk,
		buffer:        NewSliceBuffer(pool, chunkSize, blockSize),
		freezeNotify:  make(chan struct{}),
		doneNotify:    make(chan struct{}),
		engine:        engine,
		store:         store,
		blockSize:     blockSize,
	}
}

// InternalSeq is the local monotonic identity used for equality, map
// keys, and ordering among a chunk's slice writers.
func (sw *SliceWriter) InternalSeq() uint64 { return sw.internalSeq }

// OffsetOfChunk is the byte offset within the chunk this slice starts at.
func (sw *SliceWriter) OffsetOfChunk() int64 { return sw.offsetOfChunk }

// ChunkIndex is the chunk this slice belongs to.
func (sw *SliceWriter) ChunkIndex() int64 { return sw.chunkIndex }

// FreezeNotify is closed exactly once, when the writer transitions to
// frozen; callers that want to wake on freeze without taking writeMu can
// select on it.
func (sw *SliceWriter) FreezeNotify() <-chan struct{} {
	sw.freezeMu.Lock()
	defer sw.freezeMu.Unlock()
	return sw.freezeNotify
}

// WriteAt writes data at the given offset within the slice's chunk-local
// buffer. Returns 0 if the slice is frozen; the caller (FileWriter) does
// not retry this call, it allocates a new SliceWriter on its next call.
func (sw *SliceWriter) WriteAt(ctx context.Context, offsetInSlice int64, data []byte) (int, error) {
	sw.writeMu.Lock()
	defer sw.writeMu.Unlock()

	if sw.frozen.Load() {
		return 0, nil
	}
	return sw.buffer.WriteAt(ctx, offsetInSlice, data)
}

// Freeze is a single-winner false->true transition. The winner closes
// freezeNotify, waking anyone selecting on it. Returns true iff this call
// won the transition.
func (sw *SliceWriter) Freeze() bool {
	sw.writeMu.Lock()
	defer sw.writeMu.Unlock()

	if !sw.frozen.CompareAndSwap(false, true) {
		return false
	}
	sw.freezeMu.Lock()
	close(sw.freezeNotify)
	sw.freezeMu.Unlock()
	return true
}

// HasFrozen reports whether the slice has been frozen.
func (sw *SliceWriter) HasFrozen() bool { return sw.frozen.Load() }

// MarkDone sets the terminal done marker and wakes anyone waiting on
// DoneNotify. Safe to call more than once; only the first call closes
// the channel.
func (sw *SliceWriter) MarkDone() {
	if sw.done.CompareAndSwap(false, true) {
		close(sw.doneNotify)
	}
}

// HasDone reports the terminal done marker.
func (sw *SliceWriter) HasDone() bool { return sw.done.Load() }

// DoneNotify is closed exactly once, when MarkDone first runs.
func (sw *SliceWriter) DoneNotify() <-chan struct{} { return sw.doneNotify }

// CanWrite reports whether the slice still accepts writes.
func (sw *SliceWriter) CanWrite() bool { return !sw.frozen.Load() }

// CanFlush reports whether this slice is eligible for a manual flush: it
// must not already be done, and this call must win the freeze race.
func (sw *SliceWriter) CanFlush() bool {
	if sw.done.Load() {
		return false
	}
	return sw.Freeze()
}

// GetFlushedLengthAndTotalWriteLength returns (flushedLength, length).
func (sw *SliceWriter) GetFlushedLengthAndTotalWriteLength() (int64, int64) {
	return sw.buffer.FlushedLength(), sw.buffer.Length()
}

// prepareSliceID assigns a slice id from the metadata engine if one is
// not yet assigned. Concurrent callers single-winner CAS; losers observe
// the winner's id.
func (sw *SliceWriter) prepareSliceID(ctx context.Context) (uint64, error) {
	if id := sw.sliceID.Load(); id != 0 {
		return id, nil
	}
	id, err := sw.engine.NextSliceID(ctx)
	if err != nil {
		return 0, err
	}
	if sw.sliceID.CompareAndSwap(0, id) {
		return id, nil
	}
	return sw.sliceID.Load(), nil
}

func (sw *SliceWriter) keyFunc(sliceID uint64) KeyFunc {
	return func(blockIndex int, blockSize int64) string {
		return MakeSliceObjectKey(sliceID, blockIndex, blockSize)
	}
}

// FlushBulk ensures a slice id is assigned, then flushes every complete
// block up to upTo.
func (sw *SliceWriter) FlushBulk(ctx context.Context, upTo int64) error {
	id, err := sw.prepareSliceID(ctx)
	if err != nil {
		return err
	}
	return sw.buffer.FlushBulkTo(ctx, upTo, sw.keyFunc(id), sw.store)
}

// Flush ensures a slice id is assigned, flushes every remaining block
// including a final short one, then commits the slice to the metadata
// engine so future readers can locate it.
func (sw *SliceWriter) Flush(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSliceWriterFlush,
		telemetry.AttrInode.Int64(int64(sw.ino)),
		telemetry.AttrChunkIndex.Int64(sw.chunkIndex),
	)
	defer span.End()

	id, err := sw.prepareSliceID(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	span.SetAttributes(telemetry.AttrSliceID.Int64(int64(id)))

	if err := sw.buffer.Flush(ctx, sw.keyFunc(id), sw.store); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	_, length := sw.GetFlushedLengthAndTotalWriteLength()
	if err := sw.engine.CommitSlice(ctx, sw.ino, sw.chunkIndex, meta.SliceInfo{
		SliceID:     id,
		ChunkOffset: sw.offsetOfChunk,
		Len:         length,
		BlockSize:   sw.blockSize,
	}); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	return nil
}

// FlushReqKind distinguishes the three background flush request shapes.
type FlushReqKind int

const (
	ReqFlushBulk FlushReqKind = iota
	ReqFlushFull
	ReqManualFlush
)

// FlushReq is one request handed to the BackgroundFlusher.
type FlushReq struct {
	Kind FlushReqKind

	// FlushBulk
	SW     *SliceWriter
	Offset int64

	// ManualFlush
	SWs    []*SliceWriter
	Remain *atomic.Int64
	Notify chan struct{}
}

// MakeBackgroundFlushReq decides whether this slice writer currently
// warrants a background flush, and if so which kind:
//   - FlushFull once frozen and fully written to chunkSize.
//   - FlushBulk once the unflushed tail exceeds one block.
//   - nil otherwise.
func (sw *SliceWriter) MakeBackgroundFlushReq(chunkSize int64) *FlushReq {
	flushed, length := sw.GetFlushedLengthAndTotalWriteLength()
	if sw.HasFrozen() && length == chunkSize {
		return &FlushReq{Kind: ReqFlushFull, SW: sw}
	}
	if length-flushed > sw.blockSize {
		return &FlushReq{Kind: ReqFlushBulk, SW: sw, Offset: length}
	}
	return nil
}

// MakeFullFlushInAdvance tries to freeze this slice writer speculatively
// (used by the random-write early-flush heuristic); on success it
// returns a FlushFull request.
func (sw *SliceWriter) MakeFullFlushInAdvance() *FlushReq {
	if !sw.Freeze() {
		return nil
	}
	return &FlushReq{Kind: ReqFlushFull, SW: sw}
}
