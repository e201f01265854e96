package chunk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/meta"
	"github.com/kisekifs/kiseki/pkg/metrics"
	"github.com/kisekifs/kiseki/pkg/object"
)

// SliceReaderState is one position in a SliceReader's fetch lifecycle.
//
//	NEW ──► BUSY ──► READY
//	 ▲       │         │
//	 │       ▼         ▼
//	REFRESH BREAK   INVALID
type SliceReaderState int32

const (
	SRNew SliceReaderState = iota
	SRBusy
	SRRefresh
	SRBreak
	SRReady
	SRInvalid
)

// Valid reports whether the reader is still a legitimate cache entry:
// neither a failed fetch (BREAK) nor already torn down (INVALID).
func (s SliceReaderState) Valid() bool {
	return s != SRBreak && s != SRInvalid
}

// retryable reports whether a fetch in this state can be restarted by a
// fresh waiter rather than having permanently failed.
func (s SliceReaderState) retryable() bool {
	return s == SRNew || s == SRRefresh
}

// byteRange is a half-open [start, end) range of absolute file byte
// offsets.
type byteRange struct {
	start, end int64
}

func (r byteRange) len() int64 { return r.end - r.start }

// includes reports whether r fully covers other.
func (r byteRange) includes(other byteRange) bool {
	return r.start <= other.start && r.end >= other.end
}

// SliceReader fetches and caches one object-store block's worth of file
// bytes, covering a single byteRange that never crosses a block
// boundary. It is spawned once per uncovered range FileReader discovers
// and transitions NEW -> BUSY -> READY (or BREAK on fetch failure).
type SliceReader struct {
	internalSeq uint64
	rng         byteRange

	state      atomic.Int32
	lastAccess atomic.Int64

	mu    sync.RWMutex
	buf   []byte
	ready chan struct{}

	ino       meta.Ino
	chunkSize int64
	blockSize int64
	engine    meta.Engine
	store     object.Store
}

func newSliceReader(seq uint64, ino meta.Ino, rng byteRange, chunkSize, blockSize int64, engine meta.Engine, store object.Store) *SliceReader {
	sr := &SliceReader{
		internalSeq: seq,
		rng:         rng,
		ready:       make(chan struct{}),
		ino:         ino,
		chunkSize:   chunkSize,
		blockSize:   blockSize,
		engine:      engine,
		store:       store,
	}
	sr.touch()
	return sr
}

func (sr *SliceReader) touch() { sr.lastAccess.Store(time.Now().Unix()) }

// LastAccess is the unix-seconds timestamp of the most recent hit.
func (sr *SliceReader) LastAccess() int64 { return sr.lastAccess.Load() }

// Valid reports whether this reader is still usable as a cache entry.
func (sr *SliceReader) Valid() bool {
	return SliceReaderState(sr.state.Load()).Valid()
}

// Includes reports whether this reader's range fully covers rng.
func (sr *SliceReader) Includes(rng byteRange) bool { return sr.rng.includes(rng) }

// invalidate tears this reader down unconditionally (file-handle close,
// cache eviction), transitioning it straight to INVALID so FileReader
// can drop it from its table. A fetch in flight is left to discover the
// canceled context on its own; its outcome only applies while the reader
// is still BUSY, so it does not clobber this transition.
func (sr *SliceReader) invalidate() {
	for {
		cur := SliceReaderState(sr.state.Load())
		if cur == SRBreak || cur == SRInvalid {
			return
		}
		if sr.state.CompareAndSwap(int32(cur), int32(SRInvalid)) {
			return
		}
	}
}

// run drives the fetch: NEW -> BUSY -> READY on success, -> BREAK on a
// definitive failure, or -> REFRESH -> NEW when the fetch was cut short
// by ctx rather than by the object store itself. It is a no-op unless
// the reader is currently NEW, so it is safe to call from any number of
// goroutines racing to (re)drive the same reader; only one ever wins
// the CAS and performs the fetch.
func (sr *SliceReader) run(ctx context.Context) {
	if !sr.state.CompareAndSwap(int32(SRNew), int32(SRBusy)) {
		return
	}

	data, err := sr.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			sr.retry()
			return
		}
		sr.state.CompareAndSwap(int32(SRBusy), int32(SRBreak))
		sr.closeReady()
		return
	}

	sr.mu.Lock()
	sr.buf = data
	sr.mu.Unlock()
	sr.state.CompareAndSwap(int32(SRBusy), int32(SRReady))
	sr.closeReady()
}

// retry moves a canceled-in-flight fetch BUSY -> REFRESH -> NEW, and
// swaps in a fresh ready gate so a later waiter can observe a new
// attempt rather than the stale closed channel from this one.
func (sr *SliceReader) retry() {
	if !sr.state.CompareAndSwap(int32(SRBusy), int32(SRRefresh)) {
		sr.closeReady()
		return
	}
	sr.mu.Lock()
	close(sr.ready)
	sr.ready = make(chan struct{})
	sr.mu.Unlock()
	sr.state.Store(int32(SRNew))
}

func (sr *SliceReader) closeReady() {
	sr.mu.Lock()
	close(sr.ready)
	sr.mu.Unlock()
}

func (sr *SliceReader) readyChan() chan struct{} {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.ready
}

// fetch looks up the committed slice covering this reader's chunk-local
// range and downloads its bytes from the object store.
func (sr *SliceReader) fetch(ctx context.Context) ([]byte, error) {
	chunkIdx := sr.rng.start / sr.chunkSize
	chunkStart := chunkIdx * sr.chunkSize

	infos, err := sr.engine.ListSlices(ctx, sr.ino, chunkIdx)
	if err != nil {
		return nil, err
	}

	chunkOffset := sr.rng.start - chunkStart
	length := sr.rng.len()

	// Later commits shadow earlier ones over the same range, so scan
	// from the newest entry backward.
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if chunkOffset < info.ChunkOffset || chunkOffset+length > info.ChunkOffset+info.Len {
			continue
		}
		withinSlice := chunkOffset - info.ChunkOffset
		blockIdx := int(withinSlice / info.BlockSize)
		blockOffset := withinSlice % info.BlockSize
		blockLen := info.Len - int64(blockIdx)*info.BlockSize
		if blockLen > info.BlockSize {
			blockLen = info.BlockSize
		}
		key := MakeSliceObjectKey(info.SliceID, blockIdx, blockLen)
		start := time.Now()
		data, err := sr.store.GetRange(ctx, key, blockOffset, length)
		if m := metrics.New(); m != nil {
			m.ObserveObjectGet(int64(len(data)), time.Since(start).Seconds())
		}
		return data, err
	}

	return nil, &errs.MetaError{Op: "slice_reader_fetch", NotFound: true}
}

// waitReady blocks until the fetch completes or ctx is done, retrying a
// canceled-in-flight fetch (REFRESH/NEW) with this caller's own ctx in
// case an earlier waiter's cancellation was what cut it short. The bool
// return is false if the fetch ended in BREAK or INVALID; callers treat
// that as a short read rather than propagating an error, unless ctx
// itself failed.
func (sr *SliceReader) waitReady(ctx context.Context) (bool, error) {
	for {
		sr.run(ctx)

		select {
		case <-sr.readyChan():
			st := SliceReaderState(sr.state.Load())
			if st == SRReady {
				return true, nil
			}
			if st.retryable() {
				continue
			}
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// copyRange returns a copy of buf[start:end], valid only after waitReady
// has reported success.
func (sr *SliceReader) copyRange(start, end int64) []byte {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if start < 0 || end > int64(len(sr.buf)) || start > end {
		return nil
	}
	out := make([]byte, end-start)
	copy(out, sr.buf[start:end])
	return out
}
