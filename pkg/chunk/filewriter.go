package chunk

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kisekifs/kiseki/internal/logger"
	"github.com/kisekifs/kiseki/internal/telemetry"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta"
	"github.com/kisekifs/kiseki/pkg/metrics"
	"github.com/kisekifs/kiseki/pkg/object"
)

// earlyFlushFreeRatio is the pool free-ratio threshold above which an
// older slice writer, passed over while searching for a write target, is
// spuriously flushed early to keep random-write fan-out bounded.
const earlyFlushFreeRatio = 0.7

// earlyFlushScanDepth is how many newest slice writers in a chunk are
// exempt from the early-flush heuristic.
const earlyFlushScanDepth = 3

// chunkEntry is the ordered collection of slice writers targeting one
// chunk, ordered by ascending internal sequence (insertion order, since
// sequences are assigned monotonically).
type chunkEntry struct {
	mu      sync.Mutex
	writers []*SliceWriter
}

// FileWriter coordinates writes for one open inode across chunks.
type FileWriter struct {
	inode  meta.Ino
	length atomic.Int64

	chunksMu sync.Mutex
	chunks   map[int64]*chunkEntry

	flusher          *BackgroundFlusher
	manuallyFlushing atomic.Bool
	cancel           context.CancelFunc

	seqGen  atomic.Uint64
	pattern WriterPattern

	pool   *diskpool.Pool
	engine meta.Engine
	store  object.Store

	chunkSize int64
	blockSize int64

	m metrics.Metrics
}

// Config bundles the sizing and queue-depth knobs a FileWriter needs.
type Config struct {
	ChunkSize      int64
	BlockSize      int64
	FlushQueueSize int
}

// DefaultConfig returns the standard JuiceFS-style chunk/block sizing.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, BlockSize: DefaultBlockSize, FlushQueueSize: 10}
}

// NewFileWriter constructs a FileWriter for ino and spawns its
// BackgroundFlusher.
func NewFileWriter(ino meta.Ino, pool *diskpool.Pool, engine meta.Engine, store object.Store, cfg Config) *FileWriter {
	ctx, cancel := context.WithCancel(context.Background())
	fw := &FileWriter{
		inode:     ino,
		chunks:    make(map[int64]*chunkEntry),
		pool:      pool,
		engine:    engine,
		store:     store,
		chunkSize: cfg.ChunkSize,
		blockSize: cfg.BlockSize,
		cancel:    cancel,
		m:         metrics.New(),
	}
	fw.flusher = newBackgroundFlusher(ctx, fw, cfg.FlushQueueSize)
	return fw
}

// Inode is the inode this writer serves.
func (fw *FileWriter) Inode() meta.Ino { return fw.inode }

// Length is the writer's current logical file length.
func (fw *FileWriter) Length() int64 { return fw.length.Load() }

func (fw *FileWriter) chunkEntryFor(idx int64) *chunkEntry {
	fw.chunksMu.Lock()
	defer fw.chunksMu.Unlock()
	e, ok := fw.chunks[idx]
	if !ok {
		e = &chunkEntry{}
		fw.chunks[idx] = e
	}
	return e
}

// findSliceWriter locates an existing slice writer whose range covers
// chunkOffset, or allocates a fresh one at chunkOffset. While scanning
// past the newest earlyFlushScanDepth candidates, it opportunistically
// emits speculative full-flush requests for older, unmatched slices when
// the pool has ample free pages (the random-write early-flush heuristic).
func (fw *FileWriter) findSliceWriter(entry *chunkEntry, chunkIndex, chunkOffset int64) *SliceWriter {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	n := len(entry.writers)
	for i := n - 1; i >= 0; i-- {
		pos := n - 1 - i
		sw := entry.writers[i]

		if !sw.HasFrozen() {
			flushed, length := sw.GetFlushedLengthAndTotalWriteLength()
			lo := sw.OffsetOfChunk() + flushed
			hi := sw.OffsetOfChunk() + length
			if chunkOffset >= lo && chunkOffset <= hi {
				return sw
			}
		}

		if pos >= earlyFlushScanDepth && fw.pool.FreeRatio() > earlyFlushFreeRatio {
			if req := sw.MakeFullFlushInAdvance(); req != nil {
				fw.flusher.Submit(req)
			}
		}
	}

	seq := fw.seqGen.Add(1)
	sw := NewSliceWriter(seq, fw.inode, chunkIndex, chunkOffset, fw.pool, fw.chunkSize, fw.blockSize, fw.engine, fw.store)
	entry.writers = append(entry.writers, sw)
	return sw
}

// chunkWriteResult is the outcome of writing into one chunk.
type chunkWriteResult struct {
	ctx     WriteCtx
	sw      *SliceWriter
	written int
	err     error
}

// Write partitions data across chunks, issues per-chunk writes
// concurrently, forwards any background-flush requests those writes
// produced, and publishes the new file length.
func (fw *FileWriter) Write(ctx context.Context, offset int64, data []byte) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileWriterWrite,
		telemetry.AttrInode.Int64(int64(fw.inode)),
		telemetry.AttrOffset.Int64(offset),
		telemetry.AttrLength.Int64(int64(len(data))),
	)
	defer span.End()

	fw.pattern.MonitorWriteAt(uint64(offset), len(data))
	if fw.m != nil {
		fw.m.SetPatternCounter(uint64(fw.inode), int32(fw.pattern.Counter()))
	}

	ctxs := LocateChunk(fw.chunkSize, offset, int64(len(data)))
	results := make([]chunkWriteResult, len(ctxs))

	var wg sync.WaitGroup
	for i, wc := range ctxs {
		wg.Add(1)
		go func(i int, wc WriteCtx) {
			defer wg.Done()
			entry := fw.chunkEntryFor(wc.ChunkIndex)
			sw := fw.findSliceWriter(entry, wc.ChunkIndex, wc.ChunkOffset)
			n, err := sw.WriteAt(ctx, wc.ChunkOffset-sw.OffsetOfChunk(), data[wc.BufStartAt:wc.BufStartAt+wc.NeedWriteLen])
			results[i] = chunkWriteResult{ctx: wc, sw: sw, written: n, err: err}
		}(i, wc)
	}
	wg.Wait()

	total := 0
	touched := make(map[*SliceWriter]struct{})
	for _, r := range results {
		if r.err != nil {
			telemetry.RecordError(ctx, r.err)
			return total, r.err
		}
		total += r.written
		touched[r.sw] = struct{}{}
	}

	for sw := range touched {
		if req := sw.MakeBackgroundFlushReq(fw.chunkSize); req != nil {
			fw.flusher.Submit(req)
		}
	}

	fw.publishLength(offset + int64(total))
	return total, nil
}

// publishLength CAS-loops the file length up to at least newLen,
// tolerating a concurrent writer that already published something
// larger.
func (fw *FileWriter) publishLength(newLen int64) {
	for {
		cur := fw.length.Load()
		if newLen <= cur {
			return
		}
		if fw.length.CompareAndSwap(cur, newLen) {
			return
		}
	}
}

// Flush performs a manual, synchronous flush of every slice writer
// currently in the map. Concurrent calls collapse onto a single winner;
// losers return immediately once the winner's flush has started.
func (fw *FileWriter) Flush(ctx context.Context) error {
	if !fw.manuallyFlushing.CompareAndSwap(false, true) {
		return nil
	}
	defer fw.manuallyFlushing.Store(false)

	drained := fw.drainChunks()
	if len(drained) == 0 {
		return nil
	}

	var flushable []*SliceWriter
	for _, sw := range drained {
		if sw.CanFlush() {
			flushable = append(flushable, sw)
		}
	}
	if len(flushable) == 0 {
		return nil
	}

	var remain atomic.Int64
	remain.Store(int64(len(flushable)))
	notify := make(chan struct{}, 1)

	fw.flusher.Submit(&FlushReq{Kind: ReqManualFlush, SWs: flushable, Remain: &remain, Notify: notify})

	for {
		if remain.Load() == 0 {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainChunks atomically replaces every chunk's writer slice with an
// empty one and returns everything that was in them, so writes racing
// with this Flush land on fresh slices.
func (fw *FileWriter) drainChunks() []*SliceWriter {
	fw.chunksMu.Lock()
	entries := make([]*chunkEntry, 0, len(fw.chunks))
	for _, e := range fw.chunks {
		entries = append(entries, e)
	}
	fw.chunksMu.Unlock()

	var all []*SliceWriter
	for _, e := range entries {
		e.mu.Lock()
		all = append(all, e.writers...)
		e.writers = nil
		e.mu.Unlock()
	}
	return all
}

// RemoveDoneSliceWriter sweeps every chunk's writer list, dropping
// entries whose HasDone is true, and removes chunk entries left empty.
func (fw *FileWriter) RemoveDoneSliceWriter() {
	fw.chunksMu.Lock()
	defer fw.chunksMu.Unlock()

	for idx, e := range fw.chunks {
		e.mu.Lock()
		kept := e.writers[:0]
		for _, sw := range e.writers {
			if !sw.HasDone() {
				kept = append(kept, sw)
			}
		}
		e.writers = kept
		empty := len(e.writers) == 0
		e.mu.Unlock()

		if empty {
			delete(fw.chunks, idx)
		}
	}
}

// Close cancels the background flusher. In-flight spawned flushes are
// allowed to complete; they are detached from this call.
func (fw *FileWriter) Close() {
	fw.cancel()
	logger.Debug("filewriter: closed", "inode", fw.inode)
}
