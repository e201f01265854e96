package chunk

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/internal/telemetry"
	"github.com/kisekifs/kiseki/pkg/meta"
	"github.com/kisekifs/kiseki/pkg/metrics"
	"github.com/kisekifs/kiseki/pkg/object"
)

// DefaultReadAheadWindow is the fallback read-ahead size when
// ReaderConfig.ReadAheadWindow is zero.
const DefaultReadAheadWindow = 32 * 1024

// ReaderConfig bundles the sizing knobs a FileReader needs. ChunkSize and
// BlockSize must match the FileWriter that produced the slices being
// read.
type ReaderConfig struct {
	ChunkSize       int64
	BlockSize       int64
	ReadAheadWindow int64
}

// req is one (sub-range, SliceReader) pairing built by makeRequests; the
// range is expressed local to the reader's own buffer.
type req struct {
	localStart, localEnd int64
	sr                    *SliceReader
}

// FileReader serves reads for one (inode, handle). It keeps a seq-ordered
// collection of SliceReaders, each covering a disjoint, in-flight-or-done
// range of the file, and reuses them across calls instead of re-fetching.
//
// There is no interval/range-set library anywhere in this module's
// dependency surface, so request splitting below is a direct loop over a
// sorted slice rather than a dedicated data structure.
type FileReader struct {
	ino    meta.Ino
	fh     uint64
	length atomic.Int64

	mu      sync.RWMutex
	readers []*SliceReader

	closing     atomic.Bool
	readCount   atomic.Int64
	drainNotify chan struct{}

	seqGen atomic.Uint64

	engine meta.Engine
	store  object.Store

	chunkSize       int64
	blockSize       int64
	readAheadWindow int64

	m metrics.Metrics
}

// NewFileReader constructs a reader for (ino, fh) with the given known
// file length.
func NewFileReader(ino meta.Ino, fh uint64, length int64, engine meta.Engine, store object.Store, cfg ReaderConfig) *FileReader {
	window := cfg.ReadAheadWindow
	if window <= 0 {
		window = DefaultReadAheadWindow
	}
	fr := &FileReader{
		ino:             ino,
		fh:              fh,
		engine:          engine,
		store:           store,
		chunkSize:       cfg.ChunkSize,
		blockSize:       cfg.BlockSize,
		readAheadWindow: window,
		drainNotify:     make(chan struct{}),
		m:               metrics.New(),
	}
	fr.length.Store(length)
	return fr
}

// Inode is the inode this reader serves.
func (fr *FileReader) Inode() meta.Ino { return fr.ino }

// Length is the reader's view of the current file length.
func (fr *FileReader) Length() int64 { return fr.length.Load() }

// SetLength updates the reader's view of the file length (e.g. after a
// concurrent write extends it).
func (fr *FileReader) SetLength(n int64) { fr.length.Store(n) }

// Read fills dst starting at offset, returning how many bytes were
// copied. Partial satisfaction (a failed SliceReader fetch) returns the
// contiguous prefix successfully read with a nil error; only context
// cancellation and the reader-closing state are reported as errors.
func (fr *FileReader) Read(ctx context.Context, offset int64, dst []byte) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileReaderRead,
		telemetry.AttrInode.Int64(int64(fr.ino)),
		telemetry.AttrOffset.Int64(offset),
		telemetry.AttrLength.Int64(int64(len(dst))),
	)
	defer span.End()

	if fr.closing.Load() {
		telemetry.RecordError(ctx, errs.ErrReaderClosing)
		return 0, errs.ErrReaderClosing
	}

	fr.readCount.Add(1)
	defer func() {
		if fr.readCount.Add(-1) == 0 && fr.closing.Load() {
			select {
			case fr.drainNotify <- struct{}{}:
			default:
			}
		}
	}()

	flen := fr.length.Load()
	if offset >= flen || len(dst) == 0 {
		return 0, nil
	}

	end := offset + int64(len(dst))
	if end > flen {
		end = flen
	}
	block := byteRange{offset, end}

	if block.start+fr.readAheadWindow > flen {
		aheadStart := flen - fr.readAheadWindow
		if aheadStart < 0 {
			aheadStart = 0
		}
		if fr.m != nil {
			fr.m.ObserveReadAheadTriggered()
		}
		go fr.readAhead(byteRange{aheadStart, flen})
	}

	reqs := fr.makeRequests(ctx, block)
	n, err := fr.doRead(ctx, reqs, dst)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return n, err
}

// readAhead is fire-and-forget: it populates SliceReaders covering rng
// without waiting on or returning their data.
func (fr *FileReader) readAhead(rng byteRange) {
	ctx := context.Background()
	fr.makeRequests(ctx, rng)
}

// makeRequests splits block into the parts already covered by a valid
// existing SliceReader and the parts that need a fresh one, spawning a
// fetch goroutine for each fresh reader created. It takes the reader
// table's write lock for its whole duration since it may insert.
func (fr *FileReader) makeRequests(ctx context.Context, block byteRange) []req {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var reqs []req
	cursor := block.start
	for cursor < block.end {
		if sr := fr.findCoveringLocked(cursor); sr != nil {
			sr.touch()
			end := sr.rng.end
			if end > block.end {
				end = block.end
			}
			reqs = append(reqs, req{localStart: cursor - sr.rng.start, localEnd: end - sr.rng.start, sr: sr})
			cursor = end
			continue
		}

		next := block.end
		if nb := nextBlockBoundary(cursor, fr.blockSize); nb < next {
			next = nb
		}
		if sStart := fr.nextReaderStartAfterLocked(cursor, next); sStart < next {
			next = sStart
		}

		sr := newSliceReader(fr.seqGen.Add(1), fr.ino, byteRange{cursor, next}, fr.chunkSize, fr.blockSize, fr.engine, fr.store)
		fr.readers = append(fr.readers, sr)
		reqs = append(reqs, req{localStart: 0, localEnd: next - cursor, sr: sr})
		go sr.run(ctx)

		cursor = next
	}

	return reqs
}

func (fr *FileReader) findCoveringLocked(offset int64) *SliceReader {
	for _, sr := range fr.readers {
		if sr.Valid() && sr.rng.start <= offset && sr.rng.end > offset {
			return sr
		}
	}
	return nil
}

// nextReaderStartAfterLocked returns the smallest existing valid reader
// start strictly within (cursor, limit), or limit if none.
func (fr *FileReader) nextReaderStartAfterLocked(cursor, limit int64) int64 {
	best := limit
	for _, sr := range fr.readers {
		if sr.Valid() && sr.rng.start > cursor && sr.rng.start < best {
			best = sr.rng.start
		}
	}
	return best
}

func nextBlockBoundary(offset, blockSize int64) int64 {
	return (offset/blockSize + 1) * blockSize
}

// doRead waits on each request's reader in order and copies its bytes
// into dst, stopping (without error) at the first failed fetch. A
// failed fetch triggers a sweep of the reader table so the dead entry
// doesn't linger in fr.readers.
func (fr *FileReader) doRead(ctx context.Context, reqs []req, dst []byte) (int, error) {
	total := 0
	for _, r := range reqs {
		ok, err := r.sr.waitReady(ctx)
		if err != nil {
			return total, err
		}
		if !ok {
			fr.removeInvalid()
			return total, nil
		}
		data := r.sr.copyRange(r.localStart, r.localEnd)
		n := copy(dst[total:], data)
		total += n
	}
	return total, nil
}

// removeInvalid sweeps the reader table dropping entries that became
// BREAK or INVALID, so future reads don't keep re-checking dead fetches.
func (fr *FileReader) removeInvalid() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	kept := fr.readers[:0]
	for _, sr := range fr.readers {
		if sr.Valid() {
			kept = append(kept, sr)
		}
	}
	fr.readers = kept
}

// Close marks the reader as closing, blocks until every in-flight Read
// call has returned, then invalidates and drops every SliceReader still
// held so nothing outlives the handle.
func (fr *FileReader) Close(ctx context.Context) error {
	if !fr.closing.CompareAndSwap(false, true) {
		return nil
	}
	for fr.readCount.Load() > 0 {
		select {
		case <-fr.drainNotify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fr.mu.Lock()
	for _, sr := range fr.readers {
		sr.invalidate()
	}
	fr.readers = nil
	fr.mu.Unlock()

	return nil
}
