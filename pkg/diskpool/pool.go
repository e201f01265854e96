// Package diskpool implements a bounded pool of fixed-size pages backed
// by one pre-allocated, memory-mapped file. It is the lowest layer of the
// data path: SliceBuffer blocks borrow pages from a Pool and return them
// on upload completion.
//
// The design mirrors kisekifs's DiskPagePool (an ArrayQueue<u64> plus a
// tokio Notify guarding an AsyncMmapFileMut): here the bounded queue and
// the wakeup notifier collapse into a single buffered Go channel, and the
// mapped file uses golang.org/x/sys/unix for the mmap/munmap calls.
package diskpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/internal/logger"
	"github.com/kisekifs/kiseki/internal/telemetry"
)

// poolHeaderSize is the width of the raw identity stamp written at the
// front of the pool file, ahead of the page-data region. It holds
// nothing but a uuid, so fixed and not versioned.
const poolHeaderSize = 16

// Pool hands out exclusive Page tokens backed by one memory-mapped file.
// The channel is both the free-page queue and the wakeup mechanism:
// a blocking Acquire is a channel receive, a TryAcquire is a non-blocking
// select, and releasing a page is a channel send that wakes exactly one
// waiter.
type Pool struct {
	path     string
	pageSize int64
	capacity int64
	total    int64
	id       uuid.UUID

	file   *os.File
	mapped []byte
	data   []byte

	free chan uint32

	// pageLocks lets distinct pages be read/written concurrently without
	// serializing on a single mapping-wide lease; writers hold the lock
	// for their page exclusively, readers share it.
	pageLocks []sync.RWMutex

	remain atomic.Int64
	closed atomic.Bool
}

// New creates (or truncates) the backing file at path to capacity bytes
// of page data preceded by a poolHeaderSize-byte identity header (so the
// file is capacity+poolHeaderSize bytes, not exactly capacity), memory-maps
// it read-write, and seeds the free-page queue with every page id. capacity must be a positive multiple of pageSize and
// strictly greater than it.
func New(path string, pageSize, capacity int64) (*Pool, error) {
	if pageSize <= 0 {
		return nil, &errs.ValidationError{Msg: "diskpool: page_size must be > 0"}
	}
	if capacity <= pageSize {
		return nil, &errs.ValidationError{Msg: "diskpool: capacity must be > page_size"}
	}
	if capacity%pageSize != 0 {
		return nil, &errs.ValidationError{Msg: "diskpool: capacity must be a multiple of page_size"}
	}

	fileSize := capacity + poolHeaderSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &errs.MmapError{Path: path, Err: err}
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		return nil, &errs.MmapError{Path: path, Err: err}
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, &errs.MmapError{Path: path, Err: err}
	}

	id := uuid.New()
	copy(mapped[:poolHeaderSize], id[:])

	total := capacity / pageSize
	p := &Pool{
		path:      path,
		pageSize:  pageSize,
		capacity:  capacity,
		total:     total,
		id:        id,
		file:      f,
		mapped:    mapped,
		data:      mapped[poolHeaderSize:],
		free:      make(chan uint32, total),
		pageLocks: make([]sync.RWMutex, total),
	}
	for i := int64(0); i < total; i++ {
		p.free <- uint32(i)
	}
	p.remain.Store(total)

	logger.Info("diskpool: initialized", "path", path, "id", p.id, "page_size", pageSize, "capacity", capacity, "pages", total)
	return p, nil
}

// ID is the random identity stamped into this pool file's header at
// creation time, distinguishing one pool instance's files from another
// in logs.
func (p *Pool) ID() uuid.UUID { return p.id }

// TotalCount is the fixed number of pages in the pool.
func (p *Pool) TotalCount() int64 { return p.total }

// RemainCount is the number of pages currently free. Purely observational.
func (p *Pool) RemainCount() int64 { return p.remain.Load() }

// FreeRatio reports the fraction of pages currently free, used by the
// random-write heuristic in pkg/chunk to decide on speculative flushes.
func (p *Pool) FreeRatio() float64 {
	if p.total == 0 {
		return 0
	}
	return float64(p.RemainCount()) / float64(p.total)
}

// TryAcquire pops a free page without blocking. It returns (nil, false)
// if the pool is exhausted.
func (p *Pool) TryAcquire() (*Page, bool) {
	select {
	case id := <-p.free:
		p.remain.Add(-1)
		return p.newPage(id), true
	default:
		return nil, false
	}
}

// Acquire pops a free page, blocking until one is released or ctx is
// done. Each wakeup re-checks the channel, so it is safe under spurious
// wakeups by construction (a channel receive never wakes without a value).
func (p *Pool) Acquire(ctx context.Context) (*Page, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDiskPoolAcquire)
	defer span.End()

	select {
	case id := <-p.free:
		p.remain.Add(-1)
		return p.newPage(id), nil
	case <-ctx.Done():
		err := &errs.ConcurrencyError{Msg: "diskpool: acquire canceled: " + ctx.Err().Error()}
		telemetry.RecordError(ctx, err)
		return nil, err
	}
}

func (p *Pool) newPage(id uint32) *Page {
	return &Page{pool: p, id: id}
}

// release returns a page id to the free queue and wakes exactly one
// waiter. Called once per Page via Release.
func (p *Pool) release(id uint32) {
	p.remain.Add(1)
	p.free <- id
}

func (p *Pool) region(id uint32, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > p.pageSize {
		return nil, &errs.ValidationError{Msg: fmt.Sprintf("diskpool: out-of-bounds access page=%d offset=%d length=%d page_size=%d", id, offset, length, p.pageSize)}
	}
	start := int64(id)*p.pageSize + offset
	return p.data[start : start+length], nil
}

// Close unmaps the file and closes the file descriptor. It is not safe to
// call while any Page is outstanding.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Munmap(p.mapped); err != nil {
		return &errs.MmapError{Path: p.path, Err: err}
	}
	return p.file.Close()
}
