package diskpool

import (
	"io"
	"sync/atomic"

	"github.com/kisekifs/kiseki/internal/errs"
)

// Page is an exclusive handle to one page-sized region of the pool's
// mapped file. Rust's equivalent drops the page back to the queue on
// scope exit; Go has no destructors, so Release must be called explicitly
// once — callers of Acquire/TryAcquire are expected to defer it.
type Page struct {
	pool *Pool
	id   uint32

	released atomic.Bool
}

// ID is the page's identity within the pool, stable for the page's
// lifetime as an outstanding token.
func (pg *Page) ID() uint32 { return pg.id }

// WriteAt copies length bytes from r into the page at the given
// byte offset. offset+length must not exceed the pool's page size.
func (pg *Page) WriteAt(offset, length int64, r io.Reader) error {
	region, err := pg.pool.region(pg.id, offset, length)
	if err != nil {
		return err
	}
	pg.pool.pageLocks[pg.id].Lock()
	defer pg.pool.pageLocks[pg.id].Unlock()

	if _, err := io.ReadFull(r, region); err != nil {
		return &errs.IOError{Op: "page_write", Err: err}
	}
	return nil
}

// ReadAt copies length bytes from the page at the given byte offset into
// w. offset+length must not exceed the pool's page size.
func (pg *Page) ReadAt(offset, length int64, w io.Writer) error {
	region, err := pg.pool.region(pg.id, offset, length)
	if err != nil {
		return err
	}
	pg.pool.pageLocks[pg.id].RLock()
	defer pg.pool.pageLocks[pg.id].RUnlock()

	if _, err := w.Write(region); err != nil {
		return &errs.IOError{Op: "page_read", Err: err}
	}
	return nil
}

// Bytes returns the raw backing slice for [offset, offset+length) within
// the page, for callers (SliceBuffer) that want to copy in bulk without
// going through io.Reader/io.Writer. The caller must hold no expectation
// of exclusivity beyond the page's own ownership.
func (pg *Page) Bytes(offset, length int64) ([]byte, error) {
	return pg.pool.region(pg.id, offset, length)
}

// Release returns the page to its pool and wakes one blocked Acquire
// caller. Safe to call more than once; only the first call returns the
// page and later calls are no-ops.
func (pg *Page) Release() {
	if !pg.released.CompareAndSwap(false, true) {
		return
	}
	pg.pool.release(pg.id)
}
