package diskpool

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, pageSize, capacity int64) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.bin")
	p, err := New(path, pageSize, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewValidatesParameters(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "a"), 0, 100)
	require.Error(t, err)

	_, err = New(filepath.Join(dir, "b"), 10, 5)
	require.Error(t, err)

	_, err = New(filepath.Join(dir, "c"), 10, 25)
	require.Error(t, err)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, 128, 128*4)
	require.EqualValues(t, 4, p.TotalCount())
	require.EqualValues(t, 4, p.RemainCount())

	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, p.RemainCount())

	pg.Release()
	require.EqualValues(t, 4, p.RemainCount())
}

func TestTryAcquireFailsWhenExhausted(t *testing.T) {
	p := newTestPool(t, 128, 128*2)

	pg1, ok := p.TryAcquire()
	require.True(t, ok)
	pg2, ok := p.TryAcquire()
	require.True(t, ok)

	_, ok = p.TryAcquire()
	require.False(t, ok)

	pg1.Release()
	pg2.Release()
}

// TestPoolExhaustionScenario spawns as many acquirers as there are pages;
// all complete, remain hits zero, and after every page is released remain
// returns to total.
func TestPoolExhaustionScenario(t *testing.T) {
	const pageSize = 128 * 1024
	const capacity = 300 * 1024 * 1024
	p := newTestPool(t, pageSize, capacity)
	total := p.TotalCount()
	require.EqualValues(t, 2400, total)

	pages := make(chan *Page, total)
	var wg sync.WaitGroup
	for i := int64(0); i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pg, err := p.Acquire(ctx)
			require.NoError(t, err)
			pages <- pg
		}()
	}
	wg.Wait()
	close(pages)
	require.EqualValues(t, 0, p.RemainCount())

	for pg := range pages {
		pg.Release()
	}
	require.EqualValues(t, total, p.RemainCount())
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newTestPool(t, 128, 256)
	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	acquired := make(chan struct{})
	go func() {
		pg2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		pg2.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	pg.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPool(t, 128, 256)
	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer pg.Release()

	data := []byte("hello page")
	require.NoError(t, pg.WriteAt(10, int64(len(data)), bytes.NewReader(data)))

	var buf bytes.Buffer
	require.NoError(t, pg.ReadAt(10, int64(len(data)), &buf))
	require.Equal(t, data, buf.Bytes())
}

func TestPoolStampsUniqueID(t *testing.T) {
	p1 := newTestPool(t, 128, 256)
	p2 := newTestPool(t, 128, 256)
	require.NotEqual(t, p1.ID(), p2.ID())
}

func TestOutOfBoundsRejected(t *testing.T) {
	p := newTestPool(t, 128, 256)
	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer pg.Release()

	err = pg.WriteAt(120, 16, bytes.NewReader(make([]byte, 16)))
	require.Error(t, err)
}
