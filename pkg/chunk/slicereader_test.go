package chunk

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kisekifs/kiseki/pkg/meta"
	metamem "github.com/kisekifs/kiseki/pkg/meta/memory"
	objmem "github.com/kisekifs/kiseki/pkg/object/memory"
)

// flakyListEngine wraps an in-memory Engine and fails ListSlices with
// the caller's own ctx.Err() a fixed number of times before delegating,
// letting tests exercise SliceReader's REFRESH retry path without a
// real flaky backend.
type flakyListEngine struct {
	*metamem.Engine
	failsLeft atomic.Int32
}

func (e *flakyListEngine) ListSlices(ctx context.Context, ino meta.Ino, chunkIndex int64) ([]meta.SliceInfo, error) {
	if e.failsLeft.Add(-1) >= 0 {
		return nil, ctx.Err()
	}
	return e.Engine.ListSlices(ctx, ino, chunkIndex)
}

func TestSliceReaderRetryResetsToNewWithFreshGate(t *testing.T) {
	engine := metamem.New()
	store := objmem.New()
	sr := newSliceReader(1, 1, byteRange{0, testFRBlockSize}, testFRChunkSize, testFRBlockSize, engine, store)

	require.True(t, sr.state.CompareAndSwap(int32(SRNew), int32(SRBusy)))
	oldReady := sr.readyChan()

	sr.retry()

	require.Equal(t, SRNew, SliceReaderState(sr.state.Load()))
	newReady := sr.readyChan()
	require.NotEqual(t, oldReady, newReady)

	select {
	case <-oldReady:
	default:
		t.Fatal("retry must close the stale ready gate so waiters on it wake up")
	}
	select {
	case <-newReady:
		t.Fatal("the replacement ready gate must start open (unclosed)")
	default:
	}
}

func TestSliceReaderWaitReadySucceedsAfterCanceledFetchRetried(t *testing.T) {
	data := make([]byte, testFRBlockSize)
	engine := &flakyListEngine{Engine: metamem.New(), failsLeft: atomic.Int32{}}
	engine.failsLeft.Store(1)
	store := objmem.New()
	seedSlice(t, engine.Engine, store, 1, 0, 0, data, 1)

	sr := newSliceReader(1, 1, byteRange{0, int64(len(data))}, testFRChunkSize, testFRBlockSize, engine, store)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := sr.waitReady(canceled)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, SRNew, SliceReaderState(sr.state.Load()), "a canceled-caller fetch should land back on NEW, not BREAK")

	ok, err = sr.waitReady(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "a fresh caller should be able to retry the same reader to success")
}

func TestSliceReaderInvalidateIsTerminal(t *testing.T) {
	engine := metamem.New()
	store := objmem.New()
	sr := newSliceReader(1, 1, byteRange{0, testFRBlockSize}, testFRChunkSize, testFRBlockSize, engine, store)

	sr.invalidate()
	require.False(t, sr.Valid())
	require.Equal(t, SRInvalid, SliceReaderState(sr.state.Load()))

	sr.invalidate()
	require.Equal(t, SRInvalid, SliceReaderState(sr.state.Load()))
}

func TestSliceReaderValidExcludesBreakAndInvalid(t *testing.T) {
	require.True(t, SRNew.Valid())
	require.True(t, SRBusy.Valid())
	require.True(t, SRRefresh.Valid())
	require.True(t, SRReady.Valid())
	require.False(t, SRBreak.Valid())
	require.False(t, SRInvalid.Valid())
}
