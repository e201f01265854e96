package chunk

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta/memory"
	objmem "github.com/kisekifs/kiseki/pkg/object/memory"
)

func newTestSliceWriter(t *testing.T) *SliceWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.bin")
	pool, err := diskpool.New(path, testBufBlockSize, testBufBlockSize*8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return NewSliceWriter(1, 1, 0, 0, pool, testBufChunkSize, testBufBlockSize, memory.New(), objmem.New())
}

func TestSliceWriterWriteThenFreezeRejectsFurtherWrites(t *testing.T) {
	sw := newTestSliceWriter(t)

	n, err := sw.WriteAt(context.Background(), 0, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.True(t, sw.Freeze())
	require.True(t, sw.HasFrozen())

	n, err = sw.WriteAt(context.Background(), 3, []byte("def"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSliceWriterFreezeIsSingleWinner(t *testing.T) {
	sw := newTestSliceWriter(t)
	require.True(t, sw.Freeze())
	require.False(t, sw.Freeze())
}

func TestSliceWriterFreezeNotifyClosesOnce(t *testing.T) {
	sw := newTestSliceWriter(t)
	ch := sw.FreezeNotify()
	select {
	case <-ch:
		t.Fatal("freezeNotify closed before Freeze")
	default:
	}
	sw.Freeze()
	select {
	case <-ch:
	default:
		t.Fatal("freezeNotify not closed after Freeze")
	}
}

func TestSliceWriterMarkDoneClosesDoneNotifyOnce(t *testing.T) {
	sw := newTestSliceWriter(t)
	done := sw.DoneNotify()
	select {
	case <-done:
		t.Fatal("doneNotify closed before MarkDone")
	default:
	}
	sw.MarkDone()
	sw.MarkDone()
	select {
	case <-done:
	default:
		t.Fatal("doneNotify not closed after MarkDone")
	}
	require.True(t, sw.HasDone())
}

func TestSliceWriterCanFlushFalseOnceDone(t *testing.T) {
	sw := newTestSliceWriter(t)
	sw.MarkDone()
	require.False(t, sw.CanFlush())
}

func TestSliceWriterCanFlushFalseWhenAlreadyFrozenByOther(t *testing.T) {
	sw := newTestSliceWriter(t)
	require.True(t, sw.Freeze())
	require.False(t, sw.CanFlush())
}

func TestSliceWriterCanFlushTrueOnFreshWriter(t *testing.T) {
	sw := newTestSliceWriter(t)
	require.True(t, sw.CanFlush())
	require.True(t, sw.HasFrozen())
}

func TestSliceWriterFlushUploadsAndAdvancesFlushedLength(t *testing.T) {
	sw := newTestSliceWriter(t)
	_, err := sw.WriteAt(context.Background(), 0, make([]byte, testBufBlockSize+10))
	require.NoError(t, err)

	require.NoError(t, sw.Flush(context.Background()))
	flushed, length := sw.GetFlushedLengthAndTotalWriteLength()
	require.Equal(t, length, flushed)
}

func TestSliceWriterMakeBackgroundFlushReqNilWhenNothingToDo(t *testing.T) {
	sw := newTestSliceWriter(t)
	require.Nil(t, sw.MakeBackgroundFlushReq(testBufChunkSize))
}

func TestSliceWriterMakeBackgroundFlushReqBulkWhenTailExceedsBlock(t *testing.T) {
	sw := newTestSliceWriter(t)
	_, err := sw.WriteAt(context.Background(), 0, make([]byte, testBufBlockSize+10))
	require.NoError(t, err)

	req := sw.MakeBackgroundFlushReq(testBufChunkSize)
	require.NotNil(t, req)
	require.Equal(t, ReqFlushBulk, req.Kind)
}

func TestSliceWriterMakeBackgroundFlushReqFullWhenFrozenAndComplete(t *testing.T) {
	sw := newTestSliceWriter(t)
	_, err := sw.WriteAt(context.Background(), 0, make([]byte, testBufChunkSize))
	require.NoError(t, err)
	sw.Freeze()

	req := sw.MakeBackgroundFlushReq(testBufChunkSize)
	require.NotNil(t, req)
	require.Equal(t, ReqFlushFull, req.Kind)
}

func TestSliceWriterMakeFullFlushInAdvanceFailsIfAlreadyFrozen(t *testing.T) {
	sw := newTestSliceWriter(t)
	sw.Freeze()
	require.Nil(t, sw.MakeFullFlushInAdvance())
}
