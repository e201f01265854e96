package vfs

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/chunk"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta"
	metamem "github.com/kisekifs/kiseki/pkg/meta/memory"
	objmem "github.com/kisekifs/kiseki/pkg/object/memory"
)

const (
	testChunkSize = 32 * 1024
	testBlockSize = 8 * 1024
)

func newTestDataManager(t *testing.T) *DataManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.bin")
	pool, err := diskpool.New(path, testBlockSize, testBlockSize*16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	cfg := Config{
		Chunk:  chunk.Config{ChunkSize: testChunkSize, BlockSize: testBlockSize, FlushQueueSize: 4},
		Reader: chunk.ReaderConfig{ChunkSize: testChunkSize, BlockSize: testBlockSize, ReadAheadWindow: 4096},
	}
	return New(pool, objmem.New(), metamem.New(), cfg)
}

var rootCtx = &meta.Context{Uid: 0, Gid: 0}

func TestLookupReservedNameUnderRoot(t *testing.T) {
	dm := newTestDataManager(t)
	e, err := dm.Lookup(context.Background(), rootCtx, meta.RootInode, ".control")
	require.NoError(t, err)
	require.Equal(t, meta.ControlInode, e.Ino)
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	dm := newTestDataManager(t)
	_, err := dm.Lookup(context.Background(), rootCtx, meta.RootInode, "nope")
	require.Error(t, err)
}

func TestLookupNameTooLong(t *testing.T) {
	dm := newTestDataManager(t)
	longName := make([]byte, 300)
	_, err := dm.Lookup(context.Background(), rootCtx, meta.RootInode, string(longName))
	require.Error(t, err)
	require.Equal(t, syscall.ENAMETOOLONG, errs.ToErrno(err))
}

func TestCreateRejectsReservedName(t *testing.T) {
	dm := newTestDataManager(t)
	_, _, err := dm.Create(context.Background(), rootCtx, meta.RootInode, ".control", 0o644)
	require.Error(t, err)
	require.Equal(t, syscall.EEXIST, errs.ToErrno(err))
}

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	dm := newTestDataManager(t)
	ctx := context.Background()

	ino, _, err := dm.Create(ctx, rootCtx, meta.RootInode, "hello.txt", 0o644)
	require.NoError(t, err)

	opened, err := dm.Open(ctx, rootCtx, ino, syscall.O_RDWR)
	require.NoError(t, err)

	data := []byte("hello, kiseki")
	n, err := dm.Write(ctx, ino, opened.FH, 0, data)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)

	require.NoError(t, dm.Flush(ctx, opened.FH))

	got, err := dm.Read(ctx, ino, opened.FH, 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, dm.Release(ctx, opened.FH))
}

func TestWriteRejectsControlInode(t *testing.T) {
	dm := newTestDataManager(t)
	_, err := dm.Write(context.Background(), meta.ControlInode, 1, 0, []byte("x"))
	require.Error(t, err)
	require.Equal(t, syscall.EACCES, errs.ToErrno(err))
}

func TestOpenRejectsReservedInode(t *testing.T) {
	dm := newTestDataManager(t)
	_, err := dm.Open(context.Background(), rootCtx, meta.ControlInode, syscall.O_RDONLY)
	require.Error(t, err)
	require.Equal(t, syscall.EACCES, errs.ToErrno(err))
}

func TestReadWriteUnknownHandleIsEBADF(t *testing.T) {
	dm := newTestDataManager(t)
	ctx := context.Background()

	_, err := dm.Read(ctx, 42, 9999, 0, 10)
	require.Error(t, err)
	require.Equal(t, syscall.EBADF, errs.ToErrno(err))

	_, err = dm.Write(ctx, 42, 9999, 0, []byte("x"))
	require.Error(t, err)
	require.Equal(t, syscall.EBADF, errs.ToErrno(err))
}

func TestReadWriteOffsetExceedingMaxFileSizeIsEFBIG(t *testing.T) {
	dm := newTestDataManager(t)
	ctx := context.Background()
	_, err := dm.Read(ctx, 1, 1, MaxFileSize, 10)
	require.Error(t, err)
	require.Equal(t, syscall.EFBIG, errs.ToErrno(err))
}

func TestCheckAccessRootBypassesPermissions(t *testing.T) {
	attr := meta.Attr{Mode: 0o000, Uid: 5, Gid: 5}
	require.NoError(t, checkAccess(&meta.Context{Uid: 0}, attr, 0o7))
}

func TestCheckAccessOwnerGroupOther(t *testing.T) {
	attr := meta.Attr{Mode: 0o640, Uid: 10, Gid: 20}

	require.NoError(t, checkAccess(&meta.Context{Uid: 10, Gid: 999}, attr, 0o6))
	require.NoError(t, checkAccess(&meta.Context{Uid: 999, Gid: 20}, attr, 0o4))
	require.Error(t, checkAccess(&meta.Context{Uid: 999, Gid: 999}, attr, 0o4))
}

func TestGetAttrReservedInode(t *testing.T) {
	dm := newTestDataManager(t)
	attr, err := dm.GetAttr(context.Background(), meta.StatsInode)
	require.NoError(t, err)
	require.Equal(t, uint32(0o444), attr.Mode)
}

func TestStatFS(t *testing.T) {
	dm := newTestDataManager(t)
	states, err := dm.StatFS(context.Background())
	require.NoError(t, err)
	require.Greater(t, states.TotalInodes, uint64(0))
}
