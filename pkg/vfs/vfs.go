// Package vfs is the upper, FUSE-style interface exposed by the data
// path: lookup/attr/dir/open/read/write/flush, reserved-name handling,
// and the permission model. It is the one layer every caller-facing
// operation in this module funnels through.
package vfs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/internal/logger"
	"github.com/kisekifs/kiseki/pkg/chunk"
	"github.com/kisekifs/kiseki/pkg/diskpool"
	"github.com/kisekifs/kiseki/pkg/meta"
	"github.com/kisekifs/kiseki/pkg/object"
)

// criticalInodeTimeout bounds how long GetAttr waits on the metadata
// engine when hydrating the root and trash inodes: availability over
// freshness, since every lookup under the root funnels through this
// path. statFSTimeout is the tighter bound StatFS applies per counter.
const (
	criticalInodeTimeout = 300 * time.Millisecond
	statFSTimeout        = 150 * time.Millisecond
)

// MaxFileSize bounds any single read/write offset, mirroring the
// EFBIG check the upper interface performs before touching a FileWriter
// or FileReader.
const MaxFileSize = int64(1) << 62

// MaxNameLen is the POSIX NAME_MAX this module enforces on lookup,
// mknod, mkdir, and create.
const MaxNameLen = 255

// reservedNames are the special files synthesized under the root
// directory. KFSPrefix, when configured, re-prefixes every one of them
// (e.g. ".control" becomes ".kfscontrol").
var reservedNames = []string{"control", "config", "stats", "accesslog", "trash"}

// Config bundles the sizing and naming knobs DataManager needs beyond
// what FileWriter/FileReader already take.
type Config struct {
	Chunk     chunk.Config
	Reader    chunk.ReaderConfig
	KFSPrefix bool
}

// Opened is returned by Open: the handle, the flags it was opened with,
// and the resolved entry.
type Opened struct {
	FH    uint64
	Flags uint32
	Entry meta.Entry
}

type handleKind int

const (
	handleFile handleKind = iota
	handleDir
)

type handle struct {
	kind   handleKind
	ino    meta.Ino
	writer *chunk.FileWriter
	reader *chunk.FileReader
}

// DataManager owns the DiskPagePool, the ObjectStore handle, the
// metadata engine handle, and the per-(inode[,handle]) FileWriter and
// FileReader tables. Every upper-interface operation is a method on
// this type.
type DataManager struct {
	pool   *diskpool.Pool
	store  object.Store
	engine meta.Engine
	cfg    Config

	mu      sync.Mutex
	writers map[meta.Ino]*chunk.FileWriter
	handles map[uint64]*handle

	hasStatFS  bool
	lastStatFS meta.FSStates
}

// New constructs a DataManager over an already-initialized pool, store,
// and metadata engine.
func New(pool *diskpool.Pool, store object.Store, engine meta.Engine, cfg Config) *DataManager {
	return &DataManager{
		pool:    pool,
		store:   store,
		engine:  engine,
		cfg:     cfg,
		writers: make(map[meta.Ino]*chunk.FileWriter),
		handles: make(map[uint64]*handle),
	}
}

func (dm *DataManager) reservedName(name string) bool {
	for _, r := range reservedNames {
		if dm.prefixed(r) == name {
			return true
		}
	}
	return false
}

func (dm *DataManager) prefixed(name string) string {
	if dm.cfg.KFSPrefix {
		return ".kfs" + name
	}
	return "." + name
}

func validateName(name string) error {
	if len(name) > MaxNameLen {
		return &errs.PosixError{Errno: syscall.ENAMETOOLONG, Msg: "name too long"}
	}
	return nil
}

// checkAccess implements the permission model: root is always granted;
// otherwise owner bits apply when uid matches, group bits when gid
// matches, else other bits. mask must be fully satisfied by the granted
// bits.
func checkAccess(cctx *meta.Context, attr meta.Attr, mask uint32) error {
	if cctx == nil || cctx.Uid == 0 {
		return nil
	}

	var granted uint32
	switch {
	case cctx.Uid == attr.Uid:
		granted = (attr.Mode >> 6) & 0o7
	case cctx.Gid == attr.Gid:
		granted = (attr.Mode >> 3) & 0o7
	default:
		granted = attr.Mode & 0o7
	}

	if granted&mask != mask {
		return &errs.PosixError{Errno: syscall.EACCES, Msg: "permission denied"}
	}
	return nil
}

// Lookup resolves name within parent.
func (dm *DataManager) Lookup(ctx context.Context, cctx *meta.Context, parent meta.Ino, name string) (meta.Entry, error) {
	if err := validateName(name); err != nil {
		return meta.Entry{}, err
	}
	if parent == meta.RootInode && dm.reservedName(name) {
		ino := dm.reservedInode(name)
		return meta.Entry{Ino: ino, Name: name, Attr: meta.Attr{Mode: 0o444}}, nil
	}

	ino, attr, err := dm.engine.Lookup(ctx, cctx, parent, name, true)
	if err != nil {
		return meta.Entry{}, &errs.MetaError{Op: "lookup", NotFound: true, Err: err}
	}
	return meta.Entry{Ino: ino, Name: name, Attr: attr}, nil
}

func (dm *DataManager) reservedInode(name string) meta.Ino {
	switch name {
	case dm.prefixed("control"):
		return meta.ControlInode
	case dm.prefixed("config"):
		return meta.ConfigInode
	case dm.prefixed("stats"):
		return meta.StatsInode
	case dm.prefixed("accesslog"):
		return meta.LogInode
	case dm.prefixed("trash"):
		return meta.TrashInode
	}
	return 0
}

func isReservedInode(ino meta.Ino) bool {
	switch ino {
	case meta.ControlInode, meta.ConfigInode, meta.StatsInode, meta.LogInode, meta.TrashInode:
		return true
	}
	return false
}

// defaultRootAttr is substituted for the root inode when the metadata
// engine doesn't answer within criticalInodeTimeout.
var defaultRootAttr = meta.Attr{Mode: 0o755, Dir: true}

// GetAttr returns ino's attributes. Most reserved inodes are synthetic
// pseudo-files with no backing metadata, so they always report the
// fixed read-only default. The root and trash inodes are the
// exceptions: both are real directories the engine tracks (size, mtime,
// nlink genuinely change), so they are looked up under a bounded
// timeout, falling back to a hard-coded default if the engine doesn't
// answer in time — availability over freshness for these two inodes
// only, since nearly every lookup funnels through the root.
func (dm *DataManager) GetAttr(ctx context.Context, ino meta.Ino) (meta.Attr, error) {
	if isReservedInode(ino) && ino != meta.TrashInode {
		return meta.Attr{Mode: 0o444}, nil
	}

	fallback := meta.Attr{Mode: 0o444}
	if ino == meta.RootInode {
		fallback = defaultRootAttr
	}
	if ino == meta.RootInode || ino == meta.TrashInode {
		tctx, cancel := context.WithTimeout(ctx, criticalInodeTimeout)
		defer cancel()
		attr, err := dm.engine.GetAttr(tctx, ino)
		if err != nil {
			return fallback, nil
		}
		return attr, nil
	}

	return dm.engine.GetAttr(ctx, ino)
}

// SetAttr applies flags-selected fields from attr to ino.
func (dm *DataManager) SetAttr(ctx context.Context, cctx *meta.Context, ino meta.Ino, flags meta.SetAttrFlag, attr *meta.Attr) error {
	if isReservedInode(ino) {
		return &errs.PosixError{Errno: syscall.EACCES, Msg: "cannot set attributes on a reserved inode"}
	}
	return dm.engine.SetAttr(ctx, cctx, ino, flags, attr)
}

// OpenDir validates flags against ino's permissions and allocates a
// directory handle.
func (dm *DataManager) OpenDir(ctx context.Context, cctx *meta.Context, ino meta.Ino, flags uint32) (uint64, error) {
	attr, err := dm.GetAttr(ctx, ino)
	if err != nil {
		return 0, err
	}
	if !attr.Dir {
		return 0, &errs.PosixError{Errno: syscall.ENOTDIR, Msg: "not a directory"}
	}
	if err := checkAccess(cctx, attr, accessMaskFor(flags)); err != nil {
		return 0, err
	}

	fh, err := dm.engine.OpenInode(ctx, cctx, ino, flags)
	if err != nil {
		return 0, err
	}
	dm.mu.Lock()
	dm.handles[fh] = &handle{kind: handleDir, ino: ino}
	dm.mu.Unlock()
	return fh, nil
}

// ReadDir lists ino's entries from offset.
func (dm *DataManager) ReadDir(ctx context.Context, ino meta.Ino, fh uint64, offset int64, plus bool) ([]meta.Entry, error) {
	return dm.engine.ReadDir(ctx, ino, fh, offset, plus)
}

func accessMaskFor(flags uint32) uint32 {
	switch flags & 0o3 {
	case 0: // O_RDONLY
		return 0o4
	case 1: // O_WRONLY
		return 0o2
	default: // O_RDWR
		return 0o6
	}
}

func (dm *DataManager) create(ctx context.Context, cctx *meta.Context, parent meta.Ino, name string, mode uint32, mk func() (meta.Ino, meta.Attr, error)) (meta.Ino, meta.Attr, error) {
	if err := validateName(name); err != nil {
		return 0, meta.Attr{}, err
	}
	if parent == meta.RootInode && dm.reservedName(name) {
		return 0, meta.Attr{}, &errs.PosixError{Errno: syscall.EEXIST, Msg: "name collides with a reserved inode"}
	}
	return mk()
}

// Mknod creates a non-directory inode of an arbitrary mode (device,
// fifo, regular) under parent.
func (dm *DataManager) Mknod(ctx context.Context, cctx *meta.Context, parent meta.Ino, name string, mode, rdev uint32) (meta.Ino, meta.Attr, error) {
	return dm.create(ctx, cctx, parent, name, mode, func() (meta.Ino, meta.Attr, error) {
		return dm.engine.Mknod(ctx, cctx, parent, name, mode, rdev)
	})
}

// Mkdir creates a directory under parent.
func (dm *DataManager) Mkdir(ctx context.Context, cctx *meta.Context, parent meta.Ino, name string, mode uint32) (meta.Ino, meta.Attr, error) {
	return dm.create(ctx, cctx, parent, name, mode, func() (meta.Ino, meta.Attr, error) {
		return dm.engine.Mkdir(ctx, cctx, parent, name, mode)
	})
}

// Create creates a regular file under parent.
func (dm *DataManager) Create(ctx context.Context, cctx *meta.Context, parent meta.Ino, name string, mode uint32) (meta.Ino, meta.Attr, error) {
	return dm.create(ctx, cctx, parent, name, mode, func() (meta.Ino, meta.Attr, error) {
		return dm.engine.Create(ctx, cctx, parent, name, mode)
	})
}

// Open validates flags against ino's permissions (rejecting reserved
// inodes outright) and allocates a file handle backed by a FileWriter
// and FileReader.
func (dm *DataManager) Open(ctx context.Context, cctx *meta.Context, ino meta.Ino, flags uint32) (Opened, error) {
	if isReservedInode(ino) {
		return Opened{}, &errs.PosixError{Errno: syscall.EACCES, Msg: "reserved inode cannot be opened"}
	}

	attr, err := dm.GetAttr(ctx, ino)
	if err != nil {
		return Opened{}, err
	}
	if err := checkAccess(cctx, attr, accessMaskFor(flags)); err != nil {
		return Opened{}, err
	}

	fh, err := dm.engine.OpenInode(ctx, cctx, ino, flags)
	if err != nil {
		return Opened{}, err
	}

	writer := dm.fileWriterFor(ino)
	reader := chunk.NewFileReader(ino, fh, int64(attr.Size), dm.engine, dm.store, dm.cfg.Reader)

	dm.mu.Lock()
	dm.handles[fh] = &handle{kind: handleFile, ino: ino, writer: writer, reader: reader}
	dm.mu.Unlock()

	return Opened{FH: fh, Flags: flags, Entry: meta.Entry{Ino: ino, Attr: attr}}, nil
}

func (dm *DataManager) fileWriterFor(ino meta.Ino) *chunk.FileWriter {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	fw, ok := dm.writers[ino]
	if !ok {
		fw = chunk.NewFileWriter(ino, dm.pool, dm.engine, dm.store, dm.cfg.Chunk)
		dm.writers[ino] = fw
	}
	return fw
}

func (dm *DataManager) lookupHandle(fh uint64) (*handle, error) {
	dm.mu.Lock()
	h, ok := dm.handles[fh]
	dm.mu.Unlock()
	if !ok {
		return nil, &errs.PosixError{Errno: syscall.EBADF, Msg: "unknown file handle"}
	}
	return h, nil
}

func checkOffsetBounds(offset, size int64) error {
	if offset >= MaxFileSize || offset+size >= MaxFileSize {
		return &errs.PosixError{Errno: syscall.EFBIG, Msg: "offset exceeds the maximum file size"}
	}
	return nil
}

// Read reads up to size bytes at offset through fh.
func (dm *DataManager) Read(ctx context.Context, ino meta.Ino, fh uint64, offset int64, size int64) ([]byte, error) {
	if err := checkOffsetBounds(offset, size); err != nil {
		return nil, err
	}
	h, err := dm.lookupHandle(fh)
	if err != nil {
		return nil, err
	}
	if h.reader == nil || h.ino != ino {
		return nil, &errs.PosixError{Errno: syscall.EBADF, Msg: "handle is not open for this inode"}
	}

	if h.writer != nil {
		h.reader.SetLength(h.writer.Length())
	}

	dst := make([]byte, size)
	n, err := h.reader.Read(ctx, offset, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Write writes data at offset through fh. Writes to the control inode
// are rejected.
func (dm *DataManager) Write(ctx context.Context, ino meta.Ino, fh uint64, offset int64, data []byte) (uint32, error) {
	if ino == meta.ControlInode {
		return 0, &errs.PosixError{Errno: syscall.EACCES, Msg: "control inode is not writable"}
	}
	if err := checkOffsetBounds(offset, int64(len(data))); err != nil {
		return 0, err
	}
	h, err := dm.lookupHandle(fh)
	if err != nil {
		return 0, err
	}
	if h.writer == nil || h.ino != ino {
		return 0, &errs.PosixError{Errno: syscall.EBADF, Msg: "handle is not open for this inode"}
	}

	n, err := h.writer.Write(ctx, offset, data)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Flush delegates to the handle's FileWriter. A no-op for directory
// handles and special inodes.
func (dm *DataManager) Flush(ctx context.Context, fh uint64) error {
	h, err := dm.lookupHandle(fh)
	if err != nil {
		return err
	}
	if h.writer == nil {
		return nil
	}
	return h.writer.Flush(ctx)
}

// Fsync is the same contract as Flush for this module: both ultimately
// delegate to FileWriter.Flush.
func (dm *DataManager) Fsync(ctx context.Context, fh uint64) error {
	return dm.Flush(ctx, fh)
}

// SetLk records a POSIX lock against ino through the metadata engine.
func (dm *DataManager) SetLk(ctx context.Context, ino meta.Ino, owner uint64, lockType uint32) error {
	return dm.engine.SetLk(ctx, ino, owner, lockType)
}

// StatFS reports filesystem-wide usage, bounded by statFSTimeout so a
// slow engine can't stall every statfs(2) caller; it falls back to the
// last successfully observed counters. If no call has succeeded yet, it
// returns a zero value together with the engine's error.
func (dm *DataManager) StatFS(ctx context.Context) (meta.FSStates, error) {
	tctx, cancel := context.WithTimeout(ctx, statFSTimeout)
	defer cancel()
	states, err := dm.engine.StatFS(tctx, meta.RootInode)
	if err != nil {
		dm.mu.Lock()
		cached, ok := dm.lastStatFS, dm.hasStatFS
		dm.mu.Unlock()
		if ok {
			return cached, nil
		}
		return meta.FSStates{}, err
	}

	dm.mu.Lock()
	dm.lastStatFS = states
	dm.hasStatFS = true
	dm.mu.Unlock()
	return states, nil
}

// Release closes fh: for file handles, closes the FileReader (draining
// in-flight reads) and drops the handle table entry. The backing
// FileWriter is kept alive in dm.writers across handle closes since
// other handles on the same inode may still be writing.
func (dm *DataManager) Release(ctx context.Context, fh uint64) error {
	dm.mu.Lock()
	h, ok := dm.handles[fh]
	delete(dm.handles, fh)
	dm.mu.Unlock()
	if !ok {
		return nil
	}
	if h.reader != nil {
		if err := h.reader.Close(ctx); err != nil {
			logger.Warn("vfs: file reader close did not drain in time", "inode", h.ino, "err", err)
		}
	}
	return nil
}
