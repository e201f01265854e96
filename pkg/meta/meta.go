// Package meta declares the narrow metadata-engine interface the data
// path consumes. The engine's own schema, transactions, and backing store
// are an external collaborator; this package only names the operations
// the core calls and the small set of types those calls exchange.
package meta

import "context"

// Ino is a 64-bit inode identifier. RootInode is 1; the internal special
// files do not use low values but fixed values from 0x7fffFFFF00000001 up.
type Ino uint64

const (
	RootInode    Ino = 1
	TrashInode   Ino = 0x7fffFFFF00000001
	ControlInode Ino = 0x7fffFFFF00000002
	ConfigInode  Ino = 0x7fffFFFF00000003
	StatsInode   Ino = 0x7fffFFFF00000004
	LogInode     Ino = 0x7fffFFFF00000005
)

// Attr mirrors the subset of inode attributes the data path and the
// upper FUSE-style interface need. Full attribute serialization is an
// external collaborator's concern.
type Attr struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Nlink uint32
	Rdev  uint32
	Atime int64
	Mtime int64
	Ctime int64
	Dir   bool
}

// SetAttrFlag is a bit position within the flags bitfield accepted by
// SetAttr: MODE(0), UID(1), GID(2), SIZE(3), ATIME(4), MTIME(5), CTIME(6),
// ATIME_NOW(7), MTIME_NOW(8), FLAG(15).
type SetAttrFlag uint32

const (
	SetAttrMode SetAttrFlag = 1 << iota
	SetAttrUID
	SetAttrGID
	SetAttrSize
	SetAttrAtime
	SetAttrMtime
	SetAttrCtime
	SetAttrAtimeNow
	SetAttrMtimeNow
	_
	_
	_
	_
	_
	_
	SetAttrFlagBit
)

// Entry pairs a directory entry's name and inode with its attributes, as
// returned by ReadDir and Lookup.
type Entry struct {
	Ino  Ino
	Name string
	Attr Attr
}

// SliceInfo is the durable record of one committed slice within one
// chunk: which object-store blocks hold it, and where it lands inside
// the chunk. FileReader consults these to decide what to fetch; it is
// populated once a SliceWriter's flush completes.
type SliceInfo struct {
	SliceID     uint64
	ChunkOffset int64
	Len         int64
	BlockSize   int64
}

// FSStates reports filesystem-wide usage counters for statfs.
type FSStates struct {
	UsedSpace   uint64
	TotalSpace  uint64
	UsedInodes  uint64
	TotalInodes uint64
}

// Context carries the caller identity used for permission checks,
// threaded through every engine call the way a FUSE request context is.
type Context struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

// Engine is the metadata engine surface the data path and upper interface
// depend on. Implementations own the schema, transactions, and backing
// key-value store; none of that is specified here.
type Engine interface {
	// NextSliceID returns a fresh, globally unique, monotonically
	// increasing slice identifier.
	NextSliceID(ctx context.Context) (uint64, error)

	// CommitSlice records a fully flushed slice against a chunk so that
	// future readers can locate it. Called once, after a SliceWriter's
	// flush succeeds.
	CommitSlice(ctx context.Context, ino Ino, chunkIndex int64, info SliceInfo) error

	// ListSlices returns every committed slice covering chunkIndex, in
	// commit order (oldest first); later entries shadow earlier ones
	// over any overlapping range.
	ListSlices(ctx context.Context, ino Ino, chunkIndex int64) ([]SliceInfo, error)

	GetAttr(ctx context.Context, ino Ino) (Attr, error)
	SetAttr(ctx context.Context, cctx *Context, ino Ino, flags SetAttrFlag, attr *Attr) error

	Lookup(ctx context.Context, cctx *Context, parent Ino, name string, checkPerm bool) (Ino, Attr, error)

	Mknod(ctx context.Context, cctx *Context, parent Ino, name string, mode uint32, rdev uint32) (Ino, Attr, error)
	Mkdir(ctx context.Context, cctx *Context, parent Ino, name string, mode uint32) (Ino, Attr, error)
	Create(ctx context.Context, cctx *Context, parent Ino, name string, mode uint32) (Ino, Attr, error)
	ReadDir(ctx context.Context, ino Ino, fh uint64, offset int64, plus bool) ([]Entry, error)
	OpenInode(ctx context.Context, cctx *Context, ino Ino, flags uint32) (fh uint64, err error)
	SetLk(ctx context.Context, ino Ino, owner uint64, lockType uint32) error

	StatFS(ctx context.Context, ino Ino) (FSStates, error)
}
