// Package memory is an in-process meta.Engine used by tests and as a
// starting point for a real backing-store implementation. It does not
// attempt to be a production metadata engine: no persistence, no
// transactions, no distributed locking — only enough bookkeeping to
// exercise the data path end to end.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kisekifs/kiseki/internal/errs"
	"github.com/kisekifs/kiseki/pkg/meta"
)

type inode struct {
	attr    meta.Attr
	parent  meta.Ino
	name    string
	entries map[string]meta.Ino // valid only for directories
}

// Engine is a goroutine-safe, map-backed meta.Engine.
type Engine struct {
	mu      sync.RWMutex
	nextIno atomic.Uint64
	sliceID atomic.Uint64
	nodes   map[meta.Ino]*inode
	handles atomic.Uint64

	slicesMu sync.RWMutex
	slices   map[meta.Ino]map[int64][]meta.SliceInfo
}

var _ meta.Engine = (*Engine)(nil)

// New returns an engine pre-populated with a root directory.
func New() *Engine {
	e := &Engine{
		nodes:  make(map[meta.Ino]*inode),
		slices: make(map[meta.Ino]map[int64][]meta.SliceInfo),
	}
	e.nextIno.Store(uint64(meta.RootInode) + 1)
	e.nodes[meta.RootInode] = &inode{
		attr: meta.Attr{
			Mode: 0o755,
			Dir:  true,
		},
		entries: make(map[string]meta.Ino),
	}
	return e
}

func (e *Engine) NextSliceID(_ context.Context) (uint64, error) {
	return e.sliceID.Add(1), nil
}

func (e *Engine) GetAttr(_ context.Context, ino meta.Ino) (meta.Attr, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[ino]
	if !ok {
		return meta.Attr{}, &errs.MetaError{Op: "get_attr", NotFound: true}
	}
	return n.attr, nil
}

func (e *Engine) SetAttr(_ context.Context, _ *meta.Context, ino meta.Ino, flags meta.SetAttrFlag, attr *meta.Attr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[ino]
	if !ok {
		return &errs.MetaError{Op: "set_attr", NotFound: true}
	}
	if flags&meta.SetAttrMode != 0 {
		n.attr.Mode = attr.Mode
	}
	if flags&meta.SetAttrUID != 0 {
		n.attr.Uid = attr.Uid
	}
	if flags&meta.SetAttrGID != 0 {
		n.attr.Gid = attr.Gid
	}
	if flags&meta.SetAttrSize != 0 {
		n.attr.Size = attr.Size
	}
	if flags&meta.SetAttrAtime != 0 {
		n.attr.Atime = attr.Atime
	}
	if flags&meta.SetAttrMtime != 0 {
		n.attr.Mtime = attr.Mtime
	}
	if flags&meta.SetAttrCtime != 0 {
		n.attr.Ctime = attr.Ctime
	}
	return nil
}

func (e *Engine) Lookup(_ context.Context, _ *meta.Context, parent meta.Ino, name string, _ bool) (meta.Ino, meta.Attr, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.nodes[parent]
	if !ok || !p.attr.Dir {
		return 0, meta.Attr{}, &errs.MetaError{Op: "lookup", NotFound: true}
	}
	ino, ok := p.entries[name]
	if !ok {
		return 0, meta.Attr{}, &errs.MetaError{Op: "lookup", NotFound: true}
	}
	return ino, e.nodes[ino].attr, nil
}

func (e *Engine) create(parent meta.Ino, name string, mode uint32, rdev uint32, dir bool) (meta.Ino, meta.Attr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.nodes[parent]
	if !ok || !p.attr.Dir {
		return 0, meta.Attr{}, &errs.MetaError{Op: "create", NotFound: true}
	}
	if _, exists := p.entries[name]; exists {
		return 0, meta.Attr{}, &errs.PosixError{Errno: syscall.EEXIST, Msg: "create: name exists"}
	}

	ino := meta.Ino(e.nextIno.Add(1) - 1)
	n := &inode{attr: meta.Attr{Mode: mode, Rdev: rdev, Dir: dir}, parent: parent, name: name}
	if dir {
		n.entries = make(map[string]meta.Ino)
	}
	e.nodes[ino] = n
	p.entries[name] = ino
	return ino, n.attr, nil
}

func (e *Engine) Mknod(_ context.Context, _ *meta.Context, parent meta.Ino, name string, mode uint32, rdev uint32) (meta.Ino, meta.Attr, error) {
	return e.create(parent, name, mode, rdev, false)
}

func (e *Engine) Mkdir(_ context.Context, _ *meta.Context, parent meta.Ino, name string, mode uint32) (meta.Ino, meta.Attr, error) {
	return e.create(parent, name, mode, 0, true)
}

func (e *Engine) Create(_ context.Context, _ *meta.Context, parent meta.Ino, name string, mode uint32) (meta.Ino, meta.Attr, error) {
	return e.create(parent, name, mode, 0, false)
}

func (e *Engine) ReadDir(_ context.Context, ino meta.Ino, _ uint64, offset int64, _ bool) ([]meta.Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[ino]
	if !ok || !n.attr.Dir {
		return nil, &errs.MetaError{Op: "read_dir", NotFound: true}
	}

	entries := make([]meta.Entry, 0, len(n.entries))
	for name, childIno := range n.entries {
		entries = append(entries, meta.Entry{Ino: childIno, Name: name, Attr: e.nodes[childIno].attr})
	}
	if offset >= int64(len(entries)) {
		return nil, nil
	}
	return entries[offset:], nil
}

func (e *Engine) OpenInode(_ context.Context, _ *meta.Context, ino meta.Ino, _ uint32) (uint64, error) {
	e.mu.RLock()
	_, ok := e.nodes[ino]
	e.mu.RUnlock()
	if !ok {
		return 0, &errs.MetaError{Op: "open_inode", NotFound: true}
	}
	return e.handles.Add(1), nil
}

func (e *Engine) SetLk(_ context.Context, ino meta.Ino, _ uint64, _ uint32) error {
	e.mu.RLock()
	_, ok := e.nodes[ino]
	e.mu.RUnlock()
	if !ok {
		return &errs.MetaError{Op: "set_lk", NotFound: true}
	}
	return nil
}

func (e *Engine) CommitSlice(_ context.Context, ino meta.Ino, chunkIndex int64, info meta.SliceInfo) error {
	e.slicesMu.Lock()
	defer e.slicesMu.Unlock()
	byChunk, ok := e.slices[ino]
	if !ok {
		byChunk = make(map[int64][]meta.SliceInfo)
		e.slices[ino] = byChunk
	}
	byChunk[chunkIndex] = append(byChunk[chunkIndex], info)
	return nil
}

func (e *Engine) ListSlices(_ context.Context, ino meta.Ino, chunkIndex int64) ([]meta.SliceInfo, error) {
	e.slicesMu.RLock()
	defer e.slicesMu.RUnlock()
	byChunk, ok := e.slices[ino]
	if !ok {
		return nil, nil
	}
	infos := byChunk[chunkIndex]
	out := make([]meta.SliceInfo, len(infos))
	copy(out, infos)
	return out, nil
}

func (e *Engine) StatFS(_ context.Context, _ meta.Ino) (meta.FSStates, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return meta.FSStates{
		UsedInodes:  uint64(len(e.nodes)),
		TotalInodes: 1 << 32,
		TotalSpace:  1 << 40,
	}, nil
}
