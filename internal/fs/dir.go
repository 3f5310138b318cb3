package fs

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jailboxfs/fuseoverlayfs/internal/merge"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

// Lookup resolves name under n across the layer stack and attaches (or
// reuses) the resulting child inode.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.checkAccess(ctx); errno != 0 {
		return nil, errno
	}
	n.tree.mu.Lock()
	d, err := resolve.Lookup(n.tree.Stack, n.data.Path, n.data.LastLayer, name)
	n.tree.mu.Unlock()
	if err != nil {
		if err == resolve.ErrReservedName {
			return nil, syscall.ENOENT
		}
		return nil, toErrno(err)
	}
	if d == nil || d.Whiteout {
		return nil, syscall.ENOENT
	}

	n.tree.mu.Lock()
	child := n.attach(ctx, d)
	n.tree.mu.Unlock()

	n.fillEntryOut(d, out)
	return child, fs.OK
}

// dirStream adapts a merged listing to go-fuse's push-based DirStream.
type dirStream struct {
	entries []merge.Entry
	pos     int
}

func (s *dirStream) HasNext() bool { return s.pos < len(s.entries) }

func (s *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return fuse.DirEntry{Name: e.Name, Mode: e.Mode}, fs.OK
}

func (s *dirStream) Close() {}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if errno := n.checkAccess(ctx); errno != 0 {
		return nil, errno
	}
	atomic.AddInt32(&n.data.InReaddir, 1)
	defer atomic.AddInt32(&n.data.InReaddir, -1)

	n.tree.mu.Lock()
	entries, err := merge.LoadDir(n.tree.Stack, n.tree.HideList, n.data)
	n.tree.mu.Unlock()
	if err != nil {
		return nil, toErrno(err)
	}
	return &dirStream{entries: entries}, fs.OK
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	store := n.storeFor(n.data.OriginLayer)
	if store == nil {
		return nil, syscall.ENOENT
	}
	target, err := store.Readlink(n.data.Path)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}
