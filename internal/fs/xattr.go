package fs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

// Getxattr, Setxattr, Listxattr, and Removexattr pass through to the
// node's origin-layer store, with the reserved whiteout/opaque marker
// names masked off so a caller never observes the overlay's own
// bookkeeping attributes.

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if n.tree.NoXattrs || resolve.IsReservedXattr(attr) {
		return 0, syscall.ENODATA
	}
	store := n.storeFor(n.data.OriginLayer)
	if store == nil {
		return 0, syscall.ENOENT
	}
	v, err := store.Getxattr(n.data.Path, attr)
	if err != nil {
		return 0, toErrno(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	n2 := copy(dest, v)
	return uint32(n2), fs.OK
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if n.tree.NoXattrs || resolve.IsReservedXattr(attr) {
		return syscall.EPERM
	}
	if err := n.ensureCopiedUp(ctx); err != nil {
		return toErrno(err)
	}
	if err := n.upper().Setxattr(n.data.Path, attr, data); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	if n.tree.NoXattrs {
		return 0, fs.OK
	}
	store := n.storeFor(n.data.OriginLayer)
	if store == nil {
		return 0, syscall.ENOENT
	}
	names, err := store.Listxattr(n.data.Path)
	if err != nil {
		return 0, toErrno(err)
	}
	total := 0
	for _, name := range names {
		if resolve.IsReservedXattr(name) {
			continue
		}
		total += len(name) + 1
	}
	if len(dest) < total {
		return uint32(total), syscall.ERANGE
	}
	pos := 0
	for _, name := range names {
		if resolve.IsReservedXattr(name) {
			continue
		}
		pos += copy(dest[pos:], name)
		dest[pos] = 0
		pos++
	}
	return uint32(pos), fs.OK
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if n.tree.NoXattrs || resolve.IsReservedXattr(attr) {
		return syscall.EPERM
	}
	if err := n.ensureCopiedUp(ctx); err != nil {
		return toErrno(err)
	}
	if err := n.upper().Removexattr(n.data.Path, attr); err != nil {
		return toErrno(err)
	}
	return fs.OK
}
