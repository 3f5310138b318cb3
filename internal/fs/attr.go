package fs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/mutate"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
)

// fillEntryOut stats d's origin layer and fills both the entry and
// attribute portions of out, applying the identity map and the
// static_nlink override.
func (n *Node) fillEntryOut(d *node.Data, out *fuse.EntryOut) {
	out.NodeId = d.RawIno
	out.Generation = uint64(d.OriginLayer) + 1
	store := n.storeFor(d.OriginLayer)
	if store == nil {
		return
	}
	st, err := store.Stat(d.Path)
	if err != nil {
		return
	}
	n.fillAttrFromStat(&out.Attr, st, d.IsDir, store, d.Path)
}

// fillAttrFromStat fills attr from st, substituting the owner and
// permission bits recorded in the override_stat xattr (xattr_permissions
// mount option) when one is set at relPath.
func (n *Node) fillAttrFromStat(attr *fuse.Attr, st layer.Stat, isDir bool, store layer.Store, relPath string) {
	uid, gid, mode := st.Uid, st.Gid, st.Mode
	if ov, ok := mutate.ReadOverrideStat(store, relPath, n.tree.XattrPermissions); ok {
		uid, gid = ov.Uid, ov.Gid
		mode = (st.Mode &^ 0o7777) | (ov.Mode & 0o7777)
	}
	attr.Ino = st.Ino
	attr.Size = uint64(st.Size)
	attr.Mode = mode
	attr.Uid, attr.Gid = n.mapIdentityOut(uid, gid)
	attr.Nlink = st.Nlink
	if isDir && n.tree.StaticNlink {
		attr.Nlink = 1
	}
	attr.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
	attr.Rdev = uint32(st.Rdev)
}

func (n *Node) mapIdentityOut(uid, gid uint32) (uint32, uint32) {
	presentedUID, presentedGID := uid, gid
	if n.tree.UIDMap != nil {
		presentedUID = n.tree.UIDMap.ToPresented(uid)
	}
	if n.tree.GIDMap != nil {
		presentedGID = n.tree.GIDMap.ToPresented(gid)
	}
	return presentedUID, presentedGID
}

func (n *Node) mapIdentityIn(uid, gid uint32) (uint32, uint32) {
	hostUID, hostGID := uid, gid
	if n.tree.UIDMap != nil {
		hostUID = n.tree.UIDMap.ToHost(uid)
	}
	if n.tree.GIDMap != nil {
		hostGID = n.tree.GIDMap.ToHost(gid)
	}
	return hostUID, hostGID
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	store := n.storeFor(n.data.OriginLayer)
	if store == nil {
		return syscall.ENOENT
	}
	st, err := store.Stat(n.data.Path)
	if err != nil {
		return toErrno(err)
	}
	n.fillAttrFromStat(&out.Attr, st, n.data.IsDir, store, n.data.Path)
	return fs.OK
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	if errno := n.checkAccess(ctx); errno != 0 {
		return errno
	}
	return fs.OK
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	store := n.upper()
	if store == nil && len(n.tree.Stack.Layers) > 0 {
		store = n.tree.Stack.Layers[0]
	}
	if store == nil {
		return syscall.ENOSYS
	}
	st, err := store.Statfs()
	if err != nil {
		return toErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if err := n.ensureCopiedUp(ctx); err != nil {
		return toErrno(err)
	}
	up := n.upper()

	var a mutate.Attrs
	if mtime, ok := in.GetMTime(); ok {
		atime := mtime
		if at, ok2 := in.GetATime(); ok2 {
			atime = at
		}
		a.SetTimes = true
		a.Atime = atime
		a.Mtime = mtime
	}
	if mode, ok := in.GetMode(); ok {
		a.SetMode = true
		a.Mode = mode
	}
	if size, ok := in.GetSize(); ok {
		a.SetSize = true
		a.Size = int64(size)
	}
	if uid, ok := in.GetUID(); ok {
		gid, _ := in.GetGID()
		hostUID, hostGID := n.mapIdentityIn(uid, gid)
		a.SetOwner = true
		a.Uid = hostUID
		a.Gid = hostGID
	}

	if err := mutate.Setattr(up, n.data.Path, a, n.tree.XattrPermissions); err != nil {
		return toErrno(err)
	}
	return n.Getattr(ctx, f, out)
}
