package fs

import (
	"context"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/merge"
	"github.com/jailboxfs/fuseoverlayfs/internal/mutate"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

func callerIdentity(ctx context.Context) (uid, gid int) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return int(caller.Uid), int(caller.Gid)
	}
	return 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if err := n.ensureCopiedUp(ctx); err != nil {
		return nil, toErrno(err)
	}
	hostUID, hostGID := callerIdentity(ctx)
	hostUID32, hostGID32 := n.mapIdentityIn(uint32(hostUID), uint32(hostGID))

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	rel, err := mutate.Mkdir(n.upper(), n.data.Path, name, mode, int(hostUID32), int(hostGID32))
	if err != nil {
		return nil, toErrno(err)
	}
	d := &node.Data{Name: name, Path: rel, IsDir: true, OriginLayer: n.upper().Position(), LastLayer: n.upper().Position()}
	n.statInto(d)
	child := n.attach(ctx, d)
	n.fillEntryOut(d, out)
	return child, fs.OK
}

func (n *Node) Mknod(ctx context.Context, name string, mode, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if err := n.ensureCopiedUp(ctx); err != nil {
		return nil, toErrno(err)
	}
	hostUID, hostGID := callerIdentity(ctx)

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	rel, err := mutate.Mknod(n.upper(), n.data.Path, name, mode, uint64(dev), hostUID, hostGID)
	if err != nil {
		return nil, toErrno(err)
	}
	d := &node.Data{Name: name, Path: rel, OriginLayer: n.upper().Position(), LastLayer: n.upper().Position()}
	n.statInto(d)
	child := n.attach(ctx, d)
	n.fillEntryOut(d, out)
	return child, fs.OK
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if err := n.ensureCopiedUp(ctx); err != nil {
		return nil, toErrno(err)
	}
	hostUID, hostGID := callerIdentity(ctx)

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	rel, err := mutate.Symlink(n.upper(), n.data.Path, name, target, hostUID, hostGID)
	if err != nil {
		return nil, toErrno(err)
	}
	d := &node.Data{Name: name, Path: rel, IsLink: true, OriginLayer: n.upper().Position(), LastLayer: n.upper().Position()}
	n.statInto(d)
	child := n.attach(ctx, d)
	n.fillEntryOut(d, out)
	return child, fs.OK
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := src.ensureCopiedUp(ctx); err != nil {
		return nil, toErrno(err)
	}
	if err := n.ensureCopiedUp(ctx); err != nil {
		return nil, toErrno(err)
	}

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	rel, err := mutate.Link(n.upper(), src.data.Path, n.data.Path, name)
	if err != nil {
		return nil, toErrno(err)
	}
	d := &node.Data{Name: name, Path: rel, OriginLayer: n.upper().Position(), LastLayer: n.upper().Position()}
	n.statInto(d)
	child := n.attach(ctx, d)
	n.fillEntryOut(d, out)
	return child, fs.OK
}

// statInto fills d's IsDir/RawIno/RawDev from a fresh stat of the
// upper layer entry just created, so attach() can key the inode table
// correctly.
func (n *Node) statInto(d *node.Data) {
	st, err := n.upper().Stat(d.Path)
	if err != nil {
		return
	}
	d.IsDir = st.IsDir()
	d.RawIno = st.Ino
	d.RawDev = st.Dev
}

// resolvesInLower reports whether name, once removed from the upper
// layer at dirPath, would still be visible through a lower layer not
// masked by an opaque ancestor.
func (n *Node) resolvesInLower(name string) bool {
	if len(n.tree.Stack.Layers) == 0 {
		return false
	}
	lowerOnly := resolve.Stack{Layers: lowersOnly(n.tree.Stack), HasUpper: false}
	d, err := resolve.Lookup(lowerOnly, n.data.Path, n.data.LastLayer, name)
	return err == nil && d != nil && !d.Whiteout
}

func lowersOnly(s resolve.Stack) []layer.Store {
	up := s.Upper()
	out := make([]layer.Store, 0, len(s.Layers))
	for _, l := range s.Layers {
		if up != nil && l.Position() == up.Position() {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()

	child, err := resolve.Lookup(n.tree.Stack, n.data.Path, n.data.LastLayer, name)
	if err != nil {
		return toErrno(err)
	}
	if child == nil {
		return syscall.ENOENT
	}
	up := n.upper()
	if child.OriginLayer != up.Position() {
		// Never copied up: nothing on the upper layer to remove, a
		// whiteout alone hides the lower entry.
		return toErrno(n.tree.WhiteoutCap.CreateWhiteout(up, n.data.Path, name))
	}
	return toErrno(mutate.Unlink(up, n.tree.WhiteoutCap, n.data.Path, name, n.resolvesInLower(name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()

	child, err := resolve.Lookup(n.tree.Stack, n.data.Path, n.data.LastLayer, name)
	if err != nil {
		return toErrno(err)
	}
	if child == nil {
		return syscall.ENOENT
	}
	up := n.upper()
	entries, err := merge.LoadDir(n.tree.Stack, n.tree.HideList, child)
	if err != nil {
		return toErrno(err)
	}
	if len(entries) > 0 {
		return syscall.ENOTEMPTY
	}
	if child.OriginLayer != up.Position() {
		return toErrno(n.tree.WhiteoutCap.CreateWhiteout(up, n.data.Path, name))
	}

	upperOnly, err := up.Readdir(child.Path)
	leftover := make([]string, 0, len(upperOnly))
	if err == nil {
		for _, e := range upperOnly {
			leftover = append(leftover, e.Name())
		}
	}
	return toErrno(mutate.Rmdir(up, n.tree.WhiteoutCap, n.data.Path, name, leftover, n.resolvesInLower(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	if err := n.ensureCopiedUp(ctx); err != nil {
		return toErrno(err)
	}
	if err := dst.ensureCopiedUp(ctx); err != nil {
		return toErrno(err)
	}

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	up := n.upper()

	srcChild := n.GetChild(name)

	if flags&unix.RENAME_EXCHANGE != 0 {
		dstChild := dst.GetChild(newName)
		if err := mutate.RenameExchange(up, n.data.Path, name, dst.data.Path, newName); err != nil {
			return toErrno(err)
		}
		// go-fuse reparents both inodes in the FS tree itself once this
		// method returns fs.OK; only the overlay-specific Path/Name
		// bookkeeping in node.Data needs updating here.
		relocate(srcChild, dst.data.Path, newName)
		relocate(dstChild, n.data.Path, name)
		return fs.OK
	}

	noReplace := flags&unix.RENAME_NOREPLACE != 0
	if err := mutate.RenameDirect(up, n.tree.WhiteoutCap, n.data.Path, name, dst.data.Path, newName, noReplace, n.resolvesInLower(name)); err != nil {
		return toErrno(err)
	}
	relocate(srcChild, dst.data.Path, newName)
	return fs.OK
}

// relocate updates inode's Node.Data (and, recursively, every already
// loaded descendant's Data) after the backing rename that moved it to
// newParentPath/newName, since node.Data.Path is captured at resolution
// time and has no way to notice its owning inode moved.
func relocate(inode *fs.Inode, newParentPath, newName string) {
	if inode == nil {
		return
	}
	n, ok := inode.Operations().(*Node)
	if !ok {
		return
	}
	newPath := path.Join(newParentPath, newName)
	n.data.Relocate(newPath, newName)
	if !n.data.IsDir {
		return
	}
	for childName, child := range inode.Children() {
		relocate(child, newPath, childName)
	}
}
