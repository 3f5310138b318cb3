// Package fs binds the layer store, resolver, merger, copy-up engine,
// mutation protocol, crypto, identity map, and access gate into a
// concrete go-fuse fs.InodeEmbedder tree.
//
// Grounded on internal/unionfs/fs.go's ociFS/ociFile split between a
// tree-wide type holding shared state and a per-node type embedding
// fs.Inode, generalized from ociFS's eager OnAdd-built static tree
// (every tar entry materialized once at mount time) to on-demand
// Lookup/Readdir resolution, since an overlay's upper layer changes
// after mount in a way a read-only OCI image layer set never does.
package fs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jailboxfs/fuseoverlayfs/internal/access"
	"github.com/jailboxfs/fuseoverlayfs/internal/copyup"
	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	"github.com/jailboxfs/fuseoverlayfs/internal/hidelist"
	"github.com/jailboxfs/fuseoverlayfs/internal/idmap"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/mutate"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"github.com/jailboxfs/fuseoverlayfs/internal/ovlerrno"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

// Tree is the shared state every Node in the mounted tree refers back
// to: the layer stack, the policy tables, and the single coarse lock
// serializing dispatch entry points against concurrent mutation of the
// node graph. The lock is released before any long-latency per-file
// I/O (reads, writes, copy-up streaming) so one slow file doesn't stall
// unrelated lookups.
type Tree struct {
	mu sync.Mutex

	Stack    resolve.Stack
	HideList *hidelist.List
	UIDMap   *idmap.Map
	GIDMap   *idmap.Map
	Access   *access.Gate
	Inodes   *node.Table

	WhiteoutCap *mutate.WhiteoutCapability
	WorkDir     string

	CryptoCfg crypto.Config
	CryptoKey []byte

	StaticNlink      bool
	Fsync            bool
	RunningAsRoot    bool
	NoXattrs         bool
	XattrPermissions mutate.OverrideStatMode
}

// Node is the concrete fs.InodeEmbedder for every entry in the unified
// tree, root directory included.
type Node struct {
	fs.Inode
	tree *Tree
	data *node.Data
}

// NewRoot builds the root Node for fs.Mount.
func NewRoot(tree *Tree) *Node {
	return &Node{
		tree: tree,
		data: &node.Data{Name: "", Path: "/", IsDir: true, LastLayer: tree.bottomLayerPosition()},
	}
}

func (t *Tree) bottomLayerPosition() layer.Position {
	if len(t.Stack.Layers) == 0 {
		return 0
	}
	return t.Stack.Layers[0].Position()
}

var (
	_ fs.NodeLookuper     = (*Node)(nil)
	_ fs.NodeReaddirer    = (*Node)(nil)
	_ fs.NodeGetattrer    = (*Node)(nil)
	_ fs.NodeSetattrer    = (*Node)(nil)
	_ fs.NodeAccesser     = (*Node)(nil)
	_ fs.NodeStatfser     = (*Node)(nil)
	_ fs.NodeOpener       = (*Node)(nil)
	_ fs.NodeReader       = (*Node)(nil)
	_ fs.NodeWriter       = (*Node)(nil)
	_ fs.NodeFlusher      = (*Node)(nil)
	_ fs.NodeFsyncer      = (*Node)(nil)
	_ fs.NodeReleaser     = (*Node)(nil)
	_ fs.NodeCreater      = (*Node)(nil)
	_ fs.NodeMkdirer      = (*Node)(nil)
	_ fs.NodeMknoder      = (*Node)(nil)
	_ fs.NodeSymlinker    = (*Node)(nil)
	_ fs.NodeReadlinker   = (*Node)(nil)
	_ fs.NodeLinker       = (*Node)(nil)
	_ fs.NodeUnlinker     = (*Node)(nil)
	_ fs.NodeRmdirer      = (*Node)(nil)
	_ fs.NodeRenamer      = (*Node)(nil)
	_ fs.NodeGetxattrer   = (*Node)(nil)
	_ fs.NodeSetxattrer   = (*Node)(nil)
	_ fs.NodeListxattrer  = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
)

func log() *slog.Logger { return slog.With("component", "fs") }

// callerPID extracts the requesting process's pid from the FUSE
// request context, falling back to 0 (treated as the filesystem's own
// root-of-trust caller) when the kernel didn't attach one.
func callerPID(ctx context.Context) int {
	if caller, ok := fuse.FromContext(ctx); ok {
		return int(caller.Pid)
	}
	return 0
}

func (n *Node) checkAccess(ctx context.Context) syscall.Errno {
	if n.tree.Access == nil {
		return fs.OK
	}
	if !n.tree.Access.Allow(callerPID(ctx), "") {
		return syscall.EACCES
	}
	return fs.OK
}

// attach finds or creates the child fs.Inode for a resolved node.Data,
// collapsing onto an existing sibling when the inode table already
// tracks the same (ino,dev) identity at this (parent,name).
func (n *Node) attach(ctx context.Context, d *node.Data) *fs.Inode {
	key := node.InodeKey{Ino: d.RawIno, Dev: d.RawDev}
	sameParentName := func(other *node.Data) bool {
		return other.Path == d.Path
	}
	mode := modeBits(d)
	if sibling, _ := n.tree.Inodes.Register(key, d, mode, sameParentName); sibling != nil {
		if existing := n.GetChild(d.Name); existing != nil {
			return existing
		}
	}
	child := &Node{tree: n.tree, data: d}
	stable := fs.StableAttr{
		Mode: mode,
		Ino:  key.Ino,
		Gen:  uint64(d.OriginLayer) + 1,
	}
	return n.NewInode(ctx, child, stable)
}

func modeBits(d *node.Data) uint32 {
	switch {
	case d.IsDir:
		return unix.S_IFDIR
	case d.IsLink:
		return unix.S_IFLNK
	default:
		return unix.S_IFREG
	}
}

// storeFor returns the layer store the node's content should be read
// from (OriginLayer for the stat/readlink identity it resolved to).
func (n *Node) storeFor(pos layer.Position) layer.Store {
	for _, l := range n.tree.Stack.Layers {
		if l.Position() == pos {
			return l
		}
	}
	return nil
}

func (n *Node) upper() layer.Store { return n.tree.Stack.Upper() }

func (n *Node) onUpper() bool {
	up := n.upper()
	return up != nil && n.data.OriginLayer == up.Position()
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	return ovlerrno.ToErrno(err)
}

// ensureCopiedUp promotes n (and, recursively, every ancestor
// directory still resolving from a lower layer) onto the upper layer,
// so a subsequent mutation can target it directly.
func (n *Node) ensureCopiedUp(ctx context.Context) error {
	if n.onUpper() {
		return nil
	}
	parent, name := n.Parent()
	if parent == nil {
		return fmt.Errorf("fs: cannot copy up root")
	}
	parentNode, ok := parent.Operations().(*Node)
	if !ok {
		return fmt.Errorf("fs: unexpected parent type for %s", n.data.Path)
	}
	if err := parentNode.ensureCopiedUp(ctx); err != nil {
		return err
	}

	up := n.upper()
	src := n.storeFor(n.data.OriginLayer)
	st, err := src.Stat(n.data.Path)
	if err != nil {
		return err
	}

	modeOverride := n.tree.XattrPermissions != mutate.OverrideStatOff

	switch {
	case n.data.IsDir:
		if err := copyup.Dir(up, src, n.data.Path, st, modeOverride, n.tree.RunningAsRoot); err != nil {
			return err
		}
	case n.data.IsLink:
		if err := copyup.Symlink(up, src, n.data.Path); err != nil {
			return err
		}
	default:
		opt := copyup.FileOptions{
			WorkDir:       n.tree.WorkDir,
			ModeOverride:  modeOverride,
			RunningAsRoot: n.tree.RunningAsRoot,
			Crypto:        n.data.CryptoCtx,
		}
		if opt.Crypto == nil {
			ctx, err := crypto.NewFileContext(n.tree.CryptoKey, fileBaseIV(n.data), n.tree.CryptoCfg)
			if err != nil {
				return err
			}
			opt.Crypto = ctx
		}
		if err := copyup.File(up, src, n.data.Path, st, opt); err != nil {
			return err
		}
	}

	n.data.Mu.Lock()
	n.data.OriginLayer = up.Position()
	n.data.LastLayer = up.Position()
	n.data.Mu.Unlock()
	_ = name
	return nil
}

// fileBaseIV derives a stable per-file base IV from the file's unified
// path, so the same file always re-derives the same keystream across
// opens.
func fileBaseIV(d *node.Data) []byte {
	sum := crypto.DeriveKey(crypto.Config{KeySize: 16}, d.Path)
	return sum[:16]
}
