// Package fuseoverlayfs ties the layer store, resolver, merger,
// copy-up engine, mutation protocol, crypto, identity map, and access
// gate into a mountable go-fuse filesystem, exposing a functional-options
// constructor and a Mount call that wires the result into fs.Mount.
package fuseoverlayfs

import (
	"fmt"
	"os"
	"path/filepath"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jailboxfs/fuseoverlayfs/internal/access"
	"github.com/jailboxfs/fuseoverlayfs/internal/copyup"
	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	fsglue "github.com/jailboxfs/fuseoverlayfs/internal/fs"
	"github.com/jailboxfs/fuseoverlayfs/internal/hidelist"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/mutate"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

// Option configures an Overlay before it is built.
type Option func(*buildState)

type buildState struct {
	cfg          Config
	hideListPath string
}

// WithHideList points at a hide-list config file (§6); the hide-list is
// optional and applies to lower layers only.
func WithHideList(path string) Option {
	return func(b *buildState) { b.hideListPath = path }
}

// Overlay is a built, not-yet-mounted overlay filesystem.
type Overlay struct {
	root *fsglue.Node
	tree *fsglue.Tree
	cfg  Config
}

// New assembles the layer stack and shared state from cfg, applying
// opts on top.
func New(cfg Config, opts ...Option) (*Overlay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &buildState{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}

	layers := make([]layer.Store, 0, len(cfg.LowerDirs)+1)
	for i, dir := range cfg.LowerDirs {
		layers = append(layers, layer.New(dir, layer.Position(i), false))
	}
	hasUpper := cfg.UpperDir != ""
	if hasUpper {
		if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
			return nil, fmt.Errorf("fuseoverlayfs: create workdir: %w", err)
		}
		if err := copyup.CleanWorkDir(cfg.WorkDir); err != nil {
			return nil, err
		}
		layers = append(layers, layer.New(cfg.UpperDir, layer.Position(len(layers)), true))
	}
	stack := resolve.Stack{Layers: layers, HasUpper: hasUpper}

	var hideList *hidelist.List
	if b.hideListPath != "" {
		l, err := hidelist.Load(b.hideListPath)
		if err != nil {
			return nil, fmt.Errorf("fuseoverlayfs: load hide-list: %w", err)
		}
		hideList = l
	}

	// The access gate's mountPointParent is only known once Mount is
	// called with a concrete mount point, so the gate starts without one
	// and Mount replaces it before serving the first request.
	gate := access.New(cfg.ManagerPID, cfg.TrustedPrefixes, "")

	cryptoCfg := crypto.DefaultConfig()
	key := crypto.DeriveKey(cryptoCfg, cfg.ContentPassword)

	tree := &fsglue.Tree{
		Stack:            stack,
		HideList:         hideList,
		UIDMap:           cfg.UIDMap,
		GIDMap:           cfg.GIDMap,
		Access:           gate,
		Inodes:           node.NewTable(),
		WhiteoutCap:      &mutate.WhiteoutCapability{},
		WorkDir:          cfg.WorkDir,
		CryptoCfg:        cryptoCfg,
		CryptoKey:        key,
		StaticNlink:      cfg.StaticNlink,
		Fsync:            cfg.Fsync,
		RunningAsRoot:    os.Geteuid() == 0,
		NoXattrs:         cfg.NoXattrs,
		XattrPermissions: mutate.OverrideStatMode(cfg.XattrPermissions),
	}

	return &Overlay{root: fsglue.NewRoot(tree), tree: tree, cfg: cfg}, nil
}

// Mounted is a running mount, returned by Mount.
type Mounted struct {
	srv *fuse.Server
}

// Wait blocks until the filesystem is unmounted.
func (m *Mounted) Wait() { m.srv.Wait() }

// Unmount requests the kernel unmount the filesystem.
func (m *Mounted) Unmount() error { return m.srv.Unmount() }

// Mount serves o at mountPoint until unmounted.
func (o *Overlay) Mount(mountPoint string) (*Mounted, error) {
	mountPoint = filepath.Clean(mountPoint)
	if !filepath.IsAbs(mountPoint) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		mountPoint = filepath.Join(cwd, mountPoint)
	}
	o.tree.Access = access.New(o.cfg.ManagerPID, o.cfg.TrustedPrefixes, filepath.Dir(mountPoint))

	mountOpts := fuse.MountOptions{
		AllowOther:  false,
		Name:        "fuseoverlayfs",
		DirectMount: true,
	}
	if o.cfg.SELinuxContext != "" {
		mountOpts.Options = append(mountOpts.Options, "context="+o.cfg.SELinuxContext)
	}

	srv, err := gofuse.Mount(mountPoint, o.root, &gofuse.Options{
		MountOptions: mountOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("fuseoverlayfs: mount %s: %w", mountPoint, err)
	}
	return &Mounted{srv: srv}, nil
}

// AccessGate exposes the access gate so the CLI can wire SIGUSR1/SIGUSR2
// into it.
func (o *Overlay) AccessGate() *access.Gate { return o.tree.Access }

// InodeStats reports the current node/inode counts, for a SIGUSR1
// status dump.
func (o *Overlay) InodeStats() (inodes, nodes int) { return o.tree.Inodes.Stats() }
