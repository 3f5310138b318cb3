// Package node implements the node graph and inode-identity dedup: the
// per-name metadata overlay nodes carry (origin layer, last layer,
// whiteout/opaque flags, hidden state) and the (ino,dev)-keyed inode
// table that collapses aliasing nodes together.
//
// go-fuse's fs.Inode already provides the parent/child container and
// persistent-inode bookkeeping, so this package holds only the
// overlay-specific data a plain union-mount node doesn't carry: origin
// tracking, whiteout/opaque state, the hidden-for-deletion state
// machine, and the inode table. internal/fs embeds *Data into its
// concrete fs.Inode type.
package node

import (
	"sync"

	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
)

// DeletionMode distinguishes the two ways a hidden node is reclaimed on
// final release.
type DeletionMode int

const (
	// DeletionNone means the node was never hidden.
	DeletionNone DeletionMode = iota
	// DeletionFile means the hidden entry is unlink(2)'d on release.
	DeletionFile
	// DeletionDir means the hidden entry is rmdir(2)'d on release.
	DeletionDir
)

// HiddenState tracks an unlinked-but-still-open node through its
// deferred removal: Active | HiddenPendingUnlink | HiddenPendingRmdir.
type HiddenState int

const (
	StateActive HiddenState = iota
	StateHiddenPendingUnlink
	StateHiddenPendingRmdir
)

// Data is the overlay-specific metadata carried by every unified-tree
// node, independent of the go-fuse fs.Inode it is embedded alongside.
type Data struct {
	Mu sync.Mutex // protects CryptoCtx, Cache, and the fields below it

	Name   string
	Path   string // full path from the unified root; Path == Parent.Path + "/" + Name
	IsDir  bool
	IsLink bool

	// OriginLayer is the layer this node was first resolved from.
	// LastLayer is the deepest layer consulted during the lookup that
	// produced (or last updated) this node.
	OriginLayer layer.Position
	LastLayer   layer.Position

	// RawIno/RawDev are the (ino,dev) reported by OriginLayer's stat,
	// captured at resolution time for inode-table dedup. They are
	// provisional: valid only until the next copy-up changes the
	// origin layer.
	RawIno uint64
	RawDev uint64

	Whiteout bool
	Opaque   bool // directory has an opaque marker; lower layers beneath it are invisible

	State      HiddenState
	HiddenPath string // staging path in the working directory, valid while State != StateActive

	InReaddir int32 // count of in-flight directory reads; >0 schedules invalidation on mutation
	Loaded    bool  // children have been materialized from Readdir

	CryptoCtx *crypto.FileContext
	Cache     *crypto.BlockCache
}

// Relocate updates d's Name/Path after a rename, preserving the
// Path == Parent.Path + "/" + Name invariant. The caller is
// responsible for relocating any already-loaded descendants too, since
// their Path fields were computed from d's old Path.
func (d *Data) Relocate(newPath, newName string) {
	d.Mu.Lock()
	d.Path = newPath
	d.Name = newName
	d.Mu.Unlock()
}

// InodeKey is the (ino,dev) pair inode records are keyed by.
type InodeKey struct {
	Ino uint64
	Dev uint64
}

// Record is the shared inode record: a kernel-side lookup count and the
// list of *Data that currently resolve to this identity (multiple
// paths can share an inode via hard link or layer aliasing).
type Record struct {
	Mode    uint32
	Lookups uint64
	Members []*Data
}

// Table is the per-mounted-filesystem (not per-process global) inode
// table.
type Table struct {
	mu      sync.Mutex
	records map[InodeKey]*Record
}

// NewTable returns an empty inode table.
func NewTable() *Table {
	return &Table{records: make(map[InodeKey]*Record)}
}

// Register inserts d into the inode table keyed by key and returns the
// sibling *Data the caller should collapse onto instead of using d, if
// one already exists with the same (parent, name) as d. A new record
// stores mode; an existing record keeps the mode it was created with,
// and d itself is not changed.
//
// sameParentName is supplied by the caller (internal/fs knows the parent
// Inode; this package stays agnostic of fs.Inode) and reports whether an
// existing member is the same (parent, name) as d.
func (t *Table) Register(key InodeKey, d *Data, mode uint32, sameParentName func(*Data) bool) (sibling *Data, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Mode: mode}
		t.records[key] = rec
	}
	for _, m := range rec.Members {
		if sameParentName(m) {
			return m, false
		}
	}
	d.Mu.Lock()
	// Data has no mode field, so nothing of rec.Mode is copied onto d.
	d.Mu.Unlock()
	rec.Members = append(rec.Members, d)
	return nil, true
}

// Lookups adds delta (which may be negative) to the record's
// kernel-side lookup count, never taking it below zero.
func (t *Table) Lookups(key InodeKey, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return
	}
	if delta < 0 && rec.Lookups < uint64(-delta) {
		rec.Lookups = 0
	} else if delta < 0 {
		rec.Lookups -= uint64(-delta)
	} else {
		rec.Lookups += uint64(delta)
	}
}

// Forget removes d from its inode record, and drops the whole record
// once it has no members left and zero outstanding lookups.
func (t *Table) Forget(key InodeKey, d *Data) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return
	}
	for i, m := range rec.Members {
		if m == d {
			rec.Members = append(rec.Members[:i], rec.Members[i+1:]...)
			break
		}
	}
	if len(rec.Members) == 0 && rec.Lookups == 0 {
		delete(t.records, key)
	}
}

// Stats returns the current node/inode counts for diagnostics, as
// printed on a SIGUSR1 status dump.
func (t *Table) Stats() (inodes int, nodes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inodes = len(t.records)
	for _, rec := range t.records {
		nodes += len(rec.Members)
	}
	return inodes, nodes
}
