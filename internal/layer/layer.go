// Package layer implements the layer store abstraction: uniform,
// no-follow read access to one directory tree in the overlay stack,
// plus the write operations the upper layer needs.
//
// Grounded on internal/store/writable.go's root path plus
// content-path helpers, and rclone's backend/local no-follow
// stat/xattr conventions (metadata_linux.go, xattr.go).
package layer

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// IsNotExist reports whether err is a stat/open failure because the
// path does not exist, as opposed to any other failure.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT)
}

// Stat is the subset of attributes the resolver and merger need, filled
// from a no-follow stat.
type Stat struct {
	Mode  uint32
	Ino   uint64
	Dev   uint64
	Size  int64
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether Stat describes a directory.
func (s Stat) IsDir() bool { return s.Mode&unix.S_IFMT == unix.S_IFDIR }

// Position is a layer's ordered slot in the stack. Lowers are numbered
// from 0 (bottommost, least recently pushed) upward; the upper layer, if
// any, is the highest index.
type Position int

// Store is the uniform read/write surface over one backing directory
// tree. A direct-filesystem implementation is provided by New; the
// interface exists so a future plugin-loaded alternative lower-layer
// data source has a seam to plug into.
type Store interface {
	// Root returns the layer's backing root directory, for diagnostics
	// and for the copy-up engine's cross-layer rename fallback checks.
	Root() string
	// Position reports this layer's stack slot.
	Position() Position
	// Upper reports whether this store is the (single) writable layer.
	Upper() bool

	Stat(relPath string) (Stat, error)
	Open(relPath string, flags int, mode os.FileMode) (*os.File, error)
	Readdir(relPath string) ([]fs.DirEntry, error)
	Readlink(relPath string) (string, error)
	Exists(relPath string) bool

	Getxattr(relPath, name string) ([]byte, error)
	Listxattr(relPath string) ([]string, error)
	Setxattr(relPath, name string, value []byte) error
	Removexattr(relPath, name string) error

	// Write-side operations, valid only when Upper() is true.
	Mkdir(relPath string, mode uint32) error
	Mknod(relPath string, mode uint32, rdev uint64) error
	Symlink(target, relPath string) error
	Link(oldRelPath, newRelPath string) error
	Rename(oldRelPath, newRelPath string, flags uint32) error
	Remove(relPath string) error
	Rmdir(relPath string) error
	Chmod(relPath string, mode uint32) error
	Chown(relPath string, uid, gid int) error
	Chtimes(relPath string, atime, mtime time.Time) error
	Truncate(relPath string, size int64) error
	Statfs() (*unix.Statfs_t, error)
}

// dirStore is the direct-filesystem Store implementation: relPath
// operations resolve under root via filepath.Join, and stat, open,
// existence checks and xattr calls use the no-follow family so a
// symlink in the final path component is never followed into another
// layer. Readdir is the exception: it opens the directory path itself,
// following a symlink in its final component.
type dirStore struct {
	root string
	pos  Position
	up   bool
}

// New returns a direct-filesystem layer store rooted at root.
func New(root string, pos Position, upper bool) Store {
	return &dirStore{root: filepath.Clean(root), pos: pos, up: upper}
}

func (d *dirStore) Root() string       { return d.root }
func (d *dirStore) Position() Position { return d.pos }
func (d *dirStore) Upper() bool        { return d.up }

func (d *dirStore) full(relPath string) string {
	if relPath == "" || relPath == "/" {
		return d.root
	}
	return filepath.Join(d.root, relPath)
}

func (d *dirStore) Stat(relPath string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(d.full(relPath), &st); err != nil {
		return Stat{}, &os.PathError{Op: "lstat", Path: relPath, Err: err}
	}
	return statFromUnix(&st), nil
}

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Mode:  st.Mode,
		Ino:   st.Ino,
		Dev:   uint64(st.Dev),
		Size:  st.Size,
		Uid:   st.Uid,
		Gid:   st.Gid,
		Nlink: uint32(st.Nlink),
		Rdev:  uint64(st.Rdev),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}

func (d *dirStore) Open(relPath string, flags int, mode os.FileMode) (*os.File, error) {
	// O_NOFOLLOW keeps the "no symlink traversal into other layers"
	// guarantee for content opens too, unless the caller is opening a
	// symlink node deliberately (readlink uses a separate path).
	return os.OpenFile(d.full(relPath), flags|unix.O_NOFOLLOW, mode)
}

func (d *dirStore) Readdir(relPath string) ([]fs.DirEntry, error) {
	return os.ReadDir(d.full(relPath))
}

func (d *dirStore) Readlink(relPath string) (string, error) {
	// Grows the buffer rather than guessing a single fixed size, so an
	// unusually long symlink target is never silently truncated.
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlink(d.full(relPath), buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

func (d *dirStore) Exists(relPath string) bool {
	var st unix.Stat_t
	return unix.Lstat(d.full(relPath), &st) == nil
}

func (d *dirStore) Getxattr(relPath, name string) ([]byte, error) {
	v, err := xattr.LGet(d.full(relPath), name)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *dirStore) Listxattr(relPath string) ([]string, error) {
	return xattr.LList(d.full(relPath))
}

func (d *dirStore) Setxattr(relPath, name string, value []byte) error {
	return xattr.LSet(d.full(relPath), name, value)
}

func (d *dirStore) Removexattr(relPath, name string) error {
	return xattr.LRemove(d.full(relPath), name)
}

func (d *dirStore) Mkdir(relPath string, mode uint32) error {
	return unix.Mkdir(d.full(relPath), mode)
}

func (d *dirStore) Mknod(relPath string, mode uint32, rdev uint64) error {
	return unix.Mknod(d.full(relPath), mode, int(rdev))
}

func (d *dirStore) Symlink(target, relPath string) error {
	return unix.Symlink(target, d.full(relPath))
}

func (d *dirStore) Link(oldRelPath, newRelPath string) error {
	return unix.Link(d.full(oldRelPath), d.full(newRelPath))
}

func (d *dirStore) Rename(oldRelPath, newRelPath string, flags uint32) error {
	if flags == 0 {
		return unix.Rename(d.full(oldRelPath), d.full(newRelPath))
	}
	return unix.Renameat2(unix.AT_FDCWD, d.full(oldRelPath), unix.AT_FDCWD, d.full(newRelPath), int(flags))
}

func (d *dirStore) Remove(relPath string) error {
	return unix.Unlink(d.full(relPath))
}

func (d *dirStore) Rmdir(relPath string) error {
	return unix.Rmdir(d.full(relPath))
}

func (d *dirStore) Chmod(relPath string, mode uint32) error {
	return unix.Fchmodat(unix.AT_FDCWD, d.full(relPath), mode, unix.AT_SYMLINK_NOFOLLOW)
}

func (d *dirStore) Chown(relPath string, uid, gid int) error {
	return unix.Lchown(d.full(relPath), uid, gid)
}

func (d *dirStore) Chtimes(relPath string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, d.full(relPath), ts, unix.AT_SYMLINK_NOFOLLOW)
}

func (d *dirStore) Truncate(relPath string, size int64) error {
	return os.Truncate(d.full(relPath), size)
}

func (d *dirStore) Statfs() (*unix.Statfs_t, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CopyFileRange streams src's content into dst with io.Copy, from each
// side's current position. Ownership, mode and xattrs are not copied.
func CopyFileRange(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
