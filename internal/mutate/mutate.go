// Package mutate implements the upper-layer mutation protocol —
// create, unlink, rename, rmdir, mknod, symlink, link, mkdir, setattr —
// plus the whiteout/opaque maintenance these operations depend on.
// Every operation here assumes its target is already on the upper
// layer; copy-up is the caller's responsibility (internal/fs calls
// into internal/copyup first).
//
// Grounded on internal/unionfs/dir.go's Mkdir/Create/Unlink
// (stage-or-create-directly, then record in the writable layer,
// deleting any colliding whiteout), generalized from an in-memory
// tar-header metadata model to direct filesystem operations, and
// extended with the whiteout-degrade and opaque-degrade fallbacks a
// single-upper-layer, no-lower-shadowing design never needed.
package mutate

import (
	"errors"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
	"golang.org/x/sys/unix"
)

// WhiteoutCapability tracks a sticky per-instance downgrade: once a
// character-device whiteout is denied for lack of mknod capability,
// every later whiteout on this filesystem instance goes straight to
// the `.wh.` file fallback without retrying mknod.
type WhiteoutCapability struct {
	denied atomic.Bool
}

// CreateWhiteout writes a whiteout for name inside dirRelPath, trying
// the character-device encoding first and falling back to a `.wh.`
// regular file.
func (c *WhiteoutCapability) CreateWhiteout(upper layer.Store, dirRelPath, name string) error {
	target := path.Join(dirRelPath, name)
	if !c.denied.Load() {
		err := upper.Mknod(target, unix.S_IFCHR|0o000, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EPERM) {
			return err
		}
		c.denied.Store(true)
	}
	whiteoutPath := path.Join(dirRelPath, resolve.WhiteoutPrefix+name)
	if err := upper.Mknod(whiteoutPath, unix.S_IFREG|0o644, 0); err != nil {
		return err
	}
	return nil
}

// RemoveWhiteout clears either whiteout encoding for name, ignoring a
// missing entry in either form. The entry at name itself is removed
// only when it is a character-device (0,0) whiteout.
func RemoveWhiteout(upper layer.Store, dirRelPath, name string) error {
	target := path.Join(dirRelPath, name)
	st, err := upper.Stat(target)
	if err != nil && !layer.IsNotExist(err) {
		return err
	}
	if err == nil && st.Mode&unix.S_IFMT == unix.S_IFCHR && st.Rdev == 0 {
		if err := upper.Remove(target); err != nil && !layer.IsNotExist(err) {
			return err
		}
	}
	whiteoutPath := path.Join(dirRelPath, resolve.WhiteoutPrefix+name)
	if err := upper.Remove(whiteoutPath); err != nil && !layer.IsNotExist(err) {
		return err
	}
	return nil
}

// SetOpaque marks a directory opaque: extended attribute first,
// sentinel file fallback when xattrs aren't supported.
func SetOpaque(upper layer.Store, dirRelPath string) error {
	err := upper.Setxattr(dirRelPath, resolve.OpaqueXattr, []byte("y"))
	if err == nil {
		return nil
	}
	if !layer.IsNotSupported(err) {
		err = upper.Setxattr(dirRelPath, resolve.OpaqueXattrFallback, []byte("y"))
		if err == nil {
			return nil
		}
		if !layer.IsNotSupported(err) {
			return err
		}
	}
	sentinel := path.Join(dirRelPath, resolve.OpaqueSentinel)
	return upper.Mknod(sentinel, unix.S_IFREG|0o644, 0)
}

// Mkdir creates a fresh directory entry directly (no staging needed,
// mkdir is already atomic) and drops any stale whiteout at the
// destination.
func Mkdir(upper layer.Store, dirRelPath, name string, mode uint32, uid, gid int) (string, error) {
	target := path.Join(dirRelPath, name)
	if err := upper.Mkdir(target, mode); err != nil {
		return "", err
	}
	if err := upper.Chown(target, uid, gid); err != nil {
		return "", err
	}
	if err := RemoveWhiteout(upper, dirRelPath, name); err != nil {
		return "", err
	}
	return target, nil
}

// Mknod creates a device/fifo/socket node directly on the upper layer.
func Mknod(upper layer.Store, dirRelPath, name string, mode uint32, rdev uint64, uid, gid int) (string, error) {
	target := path.Join(dirRelPath, name)
	if err := upper.Mknod(target, mode, rdev); err != nil {
		return "", err
	}
	if err := upper.Chown(target, uid, gid); err != nil {
		return "", err
	}
	if err := RemoveWhiteout(upper, dirRelPath, name); err != nil {
		return "", err
	}
	return target, nil
}

// Symlink creates a symlink directly on the upper layer.
func Symlink(upper layer.Store, dirRelPath, name, linkTarget string, uid, gid int) (string, error) {
	target := path.Join(dirRelPath, name)
	if err := upper.Symlink(linkTarget, target); err != nil {
		return "", err
	}
	if err := upper.Chown(target, uid, gid); err != nil {
		return "", err
	}
	if err := RemoveWhiteout(upper, dirRelPath, name); err != nil {
		return "", err
	}
	return target, nil
}

// Link creates a hard link. Both endpoints must already be on the
// upper layer (the caller ensures this via copy-up), so this is a
// plain upper-layer hardlink plus whiteout cleanup.
func Link(upper layer.Store, srcRelPath, dstDirRelPath, dstName string) (string, error) {
	target := path.Join(dstDirRelPath, dstName)
	if err := upper.Link(srcRelPath, target); err != nil {
		return "", err
	}
	if err := RemoveWhiteout(upper, dstDirRelPath, dstName); err != nil {
		return "", err
	}
	return target, nil
}

// UnlinkResult describes whether a removed name needs a whiteout. Unlink
// and Rmdir do not return it; they take that decision as their
// resolvesInLower argument.
type UnlinkResult struct {
	// LeaveWhiteout is true when the name also resolves into a lower
	// layer not shadowed by an opaque ancestor, requiring a whiteout
	// so the lower entry stays hidden.
	LeaveWhiteout bool
}

// Unlink removes a non-directory entry (regular file, symlink, device
// node) that has already been copied up, leaving a whiteout if
// resolvesInLower is true. Directories go through Rmdir.
func Unlink(upper layer.Store, wc *WhiteoutCapability, dirRelPath, name string, resolvesInLower bool) error {
	target := path.Join(dirRelPath, name)
	if err := upper.Remove(target); err != nil {
		return err
	}
	if resolvesInLower {
		return wc.CreateWhiteout(upper, dirRelPath, name)
	}
	return nil
}

// Rmdir removes a directory. The caller has already verified (via
// internal/merge) that every visible entry under the
// directory is a whiteout; emptyUpperDir lists the upper-layer-only
// whiteout entries left behind that must be cleared before rmdir(2)
// will succeed.
func Rmdir(upper layer.Store, wc *WhiteoutCapability, dirRelPath, name string, emptyUpperDir []string, resolvesInLower bool) error {
	target := path.Join(dirRelPath, name)
	for _, child := range emptyUpperDir {
		if err := upper.Remove(path.Join(target, child)); err != nil && !layer.IsNotExist(err) {
			return err
		}
	}
	if err := upper.Rmdir(target); err != nil {
		return err
	}
	if resolvesInLower {
		return wc.CreateWhiteout(upper, dirRelPath, name)
	}
	return nil
}

// RenameExchange swaps two entries in place (RENAME_EXCHANGE); both
// endpoints must already be on the upper layer.
func RenameExchange(upper layer.Store, srcDir, srcName, dstDir, dstName string) error {
	src := path.Join(srcDir, srcName)
	dst := path.Join(dstDir, dstName)
	return upper.Rename(src, dst, unix.RENAME_EXCHANGE)
}

// RenameDirect performs a plain (non-exchange) rename. noReplace
// enforces RENAME_NOREPLACE when the destination exists and
// is not a whiteout. leaveSourceWhiteout is true when the source name
// would otherwise remain visible via a lower layer.
func RenameDirect(upper layer.Store, wc *WhiteoutCapability, srcDir, srcName, dstDir, dstName string, noReplace, leaveSourceWhiteout bool) error {
	src := path.Join(srcDir, srcName)
	dst := path.Join(dstDir, dstName)

	flags := 0
	if !leaveSourceWhiteout {
		if noReplace {
			flags = unix.RENAME_NOREPLACE
		}
		if err := upper.Rename(src, dst, uint32(flags)); err != nil {
			return err
		}
		return RemoveWhiteout(upper, dstDir, dstName)
	}

	// Prefer the atomic rename-with-whiteout primitive; fall back to a
	// plain rename followed by explicit whiteout creation at the
	// source when the kernel doesn't support RENAME_WHITEOUT.
	if noReplace {
		flags |= unix.RENAME_NOREPLACE
	}
	err := upper.Rename(src, dst, uint32(flags|unix.RENAME_WHITEOUT))
	if err == nil {
		return RemoveWhiteout(upper, dstDir, dstName)
	}
	if err := upper.Rename(src, dst, uint32(flags&^unix.RENAME_WHITEOUT)); err != nil {
		return err
	}
	if err := wc.CreateWhiteout(upper, srcDir, srcName); err != nil {
		return err
	}
	return RemoveWhiteout(upper, dstDir, dstName)
}

// OverrideStatMode selects how Setattr encodes ownership/mode when the
// backing filesystem can't hold them directly, controlled by the
// xattr_permissions mount option.
type OverrideStatMode int

const (
	OverrideStatOff OverrideStatMode = iota
	OverrideStatPrivileged
	OverrideStatUser
)

// overrideStatXattr picks the attribute name for the selected mode.
func overrideStatXattr(mode OverrideStatMode) string {
	if mode == OverrideStatPrivileged {
		return "trusted.overlay.override_stat"
	}
	return "user.containers.override_stat"
}

// Attrs is the subset of setattr fields Setattr applies, in order:
// time, mode, size, ownership.
type Attrs struct {
	SetTimes bool
	Atime    time.Time
	Mtime    time.Time

	SetMode bool
	Mode    uint32

	SetSize bool
	Size    int64

	SetOwner bool
	Uid      uint32
	Gid      uint32
}

// Setattr applies the requested attribute changes. The caller has
// already ensured the node is on the upper layer.
func Setattr(upper layer.Store, relPath string, a Attrs, overrideMode OverrideStatMode) error {
	if a.SetTimes {
		if err := upper.Chtimes(relPath, a.Atime, a.Mtime); err != nil {
			return err
		}
	}
	if a.SetMode {
		fallbackUid, fallbackGid := currentOwner(upper, relPath, overrideMode)
		if err := applyModeOrOverride(upper, relPath, a.Mode, overrideMode, fallbackUid, fallbackGid, a.SetOwner, a.Uid, a.Gid); err != nil {
			return err
		}
	}
	if a.SetSize {
		if err := upper.Truncate(relPath, a.Size); err != nil {
			return err
		}
	}
	if a.SetOwner && !a.SetMode {
		if err := applyOwnerOrOverride(upper, relPath, a.Uid, a.Gid, overrideMode); err != nil {
			return err
		}
	}
	return nil
}

func applyModeOrOverride(upper layer.Store, relPath string, mode uint32, overrideMode OverrideStatMode, fallbackUid, fallbackGid uint32, setOwner bool, uid, gid uint32) error {
	if overrideMode == OverrideStatOff {
		if err := upper.Chmod(relPath, mode); err != nil {
			return err
		}
		if setOwner {
			return upper.Chown(relPath, int(uid), int(gid))
		}
		return nil
	}
	u, g := uid, gid
	if !setOwner {
		u, g = fallbackUid, fallbackGid
	}
	return writeOverrideStat(upper, relPath, u, g, mode, overrideMode)
}

func applyOwnerOrOverride(upper layer.Store, relPath string, uid, gid uint32, overrideMode OverrideStatMode) error {
	if overrideMode == OverrideStatOff {
		return upper.Chown(relPath, int(uid), int(gid))
	}
	mode := currentMode(upper, relPath, overrideMode)
	return writeOverrideStat(upper, relPath, uid, gid, mode, overrideMode)
}

// currentOwner returns relPath's recorded owner: the override_stat
// entry if one is set, otherwise the real backing uid/gid.
func currentOwner(upper layer.Store, relPath string, overrideMode OverrideStatMode) (uint32, uint32) {
	if ov, ok := ReadOverrideStat(upper, relPath, overrideMode); ok {
		return ov.Uid, ov.Gid
	}
	if st, err := upper.Stat(relPath); err == nil {
		return st.Uid, st.Gid
	}
	return 0, 0
}

// currentMode returns relPath's recorded permission bits, preferring
// the override_stat entry over the real backing mode.
func currentMode(upper layer.Store, relPath string, overrideMode OverrideStatMode) uint32 {
	if ov, ok := ReadOverrideStat(upper, relPath, overrideMode); ok {
		return ov.Mode
	}
	if st, err := upper.Stat(relPath); err == nil {
		return st.Mode & 0o7777
	}
	return 0
}

// OverrideStat is the uid/gid/mode recorded by writeOverrideStat when
// the backing filesystem can't hold them directly.
type OverrideStat struct {
	Uid  uint32
	Gid  uint32
	Mode uint32
}

// ReadOverrideStat looks up relPath's override-stat attribute, ok is
// false when override mode is off, the attribute isn't set, or its
// value can't be parsed.
func ReadOverrideStat(upper layer.Store, relPath string, overrideMode OverrideStatMode) (OverrideStat, bool) {
	if overrideMode == OverrideStatOff || upper == nil {
		return OverrideStat{}, false
	}
	data, err := upper.Getxattr(relPath, overrideStatXattr(overrideMode))
	if err != nil {
		return OverrideStat{}, false
	}
	return parseOverrideStat(data)
}

func parseOverrideStat(data []byte) (OverrideStat, bool) {
	parts := strings.Split(string(data), ":")
	if len(parts) != 3 {
		return OverrideStat{}, false
	}
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return OverrideStat{}, false
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OverrideStat{}, false
	}
	mode, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return OverrideStat{}, false
	}
	return OverrideStat{Uid: uint32(uid), Gid: uint32(gid), Mode: uint32(mode)}, true
}

// writeOverrideStat encodes "<uid>:<gid>:<octal-mode>" into the
// override-stat attribute. In OverrideStatPrivileged mode, a write
// failure is fatal; in OverrideStatUser mode, EPERM is swallowed.
func writeOverrideStat(upper layer.Store, relPath string, uid, gid, mode uint32, overrideMode OverrideStatMode) error {
	value := formatOverrideStat(uid, gid, mode)
	err := upper.Setxattr(relPath, overrideStatXattr(overrideMode), []byte(value))
	if err == nil {
		return nil
	}
	if overrideMode == OverrideStatUser && errors.Is(err, unix.EPERM) {
		return nil
	}
	return err
}

func formatOverrideStat(uid, gid, mode uint32) string {
	return strconv.FormatUint(uint64(uid), 10) + ":" +
		strconv.FormatUint(uint64(gid), 10) + ":" +
		strconv.FormatUint(uint64(mode&0o7777), 8)
}
