// Package copyup implements promoting one node from a lower layer to
// the upper layer via a staged path in the working directory followed
// by an atomic rename.
//
// Grounded on internal/unionfs/file.go's Write copy-on-write block
// (open lower, create upper, io.Copy, reopen handle), generalized from
// a direct-create-in-place approach to working-directory staging plus
// atomic rename, and on rclone's backend/local no-follow metadata
// helpers for copying ownership/mode/times onto the staged file before
// it is renamed into view.
package copyup

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
	"golang.org/x/sys/unix"
)

// OriginXattr records the original lower-layer path on a copied-up
// file.
const OriginXattr = "user.fuseoverlayfs.origin"

// stagingPath draws a unique name from the working directory. A UUID
// gives the same never-reused-within-a-lifetime guarantee a shared
// monotonic counter would, without threading counter state through
// every caller.
func stagingPath(workDir string) string {
	return filepath.Join(workDir, uuid.NewString())
}

// removeDestinationWhiteout deletes a stale `.wh.<name>` at relPath's
// location once the real entry has been created there.
func removeDestinationWhiteout(upper layer.Store, relPath string) {
	dir, name := path.Split(relPath)
	whiteout := path.Join(dir, resolve.WhiteoutPrefix+name)
	if upper.Exists(whiteout) {
		_ = upper.Remove(whiteout)
	}
}

// Dir creates the upper directory directly (no staging needed; mkdir
// is already atomic) with the lower-layer's owner and mode. When
// modeOverride is set (xattr_permissions active), the real directory
// mode is forced open instead of the lower layer's mode, mirroring
// File's ModeOverride: actual permissions live in the override_stat
// xattr, not in the backing directory's mode bits.
func Dir(upper, src layer.Store, relPath string, st layer.Stat, modeOverride, runningAsRoot bool) error {
	mode := st.Mode & 0o7777
	if modeOverride {
		mode = 0o755
		if runningAsRoot {
			mode |= 0o200
		}
	}
	if err := upper.Mkdir(relPath, mode); err != nil {
		return fmt.Errorf("copyup: mkdir %s: %w", relPath, err)
	}
	if err := upper.Chown(relPath, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("copyup: chown %s: %w", relPath, err)
	}
	if err := upper.Chtimes(relPath, st.Atime, st.Mtime); err != nil {
		return fmt.Errorf("copyup: chtimes %s: %w", relPath, err)
	}
	removeDestinationWhiteout(upper, relPath)
	return nil
}

// Symlink recreates a symlink's target on the upper layer.
func Symlink(upper, src layer.Store, relPath string) error {
	target, err := src.Readlink(relPath)
	if err != nil {
		return fmt.Errorf("copyup: readlink %s: %w", relPath, err)
	}
	if err := upper.Symlink(target, relPath); err != nil {
		return fmt.Errorf("copyup: symlink %s: %w", relPath, err)
	}
	removeDestinationWhiteout(upper, relPath)
	return nil
}

// FileOptions tunes the regular-file copy-up path.
type FileOptions struct {
	// WorkDir is the upper layer's companion staging directory.
	WorkDir string
	// ModeOverride forces the staged file to mode 0755 (OR'd with
	// owner-write when RunningAsRoot).
	ModeOverride  bool
	RunningAsRoot bool
	Crypto        *crypto.FileContext
}

// File stages the lower file's content (block-encrypted) plus its
// metadata and user xattrs in the working directory, then atomically
// renames it into place.
func File(upper, src layer.Store, relPath string, st layer.Stat, opt FileOptions) (err error) {
	lowerFile, err := src.Open(relPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("copyup: open lower %s: %w", relPath, err)
	}
	defer lowerFile.Close()

	stage := stagingPath(opt.WorkDir)
	mode := os.FileMode(st.Mode & 0o7777)
	if opt.ModeOverride {
		mode = 0o755
		if opt.RunningAsRoot {
			mode |= 0o200
		}
	}
	stagingFile, err := os.OpenFile(stage, os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("copyup: create staging file: %w", err)
	}
	defer func() {
		stagingFile.Close()
		if err != nil {
			os.Remove(stage)
		}
	}()

	if err = copyEncryptedContent(stagingFile, lowerFile, opt.Crypto); err != nil {
		return err
	}
	if err = unix.Fchown(int(stagingFile.Fd()), int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("copyup: fchown staging file: %w", err)
	}
	ts := [2]unix.Timespec{unix.NsecToTimespec(st.Atime.UnixNano()), unix.NsecToTimespec(st.Mtime.UnixNano())}
	if err = unix.Futimens(int(stagingFile.Fd()), &ts); err != nil {
		return fmt.Errorf("copyup: futimens staging file: %w", err)
	}

	if err = copyUserXattrs(src, upper, relPath, stage); err != nil {
		return err
	}
	if err = unix.Setxattr(stage, OriginXattr, []byte(relPath), 0); err != nil && !layer.IsNotSupported(err) {
		return fmt.Errorf("copyup: set origin xattr: %w", err)
	}

	if err = os.Rename(stage, filepath.Join(upper.Root(), relPath)); err != nil {
		return fmt.Errorf("copyup: rename staging file into place: %w", err)
	}
	removeDestinationWhiteout(upper, relPath)
	return nil
}

// copyEncryptedContent streams src into dst, reading one block at a
// time, encrypting it through ctx, and writing it to the staging file.
func copyEncryptedContent(dst *os.File, src io.Reader, ctx *crypto.FileContext) error {
	blockSize := ctx.BlockSize()
	buf := make([]byte, blockSize)
	var blockNumber uint64
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			cipherText, err := ctx.EncodeBlock(blockNumber, buf[:n])
			if err != nil {
				return fmt.Errorf("copyup: encode block %d: %w", blockNumber, err)
			}
			if _, err := dst.Write(cipherText); err != nil {
				return fmt.Errorf("copyup: write staging block %d: %w", blockNumber, err)
			}
			blockNumber++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("copyup: read lower block %d: %w", blockNumber, readErr)
		}
	}
}

// copyUserXattrs copies every non-reserved extended attribute from src
// to the staged path; reserved namespaces are skipped during copy-up.
func copyUserXattrs(src layer.Store, upper layer.Store, relPath, stagePath string) error {
	names, err := src.Listxattr(relPath)
	if err != nil {
		if layer.IsNotSupported(err) {
			return nil
		}
		return fmt.Errorf("copyup: listxattr %s: %w", relPath, err)
	}
	for _, name := range names {
		if resolve.IsReservedXattr(name) {
			continue
		}
		v, err := src.Getxattr(relPath, name)
		if err != nil {
			if layer.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("copyup: getxattr %s %s: %w", relPath, name, err)
		}
		if err := unix.Setxattr(stagePath, name, v, 0); err != nil && !layer.IsNotSupported(err) {
			return fmt.Errorf("copyup: setxattr %s %s: %w", stagePath, name, err)
		}
	}
	return nil
}

// CleanWorkDir removes every staging entry left in workDir, called once
// at startup before the first request is served. Staging names are
// UUIDs with no corresponding upper-layer entry by definition, so
// anything found here is leftover from a copy-up that never reached its
// final rename.
func CleanWorkDir(workDir string) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("copyup: read workdir %s: %w", workDir, err)
	}
	for _, e := range entries {
		full := filepath.Join(workDir, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("copyup: clean stale staging entry %s: %w", full, err)
		}
	}
	return nil
}
