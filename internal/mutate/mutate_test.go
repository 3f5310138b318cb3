package mutate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"golang.org/x/sys/unix"
)

func TestCreateWhiteoutDegradesToFileAfterDenial(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	var wc WhiteoutCapability
	wc.denied.Store(true)

	if err := wc.CreateWhiteout(upper, "/", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, ".wh.a")); err != nil {
		t.Fatalf("expected .wh.a fallback file: %v", err)
	}
}

func TestRemoveWhiteoutClearsWhiteoutFile(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, ".wh.a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RemoveWhiteout(upper, "/", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, ".wh.a")); !os.IsNotExist(err) {
		t.Error("expected .wh.a to be removed")
	}
}

func TestMkdirRemovesStaleWhiteout(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, ".wh.d"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Mkdir(upper, "/", "d", 0o755, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "d")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, ".wh.d")); !os.IsNotExist(err) {
		t.Error("expected stale whiteout to be removed by Mkdir")
	}
}

func TestUnlinkLeavesWhiteoutWhenVisibleInLower(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var wc WhiteoutCapability
	wc.denied.Store(true) // force the portable .wh. fallback in this sandboxed test
	if err := Unlink(upper, &wc, "/", "a", true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Error("expected upper file to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, ".wh.a")); err != nil {
		t.Fatalf("expected whiteout left behind: %v", err)
	}
}

func TestUnlinkNoWhiteoutWhenNotInLower(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var wc WhiteoutCapability
	if err := Unlink(upper, &wc, "/", "a", false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, ".wh.a")); !os.IsNotExist(err) {
		t.Error("expected no whiteout when the name has no lower-layer presence")
	}
}

func TestRenameDirectSimpleMove(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var wc WhiteoutCapability
	if err := RenameDirect(upper, &wc, "/", "a", "/", "b", false, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "b")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Error("expected source to be gone after rename")
	}
}

func TestSetattrOverrideStatWritesXattr(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	attrs := Attrs{SetMode: true, Mode: 0o640, SetOwner: true, Uid: 1000, Gid: 1000}
	if err := Setattr(upper, "a", attrs, OverrideStatUser); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := unix.Getxattr(filepath.Join(root, "a"), "user.containers.override_stat", buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "1000:1000:640" {
		t.Errorf("override_stat = %q, want 1000:1000:640", buf[:n])
	}

	ov, ok := ReadOverrideStat(upper, "a", OverrideStatUser)
	if !ok {
		t.Fatal("expected ReadOverrideStat to find the entry just written")
	}
	if ov.Uid != 1000 || ov.Gid != 1000 || ov.Mode != 0o640 {
		t.Errorf("ReadOverrideStat = %+v, want {1000 1000 0640}", ov)
	}
}

func TestSetattrModeOnlyPreservesExistingOverrideOwner(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	owned := Attrs{SetMode: true, Mode: 0o640, SetOwner: true, Uid: 1000, Gid: 2000}
	if err := Setattr(upper, "a", owned, OverrideStatUser); err != nil {
		t.Fatal(err)
	}

	chmodOnly := Attrs{SetMode: true, Mode: 0o600}
	if err := Setattr(upper, "a", chmodOnly, OverrideStatUser); err != nil {
		t.Fatal(err)
	}

	ov, ok := ReadOverrideStat(upper, "a", OverrideStatUser)
	if !ok {
		t.Fatal("expected override_stat entry to survive a mode-only Setattr")
	}
	if ov.Uid != 1000 || ov.Gid != 2000 {
		t.Errorf("ReadOverrideStat owner = %d:%d, want 1000:2000 (a mode-only chmod must not zero the recorded owner)", ov.Uid, ov.Gid)
	}
	if ov.Mode != 0o600 {
		t.Errorf("ReadOverrideStat mode = %o, want 0600", ov.Mode)
	}
}

func TestSetattrAppliesTimes(t *testing.T) {
	root := t.TempDir()
	upper := layer.New(root, 1, true)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(1700000000, 0)
	attrs := Attrs{SetTimes: true, Atime: mtime, Mtime: mtime}
	if err := Setattr(upper, "a", attrs, OverrideStatOff); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(root, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", info.ModTime(), mtime)
	}
}
