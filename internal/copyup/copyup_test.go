package copyup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jailboxfs/fuseoverlayfs/internal/crypto"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
)

func testCrypto(t *testing.T) *crypto.FileContext {
	t.Helper()
	cfg := crypto.DefaultConfig()
	key := crypto.DeriveKey(cfg, "pw")
	fc, err := crypto.NewFileContext(key, []byte("iv-seed"), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return fc
}

func TestFileCopiesEncryptedContent(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	workDir := t.TempDir()

	content := []byte("hello, overlay world")
	if err := os.WriteFile(filepath.Join(lowerRoot, "a"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)

	st, err := lower.Stat("a")
	if err != nil {
		t.Fatal(err)
	}

	fc := testCrypto(t)
	err = File(upper, lower, "a", st, FileOptions{WorkDir: workDir, Crypto: fc})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(upperRoot, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) == string(content) {
		t.Error("expected on-disk content to be encrypted, found plaintext")
	}

	decoded, _, err := fc.DecodeBlock(0, raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(content) {
		t.Errorf("decoded content = %q, want %q", decoded, content)
	}
}

func TestDirCreatesUpperDirectory(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	if err := os.Mkdir(filepath.Join(lowerRoot, "d"), 0o750); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)
	st, err := lower.Stat("d")
	if err != nil {
		t.Fatal(err)
	}

	if err := Dir(upper, lower, "d", st, false, false); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(upperRoot, "d"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Error("expected upper 'd' to be a directory")
	}
}

func TestDirModeOverrideForcesOpenMode(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	if err := os.Mkdir(filepath.Join(lowerRoot, "d"), 0o500); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)
	st, err := lower.Stat("d")
	if err != nil {
		t.Fatal(err)
	}

	if err := Dir(upper, lower, "d", st, true, false); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(upperRoot, "d"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 0755 with modeOverride set", info.Mode().Perm())
	}
}

func TestSymlinkCopiesTarget(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	if err := os.Symlink("/etc/passwd", filepath.Join(lowerRoot, "l")); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)

	if err := Symlink(upper, lower, "l"); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(upperRoot, "l"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "/etc/passwd" {
		t.Errorf("target = %q, want /etc/passwd", target)
	}
}

func TestFileRemovesStaleDestinationWhiteout(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	workDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(lowerRoot, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, ".wh.a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)
	st, err := lower.Stat("a")
	if err != nil {
		t.Fatal(err)
	}

	fc := testCrypto(t)
	if err := File(upper, lower, "a", st, FileOptions{WorkDir: workDir, Crypto: fc}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(upperRoot, ".wh.a")); !os.IsNotExist(err) {
		t.Error("expected stale whiteout to be removed after copy-up")
	}
}
