package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
)

func mkLayer(t *testing.T, pos layer.Position, upper bool) (layer.Store, string) {
	t.Helper()
	root := t.TempDir()
	return layer.New(root, pos, upper), root
}

func TestLookupRejectsWhiteoutName(t *testing.T) {
	l, _ := mkLayer(t, 0, false)
	stack := Stack{Layers: []layer.Store{l}}
	if _, err := Lookup(stack, "/", 0, ".wh.foo"); err != ErrReservedName {
		t.Fatalf("Lookup(.wh.foo) err = %v, want ErrReservedName", err)
	}
}

func TestLookupFindsUpperOverLower(t *testing.T) {
	lower, lowerRoot := mkLayer(t, 0, false)
	upper, upperRoot := mkLayer(t, 1, true)
	if err := os.WriteFile(filepath.Join(lowerRoot, "a"), []byte("lower"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, "a"), []byte("upper"), 0o644); err != nil {
		t.Fatal(err)
	}
	stack := Stack{Layers: []layer.Store{lower, upper}, HasUpper: true}

	d, err := Lookup(stack, "/", 0, "a")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.OriginLayer != 1 {
		t.Fatalf("Lookup found origin %+v, want upper layer", d)
	}
}

func TestLookupHonorsWhiteout(t *testing.T) {
	lower, lowerRoot := mkLayer(t, 0, false)
	upper, upperRoot := mkLayer(t, 1, true)
	if err := os.WriteFile(filepath.Join(lowerRoot, "a"), []byte("lower"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, WhiteoutPrefix+"a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	stack := Stack{Layers: []layer.Store{lower, upper}, HasUpper: true}

	d, err := Lookup(stack, "/", 0, "a")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || !d.Whiteout {
		t.Fatalf("Lookup = %+v, want whiteout node", d)
	}
}

func TestLookupMissingReturnsNilNode(t *testing.T) {
	l, _ := mkLayer(t, 0, false)
	stack := Stack{Layers: []layer.Store{l}}
	d, err := Lookup(stack, "/", 0, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("Lookup(missing) = %+v, want nil", d)
	}
}
