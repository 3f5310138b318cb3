package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jailboxfs/fuseoverlayfs/internal/hidelist"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
)

func byName(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

func TestLoadDirMergesAcrossLayersAndAppliesWhiteout(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	if err := os.Mkdir(filepath.Join(lowerRoot, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(upperRoot, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(lowerRoot, "d", name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(upperRoot, "d", resolve.WhiteoutPrefix+"a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, "d", "c"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)
	stack := resolve.Stack{Layers: []layer.Store{lower, upper}, HasUpper: true}

	dirNode := &node.Data{Path: "/d", IsDir: true, OriginLayer: 1, LastLayer: 0}
	entries, err := LoadDir(stack, &hidelist.List{}, dirNode)
	if err != nil {
		t.Fatal(err)
	}
	m := byName(entries)
	if _, ok := m["a"]; ok {
		t.Error("expected 'a' to be hidden by whiteout")
	}
	if _, ok := m["b"]; !ok {
		t.Error("expected 'b' to be visible from lower layer")
	}
	if _, ok := m["c"]; !ok {
		t.Error("expected 'c' to be visible from upper layer")
	}
}

func TestLoadDirStopsAtOpaqueLayer(t *testing.T) {
	lowerRoot := t.TempDir()
	upperRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(lowerRoot, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lowerRoot, "d", "hidden-by-opaque"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(upperRoot, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, "d", resolve.OpaqueSentinel), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upperRoot, "d", "visible"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	upper := layer.New(upperRoot, 1, true)
	stack := resolve.Stack{Layers: []layer.Store{lower, upper}, HasUpper: true}

	dirNode := &node.Data{Path: "/d", IsDir: true, OriginLayer: 1, LastLayer: 1, Opaque: true}
	entries, err := LoadDir(stack, &hidelist.List{}, dirNode)
	if err != nil {
		t.Fatal(err)
	}
	m := byName(entries)
	if _, ok := m["hidden-by-opaque"]; ok {
		t.Error("expected lower-layer entry to be hidden by opaque directory")
	}
	if _, ok := m["visible"]; !ok {
		t.Error("expected upper-layer entry to remain visible")
	}
}

func TestLoadDirAppliesHideListToLowerOnly(t *testing.T) {
	lowerRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(lowerRoot, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lowerRoot, "d", "secret"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	lower := layer.New(lowerRoot, 0, false)
	stack := resolve.Stack{Layers: []layer.Store{lower}}

	hl, err := hidelist.Load(mustWriteHideConfig(t, "blacklist d/secret\n"))
	if err != nil {
		t.Fatal(err)
	}

	dirNode := &node.Data{Path: "/d", IsDir: true, OriginLayer: 0, LastLayer: 0}
	entries, err := LoadDir(stack, hl, dirNode)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected hide-listed entry to be filtered, got %+v", entries)
	}
}

func mustWriteHideConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "profile.config")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}
