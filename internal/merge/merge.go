// Package merge implements the directory merger: producing one merged
// listing across the layers a directory node spans, honoring
// whiteouts, opaque directories, and the configured hide-list.
//
// Grounded on internal/unionfs/dir.go's Readdir (per-source
// enumeration folded into one map, keyed by base name, with the
// writable layer's whiteout-prefixed entries deleting from the merged
// map), generalized from a fixed three-source merge (read-only lookup,
// read-only dirs, writable layer) to an arbitrary-depth layer stack
// walked top-down to the directory node's LastLayer, mirroring how
// internal/resolve computes that bound.
package merge

import (
	"path"

	"github.com/jailboxfs/fuseoverlayfs/internal/hidelist"
	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"github.com/jailboxfs/fuseoverlayfs/internal/resolve"
	"golang.org/x/sys/unix"
)

// Entry is one visible merged directory entry.
type Entry struct {
	Name  string
	IsDir bool
	Mode  uint32
}

// LoadDir walks each layer from top down to dirNode.LastLayer,
// enumerating entries and merging them into the result, respecting
// whiteouts, opaque early-stop, and (for lower layers only) the
// hide-list.
func LoadDir(stack resolve.Stack, hide *hidelist.List, dirNode *node.Data) ([]Entry, error) {
	merged := make(map[string]Entry)
	tombstoned := make(map[string]bool)

	layers := topDown(stack)

	for _, l := range layers {
		entries, err := l.Readdir(dirNode.Path)
		if err != nil {
			if layer.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		opaqueHere := false
		for _, de := range entries {
			name := de.Name()
			if name == "." || name == ".." {
				continue
			}
			if name == resolve.OpaqueSentinel {
				opaqueHere = true
				continue
			}

			relPath := path.Join(dirNode.Path, name)
			st, err := l.Stat(relPath)
			if err != nil {
				continue
			}

			if isWhiteoutDevice(st) {
				tombstoned[name] = true
				delete(merged, name)
				continue
			}
			if len(name) > len(resolve.WhiteoutPrefix) && hasPrefix(name, resolve.WhiteoutPrefix) {
				original := name[len(resolve.WhiteoutPrefix):]
				tombstoned[original] = true
				delete(merged, original)
				continue
			}

			if tombstoned[name] {
				continue
			}
			if _, exists := merged[name]; exists {
				continue
			}
			if !l.Upper() && hide.Hidden(relPath) {
				continue
			}
			merged[name] = Entry{Name: name, IsDir: st.IsDir(), Mode: st.Mode}
		}

		if v, err := l.Getxattr(dirNode.Path, resolve.OpaqueXattr); err == nil && string(v) == "y" {
			opaqueHere = true
		} else if v, err := l.Getxattr(dirNode.Path, resolve.OpaqueXattrFallback); err == nil && string(v) == "y" {
			opaqueHere = true
		}
		if opaqueHere || l.Position() == dirNode.LastLayer {
			break
		}
	}

	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	return out, nil
}

func topDown(stack resolve.Stack) []layer.Store {
	out := make([]layer.Store, len(stack.Layers))
	for i, l := range stack.Layers {
		out[len(stack.Layers)-1-i] = l
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func isWhiteoutDevice(st layer.Stat) bool {
	return st.Mode&unix.S_IFMT == unix.S_IFCHR && unix.Major(st.Rdev) == 0 && unix.Minor(st.Rdev) == 0
}
