// Package resolve implements the name resolver: given a parent node
// and a name, locate the effective entry across the layer stack,
// honoring whiteouts and opaque directories.
//
// Grounded on internal/unionfs/dir.go's Lookup (writable layer first,
// then whiteout check, then read-only layers, in that precedence
// order), generalized from a fixed two-tier writable/read-only split
// to an arbitrary-depth layer stack walked top down on every lookup.
package resolve

import (
	"errors"
	"path"
	"strings"

	"github.com/jailboxfs/fuseoverlayfs/internal/layer"
	"github.com/jailboxfs/fuseoverlayfs/internal/node"
	"golang.org/x/sys/unix"
)

// WhiteoutPrefix marks a reserved name as a whiteout sibling.
const WhiteoutPrefix = ".wh."

// OpaqueXattr and its legacy fallback name the extended attribute used
// to mark a directory opaque.
const (
	OpaqueXattr         = "trusted.overlay.opaque"
	OpaqueXattrFallback = "user.fuseoverlayfs.opaque"
	OpaqueSentinel      = ".wh..wh..opq"
)

// ErrReservedName is returned for lookups of a name carrying the
// whiteout prefix, which must never resolve to a real entry.
var ErrReservedName = errors.New("resolve: reserved whiteout name")

// reservedXattrPrefixes are the namespaces hidden from callers
// entirely: listxattr strips them, getxattr/setxattr/removexattr
// reject them, and copy-up skips them.
var reservedXattrPrefixes = []string{"user.fuseoverlayfs.", "trusted.overlay."}

// IsReservedXattr reports whether name falls in a namespace reserved
// for the overlay's own bookkeeping attributes.
func IsReservedXattr(name string) bool {
	for _, p := range reservedXattrPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Stack is the ordered layer set a lookup walks, highest Position last.
type Stack struct {
	Layers   []layer.Store
	HasUpper bool
}

// Upper returns the writable layer, or nil if none is configured.
func (s Stack) Upper() layer.Store {
	if !s.HasUpper || len(s.Layers) == 0 {
		return nil
	}
	return s.Layers[len(s.Layers)-1]
}

// topDown returns the layers in walk order: upper first (if present),
// then lowers from most-recently-pushed to least.
func (s Stack) topDown() []layer.Store {
	out := make([]layer.Store, len(s.Layers))
	for i, l := range s.Layers {
		out[len(s.Layers)-1-i] = l
	}
	return out
}

// Lookup resolves name under parentPath across the layer stack. Empty
// names and the go-fuse child cache are handled by the caller; this
// package stays agnostic of that cache.
func Lookup(stack Stack, parentPath string, parentLastLayer layer.Position, name string) (*node.Data, error) {
	if strings.HasPrefix(name, WhiteoutPrefix) {
		return nil, ErrReservedName
	}

	childPath := path.Join(parentPath, name)
	var result *node.Data

	for _, l := range stack.topDown() {
		st, err := l.Stat(childPath)
		switch {
		case err == nil:
			isDir := st.IsDir()
			isWhiteout := isWhiteoutDevice(st)

			if result == nil {
				if isWhiteout {
					return &node.Data{
						Name: name, Path: childPath,
						Whiteout: true, OriginLayer: l.Position(), LastLayer: l.Position(),
					}, nil
				}
				result = &node.Data{
					Name:        name,
					Path:        childPath,
					IsDir:       isDir,
					IsLink:      st.Mode&unix.S_IFMT == unix.S_IFLNK,
					OriginLayer: l.Position(),
					LastLayer:   l.Position(),
					RawIno:      st.Ino,
					RawDev:      st.Dev,
				}
				if !isDir {
					// Non-directory content never merges across
					// layers: the topmost match is authoritative and
					// nothing below it is consulted.
					return result, nil
				}
				if opaque, err := isOpaque(l, childPath); err == nil && opaque {
					result.Opaque = true
					return result, nil
				}
			} else {
				if isWhiteout || isDir != result.IsDir {
					// A whiteout, or a type-mismatched entry, masks
					// everything below it for a directory that is
					// still being merged.
					return result, nil
				}
				result.LastLayer = l.Position()
				if opaque, err := isOpaque(l, childPath); err == nil && opaque {
					result.Opaque = true
					return result, nil
				}
			}

		case layer.IsNotExist(err):
			if hasWhiteoutSibling(l, parentPath, name) {
				if result != nil {
					// A directory that was being merged is masked by
					// a whiteout at a deeper layer; stop here but keep
					// what was already merged above it.
					return result, nil
				}
				return &node.Data{
					Name: name, Path: childPath,
					Whiteout: true, OriginLayer: l.Position(), LastLayer: l.Position(),
				}, nil
			}

		default:
			return nil, err
		}

		if l.Position() == parentLastLayer {
			break
		}
	}

	return result, nil
}

func isWhiteoutDevice(st layer.Stat) bool {
	return st.Mode&unix.S_IFMT == unix.S_IFCHR && unix.Major(st.Rdev) == 0 && unix.Minor(st.Rdev) == 0
}

func hasWhiteoutSibling(l layer.Store, parentPath, name string) bool {
	return l.Exists(path.Join(parentPath, WhiteoutPrefix+name))
}

func isOpaque(l layer.Store, dirPath string) (bool, error) {
	if v, err := l.Getxattr(dirPath, OpaqueXattr); err == nil && string(v) == "y" {
		return true, nil
	}
	if v, err := l.Getxattr(dirPath, OpaqueXattrFallback); err == nil && string(v) == "y" {
		return true, nil
	}
	if l.Exists(path.Join(dirPath, OpaqueSentinel)) {
		return true, nil
	}
	return false, nil
}
