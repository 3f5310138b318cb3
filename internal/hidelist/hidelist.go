// Package hidelist implements the hide-list: a set of glob patterns,
// loaded once from a configuration file, that the directory merger
// consults to hide lower-layer paths regardless of which lower layer
// contributes them.
//
// Grounded on other_examples' WhiteoutCache
// (93306643_riverlytech-art__pkg-overlay-whiteout.go.go) for the
// path-component-at-a-time traversal idiom, adapted from an exact-path
// trie to glob matching since these entries are path patterns, not
// exact paths.
package hidelist

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"
)

// List is the merged whitelist-minus-notwhitelist-minus-blacklist set:
// `(blacklist) minus ((whitelist) minus (nowhitelist))`.
type List struct {
	whitelist   []string
	nowhitelist []string
	blacklist   []string
}

// Hidden reports whether relPath (slash-separated, relative to a lower
// layer's root) should be hidden from directory listings.
func (l *List) Hidden(relPath string) bool {
	if l == nil {
		return false
	}
	if !matchAny(l.blacklist, relPath) {
		return false
	}
	whitelisted := matchAny(l.whitelist, relPath) && !matchAny(l.nowhitelist, relPath)
	return !whitelisted
}

func matchAny(globs []string, relPath string) bool {
	clean := strings.TrimPrefix(relPath, "/")
	for _, g := range globs {
		g = strings.TrimPrefix(g, "/")
		// A glob also covers everything beneath a directory it matches,
		// so "blacklist var/cache" hides "var/cache/apt" and
		// "blacklist tmp/*" hides "tmp/keep/secret".
		for p := clean; ; {
			if ok, _ := path.Match(g, p); ok {
				return true
			}
			i := strings.LastIndexByte(p, '/')
			if i < 0 {
				break
			}
			p = p[:i]
		}
	}
	return false
}

// Load reads a profile configuration file: lines `whitelist <glob>`,
// `nowhitelist <glob>`, `blacklist <glob>`, blank lines and
// `#`-comments ignored. A missing file yields an empty (nothing
// hidden) List.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{}, nil
		}
		return nil, err
	}
	defer f.Close()

	l := &List{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		directive := fields[0]
		pattern := expandHome(strings.TrimSpace(fields[1]))
		switch directive {
		case "whitelist":
			l.whitelist = append(l.whitelist, pattern)
		case "nowhitelist":
			l.nowhitelist = append(l.nowhitelist, pattern)
		case "blacklist":
			l.blacklist = append(l.blacklist, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// expandHome expands a leading ${HOME} or ~ to the home directory of
// the user identified by the PKEXEC_UID environment variable.
func expandHome(pattern string) string {
	var prefix string
	switch {
	case strings.HasPrefix(pattern, "${HOME}"):
		prefix = "${HOME}"
	case strings.HasPrefix(pattern, "~"):
		prefix = "~"
	default:
		return pattern
	}

	home, err := pkexecHome()
	if err != nil {
		return pattern
	}
	return home + strings.TrimPrefix(pattern, prefix)
}

func pkexecHome() (string, error) {
	uidStr := os.Getenv("PKEXEC_UID")
	if uidStr == "" {
		return "", fmt.Errorf("hidelist: PKEXEC_UID not set")
	}
	if _, err := strconv.Atoi(uidStr); err != nil {
		return "", fmt.Errorf("hidelist: invalid PKEXEC_UID %q: %w", uidStr, err)
	}
	u, err := user.LookupId(uidStr)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}
