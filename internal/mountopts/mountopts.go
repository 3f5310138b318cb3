// Package mountopts parses the comma-separated `-o key=value` mount
// option string into a typed Options struct.
//
// Grounded on cmd/ocifs/main.go's cobra flag definitions for the
// general shape of "one exported struct field per mount option, parsed
// once at startup and threaded through the rest of the program",
// adapted from a flag-per-option model to the single comma-separated
// `-o` string overlay filesystems conventionally accept.
package mountopts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jailboxfs/fuseoverlayfs/internal/idmap"
)

// Options is the fully parsed and validated set of mount options.
type Options struct {
	LowerDirs []string
	UpperDir  string
	WorkDir   string

	UidMappings []idmap.Range
	GidMappings []idmap.Range

	Timeout    float64
	Threaded   bool
	Fsync      bool
	FastIno    bool
	Writeback  bool
	NoXattrs   bool
	Plugins    []string

	XattrPermissions int // 0 disabled, 1 privileged, 2 user

	SquashToRoot bool
	SquashToUid  *uint32
	SquashToGid  *uint32

	StaticNlink bool
	Context     string
}

// defaults mirror the "all optional except lowerdir" and
// fsync-on-by-default / threaded-off-by-default conventions overlay
// filesystems use.
func defaults() Options {
	return Options{
		Fsync: true,
	}
}

// Parse parses a `-o` option string (e.g.
// "lowerdir=/a:/b,upperdir=/u,workdir=/w,squash_to_uid=1000") into
// Options.
func Parse(optString string) (Options, error) {
	opt := defaults()
	if optString == "" {
		return opt, fmt.Errorf("mountopts: lowerdir is required")
	}

	for _, kv := range strings.Split(optString, ",") {
		if kv == "" {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		var err error
		switch key {
		case "lowerdir":
			opt.LowerDirs = strings.Split(value, ":")
		case "upperdir":
			opt.UpperDir = value
		case "workdir":
			opt.WorkDir = value
		case "redirect_dir":
			if value != "off" {
				return opt, fmt.Errorf("mountopts: redirect_dir only accepts \"off\"")
			}
		case "uidmapping":
			opt.UidMappings, err = parseMappingRanges(value)
		case "gidmapping":
			opt.GidMappings, err = parseMappingRanges(value)
		case "timeout":
			opt.Timeout, err = strconv.ParseFloat(value, 64)
		case "threaded":
			opt.Threaded, err = parseBoolFlag(value)
		case "fsync":
			opt.Fsync, err = parseBoolFlag(value)
		case "fast_ino":
			opt.FastIno, err = parseBoolFlag(value)
		case "writeback":
			opt.Writeback, err = parseBoolFlag(value)
		case "noxattrs":
			opt.NoXattrs, err = parseBoolFlag(value)
		case "plugins":
			opt.Plugins = strings.Split(value, ":")
		case "xattr_permissions":
			var n int
			n, err = strconv.Atoi(value)
			if err == nil && (n < 0 || n > 2) {
				err = fmt.Errorf("must be 0, 1, or 2")
			}
			opt.XattrPermissions = n
		case "squash_to_root":
			opt.SquashToRoot = true
		case "squash_to_uid":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 32)
			u := uint32(n)
			opt.SquashToUid = &u
		case "squash_to_gid":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 32)
			g := uint32(n)
			opt.SquashToGid = &g
		case "static_nlink":
			opt.StaticNlink = true
		case "volatile":
			opt.Fsync = false
		case "context":
			opt.Context = value
		default:
			return opt, fmt.Errorf("mountopts: unknown option %q", key)
		}
		if err != nil {
			return opt, fmt.Errorf("mountopts: option %q: %w", key, err)
		}
	}

	if len(opt.LowerDirs) == 0 || opt.LowerDirs[0] == "" {
		return opt, fmt.Errorf("mountopts: lowerdir is required")
	}
	if opt.UpperDir != "" && opt.WorkDir == "" {
		return opt, fmt.Errorf("mountopts: workdir is required when upperdir is set")
	}
	return opt, nil
}

func parseBoolFlag(value string) (bool, error) {
	switch value {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("must be 0 or 1")
	}
}

// parseMappingRanges parses "h:p:l[:h:p:l…]" into idmap.Range triples,
// the uidmapping/gidmapping option syntax.
func parseMappingRanges(value string) ([]idmap.Range, error) {
	fields := strings.Split(value, ":")
	if len(fields)%3 != 0 || len(fields) == 0 {
		return nil, fmt.Errorf("must be h:p:l[:h:p:l…]")
	}
	ranges := make([]idmap.Range, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		host, err := strconv.ParseUint(fields[i], 10, 32)
		if err != nil {
			return nil, err
		}
		presented, err := strconv.ParseUint(fields[i+1], 10, 32)
		if err != nil {
			return nil, err
		}
		length, err := strconv.ParseUint(fields[i+2], 10, 32)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, idmap.Range{
			HostBase:      uint32(host),
			PresentedBase: uint32(presented),
			Length:        uint32(length),
		})
	}
	return ranges, nil
}
