package fuseoverlayfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jailboxfs/fuseoverlayfs/internal/idmap"
	"github.com/jailboxfs/fuseoverlayfs/internal/mountopts"
)

// Config is the fully resolved set of parameters a mount is built
// from, assembled from a parsed mountopts.Options plus the handful of
// settings that only make sense as Go-level Options (the manager pid,
// trusted process prefixes, the content-encryption password).
type Config struct {
	LowerDirs []string
	UpperDir  string
	WorkDir   string

	UIDMap *idmap.Map
	GIDMap *idmap.Map

	Timeout   float64
	Threaded  bool
	Fsync     bool
	FastIno   bool
	Writeback bool
	NoXattrs  bool
	Plugins   []string

	XattrPermissions int
	StaticNlink      bool
	SELinuxContext   string

	HideListPath string

	ManagerPID      int
	TrustedPrefixes []string

	ContentPassword string
}

// FromMountOptions builds a Config from a parsed -o option string,
// applying squash overrides to the identity map it assembles from the
// uidmapping/gidmapping ranges.
func FromMountOptions(optString string, managerPID int, trustedPrefixes []string, contentPassword string) (Config, error) {
	opt, err := mountopts.Parse(optString)
	if err != nil {
		return Config{}, err
	}

	// Out-of-range ids map to the host's overflow uid/gid, or to 65534
	// when /proc does not report them.
	overflow := [2]uint32{65534, 65534}
	for i, p := range []string{"/proc/sys/kernel/overflowuid", "/proc/sys/kernel/overflowgid"} {
		if b, err := os.ReadFile(p); err == nil {
			if v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32); err == nil {
				overflow[i] = uint32(v)
			}
		}
	}

	uidMap := idmap.New(opt.UidMappings, overflow[0])
	if opt.SquashToRoot {
		uidMap = uidMap.WithSquashRoot()
	} else if opt.SquashToUid != nil {
		uidMap = uidMap.WithSquashID(*opt.SquashToUid)
	}

	gidMap := idmap.New(opt.GidMappings, overflow[1])
	if opt.SquashToRoot {
		gidMap = gidMap.WithSquashRoot()
	} else if opt.SquashToGid != nil {
		gidMap = gidMap.WithSquashID(*opt.SquashToGid)
	}

	cfg := Config{
		LowerDirs:        opt.LowerDirs,
		UpperDir:         opt.UpperDir,
		WorkDir:          opt.WorkDir,
		UIDMap:           uidMap,
		GIDMap:           gidMap,
		Timeout:          opt.Timeout,
		Threaded:         opt.Threaded,
		Fsync:            opt.Fsync,
		FastIno:          opt.FastIno,
		Writeback:        opt.Writeback,
		NoXattrs:         opt.NoXattrs,
		Plugins:          opt.Plugins,
		XattrPermissions: opt.XattrPermissions,
		StaticNlink:      opt.StaticNlink,
		SELinuxContext:   opt.Context,
		ManagerPID:       managerPID,
		TrustedPrefixes:  trustedPrefixes,
		ContentPassword:  contentPassword,
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.LowerDirs) == 0 {
		return fmt.Errorf("fuseoverlayfs: at least one lowerdir is required")
	}
	for _, d := range c.LowerDirs {
		if !filepath.IsAbs(d) {
			return fmt.Errorf("fuseoverlayfs: lowerdir %q must be absolute", d)
		}
	}
	if c.UpperDir != "" && c.WorkDir == "" {
		return fmt.Errorf("fuseoverlayfs: workdir is required when upperdir is set")
	}
	return nil
}
