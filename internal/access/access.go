// Package access implements the caller access gate: accepting or
// rejecting a FUSE request based on the requesting process's position
// in the process tree and its PID namespace relative to this
// filesystem's own process.
//
// There is no off-the-shelf caller-identity check to ground this on —
// container-tooling codebases generally trust every caller in their
// mount namespace — so it is built directly on os-level /proc parsing,
// the same /proc/<pid>/stat ancestry-walk idiom used broadly across
// container tooling, justified in DESIGN.md as a standard-library
// choice with no suitable third-party substitute.
package access

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Gate holds the access policy state: the designated manager pid, the
// trusted short-name prefixes, and the sandbox-running flag toggled by
// SIGUSR1/SIGUSR2.
type Gate struct {
	selfPID          int
	managerPID       int
	trustedPrefixes  []string
	sandboxRunning   atomic.Bool
	mountPointParent string
}

// New builds a Gate for the running process. mountPointParent is the
// parent directory of the mount point, rejected outright by the
// self-recursive-mount check.
func New(managerPID int, trustedPrefixes []string, mountPointParent string) *Gate {
	return &Gate{
		selfPID:          os.Getpid(),
		managerPID:       managerPID,
		trustedPrefixes:  trustedPrefixes,
		mountPointParent: mountPointParent,
	}
}

// SetSandboxRunning implements the SIGUSR1/SIGUSR2 toggle.
func (g *Gate) SetSandboxRunning(running bool) { g.sandboxRunning.Store(running) }

// procStat is the subset of /proc/<pid>/stat fields ancestry walking
// needs: the process's short name (field 2, parenthesized) and its
// parent pid (field 4).
type procStat struct {
	comm string
	ppid int
}

func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	// comm is parenthesized and may itself contain spaces/parens, so
	// split on the last ')' rather than naively splitting on spaces.
	s := string(data)
	open := strings.IndexByte(s, '(')
	close := strings.LastIndexByte(s, ')')
	if open < 0 || close < 0 || close < open {
		return procStat{}, fmt.Errorf("access: malformed /proc/%d/stat", pid)
	}
	comm := s[open+1 : close]
	fields := strings.Fields(s[close+1:])
	if len(fields) < 2 {
		return procStat{}, fmt.Errorf("access: malformed /proc/%d/stat fields", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return procStat{}, fmt.Errorf("access: parse ppid: %w", err)
	}
	return procStat{comm: comm, ppid: ppid}, nil
}

// pidNamespaceID reads the /proc/<pid>/ns/pid symlink target, which
// encodes the namespace's inode number, to compare two pids'
// namespaces without CAP_SYS_ADMIN.
func pidNamespaceID(pid int) (string, error) {
	f, err := os.Readlink(fmt.Sprintf("/proc/%d/ns/pid", pid))
	if err != nil {
		return "", err
	}
	return f, nil
}

// Allow runs the full access decision: ancestry walk plus the
// PID-namespace/sandbox check for same-namespace callers that don't
// match a trusted ancestor.
func (g *Gate) Allow(callerPID int, requestedPath string) bool {
	if requestedPath != "" && requestedPath == g.mountPointParent {
		return false
	}
	if callerPID == 0 {
		return true // root of the filesystem, no caller context
	}

	pid := callerPID
	for depth := 0; depth < 256; depth++ {
		st, err := readProcStat(pid)
		if err != nil {
			break
		}
		switch {
		case st.comm == "init" || pid == 1:
			return false
		case st.comm == "kthreadd":
			return true
		case pid == g.managerPID:
			return true
		case hasTrustedPrefix(st.comm, g.trustedPrefixes):
			return true
		}
		if st.ppid == pid || st.ppid == 0 {
			break
		}
		pid = st.ppid
	}

	callerNS, errCaller := pidNamespaceID(callerPID)
	selfNS, errSelf := pidNamespaceID(g.selfPID)
	if errCaller == nil && errSelf == nil && callerNS == selfNS {
		// A same-namespace caller is rejected exactly when the sandbox
		// is actively running; outside the sandbox window it is let
		// through like any other in-namespace request.
		return !g.sandboxRunning.Load()
	}
	return true
}

func hasTrustedPrefix(comm string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(comm, p) {
			return true
		}
	}
	return false
}
