package access

import (
	"os"
	"testing"
)

func TestAllowAcceptsRootOfFilesystem(t *testing.T) {
	g := New(0, nil, "/mnt/parent")
	if !g.Allow(0, "/mnt/overlay") {
		t.Error("expected root-of-filesystem request (callerPID 0) to be allowed")
	}
}

func TestAllowRejectsSelfRecursiveMount(t *testing.T) {
	g := New(0, nil, "/mnt/parent")
	if g.Allow(os.Getpid(), "/mnt/parent") {
		t.Error("expected a request targeting the mount point's parent to be rejected")
	}
}

func TestAllowAcceptsDesignatedManagerPID(t *testing.T) {
	g := New(os.Getpid(), nil, "/mnt/parent")
	if !g.Allow(os.Getpid(), "/mnt/overlay/x") {
		t.Error("expected the manager pid's own request to be allowed")
	}
}

func TestSandboxRunningRejectsSameNamespaceNonManagerCaller(t *testing.T) {
	if _, err := os.Readlink("/proc/self/ns/pid"); err != nil {
		t.Skip("no /proc/<pid>/ns/pid on this system")
	}
	// The test process itself is neither a trusted ancestor nor the
	// manager, so once the sandbox flag is set it should be rejected
	// for sharing this process's own PID namespace.
	g := New(-1, nil, "/mnt/parent")
	g.SetSandboxRunning(true)
	if g.Allow(os.Getpid(), "/mnt/overlay/x") {
		t.Error("expected same-namespace caller to be rejected while sandbox is running")
	}
}
