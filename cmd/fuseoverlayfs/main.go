package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	fuseoverlayfs "github.com/jailboxfs/fuseoverlayfs"
	"github.com/spf13/cobra"
)

// defaultHideListPath is the config file read at startup when
// --hide-list is not given.
const defaultHideListPath = "/home/jailbox/profile.config"

// parentPollInterval is how often the watchdog checks for its parent's
// disappearance.
const parentPollInterval = 2 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fuseoverlayfs mountpoint",
	Short: "mounts a layered overlay filesystem in userspace",
	RunE:  rootCmdRunE,
	Args:  cobra.ExactArgs(1),
}

type rootCmdFlags struct {
	Options         string
	ManagerPID      int
	TrustedPrefixes []string
	HideList        string
	ContentPassword string
}

var rootFlags = &rootCmdFlags{}

func main() {
	initLogging()

	rootCmd.Flags().StringVarP(&rootFlags.Options, "options", "o", "", "comma-separated lowerdir=/upperdir=/workdir=... mount options")
	rootCmd.Flags().IntVar(&rootFlags.ManagerPID, "manager-pid", 0, "pid of the trusted managing process")
	rootCmd.Flags().StringSliceVar(&rootFlags.TrustedPrefixes, "trusted-prefix", nil, "process name prefixes always allowed access")
	rootCmd.Flags().StringVar(&rootFlags.HideList, "hide-list", defaultHideListPath, "path to the hide-list config file")
	rootCmd.Flags().StringVar(&rootFlags.ContentPassword, "content-password", "", "password the upper layer's content key is derived from")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("failed to execute", "error", err)
		os.Exit(1)
	}
}

func rootCmdRunE(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	cfg, err := fuseoverlayfs.FromMountOptions(rootFlags.Options, rootFlags.ManagerPID, rootFlags.TrustedPrefixes, rootFlags.ContentPassword)
	if err != nil {
		return err
	}

	var opts []fuseoverlayfs.Option
	if rootFlags.HideList != "" {
		opts = append(opts, fuseoverlayfs.WithHideList(rootFlags.HideList))
	}

	ovl, err := fuseoverlayfs.New(cfg, opts...)
	if err != nil {
		return err
	}

	mounted, err := ovl.Mount(mountPoint)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	go handleSignals(ovl, mounted)
	go watchParent(mounted)

	mounted.Wait()
	return nil
}

// watchParent unmounts the filesystem once the process that launched
// it exits, noticed by the kernel reparenting this process to init.
func watchParent(mounted *fuseoverlayfs.Mounted) {
	parent := os.Getppid()
	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if os.Getppid() != parent {
			slog.Info("parent process gone, unmounting")
			if err := mounted.Unmount(); err != nil {
				slog.Error("unmount failed", "error", err)
			}
			return
		}
	}
}

// handleSignals wires SIGTERM into a clean unmount, and SIGUSR1/SIGUSR2
// into the access gate's sandbox-running toggle: SIGUSR2 marks the
// sandbox as actively running (same-namespace callers outside the
// trusted ancestry are rejected while it holds), SIGUSR1 clears it and
// dumps the current inode/node counts for diagnostics.
func handleSignals(ovl *fuseoverlayfs.Overlay, mounted *fuseoverlayfs.Mounted) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	for sig := range c {
		switch sig {
		case syscall.SIGUSR2:
			ovl.AccessGate().SetSandboxRunning(true)
		case syscall.SIGUSR1:
			ovl.AccessGate().SetSandboxRunning(false)
			inodes, nodes := ovl.InodeStats()
			slog.Info("status", "inodes", inodes, "nodes", nodes)
		default:
			if err := mounted.Unmount(); err != nil {
				slog.Error("unmount failed", "error", err)
				continue
			}
			return
		}
	}
}

// initLogging configures the global slog logger based on
// OVERLAYFS_LOG_LEVEL, defaulting to logging only errors.
func initLogging() {
	logLevel := slog.LevelError
	switch strings.ToLower(os.Getenv("OVERLAYFS_LOG_LEVEL")) {
	case "info":
		logLevel = slog.LevelInfo
	case "debug":
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}
