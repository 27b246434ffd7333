// Package service — service.go
//
// Process lifecycle plumbing for gaimoded: daemonization, the Unix
// domain socket path, and the background optimizer tick loop that
// drives an *optimizer.Optimizer from its command channel.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/commmrade/gaimode/internal/optimizer"
)

// SocketFilename is the Unix domain socket's filename under the
// system temp directory.
const SocketFilename = "gaimoded_sock"

// tickInterval is how often the optimizer tick loop drains its command
// channel and runs a dead-PID sweep, even with no new commands queued.
const tickInterval = 500 * time.Millisecond

// SocketPath returns the full path to the command socket, always under
// the system temp directory. The daemon and client may run under
// different environments (systemd unit vs. session/cron/sudo shell),
// so the socket location intentionally does not depend on a variable
// like XDG_RUNTIME_DIR that isn't guaranteed to agree between them.
func SocketPath() string {
	return filepath.Join(os.TempDir(), SocketFilename)
}

// Daemonize detaches gaimoded from its controlling terminal. The Go
// runtime's threads make a raw fork(2) unsafe, so this re-execs the
// current binary with --forked appended, in a new session with stdio
// redirected to /dev/null, and exits 0 immediately afterward. The
// re-exec'd process sees --forked on os.Args and skips this step,
// continuing as the actual daemon.
func Daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("service: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	args := append(append([]string{}, os.Args[1:]...), "--forked")
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("service: daemonize re-exec failed: %w", err)
	}
	os.Exit(0)
	return nil // unreachable
}

// RunOptimizerLoop repeatedly calls opt.Process(commands) on a fixed
// tick until stop is closed, then runs one final GracefulShutdown.
// Meant to be run in its own goroutine from the daemon's main.
func RunOptimizerLoop(opt *optimizer.Optimizer, commands chan optimizer.Command, stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			opt.GracefulShutdown()
			return
		case <-ticker.C:
			opt.Process(commands)
		}
	}
}
