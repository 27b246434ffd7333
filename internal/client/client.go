// Package client — client.go
//
// The gaimode CLI's logic: launching a workload under the optimizer,
// sending reset/status commands over the command socket, and making
// sure gaimoded is actually running before any of that happens.
package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/commmrade/gaimode/internal/wire"
)

// DialTimeout bounds how long connecting to the command socket may
// take before giving up.
const DialTimeout = 2 * time.Second

// StatusResponse mirrors the listener's JSON status payload.
type StatusResponse struct {
	IsOptimized   bool `json:"is_optimized"`
	TrackedPIDs   int  `json:"tracked_pids"`
	GovernorCount int  `json:"governor_count"`
	EpisodeCount  int  `json:"episode_count"`
}

// Run starts name with args under the optimizer: it forks and execs
// the target, sends OptimizeProcess for the child's PID, then waits
// for the child to exit and sends ResetProcess so the daemon reverts
// its tunings even if the child never trips the dead-PID sweep.
func Run(socketPath, name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("client: failed to start %q: %w", name, err)
	}
	pid := cmd.Process.Pid

	if err := SendPIDCommand(socketPath, wire.KindOptimizeProcess, pid); err != nil {
		fmt.Fprintf(os.Stderr, "gaimode: warning: failed to notify gaimoded: %v\n", err)
	}

	waitErr := cmd.Wait()

	if err := SendPIDCommand(socketPath, wire.KindResetProcess, pid); err != nil {
		fmt.Fprintf(os.Stderr, "gaimode: warning: failed to request reset: %v\n", err)
	}

	return waitErr
}

// SendPIDCommand sends a PID-carrying frame and does not wait for a
// response — OptimizeProcess/ResetProcess/ResetAll are fire-and-forget
// from the client's point of view.
func SendPIDCommand(socketPath string, kind wire.Kind, pid int) error {
	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %q: %w", socketPath, err)
	}
	defer conn.Close()

	_, err = conn.Write(wire.EncodePID(kind, int32(pid)))
	if err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}

// SendResetAll requests the daemon revert every tracked process.
func SendResetAll(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %q: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.Encode(wire.Frame{Kind: wire.KindResetAll})); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}

// QueryStatus asks gaimoded for its current state and waits for the
// length-prefixed JSON reply.
func QueryStatus(socketPath string) (StatusResponse, error) {
	var resp StatusResponse

	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return resp, fmt.Errorf("client: dial %q: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.Encode(wire.Frame{Kind: wire.KindStatus})); err != nil {
		return resp, fmt.Errorf("client: write frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(DialTimeout))
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return resp, fmt.Errorf("client: read response header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return resp, fmt.Errorf("client: read response body: %w", err)
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("client: decode status response: %w", err)
	}
	return resp, nil
}
