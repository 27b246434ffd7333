package listener

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/commmrade/gaimode/internal/optimizer"
	"github.com/commmrade/gaimode/internal/wire"
)

func startTestListener(t *testing.T) (string, <-chan optimizer.Command) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "gaimoded.sock")
	commands := make(chan optimizer.Command, 8)

	l := New(sockPath, commands, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = l.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return sockPath, commands
}

func TestOptimizeProcessFrameEmitsCommand(t *testing.T) {
	sockPath, commands := startTestListener(t)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.EncodePID(wire.KindOptimizeProcess, 4242)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-commands:
		if cmd.Kind != optimizer.CommandOptimizeProcess {
			t.Fatalf("kind = %v, want CommandOptimizeProcess", cmd.Kind)
		}
		if cmd.PID != 4242 {
			t.Fatalf("pid = %d, want 4242", cmd.PID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestResetAllFrameEmitsCommand(t *testing.T) {
	sockPath, commands := startTestListener(t)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.Encode(wire.Frame{Kind: wire.KindResetAll})); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-commands:
		if cmd.Kind != optimizer.CommandResetAll {
			t.Fatalf("kind = %v, want CommandResetAll", cmd.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestStatusFrameRoundTrips(t *testing.T) {
	sockPath, commands := startTestListener(t)

	// Serve the status query from a background goroutine emulating the
	// optimizer's own reply.
	go func() {
		cmd := <-commands
		if cmd.Kind != optimizer.CommandStatusQuery || cmd.Reply == nil {
			return
		}
		cmd.Reply <- optimizer.StatusSnapshot{
			IsOptimized:      true,
			TrackedPIDs:      3,
			GovernorPolicies: 1,
			EpisodeCount:     7,
		}
	}()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.Encode(wire.Frame{Kind: wire.KindStatus})); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	size := binary.BigEndian.Uint32(header)
	body := make([]byte, size)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.IsOptimized || resp.TrackedPIDs != 3 || resp.GovernorCount != 1 || resp.EpisodeCount != 7 {
		t.Fatalf("unexpected status response: %+v", resp)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
