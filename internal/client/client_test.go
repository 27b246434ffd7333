package client

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/commmrade/gaimode/internal/wire"
)

func startFakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "fake.sock")
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	return sockPath
}

func TestSendPIDCommandWritesExpectedFrame(t *testing.T) {
	received := make(chan wire.Frame, 1)
	sockPath := startFakeServer(t, func(conn net.Conn) {
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header)
		rest := make([]byte, size-4)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		f, err := wire.Decode(append(header, rest...))
		if err != nil {
			return
		}
		received <- f
	})

	if err := SendPIDCommand(sockPath, wire.KindOptimizeProcess, 555); err != nil {
		t.Fatalf("SendPIDCommand: %v", err)
	}

	select {
	case f := <-received:
		if f.Kind != wire.KindOptimizeProcess {
			t.Fatalf("kind = %v, want KindOptimizeProcess", f.Kind)
		}
		pid, err := wire.DecodePID(f)
		if err != nil {
			t.Fatalf("DecodePID: %v", err)
		}
		if pid != 555 {
			t.Fatalf("pid = %d, want 555", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a frame")
	}
}

func TestQueryStatusParsesResponse(t *testing.T) {
	sockPath := startFakeServer(t, func(conn net.Conn) {
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header)
		rest := make([]byte, size-4)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}

		resp := StatusResponse{IsOptimized: true, TrackedPIDs: 2, GovernorCount: 1, EpisodeCount: 5}
		data, _ := json.Marshal(resp)
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(len(data)))
		conn.Write(append(out, data...))
	})

	resp, err := QueryStatus(sockPath)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if !resp.IsOptimized || resp.TrackedPIDs != 2 || resp.GovernorCount != 1 || resp.EpisodeCount != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
