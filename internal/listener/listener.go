// Package listener — listener.go
//
// Unix domain socket listener for gaimoded.
//
// Accepts one connection at a time, reads exactly one length-prefixed
// frame, decodes it, and emits a Command onto the optimizer's command
// channel. Malformed or unknown frame kinds are dropped silently; each
// connection is independent, and a per-connection error is logged and
// the accept loop continues.
//
// Unlike a single fixed-size read, readFrame honors the frame's own
// size header: it reads the 4-byte length prefix first, then reads
// exactly size-4 more bytes (the size counts the prefix itself). Local Unix-domain transport rarely
// splits a small frame across reads, but it is not guaranteed to
// never happen.
package listener

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/commmrade/gaimode/internal/optimizer"
	"github.com/commmrade/gaimode/internal/wire"
)

const (
	socketPerm  = 0o666
	connTimeout = 10 * time.Second
)

// Listener is the gaimoded command socket server.
type Listener struct {
	socketPath string
	commands   chan<- optimizer.Command
	log        *zap.Logger
}

// New creates a Listener bound to socketPath, emitting decoded
// commands onto commands.
func New(socketPath string, commands chan<- optimizer.Command, log *zap.Logger) *Listener {
	return &Listener{socketPath: socketPath, commands: commands, log: log}
}

// ListenAndServe binds the Unix-domain socket, removing any stale
// socket file first, and accepts connections until ctx is cancelled.
// The socket file is unlinked again on return.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listener: remove stale socket %q: %w", l.socketPath, err)
	}

	lis, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("listener: listen %q: %w", l.socketPath, err)
	}
	defer lis.Close()
	defer os.Remove(l.socketPath)

	if err := os.Chmod(l.socketPath, socketPerm); err != nil {
		return fmt.Errorf("listener: chmod %q: %w", l.socketPath, err)
	}

	l.log.Info("listener: socket listening", zap.String("path", l.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Error("listener: accept error", zap.Error(err))
				continue
			}
		}
		l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	raw, err := readFrame(conn)
	if err != nil {
		if err != io.EOF {
			l.log.Debug("listener: frame read error", zap.Error(err))
		}
		return
	}

	frame, err := wire.Decode(raw)
	if err != nil {
		l.log.Debug("listener: malformed frame dropped", zap.Error(err))
		return
	}

	switch frame.Kind {
	case wire.KindOptimizeProcess:
		l.emitPIDCommand(optimizer.CommandOptimizeProcess, frame)
	case wire.KindResetProcess:
		l.emitPIDCommand(optimizer.CommandResetProcess, frame)
	case wire.KindResetAll:
		l.commands <- optimizer.Command{Kind: optimizer.CommandResetAll}
	case wire.KindStatus:
		l.handleStatus(conn)
	default:
		l.log.Debug("listener: unknown frame kind dropped", zap.Uint16("kind", uint16(frame.Kind)))
	}
}

func (l *Listener) emitPIDCommand(kind optimizer.CommandKind, frame wire.Frame) {
	pid, err := wire.DecodePID(frame)
	if err != nil {
		l.log.Debug("listener: malformed pid payload dropped", zap.Error(err))
		return
	}
	l.commands <- optimizer.Command{Kind: kind, PID: int(pid)}
}

type statusResponse struct {
	IsOptimized   bool `json:"is_optimized"`
	TrackedPIDs   int  `json:"tracked_pids"`
	GovernorCount int  `json:"governor_count"`
	EpisodeCount  int  `json:"episode_count"`
}

// handleStatus sends a CommandStatusQuery to the optimizer and writes
// the response back on the same connection as a length-prefixed JSON
// payload. The reply channel is buffered so the optimizer never blocks
// on a listener that has already timed out and moved on.
func (l *Listener) handleStatus(conn net.Conn) {
	reply := make(chan optimizer.StatusSnapshot, 1)
	l.commands <- optimizer.Command{Kind: optimizer.CommandStatusQuery, Reply: reply}

	var snap optimizer.StatusSnapshot
	select {
	case snap = <-reply:
	case <-time.After(connTimeout):
		l.log.Warn("listener: status query timed out waiting for optimizer")
		return
	}

	resp := statusResponse{
		IsOptimized:   snap.IsOptimized,
		TrackedPIDs:   snap.TrackedPIDs,
		GovernorCount: snap.GovernorPolicies,
		EpisodeCount:  snap.EpisodeCount,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		l.log.Error("listener: failed to marshal status response", zap.Error(err))
		return
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := conn.Write(append(header, data...)); err != nil {
		l.log.Debug("listener: failed to write status response", zap.Error(err))
	}
}

// readFrame reads the 4-byte size prefix, then reads exactly size-4
// more bytes so the returned slice is always a complete frame.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size < wire.MinFrameSize {
		return nil, fmt.Errorf("listener: declared size %d below minimum %d", size, wire.MinFrameSize)
	}
	if size > wire.MaxFrameSize {
		return nil, fmt.Errorf("listener: declared size %d exceeds max %d", size, wire.MaxFrameSize)
	}

	rest := make([]byte, size-4)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}
