package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rdpbridge/internal/codec"
)

// Actions understood by the control socket.
const (
	ActionStatus = "status"
	ActionReload = "reload"
	ActionStop   = "stop"
	ActionWatch  = "watch"
)

// Request is the envelope a client sends.
type Request struct {
	Action string `cbor:"action"`
}

// Response is the envelope for every reply. A watch request is answered
// with one Response followed by a stream of session events.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// readTimeout is how long a client may take to send its request.
const readTimeout = 10 * time.Second

// writeTimeout bounds each response or event write.
const writeTimeout = 10 * time.Second

const maxRequestSize = 64 * 1024

// SocketServer serves the Plane on a unix socket. Each connection carries
// one request; only processes running as the server's own user are
// accepted.
type SocketServer struct {
	path   string
	plane  *Plane
	logger *slog.Logger

	active sync.WaitGroup
}

func NewSocketServer(path string, plane *Plane, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{path: path, plane: plane, logger: logger.With("component", "control", "socket", path)}
}

// Serve accepts connections until ctx ends, then waits for in-flight
// requests. A stale socket file is replaced; the file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.path)
	}()
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := checkPeer(conn); err != nil {
		s.logger.Warn("rejecting control client", "error", err)
		s.writeError(conn, "permission denied")
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	conn.SetReadDeadline(time.Time{})
	s.logger.Debug("control request", "action", req.Action)

	switch req.Action {
	case ActionStatus:
		s.writeSuccess(conn, s.plane.GetStatus())
	case ActionReload:
		result, err := s.plane.Reload(ctx)
		if err != nil {
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, result)
	case ActionStop:
		if err := s.plane.Stop(ctx); err != nil {
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, nil)
	case ActionWatch:
		s.watch(ctx, conn)
	case "":
		s.writeError(conn, "missing required field: action")
	default:
		s.writeError(conn, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// watch streams events until the client disconnects or the server stops.
func (s *SocketServer) watch(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := s.plane.Watch(ctx)
	if !s.writeSuccess(conn, s.plane.GetStatus()) {
		return
	}

	// A read returning means the client hung up.
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	enc := codec.NewEncoder(conn)
	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("watch client gone", "error", err)
			return
		}
	}
}

func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return false
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
		return false
	}
	return true
}
