// Package ipc implements the line-delimited JSON-RPC 2.0 surface over a
// Unix-domain socket, plus the matching client used by the CLI.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

// maxLineBytes caps one request line; anything longer is rejected rather
// than buffered.
const maxLineBytes = 1 << 20

// Handler serves one RPC method. It returns the result value to marshal,
// or an error (mapped to a wire error by the registered ErrorMapper).
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// ErrorMapper converts a handler error into a wire error object.
type ErrorMapper func(err error) *protocol.ErrorObject

// Server accepts connections on a Unix socket and demuxes newline-framed
// requests to registered handlers.
type Server struct {
	path     string
	log      *slog.Logger
	mapError ErrorMapper

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
	connWG   sync.WaitGroup
}

func NewServer(socketPath string, mapError ErrorMapper, log *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		log:      log.With("component", "ipc"),
		mapError: mapError,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for one method name.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Start binds the socket with owner-only permissions and begins accepting.
// A stale socket file from a dead daemon is removed first; the caller
// holds the instance lock, so the file cannot belong to a live one.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = l
	s.log.Info("ipc listening", "socket", s.path)

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.connWG.Wait()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads request lines until EOF, one response line per request.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(connCtx, line)
		if err := writeResponse(writer, resp); err != nil {
			s.log.Debug("write response failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("connection read ended", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) *protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(nil, protocol.CodeInvalidRequest, "malformed request")
	}
	if req.JSONRPC != protocol.JSONRPCVersion || req.Method == "" {
		return errorResponse(req.ID, protocol.CodeInvalidRequest, "invalid request")
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method)
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		return &protocol.Response{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      req.ID,
			Error:   s.mapError(err),
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.log.Error("marshal result", "method", req.Method, "error", err)
		return errorResponse(req.ID, protocol.CodeInternal, "internal error")
	}
	return &protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: req.ID, Result: raw}
}

func errorResponse(id json.RawMessage, code int, msg string) *protocol.Response {
	return &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   &protocol.ErrorObject{Code: code, Message: msg},
	}
}

func writeResponse(w *bufio.Writer, resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
