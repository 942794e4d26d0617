package transport

import (
	"context"
	"encoding/json"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler processes one request Envelope and returns the response
// Envelope to write back. It must not block on anything holding a
// caller's lock across I/O (spec.md §5).
type Handler func(Envelope) Envelope

// Server handles each accepted connection in its own goroutine: it reads
// a single request frame, invokes Handler, writes a single response
// frame, and closes — the Peer Listener of spec.md §2.
type Server struct {
	logger *zap.SugaredLogger
}

// NewServer builds a Server that logs through logger.
func NewServer(logger *zap.SugaredLogger) *Server {
	return &Server{logger: logger}
}

// Serve listens on addr and dispatches every accepted connection to
// handler, until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string, handler Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accept peer connection")
		}
		go s.handleConn(conn, handler)
	}
}

func (s *Server) handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	body, err := readFrame(conn)
	if err != nil {
		s.logger.Debugw("failed to read RPC frame", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	var req Envelope
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Debugw("failed to decode RPC envelope", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	resp := handler(req)

	respBody, err := json.Marshal(resp)
	if err != nil {
		s.logger.Debugw("failed to encode RPC response", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if err := writeFrame(conn, respBody); err != nil {
		s.logger.Debugw("failed to write RPC response", "remote", conn.RemoteAddr(), "error", err)
	}
}
