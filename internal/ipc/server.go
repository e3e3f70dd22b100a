package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

// Handler implements the daemon side of each request type.
type Handler interface {
	Status(ctx context.Context) (Response, error)
	Register(ctx context.Context, invitationKey string) error
	GetConfig(ctx context.Context) (json.RawMessage, error)
	Shutdown(ctx context.Context) error
	NATType(ctx context.Context, family string) (Response, error)
}

// Server accepts connections on a unix socket and dispatches framed,
// secret-authenticated requests to a Handler. Grounded on the teacher's
// internal/daemon/server.listenUnix (stale-socket cleanup, permission
// bits), retargeted from gRPC-over-proxy to the length-prefixed JSON
// protocol spec §6 describes.
type Server struct {
	handler Handler
	secret  string
	logger  *slog.Logger
}

// NewServer constructs a Server. secret is compared against each
// incoming envelope's Secret field in constant time.
func NewServer(handler Handler, secret string, logger *slog.Logger) *Server {
	return &Server{handler: handler, secret: secret, logger: logger}
}

// Listen creates the unix socket at path, removing a stale one if
// present, and sets owner-only permissions.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled or the listener
// errors.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		body, err := ReadFrame(conn)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			s.writeResponse(conn, errorResponse(fmt.Errorf("malformed envelope: %w", err)))
			continue
		}
		if !VerifySecret(s.secret, env.Secret) {
			s.writeResponse(conn, errorResponse(errors.New("invalid secret")))
			continue
		}

		var req Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.writeResponse(conn, errorResponse(fmt.Errorf("malformed request: %w", err)))
			continue
		}
		s.writeResponse(conn, s.dispatch(ctx, req))
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Type {
	case RequestStatus:
		resp, err := s.handler.Status(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return resp
	case RequestRegister:
		if err := s.handler.Register(ctx, req.InvitationKey); err != nil {
			return errorResponse(err)
		}
		return okResponse("registered")
	case RequestGetConfig:
		cfg, err := s.handler.GetConfig(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Type: ResponseConfig, Config: cfg}
	case RequestShutdown:
		if err := s.handler.Shutdown(ctx); err != nil {
			return errorResponse(err)
		}
		return okResponse("shutting down")
	case RequestNATType:
		resp, err := s.handler.NATType(ctx, req.Family)
		if err != nil {
			return errorResponse(err)
		}
		return resp
	default:
		return errorResponse(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal ipc response", slog.Any("error", err))
		return
	}
	if err := WriteFrame(conn, body); err != nil {
		s.logger.Error("write ipc response", slog.Any("error", err))
	}
}
