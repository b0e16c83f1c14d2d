// Package api exposes the session controller over HTTP and a WebSocket
// event stream, on a TCP listener and an optional same-user unix socket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/netsound/connman-session/internal/session"
)

// Server is the HTTP API server.
type Server struct {
	tcpServer  *http.Server
	unixServer *http.Server
	listener   net.Listener
	unixLn     net.Listener
	ws         *WSHandler

	// UnixSocketPath is the unix socket the server serves on, or "" when
	// disabled.
	UnixSocketPath string
}

// NewServer creates a server for the controller on addr. When unixSocket
// is non-empty the same API is additionally served there, guarded by an
// SO_PEERCRED same-user check.
func NewServer(addr, unixSocket string, ctrl *session.Controller) (*Server, error) {
	handlers := NewHandlers(ctrl)
	ws := NewWSHandler(ctrl)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", handlers.HandleStatus)
	mux.HandleFunc("/api/v1/state", handlers.HandleState)
	mux.HandleFunc("/api/v1/connections", handlers.HandleConnections)
	mux.HandleFunc("/api/v1/connections/", handlers.HandleConnection)
	mux.HandleFunc("/api/v1/scan", handlers.HandleScan)
	mux.HandleFunc("/api/v1/wifi", handlers.HandleWifi)
	mux.HandleFunc("/api/v1/config", handlers.HandleConfig)
	mux.HandleFunc("/api/v1/config/", handlers.HandleConfig)
	mux.HandleFunc("/api/v1/events", ws.HandleWS)

	// Create the listener first to catch address-in-use errors early.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		tcpServer: &http.Server{Handler: mux},
		listener:  listener,
		ws:        ws,
	}

	if unixSocket != "" {
		unixLn, err := listenUnix(unixSocket)
		if err != nil {
			// The unix socket is a convenience for the CLI; losing it is
			// not fatal.
			slog.Warn("unix API socket unavailable", "socket", unixSocket, "error", err)
		} else {
			s.unixLn = unixLn
			s.UnixSocketPath = unixSocket
			s.unixServer = &http.Server{
				Handler:     requireSameUser(mux),
				ConnContext: connContext,
			}
		}
	}

	return s, nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	// A previous run may have left the socket file behind.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Start begins serving HTTP requests. Non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.tcpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	if s.unixServer != nil {
		go func() {
			if err := s.unixServer.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("unix HTTP server error", "error", err)
			}
		}()
	}
}

// Addr returns the TCP address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts both listeners down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.CloseAll()
	err := s.tcpServer.Shutdown(ctx)
	if s.unixServer != nil {
		if uerr := s.unixServer.Shutdown(ctx); err == nil {
			err = uerr
		}
		os.Remove(s.UnixSocketPath) //nolint:errcheck
	}
	return err
}
