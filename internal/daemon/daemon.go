// Package daemon wires the session controller, the API server and the
// optional config watcher into a long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/netsound/connman-session/internal/api"
	"github.com/netsound/connman-session/internal/config"
	"github.com/netsound/connman-session/internal/connman"
	"github.com/netsound/connman-session/internal/session"
)

// shutdownTimeout bounds the API server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Config holds daemon startup parameters.
type Config struct {
	// File is the loaded configuration.
	File *config.Config

	// ConfigPath is the config file location, watched when WatchConfig is
	// set.
	ConfigPath  string
	WatchConfig bool

	// Listen is the TCP address for the HTTP API.
	Listen string

	// BusAddress overrides the system bus; used by integration tests to
	// point at a private dbus-daemon.
	BusAddress string

	// AgentPath overrides where the credential agent object is exported.
	AgentPath string
}

// UnixSocketPath returns the API's unix socket location, or "" when
// XDG_RUNTIME_DIR is unset.
func UnixSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return ""
	}
	return filepath.Join(runtimeDir, "connman-session", "api.sock")
}

// Run starts the session, serves the API, sends READY=1, and blocks until
// ctx is cancelled. Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	opts := session.Options{}
	if cfg.BusAddress != "" {
		addr := cfg.BusAddress
		opts.Dial = func() (connman.Bus, error) { return connman.Dial(addr) }
	}
	if cfg.AgentPath != "" {
		opts.AgentPath = dbus.ObjectPath(cfg.AgentPath)
	}

	ctrl := session.New(cfg.File.Snapshot(), opts)
	defer ctrl.Close()

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server, err := api.NewServer(cfg.Listen, UnixSocketPath(), ctrl)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}
	server.Start()
	slog.Info("API server started", "addr", server.Addr())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if cfg.WatchConfig && cfg.ConfigPath != "" {
		go watchConfig(ctx, cfg.ConfigPath, ctrl)
	}

	SdNotify("READY=1")
	<-ctx.Done()
	SdNotify("STOPPING=1")

	slog.Info("daemon shutting down")
	if err := ctrl.Stop(); err != nil {
		slog.Warn("session stop", "error", err)
	}
	return nil
}

// watchConfig reloads the config file on change and pushes each changed
// runtime property into the controller. Every accepted change bounces the
// session, so only properties that actually differ are applied.
func watchConfig(ctx context.Context, path string, ctrl *session.Controller) {
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		next := cfg.Snapshot()
		for key, value := range next.All() {
			current, ok := ctrl.GetConfigProperty(key)
			if ok && reflect.DeepEqual(current, value) {
				continue
			}
			if err := ctrl.SetConfigProperty(key, value); err != nil {
				slog.Warn("config property rejected", "key", key, "error", err)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("config watcher stopped", "error", err)
	}
}
