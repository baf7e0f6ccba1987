package natsq

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedConfig holds configuration for the embedded NATS server.
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port (default: 4222; -1 picks a free port)
	Port int
}

// DefaultEmbeddedConfig returns the stock embedded server settings.
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir: "./data/nats",
		Host:    "127.0.0.1",
		Port:    4222,
	}
}

// EmbeddedServer runs a NATS server with JetStream inside the
// process, for single-binary deployments and tests.
type EmbeddedServer struct {
	server  *server.Server
	conn    *nats.Conn
	dataDir string
}

// NewEmbeddedServer starts an embedded server and connects to it.
func NewEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultEmbeddedConfig().DataDir
	}
	if cfg.Host == "" {
		cfg.Host = DefaultEmbeddedConfig().Host
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultEmbeddedConfig().Port
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}
	slog.Info("Embedded NATS server started", "url", ns.ClientURL(), "dataDir", cfg.DataDir)

	conn, err := nats.Connect(ns.ClientURL(),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	return &EmbeddedServer{server: ns, conn: conn, dataDir: cfg.DataDir}, nil
}

// Connection returns the client connection to the embedded server.
func (e *EmbeddedServer) Connection() *nats.Conn {
	return e.conn
}

// ClientURL returns the server's client URL.
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Close shuts the server down.
func (e *EmbeddedServer) Close() error {
	slog.Info("Shutting down embedded NATS server")

	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// JetStream leaves a lock file behind on unclean exits
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}
	return nil
}
