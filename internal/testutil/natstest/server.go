// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 10 * time.Second

// Server is an embedded broker bound to a random local port. Its store
// directory survives Restart so file-backed streams come back with it.
type Server struct {
	t        testing.TB
	srv      *server.Server
	port     int
	storeDir string
}

// Run starts a server and registers its shutdown with t.Cleanup.
func Run(t testing.TB) *Server {
	t.Helper()

	s := &Server{t: t, port: -1, storeDir: t.TempDir()}
	s.start()
	t.Cleanup(s.Shutdown)
	return s
}

func (s *Server) start() {
	s.t.Helper()

	opts := &server.Options{
		Host:               "127.0.0.1",
		Port:               s.port,
		JetStream:          true,
		StoreDir:           s.storeDir,
		JetStreamMaxMemory: 64 << 20,
		JetStreamMaxStore:  256 << 20,
		NoLog:              true,
		NoSigs:             true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		s.t.Fatalf("failed to create nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		s.t.Fatalf("nats server not ready after %s", readyTimeout)
	}

	if addr, ok := srv.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}
	s.srv = srv
}

// URL returns the client URL of the server
func (s *Server) URL() string {
	return s.srv.ClientURL()
}

// Shutdown stops the server. Calling it twice is safe.
func (s *Server) Shutdown() {
	if s.srv == nil {
		return
	}
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
}

// Restart stops the server and starts a new one on the same port and store.
func (s *Server) Restart() {
	s.t.Helper()
	s.Shutdown()
	s.start()
}
