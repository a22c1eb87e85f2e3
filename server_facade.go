package redisd

import (
	"context"
	"sync"

	"github.com/kvstore/redisd/server"
	"github.com/kvstore/redisd/storage"
)

// Server is a Redis-wire-compatible in-memory data server with
// single-leader replication.
//
// Left unconfigured, it runs the leader role: it accepts client
// connections, serves the string and stream keyspace, and replicates its
// command stream to any replicas that attach. Given WithReplicaOf, it
// instead runs the follower role: it connects to that master, loads its
// RDB snapshot, and applies its command stream as its own keyspace.
type Server struct {
	config *config
	inner  *server.Server

	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a Server with the given options.
//
// The server is created but not started. Use Start to begin listening.
//
// Example:
//
//	srv, err := redisd.New(
//		redisd.WithAddr(":6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	scfg := server.Config{
		Addr:       cfg.addr,
		ReplicaOf:  cfg.replicaOf,
		Dir:        cfg.dir,
		Dbfilename: cfg.dbfilename,
		Logger:     &loggerAdapter{logger: cfg.logger},
	}
	if cfg.metrics != nil {
		scfg.Metrics = cfg.metrics
	}

	inner, err := server.NewServer(scfg)
	if err != nil {
		return nil, err
	}

	return &Server{config: cfg, inner: inner}, nil
}

// Start begins listening for client connections and, when running the
// follower role, starts replication against the configured master.
//
// Example:
//
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if err := s.inner.Start(); err != nil {
		s.config.logger.Error("failed to start server",
			Field{Key: "error", Value: err},
			Field{Key: "addr", Value: s.config.addr})
		return err
	}

	s.started = true
	s.config.logger.Info("server listening",
		Field{Key: "addr", Value: s.inner.Addr()},
		Field{Key: "role", Value: s.role()})
	return nil
}

func (s *Server) role() string {
	if s.inner.IsLeader() {
		return "leader"
	}
	return "follower"
}

// WaitForSync blocks until this server, running the follower role, has
// completed its initial synchronization with the master. It returns
// immediately for a server running the leader role.
//
// Example:
//
//	if err := srv.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
func (s *Server) WaitForSync(ctx context.Context) error {
	if !s.isStarted() {
		return ErrClosed
	}
	if s.inner.IsLeader() {
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	s.inner.OnReplicaSyncComplete(func() {
		once.Do(func() { close(done) })
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close gracefully shuts down the server: it stops accepting new
// connections, closes existing ones, halts replication, and closes the
// keyspace.
//
// Example:
//
//	defer srv.Close()
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if !s.started {
		return nil
	}
	return s.inner.Stop()
}

// Addr returns the server's bound listening address.
func (s *Server) Addr() string { return s.inner.Addr() }

// IsLeader reports whether this server runs the leader role.
func (s *Server) IsLeader() bool { return s.inner.IsLeader() }

// ReplicationOffset returns the current replication offset, whether this
// server is producing it (leader) or tracking it (follower).
func (s *Server) ReplicationOffset() int64 { return s.inner.ReplicationOffset() }

// Storage returns the underlying keyspace for direct access or tests.
//
// Example:
//
//	value, ok := srv.Storage().Get("mykey")
func (s *Server) Storage() storage.Storage { return s.inner.Storage() }

// GetInfo returns operational counters, replication state, and version
// information, roughly mirroring the fields the INFO command surfaces to
// clients.
//
// Example:
//
//	info := srv.GetInfo()
//	fmt.Printf("role: %v\n", info["role"])
func (s *Server) GetInfo() map[string]interface{} {
	info := s.inner.Stats()
	info["role"] = s.role()
	info["replication_offset"] = s.inner.ReplicationOffset()
	info["version"] = VersionInfo()
	return info
}

// isStarted returns true if the server is started and not yet closed
// (thread-safe).
func (s *Server) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed
}
