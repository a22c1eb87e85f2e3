package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/replication"
	"github.com/kvstore/redisd/storage"
)

// Server is the RESP-speaking front door: it accepts connections, frames
// requests with protocol.Parser, and dispatches them against a keyspace
// that is either leader- or follower-managed depending on Config.ReplicaOf.
type Server struct {
	cfg     Config
	storage storage.Storage
	waiters *storage.WaitGroup

	leader   *replication.Leader   // non-nil when running as leader
	follower *replication.Follower // non-nil when running as follower

	listener net.Listener
	clients  sync.Map // net.Conn -> *client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  Logger
	metrics MetricsCollector

	mu           sync.RWMutex
	connCount    int64
	commandCount int64
	errorCount   int64
}

// NewServer builds a Server from cfg: a keyspace, a wait-group blocking
// coordinator wired as its append observer, and — depending on
// cfg.ReplicaOf — either a replication.Leader or a replication.Follower
// bound to the keyspace. A Follower is not started here; Start starts it.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = &noopLogger{}
	}

	ks := storage.NewKeyspace()
	waiters := storage.NewWaitGroup()
	ks.AddObserver(waiters)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		storage: ks,
		waiters: waiters,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	if path := rdbPath(cfg); path != "" {
		if err := loadRDBFile(path, ks); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load RDB file %s: %w", path, err)
		}
	}

	if cfg.ReplicaOf == "" {
		s.leader = replication.NewLeader()
	} else {
		s.follower = replication.NewFollower(cfg.ReplicaOf, listenPort(cfg.Addr), ks)
		s.follower.SetLogger(cfg.Logger)
		if cfg.Metrics != nil {
			s.follower.SetMetrics(cfg.Metrics)
		}
	}

	return s, nil
}

func rdbPath(cfg Config) string {
	if cfg.Dir == "" || cfg.Dbfilename == "" {
		return ""
	}
	path := filepath.Join(cfg.Dir, cfg.Dbfilename)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func loadRDBFile(path string, ks *storage.Keyspace) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	handler := &keyspaceRDBHandler{storage: ks}
	return replication.ParseRDB(f, handler)
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

// Start begins listening and, if configured as a follower, starts the
// replication client against the master.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	if s.follower != nil {
		if err := s.follower.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start replication: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener, every client connection, replication, and the
// keyspace itself.
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(_, value interface{}) bool {
		if c, ok := value.(*client); ok {
			c.close()
		}
		return true
	})

	if s.follower != nil {
		s.follower.Stop()
	}

	s.wg.Wait()
	return s.storage.Close()
}

// Addr returns the server's bound listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Storage returns the underlying keyspace, for direct access or tests.
func (s *Server) Storage() storage.Storage { return s.storage }

// IsLeader reports whether this server runs the leader (vs. follower) role.
func (s *Server) IsLeader() bool { return s.leader != nil }

// ReplicationOffset returns the leader's or follower's current replication
// offset, or 0 if this server has neither role established yet.
func (s *Server) ReplicationOffset() int64 {
	if s.leader != nil {
		return s.leader.Offset()
	}
	if s.follower != nil {
		return s.follower.Offset()
	}
	return 0
}

// OnReplicaSyncComplete registers fn to run once this server, running the
// follower role, finishes its initial sync with the master. It is a no-op
// when running as leader.
func (s *Server) OnReplicaSyncComplete(fn func()) {
	if s.follower != nil {
		s.follower.OnSyncComplete(fn)
	}
}

// Stats returns operational counters for INFO/monitoring.
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(_, _ interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{
		conn:    conn,
		parser:  protocol.NewParser(),
		writer:  protocol.NewWriter(conn),
		server:  s,
		lastCmd: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.clients.Store(conn, c)

	s.wg.Add(1)
	go c.handle()
}

// keyspaceRDBHandler adapts RDB records into keyspace writes for startup
// bootstrapping from an on-disk dump (distinct from the follower's
// in-memory rdbStorageHandler, since this one reads from a real file).
type keyspaceRDBHandler struct {
	storage *storage.Keyspace
}

func (h *keyspaceRDBHandler) OnDatabase(index int) error { return nil }

func (h *keyspaceRDBHandler) OnKey(key []byte, value []byte, expiry *time.Time) error {
	return h.storage.Set(string(key), value, expiry)
}

func (h *keyspaceRDBHandler) OnAux(key, value []byte) error { return nil }

func (h *keyspaceRDBHandler) OnEnd() error { return nil }

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...interface{}) {}
func (noopLogger) Info(msg string, fields ...interface{})  {}
func (noopLogger) Warn(msg string, fields ...interface{})  {}
func (noopLogger) Error(msg string, fields ...interface{}) {}
