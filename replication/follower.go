package replication

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/storage"
)

// Follower is a replication client: it connects to a master, performs the
// PSYNC handshake, loads the full-resync RDB snapshot, and then applies the
// streamed command log to a local keyspace.
//
// The handshake follows the four steps a real Redis replica performs —
// PING, REPLCONF listening-port, REPLCONF capa psync2, PSYNC — rather than
// jumping straight to PSYNC; a master that gates FULLRESYNC on having seen
// REPLCONF first will otherwise never see them.
type Follower struct {
	masterAddr    string
	listeningPort int
	storage       storage.Storage

	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	parser    *protocol.Parser
	connected bool

	replID     string
	replOffset int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
	stopped  int32

	stats *ReplicationStats

	onSyncComplete []func()

	logger         Logger
	metrics        MetricsCollector
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
}

// NewFollower creates a replication client that will sync masterAddr's
// dataset into stor. listeningPort is advertised via REPLCONF
// listening-port during the handshake.
func NewFollower(masterAddr string, listeningPort int, stor storage.Storage) *Follower {
	ctx, cancel := context.WithCancel(context.Background())
	return &Follower{
		masterAddr:     masterAddr,
		listeningPort:  listeningPort,
		storage:        stor,
		ctx:            ctx,
		cancel:         cancel,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
		stats:          &ReplicationStats{MasterAddr: masterAddr},
		logger:         &defaultLogger{},
		connectTimeout: 10 * time.Second,
		readTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
	}
}

// SetLogger overrides the default logger, which discards all output.
func (f *Follower) SetLogger(logger Logger) { f.logger = logger }

// SetMetrics attaches a metrics sink.
func (f *Follower) SetMetrics(metrics MetricsCollector) { f.metrics = metrics }

// OnSyncComplete registers a callback invoked each time a handshake
// finishes loading the master's RDB snapshot, just before streaming begins.
// A callback registered after a sync has completed is not invoked for it.
func (f *Follower) OnSyncComplete(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSyncComplete = append(f.onSyncComplete, fn)
}

// Offset returns the follower's current replication offset.
func (f *Follower) Offset() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.replOffset
}

// ReplicationID returns the master's replication ID, learned from
// FULLRESYNC.
func (f *Follower) ReplicationID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.replID
}

// Start launches a background goroutine that connects to the master and
// runs the handshake and streaming loop, reconnecting after any failure,
// until Stop is called. It returns immediately; ctx is not used.
func (f *Follower) Start(ctx context.Context) error {
	go f.run()
	return nil
}

// Stop terminates the replication loop and closes the master connection.
func (f *Follower) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.stopped, 0, 1) {
		return nil
	}
	close(f.stopChan)
	f.cancel()
	f.disconnect()
	<-f.doneChan
	return nil
}

func (f *Follower) run() {
	defer close(f.doneChan)

	backoff := time.Second
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connect(); err != nil {
			f.logger.Error("connect to master failed", "error", err)
			f.sleep(backoff)
			continue
		}

		if err := f.handshake(); err != nil {
			f.logger.Error("replication handshake failed", "error", err)
			f.disconnect()
			f.sleep(backoff)
			continue
		}

		backoff = time.Second
		if err := f.streamLoop(); err != nil {
			f.logger.Error("replication stream ended", "error", err)
		}
		f.disconnect()

		select {
		case <-f.stopChan:
			return
		default:
		}
	}
}

func (f *Follower) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-f.stopChan:
	}
}

func (f *Follower) connect() error {
	dialer := &net.Dialer{Timeout: f.connectTimeout}

	conn, err := dialer.Dial("tcp", f.masterAddr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.reader = protocol.NewReader(conn)
	f.writer = protocol.NewWriter(conn)
	f.parser = protocol.NewParser()
	f.connected = true
	f.mu.Unlock()

	f.logger.Info("connected to master", "addr", f.masterAddr)
	return nil
}

func (f *Follower) disconnect() {
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	f.mu.Unlock()
}

// handshake performs PING, REPLCONF listening-port, REPLCONF capa psync2,
// and PSYNC ? -1, then loads the returned RDB dump.
func (f *Follower) handshake() error {
	if err := f.command("PING"); err != nil {
		return fmt.Errorf("PING failed: %w", err)
	}

	if err := f.command("REPLCONF", "listening-port", strconv.Itoa(f.listeningPort)); err != nil {
		return fmt.Errorf("REPLCONF listening-port failed: %w", err)
	}

	if err := f.command("REPLCONF", "capa", "psync2"); err != nil {
		return fmt.Errorf("REPLCONF capa failed: %w", err)
	}

	f.mu.RLock()
	writer, reader := f.writer, f.reader
	f.mu.RUnlock()

	if err := writer.WriteCommand("PSYNC", "?", "-1"); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	response, err := reader.ReadNext()
	if err != nil {
		return fmt.Errorf("PSYNC response failed: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("PSYNC error: %s", response.Error())
	}

	parts := strings.Fields(response.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return fmt.Errorf("unsupported PSYNC response: %s", response.String())
	}

	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid FULLRESYNC offset: %s", parts[2])
	}

	f.mu.Lock()
	f.replID = parts[1]
	f.replOffset = offset
	f.mu.Unlock()

	rdbData, err := reader.ReadRDBPayload()
	if err != nil {
		return fmt.Errorf("failed to read RDB payload: %w", err)
	}

	handler := &rdbStorageHandler{storage: f.storage, logger: f.logger}
	if err := ParseRDB(newByteReader(rdbData), handler); err != nil {
		return fmt.Errorf("RDB parsing failed: %w", err)
	}

	f.mu.RLock()
	callbacks := append([]func(){}, f.onSyncComplete...)
	f.mu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}

	f.logger.Info("initial synchronization complete", "offset", offset)
	return nil
}

// command sends a request via the blocking Writer/Reader pair used only
// during the handshake (never propagated, never offset-counted) and
// expects a non-error reply.
func (f *Follower) command(name string, args ...string) error {
	f.mu.RLock()
	writer, reader := f.writer, f.reader
	f.mu.RUnlock()

	if err := writer.WriteCommand(name, args...); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	response, err := reader.ReadNext()
	if err != nil {
		return err
	}
	if response.IsError() {
		return fmt.Errorf("%s: %s", name, response.Error())
	}
	return nil
}

// streamLoop applies the master's propagated write stream, byte-exact, and
// answers REPLCONF GETACK with the follower's current offset.
func (f *Follower) streamLoop() error {
	f.mu.RLock()
	conn, parser, writer := f.conn, f.parser, f.writer
	f.mu.RUnlock()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-f.stopChan:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("master connection closed")
			}
			return fmt.Errorf("read failed: %w", err)
		}
		parser.Feed(buf[:n])

		for {
			cmd, raw, ok, err := parser.Next()
			if err != nil {
				return fmt.Errorf("protocol error in replication stream: %w", err)
			}
			if !ok {
				break
			}

			f.mu.Lock()
			f.replOffset += int64(len(raw))
			offset := f.replOffset
			f.mu.Unlock()

			if cmd.Name == "REPLCONF" && len(cmd.Args) >= 1 && strings.EqualFold(string(cmd.Args[0]), "GETACK") {
				if err := writer.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)); err != nil {
					return err
				}
				if err := writer.Flush(); err != nil {
					return err
				}
				continue
			}

			if err := f.applyCommand(cmd); err != nil {
				f.logger.Error("failed to apply replicated command", "command", cmd.Name, "error", err)
			}
		}
	}
}

func (f *Follower) applyCommand(cmd *protocol.Command) error {
	switch cmd.Name {
	case "PING":
		return nil
	case "SELECT":
		return nil
	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("SET requires at least 2 arguments")
		}
		var expiry *time.Time
		for i := 2; i+1 < len(cmd.Args); i += 2 {
			switch strings.ToUpper(string(cmd.Args[i])) {
			case "PXAT":
				ms, err := strconv.ParseInt(string(cmd.Args[i+1]), 10, 64)
				if err == nil {
					t := time.UnixMilli(ms)
					expiry = &t
				}
			}
		}
		return f.storage.Set(string(cmd.Args[0]), cmd.Args[1], expiry)
	case "DEL":
		keys := make([]string, len(cmd.Args))
		for i, a := range cmd.Args {
			keys[i] = string(a)
		}
		f.storage.Del(keys...)
		return nil
	case "XADD":
		return f.applyXAdd(cmd.Args)
	default:
		return nil
	}
}

func (f *Follower) applyXAdd(args [][]byte) error {
	if len(args) < 4 {
		return fmt.Errorf("XADD requires at least 4 arguments")
	}
	id, err := parseExplicitStreamID(string(args[1]))
	if err != nil {
		return err
	}
	fields := make([]storage.FieldValue, 0, (len(args)-2)/2)
	for i := 2; i+1 < len(args); i += 2 {
		fields = append(fields, storage.FieldValue{Name: args[i], Value: args[i+1]})
	}
	_, err = f.storage.XAdd(string(args[0]), id, false, fields)
	return err
}

func parseExplicitStreamID(s string) (storage.StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return storage.StreamID{}, fmt.Errorf("invalid stream ID: %s", s)
	}
	if !ok {
		return storage.StreamID{Ms: msVal}, nil
	}
	seqVal, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return storage.StreamID{}, fmt.Errorf("invalid stream ID: %s", s)
	}
	return storage.StreamID{Ms: msVal, Seq: seqVal}, nil
}

// rdbStorageHandler adapts RDB records into keyspace writes. Only the
// default database is supported; OnDatabase is accepted but ignored.
type rdbStorageHandler struct {
	storage storage.Storage
	logger  Logger
}

func (h *rdbStorageHandler) OnDatabase(index int) error { return nil }

func (h *rdbStorageHandler) OnKey(key []byte, value []byte, expiry *time.Time) error {
	return h.storage.Set(string(key), value, expiry)
}

func (h *rdbStorageHandler) OnAux(key, value []byte) error {
	if h.logger != nil {
		h.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	}
	return nil
}

func (h *rdbStorageHandler) OnEnd() error { return nil }

// byteReader turns a byte slice into an io.Reader without pulling in
// bytes.Reader's broader seek/size surface, which ParseRDB doesn't need.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
