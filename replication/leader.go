package replication

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/storage"
)

// ReplicaHandle identifies one connected replica in the Leader's registry.
// Handles are opaque integers rather than pointers back into server
// connection state, so the replication core never needs to know about
// net.Conn or the server's per-connection types.
type ReplicaHandle uint64

type replicaState struct {
	handle      ReplicaHandle
	write       func(raw []byte) error
	ackOffset   int64
	lastAckTime time.Time
}

// Leader is the master side of replication: it tracks connected replicas,
// maintains a monotonically increasing replication offset, and answers
// WAIT by soliciting REPLCONF ACK from the registered replicas.
//
// Replica output is reached only through the write func captured at
// RegisterReplica time, so Leader has no knowledge of the transport; the
// server package supplies a closure over each connection's protocol.Writer.
type Leader struct {
	mu         sync.Mutex
	replID     string
	replOffset int64
	replicas   map[ReplicaHandle]*replicaState
	nextHandle ReplicaHandle

	pendingMu  sync.Mutex
	pendingAck *pendingWait
}

type pendingWait struct {
	targetOffset int64
	needAcks     int
	satisfied    chan struct{}
	closed       bool
}

// NewLeader creates a leader with a freshly generated 40-hex-digit
// replication ID, matching Redis's own RUN_ID format.
func NewLeader() *Leader {
	return &Leader{
		replID:   generateReplID(),
		replicas: make(map[ReplicaHandle]*replicaState),
	}
}

func generateReplID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	}
	return hex.EncodeToString(buf)
}

// ReplicationID returns this leader's 40-hex-digit replication ID.
func (l *Leader) ReplicationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replID
}

// Offset returns the current replication offset: the total number of bytes
// of write-command stream this leader has propagated.
func (l *Leader) Offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replOffset
}

// RegisterReplica adds a replica to the registry, to be written to on
// every subsequent Propagate call. write is invoked with the exact raw
// bytes to send; the caller is responsible for handling its own errors
// (Leader ignores the returned error and does not retry).
func (l *Leader) RegisterReplica(write func(raw []byte) error) ReplicaHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextHandle++
	handle := l.nextHandle
	l.replicas[handle] = &replicaState{handle: handle, write: write}
	return handle
}

// UnregisterReplica removes a replica, e.g. on disconnect.
func (l *Leader) UnregisterReplica(handle ReplicaHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.replicas, handle)
}

// ReplicaCount returns the number of currently registered replicas.
func (l *Leader) ReplicaCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.replicas)
}

// Snapshot serializes stor's string keys into an RDB dump suitable for a
// PSYNC full-resync reply, and returns the offset the snapshot was taken
// at. Stream keys are not captured in the snapshot: a newly attached
// replica receives them only as they are subsequently appended to, via the
// live command stream.
func (l *Leader) Snapshot(stor storage.Storage) (data []byte, offset int64) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")

	for _, key := range stor.Keys("*") {
		if stor.Type(key) != storage.ValueTypeString {
			continue
		}
		value, ok := stor.Get(key)
		if !ok {
			continue
		}
		buf.WriteByte(RDBTypeString)
		writeRDBString(&buf, []byte(key))
		writeRDBString(&buf, value)
	}

	buf.WriteByte(RDBOpcodeEOF)
	buf.Write(make([]byte, 8)) // checksum disabled (RDB_CHECKSUM=0 convention)

	l.mu.Lock()
	offset = l.replOffset
	l.mu.Unlock()

	return buf.Bytes(), offset
}

func writeRDBOpcodeString(buf *bytes.Buffer, value []byte) {
	buf.WriteByte(RDBTypeString)
	writeRDBString(buf, value)
}

// writeRDBString writes s using the 6/14/32-bit length-encoding scheme
// readString decodes; it always chooses the plain (non-integer-special)
// encoding, which every version of rdb.go's reader understands.
func writeRDBString(buf *bytes.Buffer, s []byte) {
	n := len(s)
	switch {
	case n < 1<<6:
		buf.WriteByte(byte(n))
	case n < 1<<14:
		buf.WriteByte(0x40 | byte(n>>8))
		buf.WriteByte(byte(n))
	default:
		buf.WriteByte(0x80)
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(n))
		buf.Write(lenBuf)
	}
	buf.Write(s)
}

// Propagate appends raw (the exact bytes a write command arrived as, or an
// equivalently re-encoded frame for server-synthesized writes such as
// expiry rewrites) to the replication offset and forwards it to every
// registered replica.
func (l *Leader) Propagate(raw []byte) {
	l.mu.Lock()
	l.replOffset += int64(len(raw))
	replicas := make([]*replicaState, 0, len(l.replicas))
	for _, r := range l.replicas {
		replicas = append(replicas, r)
	}
	l.mu.Unlock()

	for _, r := range replicas {
		_ = r.write(raw)
	}
}

// RecordAck processes a REPLCONF ACK <offset> from a replica, updating its
// last-known offset and waking a satisfied WAIT if one is pending. It is a
// no-op — not an error — if no WAIT is currently pending, since acks also
// arrive as routine heartbeat responses outside of any WAIT.
func (l *Leader) RecordAck(handle ReplicaHandle, offset int64) {
	l.mu.Lock()
	if r, ok := l.replicas[handle]; ok {
		r.ackOffset = offset
		r.lastAckTime = time.Now()
	}
	l.mu.Unlock()

	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if l.pendingAck == nil || l.pendingAck.closed {
		return
	}
	if offset < l.pendingAck.targetOffset {
		return
	}
	l.pendingAck.needAcks--
	if l.pendingAck.needAcks <= 0 {
		l.pendingAck.closed = true
		close(l.pendingAck.satisfied)
	}
}

// GetAckRequest returns the REPLCONF GETACK * frame to broadcast when a
// WAIT needs fresher acknowledgements than it already has.
func GetAckRequest() []byte {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	w.WriteCommand("REPLCONF", "GETACK", "*")
	w.Flush()
	return buf.Bytes()
}

// broadcastGetAck sends a REPLCONF GETACK * probe to every replica without
// touching repl_offset: unlike an ordinary propagated write, the source
// only credits the WAIT command's own byte length to repl_offset once it
// resolves (see AddToOffset), not the probe's.
func (l *Leader) broadcastGetAck() {
	l.mu.Lock()
	replicas := make([]*replicaState, 0, len(l.replicas))
	for _, r := range l.replicas {
		replicas = append(replicas, r)
	}
	l.mu.Unlock()

	raw := GetAckRequest()
	for _, r := range replicas {
		_ = r.write(raw)
	}
}

// AddToOffset adds n to repl_offset directly, bypassing propagation to
// replicas. Used by the WAIT handler to reproduce the source's observed
// quirk of crediting the WAIT request's own byte length to repl_offset on
// resolution.
func (l *Leader) AddToOffset(n int64) {
	l.mu.Lock()
	l.replOffset += n
	l.mu.Unlock()
}

// Wait blocks until numReplicas replicas have acknowledged at least
// targetOffset, or ctx is done, returning the number that had. Only one
// WAIT may be outstanding at a time, matching Redis's own single-client
// WAIT semantics.
func (l *Leader) Wait(ctx context.Context, numReplicas int, targetOffset int64) int {
	l.mu.Lock()
	alreadyAcked := 0
	for _, r := range l.replicas {
		if r.ackOffset >= targetOffset {
			alreadyAcked++
		}
	}
	l.mu.Unlock()

	if alreadyAcked >= numReplicas {
		return alreadyAcked
	}

	pw := &pendingWait{
		targetOffset: targetOffset,
		needAcks:     numReplicas - alreadyAcked,
		satisfied:    make(chan struct{}),
	}

	l.pendingMu.Lock()
	l.pendingAck = pw
	l.pendingMu.Unlock()

	l.broadcastGetAck()

	select {
	case <-pw.satisfied:
	case <-ctx.Done():
	}

	l.pendingMu.Lock()
	if l.pendingAck == pw {
		l.pendingAck = nil
	}
	l.pendingMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, r := range l.replicas {
		if r.ackOffset >= targetOffset {
			count++
		}
	}
	return count
}
