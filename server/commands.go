package server

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/storage"
)

// encodeCommand builds a RESP array frame for a server-synthesized
// propagation, used where the leader must forward a rewritten command
// rather than the client's original raw bytes: an XADD with its assigned
// ID substituted for "*"/"ms-*", or a SET with PX rewritten to an
// absolute PXAT so a follower doesn't re-apply a stale relative expiry.
func encodeCommand(parts ...[]byte) []byte {
	values := make([]protocol.Value, len(parts))
	for i, p := range parts {
		values[i] = protocol.Value{Type: protocol.TypeBulkString, Data: p}
	}
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	w.WriteArray(values)
	w.Flush()
	return buf.Bytes()
}

// dispatch handles one framed request. raw is the exact bytes the request
// arrived as, forwarded to Leader.Propagate when the command is a write and
// this server is a leader — unchanged, except that cmdSet re-encodes a PX
// expiry as PXAT and cmdXAdd substitutes the assigned ID for an auto-ID
// form (see encodeCommand). Returning a non-nil error tells the
// caller to close the connection; ordinary command errors are written to
// the client and dispatch returns nil.
func (c *client) dispatch(cmd *protocol.Command, raw []byte) error {
	c.server.mu.Lock()
	c.server.commandCount++
	c.server.mu.Unlock()

	switch cmd.Name {
	case "PING":
		c.writeSimpleString("PONG")

	case "ECHO":
		if len(cmd.Args) != 1 {
			c.writeError(ErrWrongArgs.Error())
			return nil
		}
		c.writeBulkString(cmd.Args[0])

	case "SET":
		c.cmdSet(cmd, raw)

	case "GET":
		c.cmdGet(cmd)

	case "TYPE":
		c.cmdType(cmd)

	case "KEYS":
		c.cmdKeys(cmd)

	case "CONFIG":
		c.cmdConfig(cmd)

	case "INFO":
		c.cmdInfo(cmd)

	case "REPLCONF":
		c.cmdReplconf(cmd)

	case "PSYNC":
		c.cmdPsync(cmd)

	case "WAIT":
		c.cmdWait(cmd, raw)

	case "XADD":
		c.cmdXAdd(cmd, raw)

	case "XRANGE":
		c.cmdXRange(cmd)

	case "XREAD":
		c.cmdXRead(cmd)

	default:
		c.writeError(fmt.Sprintf("%s '%s'", ErrUnknownCommand.Error(), strings.ToLower(cmd.Name)))
	}

	return nil
}

// rejectIfReadOnly writes a READONLY error and returns true if this server
// is a follower: client-issued writes are only accepted on a leader, per
// the follower's client-facing port serving reads only (writes reach a
// follower's keyspace solely via the master stream, never a client socket).
func (c *client) rejectIfReadOnly() bool {
	if c.server.leader == nil {
		c.writeError(ErrReadOnlyServer.Error())
		return true
	}
	return false
}

// propagateIfLeader forwards raw to connected replicas when this server is
// a leader, after a write handler has already applied it locally.
func (c *client) propagateIfLeader(raw []byte) {
	if c.server.leader != nil {
		c.server.leader.Propagate(raw)
	}
}

func (c *client) cmdSet(cmd *protocol.Command, raw []byte) {
	if c.rejectIfReadOnly() {
		return
	}
	if len(cmd.Args) < 2 {
		c.writeError(ErrWrongArgs.Error())
		return
	}

	key, value := string(cmd.Args[0]), cmd.Args[1]
	var expiry *time.Time

	for i := 2; i < len(cmd.Args); i++ {
		switch strings.ToUpper(string(cmd.Args[i])) {
		case "PX":
			if i+1 >= len(cmd.Args) {
				c.writeError(ErrWrongArgs.Error())
				return
			}
			ms, err := strconv.ParseInt(string(cmd.Args[i+1]), 10, 64)
			if err != nil {
				c.writeError(ErrInvalidInteger.Error())
				return
			}
			t := time.Now().Add(time.Duration(ms) * time.Millisecond)
			expiry = &t
			i++
		default:
			c.writeError(fmt.Sprintf("ERR unsupported SET option '%s'", string(cmd.Args[i])))
			return
		}
	}

	if err := c.server.storage.Set(key, value, expiry); err != nil {
		c.writeError("ERR " + err.Error())
		return
	}

	c.writeOK()

	propRaw := raw
	if expiry != nil {
		propRaw = encodeCommand([]byte("SET"), []byte(key), value,
			[]byte("PXAT"), []byte(strconv.FormatInt(expiry.UnixMilli(), 10)))
	}
	c.propagateIfLeader(propRaw)
}

func (c *client) cmdGet(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	value, ok := c.server.storage.Get(string(cmd.Args[0]))
	if !ok {
		c.writeNullBulkString()
		return
	}
	c.writeBulkString(value)
}

func (c *client) cmdType(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	key := string(cmd.Args[0])
	if c.server.storage.Exists(key) == 0 {
		c.writeSimpleString("none")
		return
	}
	c.writeSimpleString(c.server.storage.Type(key).String())
}

func (c *client) cmdKeys(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	keys := c.server.storage.Keys(string(cmd.Args[0]))
	values := make([]protocol.Value, len(keys))
	for i, k := range keys {
		values[i] = protocol.Value{Type: protocol.TypeBulkString, Data: []byte(k)}
	}
	c.writeArray(values)
}

func (c *client) cmdConfig(cmd *protocol.Command) {
	if len(cmd.Args) < 2 || strings.ToUpper(string(cmd.Args[0])) != "GET" {
		c.writeError(fmt.Sprintf("%s 'CONFIG'", ErrUnknownCommand.Error()))
		return
	}
	pattern := string(cmd.Args[1])

	configured := map[string]string{
		"dir":        c.server.cfg.Dir,
		"dbfilename": c.server.cfg.Dbfilename,
	}

	values := make([]protocol.Value, 0, 2)
	for name, value := range configured {
		if pattern == "*" || pattern == name || storage.MatchPatternWithStrategy(name, pattern, storage.GetMatchingStrategy()) {
			values = append(values, protocol.Value{Type: protocol.TypeBulkString, Data: []byte(name)})
			values = append(values, protocol.Value{Type: protocol.TypeBulkString, Data: []byte(value)})
		}
	}
	c.writeArray(values)
}

func (c *client) cmdInfo(cmd *protocol.Command) {
	var b strings.Builder
	b.WriteString("# Replication\r\n")

	if c.server.leader != nil {
		fmt.Fprintf(&b, "role:master\r\n")
		fmt.Fprintf(&b, "master_replid:%s\r\n", c.server.leader.ReplicationID())
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", c.server.leader.Offset())
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", c.server.leader.ReplicaCount())
	} else {
		fmt.Fprintf(&b, "role:slave\r\n")
		fmt.Fprintf(&b, "master_host:%s\r\n", c.server.cfg.ReplicaOf)
		fmt.Fprintf(&b, "master_replid:%s\r\n", c.server.follower.ReplicationID())
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", c.server.follower.Offset())
		fmt.Fprintf(&b, "master_link_status:up\r\n")
	}

	c.writeBulkString([]byte(b.String()))
}

func (c *client) cmdReplconf(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeError(ErrWrongArgs.Error())
		return
	}

	sub := strings.ToUpper(string(cmd.Args[0]))
	switch sub {
	case "LISTENING-PORT", "CAPA":
		c.writeOK()
	case "ACK":
		if len(cmd.Args) < 2 {
			return
		}
		offset, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64)
		if err != nil || c.server.leader == nil {
			return
		}
		c.server.leader.RecordAck(c.replicaHandle, offset)
		// No reply: REPLCONF ACK is never acknowledged.
	case "GETACK":
		// Only ever sent master-to-replica; a replica dispatches this on its
		// master socket via Follower.streamLoop, not through this table.
	default:
		c.writeOK()
	}
}

func (c *client) cmdPsync(cmd *protocol.Command) {
	if c.server.leader == nil {
		c.writeError("ERR PSYNC is only supported on a leader")
		return
	}

	data, offset := c.server.leader.Snapshot(c.server.storage)

	c.writeMu.Lock()
	c.writer.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s %d", c.server.leader.ReplicationID(), offset))
	c.writer.Flush()
	c.writer.WriteRDBPayload(data)
	c.writer.Flush()
	c.writeMu.Unlock()

	c.isReplica = true
	c.replicaHandle = c.server.leader.RegisterReplica(c.writeRaw)
}

func (c *client) cmdWait(cmd *protocol.Command, raw []byte) {
	if c.server.leader == nil {
		c.writeError("ERR WAIT is only supported on a leader")
		return
	}
	if len(cmd.Args) != 2 {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	required, err := strconv.Atoi(string(cmd.Args[0]))
	if err != nil {
		c.writeError(ErrInvalidInteger.Error())
		return
	}
	timeoutMs, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64)
	if err != nil {
		c.writeError(ErrInvalidInteger.Error())
		return
	}

	leader := c.server.leader
	if leader.ReplicaCount() == 0 {
		c.writeInteger(0)
		return
	}
	targetOffset := leader.Offset()
	if targetOffset == 0 {
		c.writeInteger(int64(leader.ReplicaCount()))
		return
	}

	ctx := c.ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	acked := leader.Wait(ctx, required, targetOffset)
	leader.AddToOffset(int64(len(raw)))
	c.writeInteger(int64(acked))
}

func (c *client) cmdXAdd(cmd *protocol.Command, raw []byte) {
	if c.rejectIfReadOnly() {
		return
	}
	if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
		c.writeError(ErrWrongArgs.Error())
		return
	}

	key := string(cmd.Args[0])
	id, autoSeq, err := parseXAddRequestID(string(cmd.Args[1]))
	if err != nil {
		c.writeError(err.Error())
		return
	}

	fields := make([]storage.FieldValue, 0, (len(cmd.Args)-2)/2)
	for i := 2; i+1 < len(cmd.Args); i += 2 {
		fields = append(fields, storage.FieldValue{Name: cmd.Args[i], Value: cmd.Args[i+1]})
	}

	assigned, err := c.server.storage.XAdd(key, id, autoSeq, fields)
	if err != nil {
		c.writeError(err.Error())
		return
	}

	c.writeBulkString([]byte(assigned.String()))

	propRaw := raw
	if autoSeq {
		parts := make([][]byte, 0, 3+len(fields)*2)
		parts = append(parts, []byte("XADD"), []byte(key), []byte(assigned.String()))
		for _, f := range fields {
			parts = append(parts, f.Name, f.Value)
		}
		propRaw = encodeCommand(parts...)
	}
	c.propagateIfLeader(propRaw)
}

func (c *client) cmdXRange(cmd *protocol.Command) {
	if len(cmd.Args) != 3 {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	key := string(cmd.Args[0])
	start, err := parseRangeStreamID(string(cmd.Args[1]), storage.StreamID{})
	if err != nil {
		c.writeError(err.Error())
		return
	}
	end, err := parseRangeStreamID(string(cmd.Args[2]), storage.StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64})
	if err != nil {
		c.writeError(err.Error())
		return
	}

	entries := c.server.storage.XRange(key, start, end)
	c.writeArray(encodeStreamEntries(entries))
}

func (c *client) cmdXRead(cmd *protocol.Command) {
	blockMs := int64(-1)
	args := cmd.Args
	if len(args) >= 2 && strings.EqualFold(string(args[0]), "BLOCK") {
		ms, err := strconv.ParseInt(string(args[1]), 10, 64)
		if err != nil {
			c.writeError(ErrInvalidInteger.Error())
			return
		}
		blockMs = ms
		args = args[2:]
	}

	if len(args) < 3 || !strings.EqualFold(string(args[0]), "STREAMS") {
		c.writeError(ErrWrongArgs.Error())
		return
	}
	args = args[1:]
	if len(args)%2 != 0 {
		c.writeError("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
		return
	}

	n := len(args) / 2
	keys := make([]string, n)
	for i, k := range args[:n] {
		keys[i] = string(k)
	}
	ids := make([]storage.StreamID, n)
	for i, raw := range args[n:] {
		s := string(raw)
		if s == "$" {
			ids[i] = c.server.storage.StreamLastID(keys[i])
			continue
		}
		id, err := parseRangeStreamID(s, storage.StreamID{})
		if err != nil {
			c.writeError(err.Error())
			return
		}
		ids[i] = id
	}

	results := c.readStreams(keys, ids)
	if len(results) > 0 {
		c.writeArray(results)
		return
	}

	if blockMs < 0 {
		c.writeNullBulkString()
		return
	}

	ctx := c.ctx
	if blockMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, time.Duration(blockMs)*time.Millisecond)
		defer cancel()
	}

	for {
		c.server.waiters.Wait(ctx, keys)

		results := c.readStreams(keys, ids)
		if len(results) > 0 {
			c.writeArray(results)
			return
		}

		select {
		case <-ctx.Done():
			c.writeNullBulkString()
			return
		default:
		}
	}
}

func (c *client) readStreams(keys []string, ids []storage.StreamID) []protocol.Value {
	results := make([]protocol.Value, 0, len(keys))
	for i, key := range keys {
		entries := c.server.storage.XReadAfter(key, ids[i])
		if len(entries) == 0 {
			continue
		}
		results = append(results, protocol.Value{
			Type: protocol.TypeArray,
			Array: []protocol.Value{
				{Type: protocol.TypeBulkString, Data: []byte(key)},
				{Type: protocol.TypeArray, Array: encodeStreamEntries(entries)},
			},
		})
	}
	return results
}

func encodeStreamEntries(entries []storage.StreamEntry) []protocol.Value {
	values := make([]protocol.Value, len(entries))
	for i, e := range entries {
		fields := make([]protocol.Value, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			fields = append(fields,
				protocol.Value{Type: protocol.TypeBulkString, Data: f.Name},
				protocol.Value{Type: protocol.TypeBulkString, Data: f.Value},
			)
		}
		values[i] = protocol.Value{
			Type: protocol.TypeArray,
			Array: []protocol.Value{
				{Type: protocol.TypeBulkString, Data: []byte(e.ID.String())},
				{Type: protocol.TypeArray, Array: fields},
			},
		}
	}
	return values
}

// parseXAddRequestID accepts the three client-facing XADD ID forms: "*"
// (full auto), "ms-*" (sequence auto), and "ms-seq" (explicit).
func parseXAddRequestID(s string) (storage.StreamID, bool, error) {
	if s == "*" {
		return storage.StreamID{Ms: uint64(time.Now().UnixMilli())}, true, nil
	}

	ms, seq, hasSeq := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil || !hasSeq {
		return storage.StreamID{}, false, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	if seq == "*" {
		return storage.StreamID{Ms: msVal}, true, nil
	}
	seqVal, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return storage.StreamID{}, false, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	return storage.StreamID{Ms: msVal, Seq: seqVal}, false, nil
}

// parseRangeStreamID parses an XRANGE/XREAD boundary: "-"/"+" (the widest
// possible IDs at either end, per XRANGE's inclusive-range convention),
// "ms-seq", or a bare "ms" (seq defaults to whatever the caller supplies as
// def, so start defaults to 0 and end defaults to the maximum seq).
func parseRangeStreamID(s string, def storage.StreamID) (storage.StreamID, error) {
	switch s {
	case "-":
		return storage.StreamID{}, nil
	case "+":
		return storage.StreamID{Ms: math.MaxUint64, Seq: math.MaxUint64}, nil
	}

	ms, seq, hasSeq := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return storage.StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	if !hasSeq {
		return storage.StreamID{Ms: msVal, Seq: def.Seq}, nil
	}
	seqVal, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return storage.StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	return storage.StreamID{Ms: msVal, Seq: seqVal}, nil
}
