package replication

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/kvstore/redisd/protocol"
	"github.com/kvstore/redisd/storage"
)

// fakeMaster accepts one connection, performs the handshake side a real
// Redis master would, then streams whatever frames are pushed to it.
type fakeMaster struct {
	ln     net.Listener
	stream chan []byte
}

func startFakeMaster(t *testing.T, rdb []byte) *fakeMaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	fm := &fakeMaster{ln: ln, stream: make(chan []byte, 8)}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := protocol.NewReader(conn)
		writer := protocol.NewWriter(conn)

		// PING
		if _, err := reader.ReadNext(); err != nil {
			return
		}
		writer.WriteSimpleString("PONG")
		writer.Flush()

		// REPLCONF listening-port
		if _, err := reader.ReadNext(); err != nil {
			return
		}
		writer.WriteOK()
		writer.Flush()

		// REPLCONF capa psync2
		if _, err := reader.ReadNext(); err != nil {
			return
		}
		writer.WriteOK()
		writer.Flush()

		// PSYNC ? -1
		if _, err := reader.ReadNext(); err != nil {
			return
		}
		writer.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s 0", generateReplID()))
		writer.Flush()
		writer.WriteRDBPayload(rdb)
		writer.Flush()

		for raw := range fm.stream {
			conn.Write(raw)
		}
	}()

	return fm
}

func (fm *fakeMaster) addr() string { return fm.ln.Addr().String() }
func (fm *fakeMaster) close()       { close(fm.stream); fm.ln.Close() }

func TestFollowerHandshakeAndSync(t *testing.T) {
	rdb := buildMinimalRDB(map[string]string{"foo": "bar"})
	fm := startFakeMaster(t, rdb)
	defer fm.close()

	ks := storage.NewKeyspace()
	defer ks.Close()

	f := NewFollower(fm.addr(), 6380, ks)
	defer f.Stop()

	synced := make(chan struct{})
	f.OnSyncComplete(func() { close(synced) })

	if err := f.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync to complete")
	}

	value, ok := ks.Get("foo")
	if !ok || string(value) != "bar" {
		t.Fatalf("expected foo=bar after full resync, got %q, ok=%v", value, ok)
	}
}

func TestFollowerAppliesStreamedWrites(t *testing.T) {
	rdb := buildMinimalRDB(nil)
	fm := startFakeMaster(t, rdb)
	defer fm.close()

	ks := storage.NewKeyspace()
	defer ks.Close()

	f := NewFollower(fm.addr(), 6380, ks)
	defer f.Stop()

	synced := make(chan struct{})
	f.OnSyncComplete(func() { close(synced) })

	if err := f.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync to complete")
	}

	frame := encodeCommand("SET", "greeting", "hello")
	fm.stream <- frame

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := ks.Get("greeting"); ok && string(v) == "hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for streamed SET to apply")
}

func encodeCommand(parts ...string) []byte {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	w.WriteCommand(parts[0], parts[1:]...)
	w.Flush()
	return buf.Bytes()
}

func TestParseExplicitStreamID(t *testing.T) {
	id, err := parseExplicitStreamID("5-3")
	if err != nil || id.Ms != 5 || id.Seq != 3 {
		t.Fatalf("expected 5-3, got %+v, err=%v", id, err)
	}

	id, err = parseExplicitStreamID("7")
	if err != nil || id.Ms != 7 || id.Seq != 0 {
		t.Fatalf("expected 7-0, got %+v, err=%v", id, err)
	}

	if _, err := parseExplicitStreamID("not-a-number"); err == nil {
		t.Fatal("expected error for malformed stream ID")
	}
}
