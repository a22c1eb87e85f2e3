package replication

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kvstore/redisd/storage"
)

func TestLeaderReplicationID(t *testing.T) {
	l1 := NewLeader()
	l2 := NewLeader()
	if l1.ReplicationID() == "" {
		t.Fatal("expected non-empty replication ID")
	}
	if l1.ReplicationID() == l2.ReplicationID() {
		t.Fatal("expected distinct replication IDs across leaders")
	}
	if len(l1.ReplicationID()) != 40 {
		t.Fatalf("expected 40-hex-digit replication ID, got %d chars", len(l1.ReplicationID()))
	}
}

func TestLeaderRegisterUnregisterReplica(t *testing.T) {
	l := NewLeader()
	handle := l.RegisterReplica(func(raw []byte) error { return nil })
	if l.ReplicaCount() != 1 {
		t.Fatalf("expected 1 replica, got %d", l.ReplicaCount())
	}
	l.UnregisterReplica(handle)
	if l.ReplicaCount() != 0 {
		t.Fatalf("expected 0 replicas after unregister, got %d", l.ReplicaCount())
	}
}

func TestLeaderPropagateAdvancesOffsetAndFansOut(t *testing.T) {
	l := NewLeader()

	var mu sync.Mutex
	var received [][]byte
	l.RegisterReplica(func(raw []byte) error {
		mu.Lock()
		received = append(received, raw)
		mu.Unlock()
		return nil
	})

	before := l.Offset()
	frame := []byte("*1\r\n$4\r\nPING\r\n")
	l.Propagate(frame)

	if l.Offset() != before+int64(len(frame)) {
		t.Fatalf("expected offset to advance by %d, got %d", len(frame), l.Offset()-before)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || string(received[0]) != string(frame) {
		t.Fatalf("expected replica to receive the propagated frame, got %v", received)
	}
}

func TestLeaderWaitSatisfiedByAck(t *testing.T) {
	l := NewLeader()
	handle := l.RegisterReplica(func(raw []byte) error { return nil })

	target := l.Offset() + 10

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.RecordAck(handle, target)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	acked := l.Wait(ctx, 1, target)
	if acked != 1 {
		t.Fatalf("expected 1 replica acked, got %d", acked)
	}
}

func TestLeaderWaitTimesOutWithoutAck(t *testing.T) {
	l := NewLeader()
	l.RegisterReplica(func(raw []byte) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	acked := l.Wait(ctx, 1, l.Offset()+100)
	if acked != 0 {
		t.Fatalf("expected 0 replicas acked before timeout, got %d", acked)
	}
}

func TestLeaderRecordAckWithoutPendingWaitIsNoop(t *testing.T) {
	l := NewLeader()
	handle := l.RegisterReplica(func(raw []byte) error { return nil })
	l.RecordAck(handle, 123) // must not panic or block
}

func TestLeaderSnapshotCapturesStrings(t *testing.T) {
	ks := storage.NewKeyspace()
	defer ks.Close()
	ks.Set("foo", []byte("bar"), nil)
	ks.Set("baz", []byte("qux"), nil)
	ks.XAdd("mystream", storage.StreamID{}, true, []storage.FieldValue{{Name: []byte("f"), Value: []byte("v")}})

	l := NewLeader()
	data, _ := l.Snapshot(ks)

	h := newRecordingHandler()
	if err := ParseRDB(bytes.NewReader(data), h); err != nil {
		t.Fatalf("failed to parse leader-generated snapshot: %v", err)
	}
	if h.keys["foo"] != "bar" || h.keys["baz"] != "qux" {
		t.Fatalf("expected string keys in snapshot, got %v", h.keys)
	}
	if _, ok := h.keys["mystream"]; ok {
		t.Fatal("stream keys are not expected to appear in the snapshot")
	}
}
