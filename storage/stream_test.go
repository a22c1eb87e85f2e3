package storage_test

import (
	"testing"

	"github.com/kvstore/redisd/storage"
)

func fv(name, value string) storage.FieldValue {
	return storage.FieldValue{Name: []byte(name), Value: []byte(value)}
}

func TestXAddAutoSequence(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	id1, err := s.XAdd("stream", storage.StreamID{Ms: 100}, true, []storage.FieldValue{fv("a", "1")})
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	if id1 != (storage.StreamID{Ms: 100, Seq: 0}) {
		t.Errorf("first auto-seq id = %v, want 100-0", id1)
	}

	id2, err := s.XAdd("stream", storage.StreamID{Ms: 100}, true, []storage.FieldValue{fv("a", "2")})
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	if id2 != (storage.StreamID{Ms: 100, Seq: 1}) {
		t.Errorf("second auto-seq id = %v, want 100-1", id2)
	}

	id3, err := s.XAdd("stream", storage.StreamID{Ms: 101}, true, nil)
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	if id3 != (storage.StreamID{Ms: 101, Seq: 0}) {
		t.Errorf("new-ms auto-seq id = %v, want 101-0", id3)
	}
}

func TestXAddRejectsZeroID(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	_, err := s.XAdd("stream", storage.StreamID{}, false, nil)
	if err != storage.ErrXAddIDZero {
		t.Errorf("XAdd(0-0) error = %v, want ErrXAddIDZero", err)
	}
}

func TestXAddRejectsRegression(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	if _, err := s.XAdd("stream", storage.StreamID{Ms: 5, Seq: 5}, false, nil); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}

	_, err := s.XAdd("stream", storage.StreamID{Ms: 5, Seq: 5}, false, nil)
	if err != storage.ErrXAddIDTooSmall {
		t.Errorf("XAdd(equal id) error = %v, want ErrXAddIDTooSmall", err)
	}

	_, err = s.XAdd("stream", storage.StreamID{Ms: 5, Seq: 4}, false, nil)
	if err != storage.ErrXAddIDTooSmall {
		t.Errorf("XAdd(smaller id) error = %v, want ErrXAddIDTooSmall", err)
	}
}

func TestXAddWrongType(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	s.Set("str", []byte("value"), nil)

	_, err := s.XAdd("str", storage.StreamID{Ms: 1}, true, nil)
	if err != storage.ErrWrongType {
		t.Errorf("XAdd against string error = %v, want ErrWrongType", err)
	}
}

func TestXRange(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	s.XAdd("stream", storage.StreamID{Ms: 1}, false, []storage.FieldValue{fv("a", "1")})
	s.XAdd("stream", storage.StreamID{Ms: 2}, false, []storage.FieldValue{fv("a", "2")})
	s.XAdd("stream", storage.StreamID{Ms: 3}, false, []storage.FieldValue{fv("a", "3")})

	entries := s.XRange("stream", storage.StreamID{Ms: 2}, storage.StreamID{Ms: 3})
	if len(entries) != 2 {
		t.Fatalf("XRange() returned %d entries, want 2", len(entries))
	}
	if entries[0].ID != (storage.StreamID{Ms: 2}) {
		t.Errorf("XRange()[0].ID = %v, want 2-0", entries[0].ID)
	}
}

func TestXReadAfter(t *testing.T) {
	s := storage.NewKeyspace()
	defer s.Close()

	s.XAdd("stream", storage.StreamID{Ms: 1}, false, nil)
	s.XAdd("stream", storage.StreamID{Ms: 2}, false, nil)

	entries := s.XReadAfter("stream", storage.StreamID{Ms: 1})
	if len(entries) != 1 {
		t.Fatalf("XReadAfter() returned %d entries, want 1", len(entries))
	}
	if entries[0].ID != (storage.StreamID{Ms: 2}) {
		t.Errorf("XReadAfter()[0].ID = %v, want 2-0", entries[0].ID)
	}
}
