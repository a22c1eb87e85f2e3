package storage

import (
	"fmt"
	"time"
)

// ValueType represents the type tag of a stored value. The keyspace holds
// only strings and streams; the wider Redis type surface (list, set, zset,
// hash) is out of scope.
type ValueType int

const (
	ValueTypeString ValueType = iota
	ValueTypeStream
)

// String returns the Redis-compatible type name, as reported by TYPE.
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Value is a tagged variant stored under a key.
type Value struct {
	Type ValueType
	Data interface{} // *StringValue or *StreamValue
	// Expiry is the absolute wall-clock instant this value expires at, or
	// nil for "never". Only meaningful for ValueTypeString: streams never
	// expire.
	Expiry *time.Time
}

// IsExpired reports whether the value's expiry has passed.
func (v *Value) IsExpired() bool {
	return v.Expiry != nil && time.Now().After(*v.Expiry)
}

// StringValue is the payload of a ValueTypeString entry.
type StringValue struct {
	Data []byte
}

// StreamID is a stream entry identifier: a total order over (Ms, Seq).
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// Compare returns -1, 0, or 1 as id is less than, equal to, or greater than
// other, comparing numerically on (Ms, Seq) — never as strings.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether id is the reserved 0-0 identifier.
func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// String renders the identifier in "<ms>-<seq>" wire form.
func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// FieldValue is one (name, value) pair of a stream entry. Kept as an
// ordered slice on the owning entry rather than a map, since field order
// and duplicate names are both observable.
type FieldValue struct {
	Name  []byte
	Value []byte
}

// StreamEntry is one immutable, appended record in a stream.
type StreamEntry struct {
	ID     StreamID
	Fields []FieldValue
}

// StreamValue is the payload of a ValueTypeStream entry: an ordered,
// append-only sequence of entries with strictly increasing IDs.
type StreamValue struct {
	Entries []StreamEntry
}

// LastID returns the identifier of the most recently appended entry, or the
// zero ID if the stream is empty.
func (s *StreamValue) LastID() StreamID {
	if len(s.Entries) == 0 {
		return StreamID{}
	}
	return s.Entries[len(s.Entries)-1].ID
}
