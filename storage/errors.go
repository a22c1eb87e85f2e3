package storage

import "errors"

// Error types for keyspace operation failures.
var (
	// ErrWrongType indicates an operation was attempted against a key
	// holding a value of the wrong type (e.g. XADD against a string).
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrXAddIDZero indicates an XADD request explicitly named the reserved
	// 0-0 identifier, which no entry may ever use.
	ErrXAddIDZero = errors.New("ERR The ID specified in XADD must be greater than 0-0")

	// ErrXAddIDTooSmall indicates an XADD request named an identifier that
	// does not sort strictly after the stream's current last entry.
	ErrXAddIDTooSmall = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
)
