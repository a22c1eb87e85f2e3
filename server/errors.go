package server

import "errors"

// Command-surface errors surfaced to clients as RESP simple errors.
var (
	ErrUnknownCommand = errors.New("ERR unknown command")
	ErrWrongArgs      = errors.New("ERR wrong number of arguments")
	ErrReadOnlyServer = errors.New("READONLY you can't write against a read-only replica")
	ErrInvalidInteger = errors.New("ERR value is not an integer or out of range")
)
