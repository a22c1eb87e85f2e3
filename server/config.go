package server

import "github.com/kvstore/redisd/replication"

// Logger and MetricsCollector are the same shape replication uses; Server
// forwards them unchanged when it wires up a Leader or Follower, so both
// halves of the process log and report metrics through one sink.
type Logger = replication.Logger
type MetricsCollector = replication.MetricsCollector

// Config holds the settings a Server is constructed from: the four CLI
// surfaces the spec names (--port, --replicaof, --dir, --dbfilename) plus
// the observability hooks. The root redisd package's New builds one of these
// from its Options.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":6379".
	Addr string

	// ReplicaOf is the master's "host:port" to replicate from. Empty means
	// this server runs as a leader.
	ReplicaOf string

	// Dir and Dbfilename are served verbatim by CONFIG GET dir|dbfilename
	// and, when Dir/Dbfilename name an existing file, used to bootstrap the
	// keyspace from an on-disk RDB snapshot at startup.
	Dir        string
	Dbfilename string

	Logger  Logger
	Metrics MetricsCollector
}
