// Package server is the RESP-speaking front door: it accepts client
// connections, frames requests with protocol.Parser, dispatches them
// against a storage.Keyspace, and wires writes into either a
// replication.Leader or replication.Follower depending on configuration.
//
// The server supports:
//   - String and stream keyspace commands (GET, SET, XADD, XRANGE, XREAD, ...)
//   - PSYNC-based full resynchronization for attaching replicas
//   - REPLCONF/WAIT synchronous replication acknowledgement
//   - Startup bootstrapping from an on-disk RDB snapshot
package server