// Package redisd implements a Redis-wire-compatible in-memory data server
// with single-leader replication.
//
// A Server can run either role. Left unconfigured, it is a leader: it
// accepts client connections, serves the string and stream commands, and
// replicates its command stream to any attached replicas. Given
// WithReplicaOf, it instead runs as a follower: it connects to that
// master, loads its RDB snapshot, and applies its command stream as its
// own keyspace.
//
// Basic usage:
//
//	srv, err := redisd.New(
//		redisd.WithAddr(":6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//
// Running as a follower:
//
//	srv, err := redisd.New(
//		redisd.WithAddr(":6380"),
//		redisd.WithReplicaOf("localhost:6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.WaitForSync(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// The library supports:
//
//   - RESP2 wire protocol framing
//   - String and stream keyspace commands, including blocking XREAD
//   - PSYNC-based full resynchronization and live command propagation
//   - WAIT-based synchronous replication acknowledgement
//   - On-disk RDB snapshot loading at startup
//
// For more examples and advanced usage, see the cmd/redisd directory.
package redisd
