// Package replication implements the master and replica halves of
// single-leader Redis replication.
//
// Follower connects to a master, performs the PSYNC handshake, loads the
// FULLRESYNC RDB snapshot, and applies the streamed write log to a local
// keyspace. Leader accepts that handshake, tracks a replication offset and
// a registry of connected replicas, and answers WAIT by soliciting
// REPLCONF ACK from them.
//
// Basic follower usage:
//
//	follower := replication.NewFollower("localhost:6379", 6380, storage)
//	err := follower.Start(context.Background())
//
// Basic leader usage:
//
//	leader := replication.NewLeader()
//	handle := leader.RegisterReplica(writeFunc)
//	leader.Propagate(rawCommandBytes)
package replication
