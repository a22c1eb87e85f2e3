package redisd

// config holds the configuration for a Server.
type config struct {
	// Listening address for client (and, for a leader, replica)
	// connections.
	addr string

	// replicaOf names the master address this server syncs from and
	// replicates as a follower. Empty means this server runs the leader
	// role.
	replicaOf string

	// dir and dbfilename locate an on-disk RDB snapshot to load at
	// startup, matching Redis's own dir/dbfilename configuration pair.
	dir        string
	dbfilename string

	logger  Logger
	metrics MetricsCollector
}

// defaultConfig returns a configuration with sensible defaults: leader
// role, listening on the standard Redis port.
func defaultConfig() *config {
	return &config{
		addr:   ":6379",
		logger: newDefaultLogger(),
	}
}

// Option represents a configuration option for a Server.
type Option func(*config) error

// WithAddr sets the address the server listens on.
//
// Example:
//
//	WithAddr(":6379")
//	WithAddr("0.0.0.0:6380")
func WithAddr(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return ErrInvalidConfig
		}
		c.addr = addr
		return nil
	}
}

// WithReplicaOf configures this server to run the follower role,
// replicating from the master at addr. Leaving this unset (the default)
// runs the leader role.
//
// Example:
//
//	WithReplicaOf("localhost:6379")
func WithReplicaOf(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return ErrInvalidConfig
		}
		c.replicaOf = addr
		return nil
	}
}

// WithDir sets the directory an on-disk RDB snapshot is read from at
// startup, paired with WithDbfilename.
//
// Example:
//
//	WithDir("/var/lib/redisd")
func WithDir(dir string) Option {
	return func(c *config) error {
		c.dir = dir
		return nil
	}
}

// WithDbfilename sets the RDB snapshot filename loaded at startup from
// the directory set by WithDir. Loading is skipped if the file does not
// exist.
//
// Example:
//
//	WithDbfilename("dump.rdb")
func WithDbfilename(name string) Option {
	return func(c *config) error {
		c.dbfilename = name
		return nil
	}
}

// WithLogger sets a custom logger for the server.
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector.
//
// Example:
//
//	WithMetrics(myMetricsCollector)
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}
