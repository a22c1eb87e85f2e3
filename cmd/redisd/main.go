// Command redisd runs a Redis-wire-compatible in-memory data server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kvstore/redisd"
)

// Build information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "redisd",
		Usage:   "Redis-wire-compatible in-memory data server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   flags(),
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "TCP port to listen on",
			EnvVars: []string{"REDISD_PORT"},
			Value:   "6379",
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address to bind to",
			EnvVars: []string{"REDISD_BIND"},
			Value:   "0.0.0.0",
		},
		&cli.StringFlag{
			Name:    "replicaof",
			Aliases: []string{"replica-of"},
			Usage:   "host:port of the master to replicate from; leader role if unset",
			EnvVars: []string{"REDISD_REPLICAOF"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "directory RDB snapshots are read from at startup",
			EnvVars: []string{"REDISD_DIR"},
			Value:   ".",
		},
		&cli.StringFlag{
			Name:    "dbfilename",
			Usage:   "RDB snapshot filename, joined with --dir",
			EnvVars: []string{"REDISD_DBFILENAME"},
			Value:   "dump.rdb",
		},
	}
}

func run(c *cli.Context) error {
	addr := fmt.Sprintf("%s:%s", c.String("bind"), c.String("port"))

	opts := []redisd.Option{
		redisd.WithAddr(addr),
		redisd.WithDir(c.String("dir")),
		redisd.WithDbfilename(c.String("dbfilename")),
	}
	if replicaOf := c.String("replicaof"); replicaOf != "" {
		opts = append(opts, redisd.WithReplicaOf(replicaOf))
	}

	srv, err := redisd.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Close()

	if !srv.IsLeader() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := srv.WaitForSync(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "warning: initial sync did not complete: %v\n", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return nil
}
