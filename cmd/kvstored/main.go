// cmd/kvstored is the server entry point: it opens the storage engine, starts
// the TCP line protocol, and optionally exposes
// Prometheus metrics and a replication peer list.
//
// Example:
//
//	kvstored --addr :5000 --data-dir ./data
//	kvstored --addr :5000 --data-dir ./data --peers localhost:5001,localhost:5002
//	kvstored 5000 ./data
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/salmahazem14/kvstore/pkg/metrics"
	"github.com/salmahazem14/kvstore/pkg/server"
	"github.com/salmahazem14/kvstore/pkg/storage"
)

func main() {
	addr := pflag.String("addr", ":5000", "TCP listen address")
	dataDir := pflag.String("data-dir", "./data", "directory for the WAL, snapshot, and lock file")
	peersFlag := pflag.String("peers", "", "comma-separated list of peer host:port addresses for best-effort forwarding")
	checkpointEveryN := pflag.Int("checkpoint-every", 1, "checkpoint after this many mutations (negative = only on close, 0 = same as 1)")
	debug := pflag.Bool("debug", false, "enable the checkpoint pseudo-failure hook")
	metricsAddr := pflag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	pflag.Parse()

	// Positional <port> <data_dir> is a shorthand for --addr/--data-dir,
	// e.g. `kvstored 5000 ./data`. Flags still win when both are given.
	if args := pflag.Args(); len(args) > 0 {
		if !pflag.CommandLine.Changed("addr") {
			port := args[0]
			if !strings.HasPrefix(port, ":") {
				port = ":" + port
			}
			*addr = port
		}
		if len(args) > 1 && !pflag.CommandLine.Changed("data-dir") {
			*dataDir = args[1]
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	mx := metrics.New()

	engine, err := storage.Open(storage.Options{
		DataDir:          *dataDir,
		CheckpointEveryN: *checkpointEveryN,
		Debug:            *debug,
		Metrics:          mx,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalw("failed to open engine", "error", err)
	}
	defer engine.Close()

	var peers []server.Peer
	if *peersFlag != "" {
		for _, p := range strings.Split(*peersFlag, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				peers = append(peers, server.Peer{Addr: p})
			}
		}
	}

	srv := server.New(engine, peers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Serve(ctx, *addr); err != nil {
			log.Errorw("server stopped", "error", err)
		}
	}()

	if *metricsAddr != "" {
		go func() {
			if err := mx.Serve(ctx, *metricsAddr); err != nil {
				log.Errorw("metrics server stopped", "error", err)
			}
		}()
	}

	log.Infow("kvstored running", "addr", *addr, "data_dir", *dataDir, "peers", peers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down")
	cancel()
}
