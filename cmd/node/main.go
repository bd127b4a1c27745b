// Package main implements the node process that runs the consensus core and
// the KV HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apppkg "github.com/hongwei-wu/zraft/internal/app"
	"github.com/hongwei-wu/zraft/internal/kv"
	"github.com/hongwei-wu/zraft/internal/observability/metrics"
	"github.com/hongwei-wu/zraft/internal/raft"
	"github.com/hongwei-wu/zraft/internal/raftio"
	"github.com/hongwei-wu/zraft/internal/service"
	"github.com/hongwei-wu/zraft/internal/transport/grpcraft"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	transport := grpcraft.NewTransport(
		cfg.Peers,
		logger,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	store := raftio.NewFileStore(cfg.DataDir)
	provider := raftio.NewProvider(store, transport, nil)
	defer provider.Close()

	tracer := otel.Tracer("zraft")
	kvStore := kv.NewStore(tracer)
	fsm := kv.NewFSM(kvStore)
	defer fsm.Close()

	prom, err := metrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	node, err := raft.New(cfg.ServerID, provider, fsm, logger, raft.Options{
		PreVote:           cfg.PreVote,
		SnapshotThreshold: cfg.SnapshotThreshold,
		SnapshotTrailing:  cfg.SnapshotTrailing,
		Tracer:            tracer,
		Metrics:           prom,
	})
	if err != nil {
		return err
	}
	transport.SetHandler(node)

	loaded, err := store.Load()
	if err != nil {
		return err
	}
	if err := node.Restore(loaded.Term, loaded.VotedFor, loaded.Snapshot, loaded.Entries); err != nil {
		return err
	}

	if cfg.Bootstrap && loaded.Snapshot == nil && len(loaded.Entries) == 0 {
		var configuration raft.Configuration
		for id := range cfg.Peers {
			if err := configuration.Add(id, raft.RoleVoter, raft.RoleVoter, raft.GroupOld); err != nil {
				return err
			}
		}
		if err := node.Bootstrap(configuration); err != nil {
			return err
		}
		logger.Info("bootstrapped new cluster", "servers", len(cfg.Peers))
	}

	kvSvc := service.NewKV(node, kvStore, logger)

	app, err := apppkg.New(cfg, logger, node, kvSvc, transport)
	if err != nil {
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
