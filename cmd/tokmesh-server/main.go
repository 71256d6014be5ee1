// Package main provides the entry point for tokmesh-server.
//
// tokmesh-server runs one voter of a replicated Tree: a hierarchical
// directory/file namespace kept consistent across a cluster by Raft
// consensus, served over Connect RPC.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kvtree/kvtree/internal/infra/shutdown"
	"github.com/kvtree/kvtree/internal/server"
	"github.com/kvtree/kvtree/internal/storage/snapshot"
	"github.com/kvtree/kvtree/internal/telemetry/logger"
	"github.com/kvtree/kvtree/internal/telemetry/metric"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		nodeID       = flag.String("node-id", "", "this node's unique Raft server ID (required)")
		raftBindAddr = flag.String("raft-bind-addr", "127.0.0.1:7000", "address Raft's transport listens on")
		raftDataDir  = flag.String("raft-data-dir", "", "directory for Raft log/stable/snapshot files (required)")
		bootstrap    = flag.Bool("bootstrap", false, "bootstrap a new single-voter cluster on this node")
		clusterUUID  = flag.String("cluster-uuid", "", "required cluster identity for client sessions (optional)")
		httpAddr     = flag.String("http-addr", ":8080", "address the Connect RPC and /metrics HTTP server listens on")

		snapshotKeyHex  = flag.String("snapshot-key-hex", "", "hex-encoded AEAD key for snapshot-at-rest encryption (optional)")
		snapshotKeyGen  = flag.Bool("snapshot-key-generate", false, "generate a random snapshot key, print it, and use it for this run")
		logLevel        = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFormat       = flag.String("log-format", "json", "log format: json, text")
		showVersion     = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokmesh-server %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	slogLogger := logger.AsSlog(log)

	log.Info("starting tokmesh-server", "version", version, "commit", commit, "node_id", *nodeID)

	if *nodeID == "" {
		return fmt.Errorf("-node-id is required")
	}
	if *raftDataDir == "" {
		return fmt.Errorf("-raft-data-dir is required")
	}

	snapshotKey, err := resolveSnapshotKey(*snapshotKeyHex, *snapshotKeyGen, log)
	if err != nil {
		return fmt.Errorf("resolve snapshot key: %w", err)
	}

	metrics := metric.NewRegistry()

	srv, err := server.NewServer(server.Config{
		NodeID:                *nodeID,
		ClusterUUID:           *clusterUUID,
		RaftBindAddr:          *raftBindAddr,
		RaftDataDir:           *raftDataDir,
		Bootstrap:             *bootstrap,
		Logger:                slogLogger,
		Metrics:               metrics,
		SnapshotEncryptionKey: snapshotKey,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	svc := server.NewService(srv, slogLogger, metrics)
	mux := http.NewServeMux()
	server.RegisterService(mux, svc)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down raft server")
		return srv.Stop(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// resolveSnapshotKey derives the Raft snapshot AEAD key from the command
// line flags: an explicit hex key takes precedence, otherwise
// -snapshot-key-generate mints a fresh random one (printed once, since
// there's nowhere else to persist it), otherwise snapshots stay unencrypted.
func resolveSnapshotKey(hexKey string, generate bool, log logger.Logger) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decode -snapshot-key-hex: %w", err)
		}
		return key, nil
	}
	if generate {
		key, err := snapshot.GenerateKey(32)
		if err != nil {
			return nil, err
		}
		log.Warn("generated a new snapshot encryption key for this run; record it to decrypt snapshots later", "snapshot_key_hex", fmt.Sprintf("%x", key))
		return key, nil
	}
	return nil, nil
}
