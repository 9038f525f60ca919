package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"sentinel-fleet/edge"
)

func main() {
	var configPath string
	var nodeID string
	var centerURL string
	var queueDir string
	var listen string
	var debug bool

	flag.StringVar(&configPath, "config", "", "TOML config file path.")
	flag.StringVar(&nodeID, "node-id", "", "Node identifier (overrides config).")
	flag.StringVar(&centerURL, "center-url", "", "Central fleet API base URL (overrides config).")
	flag.StringVar(&queueDir, "queue-dir", "", "Local queue directory (overrides config).")
	flag.StringVar(&listen, "listen", "", "HTTP listen address (overrides config).")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.Parse()

	cfg := &edge.Config{}
	if configPath != "" {
		loaded, err := edge.LoadConfig(configPath)
		if err != nil {
			slog.Error("load config failed", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if centerURL != "" {
		cfg.CenterURL = centerURL
	}
	if queueDir != "" {
		cfg.QueueDir = queueDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8000"
	}
	if cfg.QueueDir == "" {
		cfg.QueueDir = "blackout_queue"
	}
	if cfg.NodeID == "" || cfg.CenterURL == "" {
		slog.Error("node-id and center-url are required (flags or config)")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if debug || cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := edge.OpenStore(edge.StoreConfig{
		Path:       cfg.QueueDir,
		SyncWrites: true,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("open queue store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	client := edge.NewCenterClient(cfg.CenterURL, cfg.NodeID, cfg.RequestTimeout())
	ctrl := edge.NewController(store, logger)
	server := edge.NewServer(ctrl, store, client, cfg.BurstConfig(), logger)

	// Best-effort registration; the node keeps working offline and the
	// center also auto-creates on first detection.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	if err := client.Register(ctx); err != nil {
		logger.Warn("register with center failed", "error", err)
	}
	cancel()

	// Heartbeat loop; skipped while covert so the node leaves no network
	// signature during blackout.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if ctrl.Active() {
				continue
			}
			hbCtx, hbCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
			if err := client.Heartbeat(hbCtx); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
			hbCancel()
		}
	}()

	logger.Info("fleet-edge listening", "addr", cfg.Listen, "node_id", cfg.NodeID)
	if err := server.Router().Run(cfg.Listen); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
