package main

import (
	"flag"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel-fleet/central"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var dbPath string
	var listen string
	var debug bool
	var stuckTimeout time.Duration
	var janitorInterval time.Duration
	var processInterval time.Duration

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&dbPath, "db", "fleet.db", "SQLite database path.")
	flag.StringVar(&listen, "listen", ":8001", "HTTP listen address.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.DurationVar(&stuckTimeout, "stuck-timeout", 5*time.Minute, "Force nodes stuck in resuming back to normal after this long.")
	flag.DurationVar(&janitorInterval, "janitor-interval", time.Minute, "How often the stuck-node janitor runs.")
	flag.DurationVar(&processInterval, "process-interval", 30*time.Second, "How often the queue processor runs.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional), CLI flags override.
	fileCfg := &central.FileConfig{}
	if configPath != "" {
		cfg, err := central.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		fileCfg = cfg
	}

	finalDB := fileCfg.DB
	if finalDB == "" || visited["db"] {
		finalDB = dbPath
	}
	finalListen := fileCfg.Listen
	if finalListen == "" || visited["listen"] {
		finalListen = listen
	}
	finalDebug := fileCfg.Debug
	if visited["debug"] {
		finalDebug = debug
	}
	finalStuckTimeout := fileCfg.StuckTimeout()
	if finalStuckTimeout <= 0 || visited["stuck-timeout"] {
		finalStuckTimeout = stuckTimeout
	}
	finalJanitorInterval := fileCfg.JanitorInterval()
	if finalJanitorInterval <= 0 || visited["janitor-interval"] {
		finalJanitorInterval = janitorInterval
	}
	finalProcessInterval := fileCfg.ProcessInterval()
	if finalProcessInterval <= 0 || visited["process-interval"] {
		finalProcessInterval = processInterval
	}

	db, err := central.OpenDB(finalDB)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer central.CloseDB(db)

	queueCfg := fileCfg.QueueConfig()
	queueCfg.Debug = finalDebug
	queue := central.NewQueue(db, queueCfg)
	coord := central.NewCoordinator(db, queue)
	coord.SetDebug(finalDebug)

	registry := prometheus.NewRegistry()
	metrics := central.NewMetrics(registry)
	server := central.NewServer(coord, queue, metrics)

	// Janitor: release nodes wedged in resuming past the timeout.
	go func() {
		ticker := time.NewTicker(finalJanitorInterval)
		defer ticker.Stop()
		for range ticker.C {
			recovered, err := coord.RecoverStuck(finalStuckTimeout)
			if err != nil {
				log.Printf("stuck-node recovery: %v", err)
				continue
			}
			if len(recovered) > 0 {
				metrics.NodesRecovered.Add(float64(len(recovered)))
				for _, r := range recovered {
					log.Printf("recovered stuck node %q (episode %d, stuck %dm)", r.NodeID, r.EpisodeID, r.StuckMinutes)
				}
			}
		}
	}()

	// Queue processor: sweep items whose backoff window has elapsed.
	go func() {
		ticker := time.NewTicker(finalProcessInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := coord.ProcessQueues(); err != nil {
				log.Printf("queue processing: %v", err)
			}
		}
	}()

	log.Printf("fleet-server listening on %s (db=%s)", finalListen, finalDB)
	if err := server.Router(registry).Run(finalListen); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
