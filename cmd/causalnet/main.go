package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/causalnet/internal/cache"
	"github.com/sandwichfarm/causalnet/internal/config"
	"github.com/sandwichfarm/causalnet/internal/metrics"
	"github.com/sandwichfarm/causalnet/internal/node"
	"github.com/sandwichfarm/causalnet/internal/ops"
	"github.com/sandwichfarm/causalnet/internal/reactor"
	"github.com/sandwichfarm/causalnet/internal/relay"
	"github.com/sandwichfarm/causalnet/internal/storage"
	"github.com/sandwichfarm/causalnet/internal/transport"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// app wires every collaborator a running causalnet node needs, so the
// transport dispatch loop in dispatch.go has one object to reach into.
type app struct {
	cfg     *config.Config
	logger  *ops.Logger
	metrics *metrics.Registry

	store     *storage.Storage
	cache     *cache.EventCache
	react     *reactor.Reactor
	relay     *relay.Manager
	transport *transport.Manager
	node      *node.Node

	diagnostics *ops.DiagnosticsCollector
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("causalnet %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("causalnet - a distributed, causally-consistent reactive data store")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  causalnet init              Generate example configuration")
		fmt.Println("  causalnet --version         Show version information")
		fmt.Println("  causalnet --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting causalnet %s\n", version)
	fmt.Printf("  Node: %s (%s)\n", cfg.Node.ID, cfg.Node.DisplayName)
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Metrics.Enabled {
		fmt.Printf("Starting metrics server on %s...\n", a.cfg.Metrics.ListenAddr)
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.ListenAddr); err != nil {
				a.logger.Error("metrics: serve failed", "error", err)
			}
		}()
	}

	a.dialPeers(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.acceptLoop(ctx) }()

	fmt.Println()
	fmt.Println("✓ Node started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "transport listener stopped: %v\n", err)
		}
	}

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	cancel()
	fmt.Println("✓ Shutdown complete")
	return nil
}

// build constructs every collaborator in dependency order: storage, the
// event-id cache, the lineage/reactor/relay layer, the transport manager,
// and finally the node that glues them together.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := ops.NewLogger(&cfg.Logging)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	fmt.Println("Initializing storage...")
	store, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	fmt.Printf("  Storage: %s initialized\n", cfg.Storage.Driver)

	fmt.Println("Initializing event cache...")
	ec, err := cache.New(&cfg.Cache)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	fmt.Println("  Cache ready")

	react := reactor.New(logger)
	react.SetMetrics(reg)

	relayMgr := relay.NewManager()
	transportMgr := transport.NewManager(reg)

	n := node.New(store, node.AllowAllPolicy{}, react, cfg.Lineage.DefaultBudget, cfg.Cache.Capacity, logger, reg, ec)

	diag := ops.NewDiagnosticsCollector(version, commit, store, ec, transportMgr)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     reg,
		store:       store,
		cache:       ec,
		react:       react,
		relay:       relayMgr,
		transport:   transportMgr,
		node:        n,
		diagnostics: diag,
	}

	logger.LogStartup(version, commit, map[string]interface{}{
		"node_id":      cfg.Node.ID,
		"storage":      cfg.Storage.Driver,
		"listen_addr":  cfg.Transport.ListenAddr,
		"dial_targets": len(cfg.Transport.DialTargets),
	})

	return a, nil
}

func (a *app) close() {
	_ = a.cache.Close()
	_ = a.store.Close()
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
