package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides node.data_dir)")
	dbEngine := flag.String("db-engine", "", "Database engine: badgerdb or memory")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	blockInterval := flag.Duration("block-interval", 0, "Block interval (overrides node.block_interval)")
	govAddr := flag.String("gov", "", "Governance account (overrides addresses.gov)")
	resetGov := flag.Bool("reset-governance", false, "Ignore the governance config stored by an earlier run")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *dbEngine != "" {
		cfg.Node.DBEngine = *dbEngine
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}
	if *blockInterval > 0 {
		// the keeper follows the block interval unless configured separately
		if cfg.Keeper.Interval == cfg.Node.BlockInterval {
			cfg.Keeper.Interval = *blockInterval
		}
		cfg.Node.BlockInterval = *blockInterval
	}
	if *govAddr != "" {
		if !common.IsHexAddress(*govAddr) {
			fmt.Fprintf(os.Stderr, "Invalid -gov address %q\n", *govAddr)
			os.Exit(1)
		}
		cfg.Addresses.Gov = common.HexToAddress(*govAddr)
	}
	if *resetGov {
		cfg.Node.ResetGovernance = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config:\n%v\n", err)
		os.Exit(1)
	}

	level, err := log.ToLevel(cfg.Node.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", cfg.Node.LogLevel, err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)
	logger.Info("KLP node",
		"platform", runtime.GOOS+"/"+runtime.GOARCH,
		"cpus", runtime.NumCPU(),
		"gov", cfg.Addresses.Gov.Hex(),
		"tokens", len(cfg.Governance.Tokens))

	node, err := NewNode(cfg, logger)
	if err != nil {
		logger.Error("Failed to create node", "error", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		logger.Error("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal", "signal", sig.String())

	done := make(chan struct{})
	go func() {
		node.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error("Shutdown timed out")
		os.Exit(1)
	}
}
