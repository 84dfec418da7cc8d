package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/api"
	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/config"
	"github.com/luxfi/klp/pkg/events"
	"github.com/luxfi/klp/pkg/fixed"
	"github.com/luxfi/klp/pkg/gov"
	"github.com/luxfi/klp/pkg/grpc"
	"github.com/luxfi/klp/pkg/keeper"
	"github.com/luxfi/klp/pkg/klp"
	"github.com/luxfi/klp/pkg/marketdata"
	"github.com/luxfi/klp/pkg/metrics"
	"github.com/luxfi/klp/pkg/store"
	"github.com/luxfi/klp/pkg/venue"
	"github.com/luxfi/klp/pkg/websocket"
)

const systemMetricsInterval = 15 * time.Second

// Node runs a venue with its block producer, persistence, APIs and keeper.
type Node struct {
	cfg     *config.Config
	logger  log.Logger
	db      database.Database
	journal *store.Journal
	clock   *chain.ManualClock
	venue   *venue.Venue
	metrics *metrics.Metrics
	ws      *websocket.Server
	candles *marketdata.Aggregator
	nats    *events.Publisher
	keeper  *keeper.Keeper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg *config.Config, logger log.Logger) (*Node, error) {
	db, err := openDatabase(cfg.Node, logger)
	if err != nil {
		return nil, err
	}
	journal, err := store.Open(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	govCfg := cfg.Governance
	if !cfg.Node.ResetGovernance {
		stored, ok, err := journal.LoadConfig()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load governance config: %w", err)
		}
		if ok {
			logger.Info("Restored governance config", "version", stored.Version, "tokens", len(stored.Tokens))
			govCfg = stored
		}
	}

	now := uint64(time.Now().Unix())
	clock := chain.NewManualClock(1, now)
	if last, ok, err := journal.LastBlock(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load block head: %w", err)
	} else if ok {
		clock.Set(chain.Block{Number: last.Number + 1, Time: max(now, last.Time+1)})
		logger.Info("Resuming block production", "lastBlock", last.Number)
	}

	v, err := venue.New(venue.Options{
		Config:    govCfg,
		Addresses: cfg.Addresses,
		Roles:     cfg.Roles,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.New("klp", logger)
	ws := websocket.NewServer(logger.New("module", "websocket"), websocket.DefaultConfig(), v.ChannelSnapshot)
	candles := marketdata.NewAggregator(logger.New("module", "marketdata"), db)
	candles.Forward(ws)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		journal: journal,
		clock:   clock,
		venue:   v,
		metrics: m,
		ws:      ws,
		candles: candles,
		ctx:     ctx,
		cancel:  cancel,
	}

	v.State.AddSink(journal)
	v.State.AddSink(m)
	v.State.AddSink(ws)
	v.State.AddSink(candles)
	v.State.AddSink(chain.SinkFunc(n.persistConfig))
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events will not be published", "error", err)
		} else {
			pub.OnPublish(m.RecordNATSPublish)
			v.State.AddSink(pub)
			n.nats = pub
		}
	}

	if err := journal.SaveConfig(v.Gov.Config()); err != nil {
		logger.Warn("Failed to persist governance config", "error", err)
	}
	if len(cfg.Prices) > 0 {
		if err := v.Report(ctx, cfg.SeedPrices()); err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to seed prices: %w", err)
		}
	}
	if cfg.Keeper.Enabled {
		n.keeper = keeper.New(cfg.Keeper.Config, v, m, logger.New("module", "keeper"))
	}
	return n, nil
}

// openDatabase opens the configured engine, falling back to memory when
// BadgerDB cannot be opened.
func openDatabase(cfg config.NodeConfig, logger log.Logger) (database.Database, error) {
	dataPath := expandHome(cfg.DataDir)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(dataPath, nil)

	if cfg.DBEngine == "memory" {
		logger.Info("Using in-memory database")
		return dbManager.New(manager.DefaultMemoryConfig())
	}

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "klp"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB, falling back to memory", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		return db, nil
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	return db, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

// persistConfig stores every committed governance change so a restart
// resumes with it.
func (n *Node) persistConfig(evs []chain.Event) {
	for _, ev := range evs {
		if ev.Topic != gov.TopicConfigUpdated {
			continue
		}
		cfg := n.venue.Gov.Config()
		if err := n.journal.SaveConfig(cfg); err != nil {
			n.logger.Error("Failed to persist governance config", "version", cfg.Version, "error", err)
		}
		return
	}
}

func (n *Node) Start() error {
	addrs := n.cfg.API
	n.logger.Info("Starting KLP node",
		"dataDir", n.cfg.Node.DataDir,
		"blockInterval", n.cfg.Node.BlockInterval,
		"jsonrpc", addrs.JSONRPCAddr,
		"websocket", addrs.WebSocketAddr,
		"grpc", addrs.GRPCAddr,
		"metrics", addrs.MetricsAddr,
		"keeper", n.keeper != nil)

	n.metrics.StartServer(addrs.MetricsAddr)
	n.spawn(func() { n.metrics.CollectSystemMetrics(n.ctx, systemMetricsInterval) })
	n.spawn(n.produceBlocks)

	n.spawn(func() {
		rpc := api.NewJSONRPCServer(n.venue, n.journal, n.logger.New("module", "jsonrpc"))
		rpc.SetCandleSource(n.candles)
		if err := api.StartJSONRPCServer(n.ctx, addrs.JSONRPCAddr, rpc, n.logger); err != nil {
			n.logger.Error("JSON-RPC server failed", "error", err)
		}
	})
	n.spawn(func() {
		if err := n.ws.Start(addrs.WebSocketAddr); err != nil {
			n.logger.Error("WebSocket server failed", "error", err)
		}
	})
	n.spawn(func() {
		srv := grpc.NewServer(n.venue, n.logger.New("module", "grpc"), n.cfg.NATS.Name, api.Version, "klp")
		if err := grpc.StartGRPCServer(n.ctx, addrs.GRPCAddr, srv, n.logger); err != nil {
			n.logger.Error("gRPC server failed", "error", err)
		}
	})
	if n.keeper != nil {
		n.spawn(func() { n.keeper.Run(n.ctx) })
	}

	n.logger.Info("KLP node started successfully")
	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// produceBlocks mines one block per interval, records the head and refreshes
// the venue gauges.
func (n *Node) produceBlocks() {
	ticker := time.NewTicker(n.cfg.Node.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			b := n.clock.MineAt(now)
			if err := n.journal.PutBlock(b); err != nil {
				n.logger.Error("Failed to store block", "number", b.Number, "error", err)
			}
			n.metrics.SetBlockHeight(b.Number)
			n.candles.Tick(b.Time)
			n.sample()
		}
	}
}

func (n *Node) sample() {
	snap, err := n.venue.Snapshot(n.ctx)
	if err != nil {
		n.logger.Debug("Snapshot failed", "error", err)
		return
	}
	usd := func(a fixed.Amount) float64 { return a.Decimal(fixed.PriceDecimals).InexactFloat64() }
	n.metrics.SetAum(usd(snap.AumMin), usd(snap.AumMax))
	n.metrics.SetKlpSupply(snap.KlpSupply.Decimal(klp.Decimals).InexactFloat64())
	n.metrics.SetQueueLengths(snap.PendingIncreases, snap.PendingDecreases)
	for _, p := range snap.Pools {
		n.metrics.SetPool(p.Symbol,
			p.PoolAmount.Decimal(p.Decimals).InexactFloat64(),
			p.ReservedAmount.Decimal(p.Decimals).InexactFloat64(),
			usd(p.GlobalShortSize))
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down KLP node")
	n.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.ws.Stop(ctx); err != nil {
		n.logger.Warn("WebSocket shutdown failed", "error", err)
	}
	if err := n.metrics.Shutdown(ctx); err != nil {
		n.logger.Warn("Metrics shutdown failed", "error", err)
	}
	n.wg.Wait()

	if n.nats != nil {
		n.nats.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Failed to close database", "error", err)
		}
	}
	n.logger.Info("KLP node shutdown complete")
}
