package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/config"
	"binance-futures-engine/internal/binance"
	"binance-futures-engine/internal/cache"
	"binance-futures-engine/internal/circuit"
	"binance-futures-engine/internal/database"
	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/executor"
	"binance-futures-engine/internal/logging"
	"binance-futures-engine/internal/orders"
	"binance-futures-engine/internal/risk"
	"binance-futures-engine/internal/stats"
	"binance-futures-engine/internal/strategy"
	"binance-futures-engine/internal/tuning"
	"binance-futures-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		rootLog := logging.Root()
		rootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Setup(cfg.LoggingConfig)
	log := logging.Component("main")
	log.Info().Str("env", cfg.AppEnv).Bool("testnet", cfg.BinanceConfig.Testnet).Msg("engine starting")

	bus := events.NewBus()
	bus.SubscribeAll(func(e events.Event) {
		eventsLog := logging.Component("events")
		eventsLog.Debug().Str("type", string(e.Type)).Interface("data", e.Data).Msg("event")
	})

	// Credentials come from Vault when enabled, else from the environment.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create vault client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	creds, err := vaultClient.GetCredentials(ctx, cfg.BinanceConfig.Account, cfg.BinanceConfig.Testnet)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load exchange credentials")
	}

	client := binance.NewClient(binance.ClientConfig{
		APIKey:       creds.APIKey,
		SecretKey:    creds.SecretKey,
		Testnet:      cfg.BinanceConfig.Testnet,
		SkipTimeSync: cfg.IsTest(),
		Breaker:      circuit.DefaultConfig(),
		Bus:          bus,
	})

	// Optional collaborators degrade to nil when not configured.
	var cacheService *cache.Service
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewService(cfg.RedisConfig)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without cache")
			cacheService = nil
		} else {
			defer cacheService.Close()
		}
	}

	var repo *database.Repository
	if cfg.DatabaseConfig.Host != "" {
		db, err := database.NewDB(cfg.DatabaseConfig)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, continuing without persistence")
		} else {
			defer db.Close()
			migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := db.RunMigrations(migrateCtx); err != nil {
				log.Error().Err(err).Msg("database migrations failed")
			}
			cancel()
			repo = database.NewRepository(db)
		}
	}

	streams := binance.GetStreamManager(cfg.BinanceConfig.Testnet)
	feed := binance.NewDataFeed(streams, client, client)

	sizerCfg := risk.DefaultSizerConfig()
	sizerCfg.EnableATRScaling = cfg.RiskConfig.ATRAdjustment
	if cfg.RiskConfig.ATRPeriod > 0 {
		sizerCfg.ATRPeriod = cfg.RiskConfig.ATRPeriod
	}
	sizerCfg.EnableStreakAdjustment = cfg.RiskConfig.StreakAdjustment
	sizerCfg.EnableKelly = cfg.RiskConfig.KellyAdjustment
	if cfg.RiskConfig.KellyFraction > 0 {
		sizerCfg.KellyFraction = cfg.RiskConfig.KellyFraction
	}
	sizer := risk.NewSizer(client, sizerCfg)

	statsService := stats.NewService()
	pool := executor.NewPool()
	orderIDs := orders.NewGenerator(cacheService, "engine")

	tuner := tuning.NewTrigger(cfg.TuningConfig, statsService, pool)
	tuner.WatchBus(bus)

	persistTrades(bus, repo, log)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	definitions := strategyDefinitions(cfg, repo, log)
	for _, def := range definitions {
		runner, err := executor.NewRunner(executor.Config{
			StrategyType: def.Type,
			Context: strategy.Context{
				ID:           def.ID,
				Name:         def.Name,
				Symbol:       def.Symbol,
				Leverage:     def.Leverage,
				RiskPerTrade: def.RiskPerTrade,
				Params:       def.Params,
			},
			FixedAmount: cfg.TradingConfig.FixedAmount,
			CloseOnStop: cfg.TradingConfig.CloseOnStop,
		}, executor.Deps{
			Client:   client,
			Feed:     feed,
			Streams:  streams,
			Sizer:    sizer,
			Cache:    cacheService,
			Stats:    statsService,
			Bus:      bus,
			OrderIDs: orderIDs,
		})
		if err != nil {
			log.Error().Err(err).Str("strategy_id", def.ID).Msg("strategy construction failed")
			continue
		}
		if err := pool.Add(rootCtx, runner); err != nil {
			log.Error().Err(err).Str("strategy_id", def.ID).Msg("runner registration failed")
		}
	}

	pool.Start(rootCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	stop()
	pool.Stop()

	summary := statsService.Summary()
	log.Info().
		Int("completed_trades", summary.CompletedTrades).
		Float64("total_pnl", summary.TotalPnL).
		Float64("win_rate", summary.WinRate).
		Msg("engine stopped")
}

// strategyDefinitions merges file-configured strategies with any enabled
// definitions persisted in the database. File entries win on ID conflict.
func strategyDefinitions(cfg *config.Config, repo *database.Repository, log zerolog.Logger) []config.StrategyConfig {
	defs := append([]config.StrategyConfig(nil), cfg.Strategies...)
	if repo == nil {
		return defs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stored, err := repo.GetEnabledStrategies(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not load strategies from database")
		return defs
	}

	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		seen[d.ID] = true
	}
	for _, rec := range stored {
		if seen[rec.ID] {
			continue
		}
		defs = append(defs, config.StrategyConfig{
			ID:           rec.ID,
			Name:         rec.Name,
			Type:         rec.Type,
			Symbol:       rec.Symbol,
			Leverage:     rec.Leverage,
			RiskPerTrade: rec.RiskPerTrade,
			Params:       rec.Params,
		})
	}
	return defs
}

// persistTrades mirrors trade lifecycle events into the database.
func persistTrades(bus *events.Bus, repo *database.Repository, log zerolog.Logger) {
	if repo == nil {
		return
	}
	var mu sync.Mutex
	openTrades := make(map[string]int64)

	bus.Subscribe(events.EventTradeOpened, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		trade := &database.Trade{
			StrategyID: asString(e.Data["strategy"]),
			Symbol:     asString(e.Data["symbol"]),
			Side:       asString(e.Data["side"]),
			EntryPrice: asFloat(e.Data["entry_price"]),
			Quantity:   asFloat(e.Data["quantity"]),
			EntryTime:  e.Timestamp,
		}
		if err := repo.CreateTrade(ctx, trade); err != nil {
			log.Warn().Err(err).Msg("trade persist failed")
			return
		}
		mu.Lock()
		openTrades[trade.StrategyID] = trade.ID
		mu.Unlock()
	})

	bus.Subscribe(events.EventTradeClosed, func(e events.Event) {
		strategyID := asString(e.Data["strategy"])
		mu.Lock()
		id, ok := openTrades[strategyID]
		delete(openTrades, strategyID)
		mu.Unlock()
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		exitPrice := asFloat(e.Data["exit_price"])
		pnl := asFloat(e.Data["pnl"])
		reason := asString(e.Data["reason"])
		now := e.Timestamp
		trade := &database.Trade{
			ID:         id,
			ExitPrice:  &exitPrice,
			ExitTime:   &now,
			PnL:        &pnl,
			ExitReason: &reason,
		}
		if err := repo.CloseTrade(ctx, trade); err != nil {
			log.Warn().Err(err).Msg("trade close persist failed")
		}
	})
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
