// Carrybot - Delta-neutral basis trade engine
//
// Captures perpetual funding payments while staying price-neutral:
// 1. Collect order books and funding rates into redis
// 2. Enter long-spot/short-perp pairs when funding clears the tier floor,
//    the cycle breaks even inside 3 days, and the pair passes validation
// 3. Accrue funding on open positions every tick
// 4. Exit on funding decay, negative funding, stop loss, or reserve breach
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/carryops/carrybot/bot"
	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/core"
	"github.com/carryops/carrybot/exchange"
	"github.com/carryops/carrybot/exec"
	"github.com/carryops/carrybot/feeds"
	"github.com/carryops/carrybot/monitor"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
	"github.com/carryops/carrybot/telemetry"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "settings.yaml", "path to settings file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.ApplyEnv()

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	mode := "LIVE"
	if cfg.Trading.PaperTrading {
		mode = "PAPER"
	}
	log.Info().
		Str("version", version).
		Str("mode", mode).
		Strs("symbols", cfg.Symbols).
		Bool("trading", cfg.Trading.Enabled).
		Msg("⚡ carrybot starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ====== STORAGE ======

	store, err := storage.NewStore(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer store.Close()

	var archive *storage.Archive
	if cfg.Archive.Enabled {
		archive, err = storage.OpenArchive(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open trade archive")
		}
		defer archive.Close()
	}

	var archiver storage.TradeArchiver
	if archive != nil {
		archiver = archive
	}
	positions := storage.NewPositionStore(
		store, archiver,
		cfg.Trading.MaxPositionsPerExchange,
		cfg.Trading.MaxTotalPositions,
	)
	view := storage.NewMarketDataView(store, cfg.Funding.StalenessWindow())

	registry := risk.DefaultRegistry()

	// Close anything left behind by a previous run before trading starts.
	// Validity is judged against the tier universe, not the configured
	// symbol list: a position whose symbol left the tiers or joined the
	// blacklist must not survive a restart.
	if n, err := positions.Reconcile(ctx, storage.PositionTTL, registry.ActiveSymbols(), time.Now()); err != nil {
		log.Warn().Err(err).Msg("startup reconcile failed")
	} else if n > 0 {
		log.Warn().Int("closed", n).Msg("reconciled stale positions from previous run")
	}

	// ====== EXCHANGES ======

	clients := exchange.Registry{}
	for _, ex := range cfg.EnabledExchanges() {
		switch ex.ID {
		case "bitget":
			clients[ex.ID] = exchange.NewBitget(config.CredentialsFor(ex.ID))
			log.Info().Str("exchange", ex.ID).Msg("🏦 exchange client ready")
		default:
			log.Warn().Str("exchange", ex.ID).Msg("no adapter for exchange, skipping")
		}
	}
	if len(clients) == 0 {
		log.Fatal().Msg("no usable exchanges configured")
	}

	// ====== RISK & EXECUTION ======

	capital := risk.CapitalFromConfig(cfg.Capital)
	guard := risk.NewReserveGuard(capital, positions)
	breakeven := risk.NewBreakevenEvaluator(registry)
	validator := risk.NewPairValidator(registry, clients, view)
	executor := exec.NewExecutor(clients, view, registry, cfg.Trading.PaperTrading)
	aggregator := core.NewMetricsAggregator(capital, positions)
	deltaMonitor := monitor.NewDeltaMonitor(registry, positions, view)

	metrics := telemetry.NewMetrics()

	// ====== NOTIFICATIONS ======

	var notifier core.Notifier
	var telegram *bot.TelegramBot
	if cfg.Telegram.Enabled {
		telegram, err = bot.NewTelegramBot(aggregator, positions)
		if err != nil {
			log.Warn().Err(err).Msg("telegram disabled")
		} else {
			telegram.Start()
			defer telegram.Stop()
			telegram.NotifyStartup(mode, cfg.TradingExchangeIDs(), cfg.Symbols)
			notifier = telegram
		}
	}

	// ====== CONTROLLERS ======

	entries := core.NewEntryController(
		cfg.Trading, registry, breakeven, validator, guard,
		positions, view, executor, notifier, metrics,
	)
	exits := core.NewExitController(
		cfg.Trading, registry, guard, positions, view,
		executor, deltaMonitor, notifier, metrics,
	)
	runner := core.NewStrategyRunner(
		cfg.Trading, registry, entries, exits, aggregator,
		guard, positions, metrics,
		cfg.TradingExchangeIDs(), cfg.Symbols,
	)

	// ====== RUN ======

	g, gctx := errgroup.WithContext(ctx)

	for id, client := range clients {
		collector := feeds.NewBookCollector(id, cfg.Symbols, store)
		g.Go(func() error { return collector.Run(gctx) })

		poller := feeds.NewFundingPoller(client, cfg.Symbols, store, cfg.Funding.PollIntervalDuration())
		g.Go(func() error { return poller.Run(gctx) })
	}

	if cfg.Trading.Enabled {
		g.Go(func() error { return runner.Run(gctx) })
		g.Go(func() error { return deltaMonitor.Run(gctx) })
	} else {
		log.Warn().Msg("trading disabled, running collectors only")
	}

	if cfg.Telemetry.Enabled {
		server := telemetry.NewServer(cfg.Telemetry.Listen, metrics, nil)
		g.Go(func() error { return server.Run(gctx) })
	}

	log.Info().Msg("✅ all systems online")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("👋 goodbye")
}
