// report prints the full basis-trade performance report from redis,
// and optionally the archived trade log, without touching the engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carryops/carrybot/config"
	"github.com/carryops/carrybot/core"
	"github.com/carryops/carrybot/risk"
	"github.com/carryops/carrybot/storage"
)

func main() {
	configPath := flag.String("config", "settings.yaml", "path to settings file")
	showArchive := flag.Bool("archive", false, "also list archived trades")
	limit := flag.Int("limit", 20, "archived trades to list")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.ApplyEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.NewStore(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer store.Close()

	positions := storage.NewPositionStore(store, nil,
		cfg.Trading.MaxPositionsPerExchange, cfg.Trading.MaxTotalPositions)
	aggregator := core.NewMetricsAggregator(risk.CapitalFromConfig(cfg.Capital), positions)

	snap, err := aggregator.Compute(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compute metrics")
	}
	fmt.Println(aggregator.Report(snap))

	if !*showArchive {
		return
	}
	if !cfg.Archive.Enabled {
		fmt.Println("archive disabled in config")
		return
	}

	archive, err := storage.OpenArchive(cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trade archive")
	}
	defer archive.Close()

	trades, err := archive.ClosedTrades(ctx, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to query archive")
	}

	fmt.Printf("\nARCHIVED TRADES (last %d)\n", len(trades))
	fmt.Println("──────────────────────────────────────────────────────────────")
	for _, t := range trades {
		fmt.Printf("%-19s  %-8s %-10s %-18s pnl=%+9.4f funding=%8.4f held=%5.1fh\n",
			t.ClosedAt.Format("2006-01-02 15:04:05"),
			t.Exchange, t.Symbol, t.ExitReason,
			t.RealizedPnL, t.FundingCollected, t.HoldHours,
		)
	}
}
