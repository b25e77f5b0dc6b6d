// reset_positions wipes open position keys (and optionally the trade
// history) from redis. Meant for paper-trading resets; it refuses to run
// unless --yes is given.
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
	"github.com/carryops/carrybot/storage"
)

func main() {
	configPath := flag.String("config", "settings.yaml", "path to settings file")
	withHistory := flag.Bool("history", false, "also delete trade_history")
	confirm := flag.Bool("yes", false, "actually delete (dry run otherwise)")
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

	keys, err := store.ScanKeys(ctx, "position:*")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to scan position keys")
	}

	fmt.Printf("found %d open position keys\n", len(keys))
	for _, k := range keys {
		fmt.Printf("  %s\n", k)
	}

	if !*confirm {
		fmt.Println("\ndry run — pass --yes to delete")
		return
	}

	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			log.Fatal().Err(err).Str("key", k).Msg("delete failed")
		}
	}
	fmt.Printf("deleted %d position keys\n", len(keys))

	if *withHistory {
		if err := store.Delete(ctx, "trade_history"); err != nil {
			log.Fatal().Err(err).Msg("failed to delete trade_history")
		}
		fmt.Println("deleted trade_history")
	}
}
