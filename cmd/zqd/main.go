// zqd is the market data store daemon: it collects ticks and klines
// from configured venues, persists them into partitioned parquet
// storage, and serves live subscriptions.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zonequant/zq-data/internal/config"
	"github.com/zonequant/zq-data/internal/coordinator"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/venue"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON (overrides config)")
	backfill := flag.Duration("backfill", 0, "backfill this much history on startup (e.g. 24h)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logJSON {
		cfg.Log.JSON = true
	}

	logging.Init(cfg.LogLevel(), cfg.Log.JSON)
	logger := logging.Component("zqd")
	logger.Info("starting", "version", Version, "data_dir", cfg.DataDir)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Create directories: %v", err)
	}

	// =========================================================================
	// Start the store
	// =========================================================================

	coord, err := coordinator.New(cfg.CoordinatorOptions())
	if err != nil {
		log.Fatalf("Create coordinator: %v", err)
	}
	if err := coord.Start(); err != nil {
		log.Fatalf("Start coordinator: %v", err)
	}

	// =========================================================================
	// Start venue collectors
	// =========================================================================

	ctx, cancel := context.WithCancel(context.Background())
	collectors := buildCollectors(cfg)
	for _, c := range collectors {
		c := c
		go func() {
			if err := c.Stream(ctx, coord); err != nil && ctx.Err() == nil {
				logger.Error("collector stopped", "venue", c.Name(), "error", err)
			}
		}()
		logger.Info("collector started", "venue", c.Name(), "market", c.Market())
	}

	if *backfill > 0 {
		go runBackfill(ctx, cfg, coord, *backfill)
	}

	// =========================================================================
	// Signal handling and graceful shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")

	// Stop collectors first, then flush and close the store.
	cancel()
	if err := coord.Stop(); err != nil {
		logger.Error("coordinator stop", "error", err)
	}
	logger.Info("stopped")
}

// buildCollectors maps venue configs to collectors. Binance is the only
// built-in venue; unknown names are skipped with a warning.
func buildCollectors(cfg *config.Config) []venue.Collector {
	logger := logging.Component("zqd")

	var out []venue.Collector
	for _, v := range cfg.Venues {
		switch v.Name {
		case "binance":
			freqs := make([]record.Freq, 0, len(v.KlineFreqs))
			for _, f := range v.KlineFreqs {
				freqs = append(freqs, record.Freq(f))
			}
			out = append(out, venue.NewBinance(venue.BinanceOptions{
				Market:     v.Market,
				WSHost:     v.WSHost,
				RESTHost:   v.RESTHost,
				Symbols:    v.Symbols,
				KlineFreqs: freqs,
			}))
		default:
			logger.Warn("no collector for venue", "venue", v.Name)
		}
	}
	return out
}

// runBackfill fetches recent history for every configured symbol and
// frequency and submits it through the throttled historical path.
func runBackfill(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, window time.Duration) {
	logger := logging.Component("backfill")
	end := time.Now()
	start := end.Add(-window)

	for _, v := range cfg.Venues {
		if v.Name != "binance" {
			continue
		}
		b := venue.NewBinance(venue.BinanceOptions{
			Market:   v.Market,
			RESTHost: v.RESTHost,
			Symbols:  v.Symbols,
		})
		for _, sym := range v.Symbols {
			for _, f := range v.KlineFreqs {
				records, err := b.Klines(ctx, sym, record.Freq(f), start, end)
				if err != nil {
					logger.Error("kline backfill failed", "symbol", sym, "freq", f, "error", err)
					continue
				}
				n, err := coord.SubmitHistorical(ctx, b.Name(), v.Market, records)
				if err != nil {
					logger.Error("kline backfill submit failed", "symbol", sym, "freq", f, "error", err)
					continue
				}
				logger.Info("kline backfill complete", "symbol", sym, "freq", f, "admitted", n)
			}
		}
	}
}
