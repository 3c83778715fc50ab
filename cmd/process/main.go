package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/freeeve/chessfreq/internal/archive"
	"github.com/freeeve/chessfreq/internal/extract"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/logx"
	"github.com/freeeve/chessfreq/internal/manifest"
	"github.com/freeeve/chessfreq/internal/sched"
)

func main() {
	defaultBaseURL := manifest.DefaultBaseURL
	if env := os.Getenv("CHESSFREQ_BASE_URL"); env != "" {
		defaultBaseURL = env
	}
	defaultWorkers := 1
	if env := os.Getenv("CHESSFREQ_WORKERS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			defaultWorkers = n
		}
	}

	var (
		dataDir      = flag.String("data-dir", "./lichess", "Root data directory")
		baseURL      = flag.String("base-url", defaultBaseURL, "Registry base URL")
		workers      = flag.Int("workers", defaultWorkers, "Concurrent archive processors")
		pollInterval = flag.Duration("poll-interval", 256*time.Second, "Scheduler poll interval")
		inverseShare = flag.Int64("inverse-share", 2048, "Inverse share of games kept above the threshold")
		minCount     = flag.Int64("min-count", 1, "Minimum count for a position to be retained per month")
		chunkSize    = flag.Int("chunk-size", 1<<20, "Max scan buffer in bytes")
		ratingTables = flag.Bool("rating-tables", true, "Persist per-month rating survey tables")
	)
	flag.Parse()

	logger := logx.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lay := layout.New(*dataDir)
	if err := lay.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("create data directories")
	}

	logger.Info().Str("base_url", *baseURL).Msg("fetching registry manifests")
	snap, err := manifest.NewClient(*baseURL).Snapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch manifests")
	}
	logger.Info().Int("databases", len(snap.Checksums)).Msg("manifests fetched")

	archives := archive.NewStore(lay, snap.Checksums, logger)

	runProcessor := func(ctx context.Context, id string) error {
		totalGames, err := snap.GamesCount(id)
		if err != nil {
			return err
		}
		p, err := extract.NewProcessor(extract.Config{
			ID:               id,
			ArchivePath:      archives.Path(id),
			TotalGames:       totalGames,
			InverseShare:     *inverseShare,
			MinCount:         *minCount,
			ChunkSize:        *chunkSize,
			KeepRatingSurvey: *ratingTables,
			Layout:           lay,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		return p.Run(ctx)
	}

	scheduler, err := sched.New(sched.Config{
		Snapshot:     snap,
		Archives:     archives,
		Layout:       lay,
		Run:          runProcessor,
		MaxWorkers:   *workers,
		PollInterval: *pollInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create scheduler")
	}

	if err := scheduler.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler stopped")
	}
	logger.Info().Msg("all available archives processed")
}
