package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/freeeve/chessfreq/internal/aggregate"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/logx"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", "./lichess", "Root data directory")
		minCount = flag.Int64("min-count", 2, "Minimum combined count for a position to be retained")
	)
	flag.Parse()

	logger := logx.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lay := layout.New(*dataDir)
	combiner := aggregate.NewCombiner(aggregate.Config{
		Layout:   lay,
		MinCount: *minCount,
		Logger:   logger,
	})

	summary, err := combiner.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("combine failed")
	}
	logger.Info().
		Int("months", summary.Months).
		Int64("games", summary.Games).
		Int64("positions", summary.Positions).
		Str("table", lay.CombinedTablePath()).
		Msg("combined table written")
}
