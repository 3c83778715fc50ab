package main

import (
	"encoding/csv"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/freeeve/uci"

	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/logx"
	"github.com/freeeve/chessfreq/internal/tables"
)

// annotate evaluates the most popular combined positions with a UCI engine
// and writes a small fen,count,cp,mate table for analysts.
func main() {
	defaultStockfish := "stockfish"
	if env := os.Getenv("STOCKFISH_PATH"); env != "" {
		defaultStockfish = env
	}

	var (
		dataDir       = flag.String("data-dir", "./lichess", "Root data directory")
		stockfishPath = flag.String("stockfish", defaultStockfish, "Path to Stockfish executable")
		depth         = flag.Int("depth", 20, "Evaluation depth")
		top           = flag.Int("top", 100, "Number of top positions to evaluate")
		outputPath    = flag.String("output", "popular_evals.csv", "Output CSV file")
		hashMB        = flag.Int("hash", 256, "Engine hash table MB")
		threads       = flag.Int("threads", 2, "Engine threads")
	)
	flag.Parse()

	logger := logx.NewLogger()
	lay := layout.New(*dataDir)

	type row struct {
		key   string
		count int64
	}
	rows := make([]row, 0, *top)
	err := tables.ReadFrequency(lay.CombinedTablePath(), func(key string, count int64) error {
		if len(rows) < *top {
			rows = append(rows, row{key: key, count: count})
		}
		return nil
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("read combined table")
	}
	logger.Info().Int("positions", len(rows)).Msg("evaluating top positions")

	engine, err := uci.NewEngine(*stockfishPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}
	defer engine.Close()

	if err := engine.SetOptions(uci.Options{
		Hash:    *hashMB,
		Threads: *threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}); err != nil {
		logger.Fatal().Err(err).Msg("set engine options")
	}

	outFile, err := os.Create(*outputPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("create output file")
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	if err := writer.Write([]string{"fen", "count", "cp", "mate"}); err != nil {
		logger.Fatal().Err(err).Msg("write header")
	}

	for i, r := range rows {
		// The table key omits the move counters; restore placeholders so
		// the engine accepts it as a full FEN.
		fen := r.key + " 0 1"
		if err := engine.SetFEN(fen); err != nil {
			logger.Warn().Err(err).Str("fen", fen).Msg("set FEN failed")
			continue
		}

		results, err := engine.GoDepth(*depth, uci.HighestDepthOnly)
		if err != nil || len(results.Results) == 0 {
			logger.Warn().Err(err).Str("fen", fen).Msg("eval failed")
			continue
		}
		best := results.Results[0]
		for _, res := range results.Results {
			if res.Depth > best.Depth {
				best = res
			}
		}

		// Normalize to white's perspective
		score := best.Score
		if strings.Contains(fen, " b ") {
			score = -score
		}

		cp, mate := "", ""
		if best.Mate {
			mate = strconv.Itoa(score)
		} else {
			cp = strconv.Itoa(score)
		}

		record := []string{fen, strconv.FormatInt(r.count, 10), cp, mate}
		if err := writer.Write(record); err != nil {
			logger.Fatal().Err(err).Msg("write row")
		}

		if (i+1)%10 == 0 {
			logger.Info().Int("evaluated", i+1).Int("total", len(rows)).Msg("progress")
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		logger.Fatal().Err(err).Msg("flush output")
	}
	logger.Info().Str("output", *outputPath).Msg("annotation complete")
}
