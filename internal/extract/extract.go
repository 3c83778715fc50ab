// Package extract implements the two-pass stream processor: one archive in,
// a skill threshold, a position-frequency table and a completion log out.
//
// Pass 1 streams the archive and surveys each game's weaker rating into a
// histogram. The skill threshold is derived from that histogram and the
// registry's total game count. Pass 2 re-streams the archive and, for every
// game at or above the threshold, replays its moves and counts each distinct
// position once per game. The table is written before the log, so the log's
// existence always proves a fully-written table.
package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/board"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/tables"
)

// Config configures a processor for one archive.
type Config struct {
	ID               string         // database id, e.g. "2022-01"
	ArchivePath      string         // verified local archive (.pgn or .pgn.zst)
	TotalGames       int64          // total game count from the registry
	InverseShare     int64          // threshold selectivity (default 2048)
	MinCount         int64          // rows below this count are dropped (default 1)
	ChunkSize        int            // max line-scan buffer in bytes (default 1MB)
	KeepRatingSurvey bool           // persist the pass-1 histogram as a table
	Layout           layout.Layout
	Logger           zerolog.Logger
}

// Processor is the unit of work for one monthly archive.
type Processor struct {
	cfg Config
	log zerolog.Logger
}

// NewProcessor validates the config and applies defaults.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("database id required")
	}
	if cfg.ArchivePath == "" {
		return nil, fmt.Errorf("archive path required")
	}
	if cfg.TotalGames <= 0 {
		return nil, fmt.Errorf("total games required for %s", cfg.ID)
	}
	if cfg.InverseShare == 0 {
		cfg.InverseShare = 2048
	}
	if cfg.MinCount == 0 {
		cfg.MinCount = 1
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1 << 20
	}

	return &Processor{
		cfg: cfg,
		log: cfg.Logger.With().Str("id", cfg.ID).Logger(),
	}, nil
}

// Run executes both passes and commits the artifacts.
func (p *Processor) Run(ctx context.Context) error {
	startTime := time.Now()

	hist, err := p.surveyRatings(ctx)
	if err != nil {
		return fmt.Errorf("rating survey: %w", err)
	}

	threshold := Threshold(hist, p.cfg.TotalGames, p.cfg.InverseShare)
	p.log.Info().
		Int("threshold", threshold).
		Int("buckets", len(hist)).
		Dur("elapsed", time.Since(startTime)).
		Msg("rating survey complete")

	if p.cfg.KeepRatingSurvey {
		if err := tables.WriteRatingSurvey(p.cfg.Layout.RatingPath(p.cfg.ID), hist); err != nil {
			return fmt.Errorf("write rating survey: %w", err)
		}
	}

	counts, err := p.extractPositions(ctx, threshold)
	if err != nil {
		return fmt.Errorf("position extraction: %w", err)
	}

	entries := make([]tables.Entry, 0, len(counts))
	for key, count := range counts {
		if count >= p.cfg.MinCount {
			entries = append(entries, tables.Entry{Key: key, Count: count})
		}
	}
	tables.SortEntries(entries)

	// Two-step commit: table first, log strictly last. A crash in between
	// leaves no log, so the month stays eligible for a re-run.
	if err := tables.WriteFrequency(p.cfg.Layout.TablePath(p.cfg.ID), entries); err != nil {
		return fmt.Errorf("write frequency table: %w", err)
	}
	completion := tables.Log{
		Threshold:     threshold,
		StartingCount: counts[board.StartingKey],
		DistinctCount: int64(len(counts)),
	}
	if err := tables.WriteLog(p.cfg.Layout.LogPath(p.cfg.ID), completion); err != nil {
		return fmt.Errorf("write completion log: %w", err)
	}

	p.log.Info().
		Int("threshold", threshold).
		Int64("starting_count", completion.StartingCount).
		Int64("distinct", completion.DistinctCount).
		Int("retained", len(entries)).
		Dur("elapsed", time.Since(startTime)).
		Msg("archive processed")
	return nil
}

// Threshold derives the skill threshold: ratings descending, running game
// count; the first rating whose cumulative count times inverseShare reaches
// totalGames wins. 0 (no filtering) if the bound is never reached.
func Threshold(hist map[int]int64, totalGames, inverseShare int64) int {
	ratings := make([]int, 0, len(hist))
	for r := range hist {
		ratings = append(ratings, r)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ratings)))

	var cumulative int64
	for _, r := range ratings {
		cumulative += hist[r]
		if cumulative*inverseShare >= totalGames {
			return r
		}
	}
	return 0
}

// surveyRatings is pass 1: histogram of each game's weaker rating.
func (p *Processor) surveyRatings(ctx context.Context) (map[int]int64, error) {
	hist := make(map[int]int64)
	err := p.scan(ctx, func(minRating int, movetext []byte) error {
		hist[minRating]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hist, nil
}

// extractPositions is pass 2: per-game deduplicated position counts for
// games at or above the threshold.
func (p *Processor) extractPositions(ctx context.Context, threshold int) (map[string]int64, error) {
	counts := make(map[string]int64)
	var games, skipped, badMoves int64
	lastLog := time.Now()

	err := p.scan(ctx, func(minRating int, movetext []byte) error {
		if minRating < threshold {
			skipped++
			return nil
		}

		keys, err := board.GamePositions(string(movetext))
		if err != nil {
			badMoves++
			p.log.Debug().Err(err).Msg("movetext truncated")
		}

		// Duplicates within one game collapse to a single membership
		// before the global table is touched.
		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			counts[key]++
		}
		games++

		if time.Since(lastLog) > 10*time.Second {
			p.log.Info().
				Int64("games", games).
				Int64("skipped", skipped).
				Int("positions", len(counts)).
				Msg("extraction progress")
			lastLog = time.Now()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info().
		Int64("games", games).
		Int64("skipped", skipped).
		Int64("bad_movetext", badMoves).
		Int("positions", len(counts)).
		Msg("extraction complete")
	return counts, nil
}

// scan streams the archive line by line, tracking the two participant
// ratings of the current game, and calls visit once per game record with
// the weaker rating and the raw move-text line. Both passes use this same
// scan so the archive is read identically each time.
func (p *Processor) scan(ctx context.Context, visit func(minRating int, movetext []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := openArchive(p.cfg.ArchivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), p.cfg.ChunkSize)

	var elos [2]int
	for scanner.Scan() {
		line := scanner.Bytes()
		updateGameElos(line, &elos)

		if isMovetextLine(line) {
			if err := ctx.Err(); err != nil {
				return err
			}
			minRating := elos[0]
			if elos[1] < minRating {
				minRating = elos[1]
			}
			if err := visit(minRating, line); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", p.cfg.ArchivePath, err)
	}
	return nil
}

// isMovetextLine reports whether a line starts a game's move-text: it
// contains the first move marker and is not a tag-pair line.
func isMovetextLine(line []byte) bool {
	return bytes.Contains(line, []byte("1. ")) && !bytes.Contains(line, []byte(`"]`))
}

// updateGameElos maintains the 2-slot rating snapshot. A rating-tag line
// overwrites its slot with the digits found on the line; a missing or
// non-numeric value leaves the prior slot value in place.
func updateGameElos(line []byte, elos *[2]int) {
	if bytes.Contains(line, []byte("WhiteElo")) {
		if v, ok := digitsValue(line); ok {
			elos[0] = v
		}
	}
	if bytes.Contains(line, []byte("BlackElo")) {
		if v, ok := digitsValue(line); ok {
			elos[1] = v
		}
	}
}

// digitsValue concatenates every digit on the line into one integer.
func digitsValue(line []byte) (int, bool) {
	v := 0
	found := false
	for _, c := range line {
		if c >= '0' && c <= '9' {
			v = v*10 + int(c-'0')
			found = true
		}
	}
	return v, found
}

// openArchive opens the archive for one streaming pass. Compressed archives
// are decompressed on the fly; the full archive is never held in memory.
func openArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	return &zstdReadCloser{zr: zr, f: f}, nil
}

type zstdReadCloser struct {
	zr *zstd.Decoder
	f  *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.zr.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.f.Close()
}
