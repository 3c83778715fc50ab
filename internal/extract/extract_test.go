package extract_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/board"
	"github.com/freeeve/chessfreq/internal/extract"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/tables"
)

func TestThreshold(t *testing.T) {
	hist := map[int]int64{2500: 1, 2000: 2, 1200: 3}

	// Descending: 2500 gives 1*2=2 < 6; 2000 gives 3*2=6 >= 6.
	if got := extract.Threshold(hist, 6, 2); got != 2000 {
		t.Errorf("threshold: got %d want 2000", got)
	}

	// Bound unreachable for any rating: falls back to 0 (no filtering).
	if got := extract.Threshold(hist, 100, 2); got != 0 {
		t.Errorf("unreachable bound: got %d want 0", got)
	}

	// Top bucket alone can satisfy the bound.
	if got := extract.Threshold(hist, 2, 2); got != 2500 {
		t.Errorf("top bucket: got %d want 2500", got)
	}

	if got := extract.Threshold(map[int]int64{}, 10, 2); got != 0 {
		t.Errorf("empty histogram: got %d want 0", got)
	}
}

func gameRecord(whiteElo, blackElo, movetext string) string {
	return fmt.Sprintf("[Event \"Test\"]\n[WhiteElo %q]\n[BlackElo %q]\n\n%s\n\n",
		whiteElo, blackElo, movetext)
}

func writeFixture(t *testing.T, lay layout.Layout, id string, games ...string) string {
	t.Helper()
	// Plain .pgn inside the archive directory; the processor streams it
	// the same way as a compressed archive.
	path := filepath.Join(lay.ArchiveDir, id+".pgn")
	if err := os.WriteFile(path, []byte(strings.Join(games, "")), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func newLayout(t *testing.T) layout.Layout {
	t.Helper()
	lay := layout.New(t.TempDir())
	if err := lay.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return lay
}

func runProcessor(t *testing.T, cfg extract.Config) {
	t.Helper()
	p, err := extract.NewProcessor(cfg)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func readCounts(t *testing.T, path string) map[string]int64 {
	t.Helper()
	counts := make(map[string]int64)
	err := tables.ReadFrequency(path, func(key string, count int64) error {
		counts[key] = count
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFrequency: %v", err)
	}
	return counts
}

func keyAfter(t *testing.T, movetext string) string {
	t.Helper()
	keys, err := board.GamePositions(movetext)
	if err != nil {
		t.Fatalf("GamePositions(%q): %v", movetext, err)
	}
	return keys[len(keys)-1]
}

func TestProcessorEndToEnd(t *testing.T) {
	lay := newLayout(t)
	path := writeFixture(t, lay, "2022-01",
		gameRecord("2000", "1800", "1. e4 e5 2. Nf3 Nc6 1-0"),
		gameRecord("1200", "1100", "1. d4 d5 2. c4 c6 0-1"),
		gameRecord("2500", "2400", "1. e4 c5 2. Nf3 1-0"),
	)

	runProcessor(t, extract.Config{
		ID:           "2022-01",
		ArchivePath:  path,
		TotalGames:   3,
		InverseShare: 2,
		MinCount:     1,
		Layout:       lay,
		Logger:       zerolog.Nop(),
	})

	completion, err := tables.ReadLog(lay.LogPath("2022-01"))
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	// Histogram {1800:1, 1100:1, 2400:1}, total 3, share 2:
	// 2400 gives 2 < 3, 1800 gives 4 >= 3.
	if completion.Threshold != 1800 {
		t.Errorf("threshold: got %d want 1800", completion.Threshold)
	}
	// Both qualifying games contribute the starting position exactly once.
	if completion.StartingCount != 2 {
		t.Errorf("starting count: got %d want 2", completion.StartingCount)
	}

	counts := readCounts(t, lay.TablePath("2022-01"))
	if counts[board.StartingKey] != 2 {
		t.Errorf("starting position count: got %d want 2", counts[board.StartingKey])
	}
	if e4 := keyAfter(t, "1. e4"); counts[e4] != 2 {
		t.Errorf("1. e4 count: got %d want 2", counts[e4])
	}
	if d4 := keyAfter(t, "1. d4"); counts[d4] != 0 {
		t.Errorf("low-rated game's positions must be omitted, got count %d", counts[d4])
	}
	if e5 := keyAfter(t, "1. e4 e5"); counts[e5] != 1 {
		t.Errorf("1...e5 count: got %d want 1", counts[e5])
	}
}

func TestProcessorIdempotence(t *testing.T) {
	lay := newLayout(t)
	path := writeFixture(t, lay, "2022-01",
		gameRecord("2100", "2000", "1. e4 e5 2. Nf3 Nc6 1-0"),
		gameRecord("1900", "1850", "1. d4 Nf6 2. c4 e6 1/2-1/2"),
	)

	cfg := extract.Config{
		ID:               "2022-01",
		ArchivePath:      path,
		TotalGames:       2,
		InverseShare:     2,
		MinCount:         1,
		KeepRatingSurvey: true,
		Layout:           lay,
		Logger:           zerolog.Nop(),
	}
	runProcessor(t, cfg)

	firstTable, err := os.ReadFile(lay.TablePath("2022-01"))
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	firstLog, err := os.ReadFile(lay.LogPath("2022-01"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	firstSurvey, err := os.ReadFile(lay.RatingPath("2022-01"))
	if err != nil {
		t.Fatalf("read survey: %v", err)
	}

	runProcessor(t, cfg)

	secondTable, _ := os.ReadFile(lay.TablePath("2022-01"))
	secondLog, _ := os.ReadFile(lay.LogPath("2022-01"))
	secondSurvey, _ := os.ReadFile(lay.RatingPath("2022-01"))

	if string(firstTable) != string(secondTable) {
		t.Error("frequency table not byte-identical across reruns")
	}
	if string(firstLog) != string(secondLog) {
		t.Error("completion log not byte-identical across reruns")
	}
	if string(firstSurvey) != string(secondSurvey) {
		t.Error("rating survey not byte-identical across reruns")
	}
}

func TestProcessorIntraGameDedup(t *testing.T) {
	lay := newLayout(t)
	// Both knights return home, so the game revisits the starting setup;
	// the revisit must not count a second time.
	path := writeFixture(t, lay, "2022-01",
		gameRecord("2000", "2000", "1. Nf3 Nf6 2. Ng1 Ng8 1/2-1/2"),
	)

	runProcessor(t, extract.Config{
		ID:           "2022-01",
		ArchivePath:  path,
		TotalGames:   1,
		InverseShare: 2,
		MinCount:     1,
		Layout:       lay,
		Logger:       zerolog.Nop(),
	})

	counts := readCounts(t, lay.TablePath("2022-01"))
	if counts[board.StartingKey] != 1 {
		t.Errorf("transposed start position: got %d want 1", counts[board.StartingKey])
	}
}

func TestProcessorZstdArchive(t *testing.T) {
	games := gameRecord("2200", "2150", "1. e4 e5 2. Nf3 Nc6 1-0") +
		gameRecord("2300", "2250", "1. d4 d5 2. c4 e6 0-1")

	plainLay := newLayout(t)
	plainPath := filepath.Join(plainLay.ArchiveDir, "2022-01.pgn")
	if err := os.WriteFile(plainPath, []byte(games), 0644); err != nil {
		t.Fatalf("write plain fixture: %v", err)
	}

	zstLay := newLayout(t)
	zstPath := filepath.Join(zstLay.ArchiveDir, "2022-01.pgn.zst")
	f, err := os.Create(zstPath)
	if err != nil {
		t.Fatalf("create zst fixture: %v", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte(games)); err != nil {
		t.Fatalf("compress fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}

	runs := []struct {
		lay  layout.Layout
		path string
	}{
		{plainLay, plainPath},
		{zstLay, zstPath},
	}
	for _, run := range runs {
		runProcessor(t, extract.Config{
			ID:           "2022-01",
			ArchivePath:  run.path,
			TotalGames:   2,
			InverseShare: 2,
			MinCount:     1,
			Layout:       run.lay,
			Logger:       zerolog.Nop(),
		})
	}

	plainTable, _ := os.ReadFile(plainLay.TablePath("2022-01"))
	zstTable, _ := os.ReadFile(zstLay.TablePath("2022-01"))
	if len(plainTable) == 0 {
		t.Fatal("empty table from plain archive")
	}
	if string(plainTable) != string(zstTable) {
		t.Error("compressed and plain archives produced different tables")
	}
}

func TestProcessorCancelled(t *testing.T) {
	lay := newLayout(t)
	path := writeFixture(t, lay, "2022-01",
		gameRecord("2000", "2000", "1. e4 e5 1-0"),
	)

	p, err := extract.NewProcessor(extract.Config{
		ID:           "2022-01",
		ArchivePath:  path,
		TotalGames:   1,
		InverseShare: 2,
		Layout:       lay,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if _, err := os.Stat(lay.LogPath("2022-01")); !os.IsNotExist(err) {
		t.Error("cancelled run must not write a completion log")
	}
	if _, err := os.Stat(lay.TablePath("2022-01")); !os.IsNotExist(err) {
		t.Error("cancelled run must not write a table")
	}
}
