// Package aggregate merges every completed monthly frequency table into one
// combined popular-position table.
package aggregate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/board"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/tables"
)

// monthLogRegex matches per-month completion log filenames like "2022-01".
var monthLogRegex = regexp.MustCompile(`^\d{4}-\d{2}$`)

// Config configures the combiner.
type Config struct {
	Layout   layout.Layout
	MinCount int64 // combined rows below this are dropped (default 2)
	Logger   zerolog.Logger
}

// Summary describes the combined table.
type Summary struct {
	Months    int   // completed months merged
	Games     int64 // combined count at the starting position
	Positions int64 // distinct retained positions
}

// Combiner merges completed monthly tables.
type Combiner struct {
	cfg Config
	log zerolog.Logger
}

// NewCombiner applies defaults.
func NewCombiner(cfg Config) *Combiner {
	if cfg.MinCount == 0 {
		cfg.MinCount = 2
	}
	return &Combiner{cfg: cfg, log: cfg.Logger}
}

// Run sums counts per position across every month whose completion log
// exists, filters, sorts, and writes the combined table plus its summary.
func (c *Combiner) Run(ctx context.Context) (Summary, error) {
	ids, err := c.completedMonths()
	if err != nil {
		return Summary{}, err
	}
	if len(ids) == 0 {
		return Summary{}, fmt.Errorf("no completed months in %s", c.cfg.Layout.LogDir)
	}

	counts := make(map[string]int64)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		err := tables.ReadFrequency(c.cfg.Layout.TablePath(id), func(key string, count int64) error {
			counts[key] += count
			return nil
		})
		if err != nil {
			return Summary{}, fmt.Errorf("merge %s: %w", id, err)
		}
		c.log.Info().Str("id", id).Int("positions", len(counts)).Msg("month merged")
	}

	entries := make([]tables.Entry, 0, len(counts))
	for key, count := range counts {
		if count >= c.cfg.MinCount {
			entries = append(entries, tables.Entry{Key: key, Count: count})
		}
	}
	tables.SortEntries(entries)

	if err := tables.WriteFrequency(c.cfg.Layout.CombinedTablePath(), entries); err != nil {
		return Summary{}, fmt.Errorf("write combined table: %w", err)
	}

	summary := Summary{
		Months:    len(ids),
		Games:     counts[board.StartingKey],
		Positions: int64(len(entries)),
	}
	if err := c.writeSummary(summary); err != nil {
		return Summary{}, err
	}

	c.log.Info().
		Int("months", summary.Months).
		Int64("games", summary.Games).
		Int64("positions", summary.Positions).
		Msg("combine complete")
	return summary, nil
}

// completedMonths lists the database ids gated by completion log existence.
func (c *Combiner) completedMonths() ([]string, error) {
	entries, err := os.ReadDir(c.cfg.Layout.LogDir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !monthLogRegex.MatchString(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// writeSummary writes the combined log: games count at the canonical
// starting position and the number of retained positions.
func (c *Combiner) writeSummary(s Summary) error {
	path := c.cfg.Layout.CombinedLogPath()
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "GAMES_COUNT:     %d\n", s.Games)
	fmt.Fprintf(w, "POSITIONS_COUNT: %d\n", s.Positions)
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write summary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close summary: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}
