// Package layout defines the on-disk artifact directories: one directory per
// artifact class, rooted at a single data directory.
package layout

import (
	"os"
	"path/filepath"

	"github.com/freeeve/chessfreq/internal/manifest"
)

// Layout holds the artifact directories.
type Layout struct {
	ArchiveDir string // compressed monthly archives
	TableDir   string // per-month frequency tables + combined table
	LogDir     string // completion logs + combined log
	RatingDir  string // per-month rating survey tables
}

// New builds the standard layout under a root data directory.
func New(root string) Layout {
	return Layout{
		ArchiveDir: filepath.Join(root, "pgn_zst"),
		TableDir:   filepath.Join(root, "pgn_csv"),
		LogDir:     filepath.Join(root, "pgn_log"),
		RatingDir:  filepath.Join(root, "elo_csv"),
	}
}

// EnsureDirs creates all artifact directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ArchiveDir, l.TableDir, l.LogDir, l.RatingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ArchivePath is the local path of a month's compressed archive.
func (l Layout) ArchivePath(id string) string {
	return filepath.Join(l.ArchiveDir, manifest.Filename(id))
}

// TablePath is the path of a month's frequency table.
func (l Layout) TablePath(id string) string {
	return filepath.Join(l.TableDir, id+".csv")
}

// LogPath is the path of a month's completion log.
func (l Layout) LogPath(id string) string {
	return filepath.Join(l.LogDir, id)
}

// RatingPath is the path of a month's rating survey table.
func (l Layout) RatingPath(id string) string {
	return filepath.Join(l.RatingDir, id+"_elo.csv")
}

// CombinedTablePath is the path of the combined popular-position table.
func (l Layout) CombinedTablePath() string {
	return filepath.Join(l.TableDir, "lichess_popular_positions.csv")
}

// CombinedLogPath is the path of the combined summary log.
func (l Layout) CombinedLogPath() string {
	return filepath.Join(l.LogDir, "lichess_popular_positions_info")
}
