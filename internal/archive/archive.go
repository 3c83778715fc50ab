// Package archive gates access to the local compressed archives: presence,
// digest-verified integrity against the registry manifest, and reclamation
// of fully-processed archives.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/manifest"
)

var (
	// ErrIntegrity means the local archive's digest does not match the
	// manifest. The corrupt copy is deleted so it can be re-fetched.
	ErrIntegrity = errors.New("archive integrity mismatch")
	// ErrMissing means the archive file is absent.
	ErrMissing = errors.New("archive missing")
)

// Store reports on and manages the local archive files.
type Store struct {
	layout layout.Layout
	sums   manifest.Checksums
	log    zerolog.Logger
}

// NewStore creates an archive store over the layout's archive directory.
func NewStore(l layout.Layout, sums manifest.Checksums, logger zerolog.Logger) *Store {
	return &Store{layout: l, sums: sums, log: logger}
}

// Path returns the local path for a database id.
func (s *Store) Path(id string) string {
	return s.layout.ArchivePath(id)
}

// Present reports whether the archive file exists locally. Presence says
// nothing about integrity; use Verify before trusting the content.
func (s *Store) Present(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Verify computes the archive's sha256 digest and compares it against the
// manifest. A mismatch deletes the corrupt local copy and returns
// ErrIntegrity. An absent file returns ErrMissing.
func (s *Store) Verify(id string) error {
	want, ok := s.sums[manifest.Filename(id)]
	if !ok {
		return fmt.Errorf("%s: %w", id, manifest.ErrUnknownDatabase)
	}

	path := s.Path(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", id, ErrMissing)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("digest %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))

	if got != want {
		s.log.Warn().
			Str("id", id).
			Str("want", want).
			Str("got", got).
			Msg("digest mismatch, deleting local copy")
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove corrupt %s: %w", path, err)
		}
		return fmt.Errorf("%s: %w", id, ErrIntegrity)
	}
	return nil
}

// Reclaim deletes the local archive. Callers must only reclaim after the
// month's frequency table and completion log both exist.
func (s *Store) Reclaim(id string) error {
	if err := os.Remove(s.Path(id)); err != nil {
		return fmt.Errorf("reclaim %s: %w", id, err)
	}
	s.log.Info().Str("id", id).Msg("archive reclaimed")
	return nil
}
