package archive_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/archive"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/manifest"
)

func newStore(t *testing.T, sums manifest.Checksums) (*archive.Store, layout.Layout) {
	t.Helper()
	lay := layout.New(t.TempDir())
	if err := lay.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return archive.NewStore(lay, sums, zerolog.Nop()), lay
}

func writeArchive(t *testing.T, lay layout.Layout, id string, content []byte) string {
	t.Helper()
	path := lay.ArchivePath(id)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func digestOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestVerifyOK(t *testing.T) {
	content := []byte("monthly archive bytes")
	sums := manifest.Checksums{manifest.Filename("2022-01"): digestOf(content)}
	store, lay := newStore(t, sums)
	writeArchive(t, lay, "2022-01", content)

	if !store.Present("2022-01") {
		t.Fatal("expected archive present")
	}
	if err := store.Verify("2022-01"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyMismatchDeletesCopy(t *testing.T) {
	sums := manifest.Checksums{manifest.Filename("2022-01"): digestOf([]byte("expected"))}
	store, lay := newStore(t, sums)
	path := writeArchive(t, lay, "2022-01", []byte("corrupted download"))

	err := store.Verify("2022-01")
	if !errors.Is(err, archive.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("corrupt copy should have been deleted")
	}
	if store.Present("2022-01") {
		t.Error("archive should no longer be present")
	}
}

func TestVerifyMissing(t *testing.T) {
	sums := manifest.Checksums{manifest.Filename("2022-01"): "irrelevant"}
	store, _ := newStore(t, sums)

	if err := store.Verify("2022-01"); !errors.Is(err, archive.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestVerifyUnknownDatabase(t *testing.T) {
	store, _ := newStore(t, manifest.Checksums{})

	if err := store.Verify("2022-01"); !errors.Is(err, manifest.ErrUnknownDatabase) {
		t.Fatalf("expected ErrUnknownDatabase, got %v", err)
	}
}

func TestReclaim(t *testing.T) {
	content := []byte("done with this one")
	sums := manifest.Checksums{manifest.Filename("2022-01"): digestOf(content)}
	store, lay := newStore(t, sums)
	path := writeArchive(t, lay, "2022-01", content)

	if err := store.Reclaim("2022-01"); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("archive should have been deleted")
	}
}
