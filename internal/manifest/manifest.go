// Package manifest fetches and parses the lichess database registry:
// the sha256 checksum manifest and the per-archive game count manifest.
package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultBaseURL is the lichess standard-rated database root.
const DefaultBaseURL = "https://database.lichess.org/standard/"

const (
	filenamePrefix = "lichess_db_standard_rated_"
	filenameSuffix = ".pgn.zst"
)

// ErrUnknownDatabase is returned for ids that match no manifest entry.
var ErrUnknownDatabase = errors.New("unknown database id")

// Checksums maps archive filename to its expected sha256 hex digest.
type Checksums map[string]string

// Counts maps archive filename to its total game count.
type Counts map[string]int64

// Snapshot holds both manifests as of one point in time.
type Snapshot struct {
	Checksums Checksums
	Counts    Counts
}

// Client fetches the registry manifests.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a registry client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Checksums fetches and parses sha256sums.txt ("<digest> <filename>" lines).
func (c *Client) Checksums(ctx context.Context) (Checksums, error) {
	body, err := c.get(ctx, "sha256sums.txt")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	sums := make(Checksums)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		sums[fields[1]] = fields[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sha256sums.txt: %w", err)
	}
	return sums, nil
}

// Counts fetches and parses counts.txt ("<filename> <count>" lines).
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	body, err := c.get(ctx, "counts.txt")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	counts := make(Counts)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		counts[fields[0]] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read counts.txt: %w", err)
	}
	return counts, nil
}

// Snapshot fetches both manifests concurrently.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sums, err := c.Checksums(ctx)
		snap.Checksums = sums
		return err
	})
	g.Go(func() error {
		counts, err := c.Counts(ctx)
		snap.Counts = counts
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) get(ctx context.Context, name string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", name, resp.Status)
	}
	return resp.Body, nil
}

// DatabaseID derives the canonical month id (e.g. "2022-01") from an archive
// filename. The second return is false for filenames outside the standard
// naming scheme.
func DatabaseID(filename string) (string, bool) {
	if !strings.HasPrefix(filename, filenamePrefix) || !strings.HasSuffix(filename, filenameSuffix) {
		return "", false
	}
	id := filename[len(filenamePrefix) : len(filename)-len(filenameSuffix)]
	if len(id) != 7 || id[4] != '-' {
		return "", false
	}
	return id, true
}

// Filename is the inverse of DatabaseID.
func Filename(id string) string {
	return filenamePrefix + id + filenameSuffix
}

// Digest returns the expected sha256 digest for a database id.
func (s *Snapshot) Digest(id string) (string, error) {
	digest, ok := s.Checksums[Filename(id)]
	if !ok {
		return "", fmt.Errorf("%s checksum: %w", id, ErrUnknownDatabase)
	}
	return digest, nil
}

// GamesCount returns the total game count for a database id.
func (s *Snapshot) GamesCount(id string) (int64, error) {
	count, ok := s.Counts[Filename(id)]
	if !ok {
		return 0, fmt.Errorf("%s count: %w", id, ErrUnknownDatabase)
	}
	return count, nil
}

// IDs returns the sorted database ids present in the checksum manifest.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Checksums))
	for filename := range s.Checksums {
		if id, ok := DatabaseID(filename); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
