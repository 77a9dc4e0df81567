package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/osc"
)

var ErrSequenceNotFound = errors.New("no replication sequence covers the timestamp")

// Fetcher downloads replication files from a source. Change files are kept
// in a local cache until CleanCache drops them.
type Fetcher struct {
	source     *Source
	client     *http.Client
	cacheDir   string
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

func NewFetcher(source *Source, cacheDir string) *Fetcher {
	return &Fetcher{
		source: source,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		cacheDir:   cacheDir,
		maxRetries: 3,
		retryDelay: 5 * time.Second,
		log:        logger.Named("replication"),
	}
}

func (f *Fetcher) Source() *Source {
	return f.source
}

// FetchCurrentState fetches the newest state published by the source.
func (f *Fetcher) FetchCurrentState(ctx context.Context) (*State, error) {
	url := f.source.StateURL()
	f.log.Debug("Fetching current state", zap.String("url", url))

	resp, err := f.fetchWithRetry(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	state, err := ParseState(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}

	f.log.Debug("Fetched current state",
		zap.Int64("sequence", state.SequenceNumber),
		zap.Time("timestamp", state.Timestamp))
	return state, nil
}

// FetchSequenceState fetches the state of one sequence. It returns nil when
// the server does not have it.
func (f *Fetcher) FetchSequenceState(ctx context.Context, seq int64) (*State, error) {
	resp, err := f.fetchWithRetry(ctx, f.source.SequenceStateURL(seq))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sequence state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return ParseState(resp.Body)
}

// FetchSequenceData downloads the change file of a sequence into the cache
// and returns its path, or "" when the server does not have it yet.
func (f *Fetcher) FetchSequenceData(ctx context.Context, seq int64) (string, error) {
	cacheFile := f.CachePath(seq)
	if err := os.MkdirAll(filepath.Dir(cacheFile), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	if _, err := os.Stat(cacheFile); err == nil {
		f.log.Debug("Using cached OSC file", zap.String("path", cacheFile))
		return cacheFile, nil
	}

	url := f.source.SequenceDataURL(seq)
	f.log.Debug("Fetching OSC data", zap.Int64("sequence", seq), zap.String("url", url))

	resp, err := f.fetchWithRetry(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to fetch OSC data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	tmpFile := cacheFile + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	_, err = io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, cacheFile); err != nil {
		os.Remove(tmpFile)
		return "", fmt.Errorf("failed to rename cache file: %w", err)
	}

	f.log.Debug("Downloaded OSC data", zap.Int64("sequence", seq), zap.String("path", cacheFile))
	return cacheFile, nil
}

// FetchChange downloads and decodes one sequence together with its state.
// Both results are nil while the server has not published the sequence
// completely.
func (f *Fetcher) FetchChange(ctx context.Context, seq int64) (*osm.Change, *State, error) {
	state, err := f.FetchSequenceState(ctx, seq)
	if err != nil || state == nil {
		return nil, nil, err
	}
	path, err := f.FetchSequenceData(ctx, seq)
	if err != nil || path == "" {
		return nil, nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	change, err := osc.NewParser().ParseGzip(ctx, file)
	if err != nil {
		// a truncated download must not stay in the cache
		os.Remove(path)
		return nil, nil, fmt.Errorf("sequence %d: %w", seq, err)
	}
	return change, state, nil
}

// FindSequence returns the state of the newest sequence whose timestamp is
// not after ts, searching the sequences the server still has.
func (f *Fetcher) FindSequence(ctx context.Context, ts time.Time) (*State, error) {
	current, err := f.FetchCurrentState(ctx)
	if err != nil {
		return nil, err
	}
	if !current.Timestamp.After(ts) {
		return current, nil
	}

	// state(hi) is after ts; lo is at or before ts, or unknown
	lo, hi := int64(0), current.SequenceNumber
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		st, err := f.FetchSequenceState(ctx, mid)
		if err != nil {
			return nil, err
		}
		if st == nil || !st.Timestamp.After(ts) {
			lo = mid
		} else {
			hi = mid
		}
	}

	found, err := f.FetchSequenceState(ctx, lo)
	if err != nil {
		return nil, err
	}
	if found == nil || found.Timestamp.After(ts) {
		return nil, fmt.Errorf("%w: %s", ErrSequenceNotFound, ts.Format(time.RFC3339))
	}
	f.log.Debug("Found replication sequence",
		zap.Time("timestamp", ts),
		zap.Int64("sequence", found.SequenceNumber))
	return found, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "osmtiledb/1.0")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// CleanCache removes cached change files of sequences before seq. It
// returns how many files were removed.
func (f *Fetcher) CleanCache(before int64) (int, error) {
	removed := 0
	err := filepath.WalkDir(f.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".osc.gz") {
			return nil
		}
		rel, err := filepath.Rel(f.cacheDir, path)
		if err != nil {
			return err
		}
		seq, err := PathToSequence(filepath.ToSlash(rel))
		if err != nil || seq >= before {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 {
		f.log.Debug("Cleaned replication cache", zap.Int("removed", removed))
	}
	return removed, err
}

// CachePath returns where a sequence's change file is cached.
func (f *Fetcher) CachePath(seq int64) string {
	return filepath.Join(f.cacheDir, SequenceToPath(seq)+".osc.gz")
}
