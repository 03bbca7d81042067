package predict

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akhenakh/sgp4"
)

const tleCacheFile = "weather_tle.txt"

// TLEStore fetches and caches Two-Line Element sets. Sources are tried in
// order: fresh disk cache, network, stale disk cache.
type TLEStore struct {
	url    string
	dir    string
	maxAge time.Duration
	client *http.Client
}

// NewTLEStore returns a store that downloads from tleURL and caches under dir.
func NewTLEStore(tleURL, dir string, refreshHours int) *TLEStore {
	return &TLEStore{
		url:    tleURL,
		dir:    dir,
		maxAge: time.Duration(refreshHours) * time.Hour,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch returns TLEs for the wanted NORAD ids.
func (s *TLEStore) Fetch(ctx context.Context, wanted []int) (map[int]*sgp4.TLE, error) {
	raw, err := s.loadOrFetch(ctx, false)
	if err != nil {
		return nil, err
	}
	return parseTLEs(raw, wanted)
}

// ForceRefresh downloads from the network regardless of cache age.
func (s *TLEStore) ForceRefresh(ctx context.Context, wanted []int) (map[int]*sgp4.TLE, error) {
	raw, err := s.loadOrFetch(ctx, true)
	if err != nil {
		return nil, err
	}
	return parseTLEs(raw, wanted)
}

// Age reports how old the cached element set is, or zero if none is cached.
func (s *TLEStore) Age() time.Duration {
	info, err := os.Stat(s.cachePath())
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}

func (s *TLEStore) cachePath() string {
	return filepath.Join(s.dir, tleCacheFile)
}

func (s *TLEStore) loadOrFetch(ctx context.Context, force bool) (string, error) {
	path := s.cachePath()

	if !force {
		info, err := os.Stat(path)
		if err == nil && time.Since(info.ModTime()) < s.maxAge {
			if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
				return string(b), nil
			}
		}
	}

	body, fetchErr := s.download(ctx)
	if fetchErr == nil {
		// Cache write failure is non-fatal; the data is already in memory.
		_ = writeAtomic(path, body)
		return body, nil
	}

	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return string(b), nil
	}

	return "", fmt.Errorf("%w: all TLE sources exhausted: %v", ErrUnavailable, fetchErr)
}

func (s *TLEStore) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("TLE fetch returned HTTP %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// half-written cache.
func writeAtomic(path, data string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tle-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// parseTLEs extracts the wanted element sets from a CelesTrak-style 3-line
// dump (name, line 1, line 2).
func parseTLEs(raw string, wanted []int) (map[int]*sgp4.TLE, error) {
	want := make(map[int]bool, len(wanted))
	for _, id := range wanted {
		want[id] = true
	}

	result := make(map[int]*sgp4.TLE)
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := 0; i+2 < len(lines); i += 3 {
		group := strings.TrimSpace(lines[i]) + "\n" +
			strings.TrimSpace(lines[i+1]) + "\n" +
			strings.TrimSpace(lines[i+2])

		tle, err := sgp4.ParseTLE(group)
		if err != nil {
			continue
		}
		if want[tle.SatelliteNumber] {
			result[tle.SatelliteNumber] = tle
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no matching TLEs in %d lines of input", ErrUnavailable, len(lines))
	}
	return result, nil
}
