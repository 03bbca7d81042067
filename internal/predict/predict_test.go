package predict

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/satellite"
)

const issTLE = `ISS (ZARYA)
1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927
2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537
`

func TestParseTLEsFiltersWanted(t *testing.T) {
	got, err := parseTLEs(issTLE, []int{25544})
	require.NoError(t, err)
	require.Contains(t, got, 25544)

	_, err = parseTLEs(issTLE, []int{33591})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTLEStoreCachesDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(issTLE))
	}))

	dir := t.TempDir()
	store := NewTLEStore(srv.URL, dir, 24)

	_, err := store.Fetch(context.Background(), []int{25544})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, tleCacheFile))

	srv.Close()

	// Fresh cache serves the second call without the network.
	_, err = store.Fetch(context.Background(), []int{25544})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Forced refresh falls back to the stale cache when the network is down.
	_, err = store.ForceRefresh(context.Background(), []int{25544})
	require.NoError(t, err)
}

func TestTLEStoreExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := NewTLEStore(srv.URL, t.TempDir(), 24)
	_, err := store.Fetch(context.Background(), []int{25544})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNextPassUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Data.StateDir = t.TempDir()
	cfg.Predict.TLEURL = "http://127.0.0.1:1/tle"

	sats := satellite.Defaults()
	geo, noaa := sats[0], sats[2]

	p := New(cfg, []int{noaa.Leo.NoradID}, logging.NewNop())
	_, err := p.NextPass(context.Background(), geo, time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)

	// Nothing loaded yet: the LEO satellite degrades, it does not panic.
	_, err = p.NextPass(context.Background(), noaa, time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)

	// No network and no cache.
	_, err = p.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = p.NextPass(context.Background(), noaa, time.Now())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "TLE load failed")

	p.mu.Lock()
	due := p.dueLocked()
	p.mu.Unlock()
	assert.False(t, due, "a failed load is not retried right away")
}

func TestNextPassDoesNotWaitForDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(issTLE))
	}))
	defer srv.Close()
	defer close(release)

	cfg := config.Default()
	cfg.Data.StateDir = t.TempDir()
	cfg.Predict.TLEURL = srv.URL

	p := New(cfg, []int{25544}, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	started := time.Now()
	_, err := p.NextPass(ctx, issSatellite(), time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(started), 500*time.Millisecond)

	release <- struct{}{}
	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.tles) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPassesRespectMinElevation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(issTLE))
	}))
	defer srv.Close()

	// Near the element set's epoch so propagation stays accurate.
	from := time.Date(2008, 9, 20, 12, 0, 0, 0, time.UTC)
	iss := issSatellite()

	passesAbove := func(minElev float64) []Pass {
		cfg := config.Default()
		cfg.Data.StateDir = t.TempDir()
		cfg.Predict.TLEURL = srv.URL
		cfg.Station.Latitude = 47.6
		cfg.Station.Longitude = -122.3
		cfg.Station.Altitude = 50
		cfg.Station.MinElevation = minElev

		p := New(cfg, []int{25544}, logging.NewNop())
		n, err := p.Refresh(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		passes, err := p.Passes(context.Background(), []satellite.Satellite{iss}, from)
		require.NoError(t, err)
		return passes
	}

	loose := passesAbove(0)
	require.NotEmpty(t, loose)
	lowest := loose[0].MaxElev
	for _, pass := range loose {
		assert.Greater(t, pass.MaxElev, 0.0)
		lowest = min(lowest, pass.MaxElev)
	}

	// A pass whose peak only reaches the minimum is not eligible.
	strict := passesAbove(lowest)
	assert.Less(t, len(strict), len(loose))
	for _, pass := range strict {
		assert.Greater(t, pass.MaxElev, lowest)
	}
}

func issSatellite() satellite.Satellite {
	return satellite.Satellite{
		ID:       "ISS",
		Kind:     satellite.LEO,
		Tuning:   satellite.Tuning{FrequencyHz: 145800000, SampleRate: 1024000},
		Duration: 10 * time.Minute,
		Leo:      &satellite.LeoOrbit{NoradID: 25544},
	}
}

func TestReadFix(t *testing.T) {
	stream := strings.Join([]string{
		`{"class":"VERSION","release":"3.25"}`,
		`{"class":"TPV","mode":1}`,
		`not json`,
		`{"class":"TPV","mode":3,"lat":47.6,"lon":-122.3,"altMSL":56.2}`,
	}, "\n")
	loc, err := readFix(bufio.NewScanner(strings.NewReader(stream)), 0)
	require.NoError(t, err)
	assert.Equal(t, Location{Lat: 47.6, Lon: -122.3, Alt: 56.2}, loc)

	_, err = readFix(bufio.NewScanner(strings.NewReader(`{"class":"TPV","mode":1}`)), 0)
	assert.Error(t, err)
}
