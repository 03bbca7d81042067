package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
)

type received struct {
	name string
	body []byte
	meta Metadata
}

type fakeServer struct {
	mu       sync.Mutex
	got      []received
	failures map[string]int
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		body, err := io.ReadAll(file)
		require.NoError(t, err)

		mf, _, err := r.FormFile("metadata")
		require.NoError(t, err)
		var meta Metadata
		require.NoError(t, json.NewDecoder(mf).Decode(&meta))

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures[hdr.Filename] > 0 {
			f.failures[hdr.Filename]--
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		f.got = append(f.got, received{name: hdr.Filename, body: body, meta: meta})
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	})
	return mux
}

func (f *fakeServer) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.got {
		out = append(out, r.name)
	}
	return out
}

type fixture struct {
	dir    string
	q      *queue.Log
	server *fakeServer
	url    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "state"))
	require.NoError(t, err)

	fs := &fakeServer{failures: map[string]int{}}
	srv := httptest.NewServer(fs.handler(t))
	t.Cleanup(srv.Close)
	return &fixture{dir: dir, q: q, server: fs, url: srv.URL}
}

func (f *fixture) file(t *testing.T, name string, size int) queue.Entry {
	t.Helper()
	path := filepath.Join(f.dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return queue.Entry{Path: path, SatelliteID: "NOAA-19", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Kind: queue.KindImage}
}

func (f *fixture) uploader(t *testing.T, opts Options) *Uploader {
	t.Helper()
	opts.Endpoint = f.url
	if opts.DeviceID == "" {
		opts.DeviceID = "satpi-test"
	}
	cat, err := satellite.NewCatalog(satellite.Defaults())
	require.NoError(t, err)
	u := New(opts, f.q, cat, logging.NewNop())
	u.sleep = func(context.Context, time.Duration) error { return nil }
	return u
}

func TestDrainDeliversInOrderAndRemoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.file(t, "a.png", 100)
	b := f.file(t, "b.png", 200)
	require.NoError(t, f.q.Append(ctx, a, b))

	u := f.uploader(t, Options{})
	res, err := u.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []string{"a.png", "b.png"}, f.server.names())

	left, err := f.q.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, res, u.Last())
}

func TestMetadataCarriesHashAndTuning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.file(t, "img.png", 512)
	require.NoError(t, f.q.Append(ctx, e))

	u := f.uploader(t, Options{Location: Location{Latitude: 51.5, Longitude: -0.1, Source: "config"}})
	_, err := u.Drain(ctx)
	require.NoError(t, err)

	require.Len(t, f.server.got, 1)
	got := f.server.got[0]
	raw, err := os.ReadFile(e.Path)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)

	assert.Equal(t, raw, got.body)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.meta.FileHash)
	assert.Equal(t, int64(512), got.meta.FileSize)
	assert.Equal(t, "satpi-test", got.meta.DeviceID)
	assert.Equal(t, "NOAA-19", got.meta.Satellite)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.meta.CaptureTime)
	assert.Equal(t, "IMAGE", got.meta.Kind)
	assert.InDelta(t, 137.1, got.meta.Frequency, 1e-9)
	assert.Equal(t, 1_024_000, got.meta.SampleRate)
	assert.Equal(t, 51.5, got.meta.Location.Latitude)
}

func TestMissingFileIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gone := queue.Entry{Path: filepath.Join(f.dir, "gone.raw"), SatelliteID: "GOES-16", CreatedAt: time.Now().UTC().Truncate(time.Second), Kind: queue.KindRaw}
	keep := f.file(t, "keep.png", 10)
	require.NoError(t, f.q.Append(ctx, gone, keep))

	res, err := f.uploader(t, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Delivered)

	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOversizedFileStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	big := f.file(t, "big.raw", 4096)
	small := f.file(t, "small.png", 16)
	require.NoError(t, f.q.Append(ctx, big, small))

	res, err := f.uploader(t, Options{MaxFileBytes: 1024}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Oversized)
	assert.Equal(t, 1, res.Delivered)

	left, err := f.q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, big.Path, left[0].Path)
	assert.FileExists(t, big.Path)
}

func TestRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.file(t, "flaky.png", 32)
	require.NoError(t, f.q.Append(ctx, e))
	f.server.failures["flaky.png"] = 2

	var slept int
	u := f.uploader(t, Options{Attempts: 3, RetryDelay: time.Minute})
	u.sleep = func(_ context.Context, d time.Duration) error {
		assert.Equal(t, time.Minute, d)
		slept++
		return nil
	}
	res, err := u.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, slept)
}

func TestExhaustedEntryKeepsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.file(t, "first.png", 8)
	stuck := f.file(t, "stuck.png", 8)
	last := f.file(t, "last.png", 8)
	require.NoError(t, f.q.Append(ctx, first, stuck, last))
	f.server.failures["stuck.png"] = 100

	res, err := f.uploader(t, Options{Attempts: 2}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"first.png", "last.png"}, f.server.names())

	left, err := f.q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, stuck.Path, left[0].Path)
}

func TestUploadErrorIsTyped(t *testing.T) {
	f := newFixture(t)
	e := f.file(t, "x.png", 8)
	f.server.failures["x.png"] = 10

	err := f.uploader(t, Options{Attempts: 1}).Upload(context.Background(), e)
	assert.True(t, errors.Is(err, ErrUploadFailed))
}

func TestUnexpectedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "quota"})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "f.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	u := New(Options{Endpoint: srv.URL, Attempts: 1}, nil, nil, logging.NewNop())
	err := u.Upload(context.Background(), queue.Entry{Path: path, SatelliteID: "GOES-16", CreatedAt: time.Now(), Kind: queue.KindImage})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Contains(t, err.Error(), "error")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.uploader(t, Options{}).Status(context.Background()))

	down := New(Options{Endpoint: "http://127.0.0.1:1"}, nil, nil, logging.NewNop())
	assert.ErrorIs(t, down.Status(context.Background()), ErrUploadFailed)
}

func TestResolveDeviceID(t *testing.T) {
	dir := t.TempDir()
	cpuinfo := filepath.Join(dir, "cpuinfo")
	mac := filepath.Join(dir, "address")
	host := func() (string, error) { return "groundstation", nil }

	require.NoError(t, os.WriteFile(cpuinfo, []byte("processor\t: 0\nHardware\t: BCM2835\nSerial\t\t: 10000000abcdef12\n"), 0o644))
	require.NoError(t, os.WriteFile(mac, []byte("b8:27:eb:12:34:56\n"), 0o644))

	assert.Equal(t, "station-7", ResolveDeviceID("station-7", DeviceSources{CPUInfo: cpuinfo}))
	assert.Equal(t, "satpi-abcdef12", ResolveDeviceID("", DeviceSources{CPUInfo: cpuinfo, MACFile: mac, Hostname: host}))
	assert.Equal(t, "satpi-eb123456", ResolveDeviceID("", DeviceSources{CPUInfo: filepath.Join(dir, "none"), MACFile: mac, Hostname: host}))
	assert.Equal(t, "satpi-groundstation", ResolveDeviceID("", DeviceSources{Hostname: host}))
	assert.Equal(t, "satpi-unknown", ResolveDeviceID("", DeviceSources{}))
}
