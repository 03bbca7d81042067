package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/markers"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
)

const rawName = "NOAA-19_20260301T120000Z.raw"

type demodCall struct {
	pipeline, input, outputDir string
	sampleRate                 int
	format                     string
}

type fakeDemod struct {
	mu    sync.Mutex
	calls []demodCall
	// produce is keyed by demod pipeline name; a missing key means failure.
	produce map[string]func(dir string) error
}

func (f *fakeDemod) Demodulate(_ context.Context, pipeline, input, outputDir string, sampleRate int, format string) error {
	f.mu.Lock()
	f.calls = append(f.calls, demodCall{pipeline, input, outputDir, sampleRate, format})
	f.mu.Unlock()
	fn, ok := f.produce[pipeline]
	if !ok {
		return errors.New("exit status 1")
	}
	return fn(outputDir)
}

func (f *fakeDemod) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingPlotter struct{}

func (failingPlotter) Render(context.Context, []byte, string) error { return errors.New("plotter crashed") }

// orderLog records the order of enqueue and marker writes.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, s)
}

type recordingQueue struct {
	inner *queue.Log
	order *orderLog
	fail  bool
}

func (r *recordingQueue) Append(ctx context.Context, entries ...queue.Entry) error {
	r.order.add("append")
	if r.fail {
		return errors.New("disk full")
	}
	return r.inner.Append(ctx, entries...)
}

type recordingMarkers struct {
	inner *markers.Store
	order *orderLog
}

func (r *recordingMarkers) Has(ctx context.Context, base string) (bool, error) {
	return r.inner.Has(ctx, base)
}

func (r *recordingMarkers) Mark(ctx context.Context, m markers.Marker) error {
	r.order.add("mark")
	return r.inner.Mark(ctx, m)
}

type harness struct {
	pipe    *Pipeline
	demod   *fakeDemod
	queue   *queue.Log
	rq      *recordingQueue
	markers *markers.Store
	order   *orderLog
	rawDir  string
	prodDir string
}

func newHarness(t *testing.T, demod *fakeDemod, plot Plotter) *harness {
	t.Helper()
	root := t.TempDir()
	rawDir := filepath.Join(root, "raw")
	prodDir := filepath.Join(root, "products")
	stateDir := filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))

	q, err := queue.Open(stateDir)
	require.NoError(t, err)
	m, err := markers.Open(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	cat, err := satellite.FromConfig(nil)
	require.NoError(t, err)

	order := &orderLog{}
	rq := &recordingQueue{inner: q, order: order}
	p := New(Options{
		RawDir:           rawDir,
		ProductsDir:      prodDir,
		Grace:            time.Minute,
		FallbackPipeline: "generic_analog_demod",
		MaxImageDim:      2048,
		SampleBytes:      64 << 10,
	}, demod, plot, rq, &recordingMarkers{inner: m, order: order}, cat, nil, logging.NewNop())

	return &harness{pipe: p, demod: demod, queue: q, rq: rq, markers: m, order: order, rawDir: rawDir, prodDir: prodDir}
}

func (h *harness) writeRaw(t *testing.T, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(h.rawDir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
	return path
}

func writePNG(path string, w, h int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 7 {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func threeImages(dir string) error {
	for _, p := range []struct {
		rel  string
		w, h int
	}{
		{"IMAGES/channel_b.png", 3000, 1000},
		{"IMAGES/channel_a.png", 200, 100},
		{"composites/rgb.png", 64, 64},
	} {
		if err := writePNG(filepath.Join(dir, p.rel), p.w, p.h); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, "dataset.json"), []byte("{}"), 0o644)
}

func TestThreeImagesYieldThreeEntriesThenMarker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{produce: map[string]func(string) error{"noaa_apt": threeImages}}, failingPlotter{})
	h.writeRaw(t, rawName, 2<<20, time.Hour)

	res, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	entries, err := h.queue.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	base := filepath.Join(h.prodDir, "NOAA-19_20260301T120000Z")
	assert.Equal(t, []string{
		filepath.Join(base, "01_IMAGES-channel_a.png"),
		filepath.Join(base, "02_IMAGES-channel_b.png"),
		filepath.Join(base, "03_composites-rgb.png"),
	}, []string{entries[0].Path, entries[1].Path, entries[2].Path})
	for _, e := range entries {
		assert.Equal(t, queue.KindImage, e.Kind)
		assert.Equal(t, "NOAA-19", e.SatelliteID)
		assert.FileExists(t, e.Path)
	}

	// The oversized image was bounded.
	f, err := os.Open(entries[1].Path)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Width)
	assert.Equal(t, 682, cfg.Height)

	// Demodulator scratch output is not left behind.
	assert.NoDirExists(t, filepath.Join(base, ".demod"))

	assert.Equal(t, []string{"append", "mark"}, h.order.events)
	list, err := h.markers.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, markers.OutcomeImages, list[0].Outcome)
	assert.Equal(t, 3, list[0].Artifacts)

	require.Len(t, h.demod.calls, 1)
	assert.Equal(t, demodCall{"noaa_apt", filepath.Join(h.rawDir, rawName), h.demod.calls[0].outputDir, 1024000, "cu8"}, h.demod.calls[0])
}

func TestRescanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{produce: map[string]func(string) error{"noaa_apt": threeImages}}, failingPlotter{})
	h.writeRaw(t, rawName, 4096, time.Hour)

	_, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	calls := h.demod.count()

	res, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, calls, h.demod.count(), "marked captures are not demodulated again")
	assert.Equal(t, []string{"append", "mark"}, h.order.events)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFallbackDemodulatorUsedWhenPrimaryFails(t *testing.T) {
	ctx := context.Background()
	demod := &fakeDemod{produce: map[string]func(string) error{
		"generic_analog_demod": func(dir string) error { return writePNG(filepath.Join(dir, "out.jpg.png"), 10, 10) },
	}}
	h := newHarness(t, demod, failingPlotter{})
	raw := h.writeRaw(t, rawName, 4096, time.Hour)

	res, err := h.pipe.Process(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, TierFallback, res.Tier)
	assert.Equal(t, markers.OutcomeImages, res.Outcome)
	require.Len(t, res.Entries, 1)
	require.Len(t, demod.calls, 2)
	assert.Equal(t, "noaa_apt", demod.calls[0].pipeline)
	assert.Equal(t, "generic_analog_demod", demod.calls[1].pipeline)
}

func TestZeroImagesYieldsOneVisualization(t *testing.T) {
	ctx := context.Background()
	demod := &fakeDemod{produce: map[string]func(string) error{
		"noaa_apt": func(dir string) error { return os.WriteFile(filepath.Join(dir, "log.txt"), nil, 0o644) },
	}}
	h := newHarness(t, demod, TracePlotter{Width: 200})
	h.writeRaw(t, rawName, 1<<20, time.Hour)

	_, err := h.pipe.Scan(ctx)
	require.NoError(t, err)

	entries, err := h.queue.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.KindVisualization, entries[0].Kind)

	f, err := os.Open(entries[0].Path)
	require.NoError(t, err)
	_, err = png.DecodeConfig(f)
	f.Close()
	assert.NoError(t, err)

	list, err := h.markers.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, markers.OutcomeVisualization, list[0].Outcome)
}

func TestRenderFailureQueuesRaw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{}, failingPlotter{})
	raw := h.writeRaw(t, rawName, 8192, time.Hour)

	res, err := h.pipe.Process(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, TierRaw, res.Tier)

	entries, err := h.queue.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.KindRaw, entries[0].Kind)
	assert.Equal(t, raw, entries[0].Path)
}

func TestEnqueueFailureLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{produce: map[string]func(string) error{"noaa_apt": threeImages}}, failingPlotter{})
	h.writeRaw(t, rawName, 4096, time.Hour)
	h.rq.fail = true

	res, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	ok, err := h.markers.Has(ctx, "NOAA-19_20260301T120000Z")
	require.NoError(t, err)
	assert.False(t, ok)

	// The next scan retries and succeeds.
	h.rq.fail = false
	res, err = h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	ok, err = h.markers.Has(ctx, "NOAA-19_20260301T120000Z")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnreadableCaptureIsMarkedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{}, failingPlotter{})
	h.writeRaw(t, rawName, 0, time.Hour)

	_, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mark"}, h.order.events, "nothing to enqueue, but the capture is still marked")

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := h.markers.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, markers.OutcomeNone, list[0].Outcome)
	assert.Zero(t, list[0].Artifacts)

	calls := h.demod.count()
	res, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Processed)
	assert.Equal(t, calls, h.demod.count(), "the rescan does not loop on it")
}

func TestScanRespectsGraceAndExtension(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{}, failingPlotter{})
	h.writeRaw(t, rawName, 4096, 10*time.Second)
	h.writeRaw(t, "GOES-16_20260301T120000Z.raw.part", 4096, time.Hour)

	res, err := h.pipe.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
	assert.Equal(t, 1, res.Young)
	assert.Zero(t, h.demod.count())
}

func TestScanOrderIsOldestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDemod{}, failingPlotter{})
	h.writeRaw(t, "NOAA-15_20260301T130000Z.raw", 4096, 2*time.Hour)
	h.writeRaw(t, "NOAA-18_20260301T110000Z.raw", 4096, 3*time.Hour)

	_, err := h.pipe.Scan(ctx)
	require.NoError(t, err)

	entries, err := h.queue.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "NOAA-18", entries[0].SatelliteID)
	assert.Equal(t, "NOAA-15", entries[1].SatelliteID)
}

func TestComputeStats(t *testing.T) {
	st := computeStats([]byte{128, 128, 255, 128, 0, 128})
	assert.InDelta(t, 0.7071, st.Min, 0.001)
	assert.InDelta(t, 127.5, st.Max, 0.01)
	assert.Greater(t, st.DynamicRangeDB, 0.0)
	assert.Equal(t, SignalStats{}, computeStats(nil))
}

func TestSatDumpArgs(t *testing.T) {
	args := SatDump{Command: "satdump"}.args("goes_hrit", "/raw/a.raw", "/out", 2400000, "cu8")
	assert.Equal(t, []string{"goes_hrit", "baseband", "/raw/a.raw", "/out", "--samplerate", "2400000", "--baseband_format", "cu8"}, args)
}

func TestFlattenName(t *testing.T) {
	assert.Equal(t, "IMAGES-avhrr_3_rgb", flattenName("IMAGES/avhrr_3_rgb.png"))
	assert.Equal(t, "a-b", flattenName("a b.jpg"))
}
