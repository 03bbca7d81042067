// Package pipeline turns raw captures into deliverable artifacts and queues
// them for upload. Each raw file goes through up to four tiers: primary
// demodulation, generic fallback demodulation, a rendered visualization of
// the raw samples, and finally the raw file itself. A processed marker is
// written only after the enqueue step, so a crash mid-run leaves the capture
// eligible for the next scan.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/markers"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
	"github.com/large-farva/satpi/internal/telemetry"
)

var (
	ErrDemodulation = errors.New("demodulation failed")
	ErrNoImages     = errors.New("demodulator produced no images")
	ErrRender       = errors.New("visualization render failed")
)

// Demodulator is the external demodulation collaborator.
type Demodulator interface {
	Demodulate(ctx context.Context, pipeline, input, outputDir string, sampleRate int, format string) error
}

// Plotter renders a bounded sample of raw bytes to a PNG at outputPath.
type Plotter interface {
	Render(ctx context.Context, sample []byte, outputPath string) error
}

// Enqueuer is the producer side of the upload queue.
type Enqueuer interface {
	Append(ctx context.Context, entries ...queue.Entry) error
}

// MarkerStore is the durable processed set.
type MarkerStore interface {
	Has(ctx context.Context, base string) (bool, error)
	Mark(ctx context.Context, m markers.Marker) error
}

// SatelliteLookup resolves the satellite a capture belongs to.
type SatelliteLookup interface {
	ByID(id string) (satellite.Satellite, bool)
}

// Broadcaster publishes pipeline events; nil disables them.
type Broadcaster interface {
	BroadcastJSON(v any)
}

// Options are the filesystem and tuning knobs for a Pipeline.
type Options struct {
	RawDir           string
	ProductsDir      string
	Grace            time.Duration
	FallbackPipeline string
	MaxImageDim      int
	SampleBytes      int
	DemodTimeout     time.Duration
	PlotTimeout      time.Duration
	ScanInterval     time.Duration
}

// Pipeline owns the processing scan. Only one scan runs at a time.
type Pipeline struct {
	opts    Options
	demod   Demodulator
	plot    Plotter
	queue   Enqueuer
	markers MarkerStore
	sats    SatelliteLookup
	events  Broadcaster
	logger  *slog.Logger
	now     func() time.Time

	scanMu sync.Mutex
	nudge  chan struct{}

	statsMu  sync.Mutex
	lastScan ScanResult
}

func New(opts Options, demod Demodulator, plot Plotter, q Enqueuer, m MarkerStore, sats SatelliteLookup, events Broadcaster, logger *slog.Logger) *Pipeline {
	if opts.DemodTimeout <= 0 {
		opts.DemodTimeout = 15 * time.Minute
	}
	if opts.PlotTimeout <= 0 {
		opts.PlotTimeout = 2 * time.Minute
	}
	if opts.SampleBytes <= 0 {
		opts.SampleBytes = 1 << 20
	}
	if opts.MaxImageDim <= 0 {
		opts.MaxImageDim = 2048
	}
	return &Pipeline{
		opts:    opts,
		demod:   demod,
		plot:    plot,
		queue:   q,
		markers: m,
		sats:    sats,
		events:  events,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
		now:     time.Now,
		nudge:   make(chan struct{}, 1),
	}
}

// ScanResult summarizes one pass over the raw directory.
type ScanResult struct {
	StartedAt  time.Time `json:"started_at"`
	Candidates int       `json:"candidates"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Young      int       `json:"young"`
	Failed     int       `json:"failed"`
}

// LastScan returns the result of the most recent completed scan.
func (p *Pipeline) LastScan() ScanResult {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.lastScan
}

// Notify tells the pipeline a capture just finished. The scan runs once the
// file has aged past the grace period.
func (p *Pipeline) Notify(art capture.Artifact) {
	p.logger.Debug("capture handed to pipeline", slog.String(logging.FieldPath, art.Path))
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run scans on every interval tick, and once more a grace period after each
// Notify, until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.opts.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	followUp := time.NewTimer(0)
	if !followUp.Stop() {
		<-followUp.C
	}
	defer followUp.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.nudge:
			followUp.Reset(p.opts.Grace + time.Second)
			continue
		case <-followUp.C:
		}
		if _, err := p.Scan(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("processing scan failed", logging.Error(err))
		}
	}
}

type candidate struct {
	path    string
	base    string
	modTime time.Time
}

// Scan processes every raw file older than the grace period that has no
// marker, oldest first. Cancellation is honored between files.
func (p *Pipeline) Scan(ctx context.Context) (ScanResult, error) {
	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	res := ScanResult{StartedAt: p.now().UTC()}
	cands, young, err := p.candidates()
	if err != nil {
		return res, err
	}
	res.Young = young
	res.Candidates = len(cands)

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		done, err := p.markers.Has(ctx, c.base)
		if err != nil {
			p.logger.Warn("marker lookup failed", slog.String("base_name", c.base), logging.Error(err))
			res.Failed++
			continue
		}
		if done {
			res.Skipped++
			continue
		}
		if _, err := p.Process(ctx, c.path); err != nil {
			res.Failed++
			continue
		}
		res.Processed++
	}

	p.statsMu.Lock()
	p.lastScan = res
	p.statsMu.Unlock()

	if res.Processed > 0 || res.Failed > 0 {
		p.logger.Info("processing scan complete",
			slog.Int("processed", res.Processed),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (p *Pipeline) candidates() ([]candidate, int, error) {
	entries, err := os.ReadDir(p.opts.RawDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list raw dir: %w", err)
	}

	cutoff := p.now().Add(-p.opts.Grace)
	var (
		out   []candidate
		young int
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), capture.RawExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			young++
			continue
		}
		out = append(out, candidate{
			path:    filepath.Join(p.opts.RawDir, e.Name()),
			base:    strings.TrimSuffix(e.Name(), capture.RawExt),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].modTime.Equal(out[j].modTime) {
			return out[i].base < out[j].base
		}
		return out[i].modTime.Before(out[j].modTime)
	})
	return out, young, nil
}

func (p *Pipeline) publish(base, sat string, outcome markers.Outcome, entries int) {
	if p.events == nil {
		return
	}
	p.events.BroadcastJSON(telemetry.NewProcessed(base, sat, string(outcome), entries))
}
