package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/markers"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
)

// Tier names used in logs.
const (
	TierPrimary       = "primary"
	TierFallback      = "fallback"
	TierVisualization = "visualization"
	TierRaw           = "raw"
	TierNone          = "none"
)

// WorkDirName is the demodulator scratch directory inside a capture's
// products directory. It is removed once images are collected.
const WorkDirName = ".demod"

// Result describes what one raw file produced.
type Result struct {
	BaseName  string          `json:"base_name"`
	Satellite string          `json:"satellite"`
	Tier      string          `json:"tier"`
	Outcome   markers.Outcome `json:"outcome"`
	Entries   []queue.Entry   `json:"entries"`
}

// Process runs one raw file through every tier and writes its marker. An
// error means no marker was written and the file will be retried.
func (p *Pipeline) Process(ctx context.Context, rawPath string) (Result, error) {
	name := filepath.Base(rawPath)
	base := strings.TrimSuffix(name, capture.RawExt)
	satID, _, err := capture.ParseArtifactName(name)
	if err != nil {
		satID = "UNKNOWN"
	}

	log := p.logger.With(slog.String("base_name", base), slog.String(logging.FieldSatellite, satID))
	res := Result{BaseName: base, Satellite: satID, Tier: TierNone, Outcome: markers.OutcomeNone}
	outDir := filepath.Join(p.opts.ProductsDir, base)

	sat, known := p.sats.ByID(satID)
	if !known {
		log.Warn("capture belongs to no configured satellite; skipping demodulation")
	}

	var images []string
	if known {
		images, res.Tier = p.demodulate(ctx, log, rawPath, outDir, sat)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	now := p.now().UTC()
	switch {
	case len(images) > 0:
		res.Outcome = markers.OutcomeImages
		for _, img := range images {
			res.Entries = append(res.Entries, queue.Entry{Path: img, SatelliteID: satID, CreatedAt: now, Kind: queue.KindImage})
		}
	default:
		entry, tier, err := p.fallback(ctx, log, rawPath, outDir)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Tier = tier
		if err != nil {
			log.Error("no deliverable could be produced",
				slog.String(logging.FieldTier, tier),
				logging.Error(err),
			)
			break
		}
		entry.SatelliteID = satID
		entry.CreatedAt = now
		res.Entries = []queue.Entry{entry}
		if entry.Kind == queue.KindVisualization {
			res.Outcome = markers.OutcomeVisualization
		} else {
			res.Outcome = markers.OutcomeRaw
		}
	}

	if len(res.Entries) > 0 {
		if err := p.queue.Append(ctx, res.Entries...); err != nil {
			log.Error("enqueue failed; capture stays unmarked for retry",
				slog.String(logging.FieldTier, res.Tier),
				logging.Error(err),
			)
			return res, fmt.Errorf("enqueue %s: %w", base, err)
		}
	}

	if err := p.markers.Mark(ctx, markers.Marker{
		BaseName:    base,
		Satellite:   satID,
		Artifacts:   len(res.Entries),
		Outcome:     res.Outcome,
		CompletedAt: p.now().UTC(),
	}); err != nil {
		log.Error("marker write failed; capture will be reprocessed", logging.Error(err))
		return res, err
	}

	log.Info("capture processed",
		slog.String(logging.FieldTier, res.Tier),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("entries", len(res.Entries)),
	)
	p.publish(base, satID, res.Outcome, len(res.Entries))
	return res, nil
}

// demodulate tries the satellite's own pipeline and then the generic one.
// The fallback also runs when the primary succeeds but yields no images.
// Returned paths are the exported products in discovery order.
func (p *Pipeline) demodulate(ctx context.Context, log *slog.Logger, rawPath, outDir string, sat satellite.Satellite) ([]string, string) {
	work := filepath.Join(outDir, WorkDirName)
	defer os.RemoveAll(work)

	attempts := []struct{ tier, name string }{
		{TierPrimary, sat.Pipeline},
		{TierFallback, p.opts.FallbackPipeline},
	}
	for i, a := range attempts {
		if a.name == "" || (i > 0 && a.name == attempts[0].name) {
			continue
		}
		if ctx.Err() != nil {
			return nil, a.tier
		}

		dir := filepath.Join(work, a.tier)
		if err := resetDir(dir); err != nil {
			log.Warn("cannot prepare demodulator output", slog.String(logging.FieldTier, a.tier), logging.Error(err))
			continue
		}

		actx, cancel := context.WithTimeout(ctx, p.opts.DemodTimeout)
		err := p.demod.Demodulate(actx, a.name, rawPath, dir, sat.Tuning.SampleRate, sat.Format)
		cancel()
		if err != nil {
			log.Warn("demodulation attempt failed",
				slog.String(logging.FieldTier, a.tier),
				slog.String("demod_pipeline", a.name),
				logging.Error(fmt.Errorf("%w: %v", ErrDemodulation, err)),
			)
			continue
		}

		found, err := discoverImages(dir)
		if err != nil || len(found) == 0 {
			if err == nil {
				err = ErrNoImages
			}
			log.Warn("demodulation attempt yielded nothing",
				slog.String(logging.FieldTier, a.tier),
				slog.String("demod_pipeline", a.name),
				logging.Error(err),
			)
			continue
		}

		products := p.exportImages(log, found, dir, outDir)
		if len(products) > 0 {
			return products, a.tier
		}
	}
	return nil, TierFallback
}

func (p *Pipeline) exportImages(log *slog.Logger, found []string, srcRoot, outDir string) []string {
	var out []string
	for _, src := range found {
		rel, err := filepath.Rel(srcRoot, src)
		if err != nil {
			rel = filepath.Base(src)
		}
		dst := filepath.Join(outDir, fmt.Sprintf("%02d_%s.png", len(out)+1, flattenName(rel)))
		if err := rescale(src, dst, p.opts.MaxImageDim); err != nil {
			log.Warn("image export failed", slog.String(logging.FieldPath, src), logging.Error(err))
			continue
		}
		out = append(out, dst)
	}
	return out
}

// fallback renders a visualization of the raw samples, or falls back to
// queuing the raw file itself. It fails only when the raw file is unreadable.
func (p *Pipeline) fallback(ctx context.Context, log *slog.Logger, rawPath, outDir string) (queue.Entry, string, error) {
	sample, err := readSample(rawPath, p.opts.SampleBytes)
	if err != nil {
		return queue.Entry{}, TierNone, fmt.Errorf("raw capture unreadable: %w", err)
	}

	st := computeStats(sample)
	log.Info("raw sample statistics",
		slog.Int("sample_bytes", len(sample)),
		slog.Float64("mean", st.Mean),
		slog.Float64("min", st.Min),
		slog.Float64("max", st.Max),
		slog.Float64("dynamic_range_db", st.DynamicRangeDB),
	)

	vis := filepath.Join(outDir, "visualization.png")
	if err := os.MkdirAll(outDir, 0o755); err == nil {
		rctx, cancel := context.WithTimeout(ctx, p.opts.PlotTimeout)
		err = p.plot.Render(rctx, sample, vis)
		cancel()
		if err == nil {
			if info, statErr := os.Stat(vis); statErr == nil && info.Size() > 0 {
				return queue.Entry{Path: vis, Kind: queue.KindVisualization}, TierVisualization, nil
			}
			err = errors.New("renderer produced no image")
		}
		log.Warn("visualization failed, queuing raw capture",
			slog.String(logging.FieldTier, TierVisualization),
			logging.Error(fmt.Errorf("%w: %v", ErrRender, err)),
		)
	} else {
		log.Warn("cannot create products dir, queuing raw capture", logging.Error(err))
	}

	return queue.Entry{Path: rawPath, Kind: queue.KindRaw}, TierRaw, nil
}

func readSample(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	got, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if got == 0 {
		return nil, errors.New("raw capture is empty")
	}
	return buf[:got], nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
