package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/large-farva/satpi/internal/logging"
)

// Capturer records one window of samples to outputPath. It must return when
// ctx is done, killing any external process it started.
type Capturer interface {
	Capture(ctx context.Context, p Params, outputPath string) error
}

// Runner executes capture jobs into a raw directory. Output is written to a
// .part file and renamed to the final .raw name only once the recording has
// passed every check, so a crash never leaves a half-written .raw behind.
type Runner struct {
	dir      string
	capturer Capturer
	minBytes int64
	slack    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(dir string, capturer Capturer, minBytes int64, slack time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		dir:      dir,
		capturer: capturer,
		minBytes: minBytes,
		slack:    slack,
		logger:   logging.NewComponentLogger(logger, "capture"),
		now:      time.Now,
	}
}

// Run records job and returns the resulting artifact. On any failure the job
// ends Failed and no raw file exists for it.
func (r *Runner) Run(ctx context.Context, job *Job) (Artifact, error) {
	job.State = StateCapturing
	job.StartedAt = r.now().UTC()

	final := filepath.Join(r.dir, ArtifactName(job.SatelliteID, job.WindowStart))
	part := final + PartialExt

	log := r.logger.With(
		slog.String(logging.FieldJobID, job.ID),
		slog.String(logging.FieldSatellite, job.SatelliteID),
	)
	log.Info("capture started",
		slog.Int64("frequency_hz", job.Tuning.FrequencyHz),
		slog.Int("sample_rate", job.Tuning.SampleRate),
		slog.Float64("gain", job.Tuning.Gain),
		slog.Duration("duration", job.Duration),
	)

	art, err := r.record(ctx, job, part, final)
	if err != nil {
		_ = os.Remove(part)
		job.Fail(err, r.now().UTC())
		log.Error("capture failed",
			slog.String(logging.FieldTier, "capture"),
			logging.Error(err),
		)
		return Artifact{}, err
	}

	job.State = StateSucceeded
	job.Artifact = &art
	job.FinishedAt = r.now().UTC()
	log.Info("capture complete",
		slog.String(logging.FieldPath, art.Path),
		slog.String("size", humanize.IBytes(uint64(art.SizeBytes))),
	)
	return art, nil
}

func (r *Runner) record(ctx context.Context, job *Job, part, final string) (Artifact, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: create raw dir: %v", ErrCommand, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Duration+r.slack)
	defer cancel()

	if err := r.capturer.Capture(runCtx, job.Params(), part); err != nil {
		switch {
		case ctx.Err() != nil:
			return Artifact{}, fmt.Errorf("%w: interrupted: %v", ErrCommand, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return Artifact{}, fmt.Errorf("%w after %s", ErrTimeout, job.Duration+r.slack)
		default:
			return Artifact{}, fmt.Errorf("%w: %v", ErrCommand, err)
		}
	}

	info, err := os.Stat(part)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: no output: %v", ErrCommand, err)
	}
	if info.Size() < r.minBytes {
		return Artifact{}, fmt.Errorf("%w: %d bytes, need %d", ErrTooSmall, info.Size(), r.minBytes)
	}

	if err := os.Rename(part, final); err != nil {
		return Artifact{}, fmt.Errorf("%w: finalize: %v", ErrCommand, err)
	}

	return Artifact{
		Path:        final,
		SatelliteID: job.SatelliteID,
		CapturedAt:  job.WindowStart,
		SizeBytes:   info.Size(),
		Raw:         true,
	}, nil
}
