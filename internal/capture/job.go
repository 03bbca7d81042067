// Package capture runs a single receiver recording and turns it into a raw
// artifact on disk. A job either ends Failed or leaves exactly one raw file
// behind, never both.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/large-farva/satpi/internal/satellite"
)

var (
	ErrTimeout  = errors.New("capture timed out")
	ErrTooSmall = errors.New("capture output below minimum size")
	ErrCommand  = errors.New("capture command failed")
)

// State is a job's position in Scheduled -> Capturing -> Succeeded|Failed.
type State string

const (
	StateScheduled State = "SCHEDULED"
	StateCapturing State = "CAPTURING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Params are the exact receiver settings for one recording.
type Params struct {
	FrequencyHz int64
	SampleRate  int
	Gain        float64
	Duration    time.Duration
}

// Job is one capture attempt for one window. It lives only for the run.
type Job struct {
	ID          string           `json:"id"`
	SatelliteID string           `json:"satellite"`
	Kind        satellite.Kind   `json:"kind"`
	Tuning      satellite.Tuning `json:"tuning"`
	Pipeline    string           `json:"pipeline"`
	Format      string           `json:"format"`
	WindowStart time.Time        `json:"window_start"`
	Duration    time.Duration    `json:"duration"`

	State      State     `json:"state"`
	Err        string    `json:"error,omitempty"`
	Artifact   *Artifact `json:"artifact,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewJob creates a scheduled job for sat's window beginning at start.
func NewJob(sat satellite.Satellite, start time.Time, duration time.Duration) *Job {
	if duration <= 0 {
		duration = sat.Duration
	}
	return &Job{
		ID:          uuid.NewString(),
		SatelliteID: sat.ID,
		Kind:        sat.Kind,
		Tuning:      sat.Tuning,
		Pipeline:    sat.Pipeline,
		Format:      sat.Format,
		WindowStart: start.UTC(),
		Duration:    duration,
		State:       StateScheduled,
	}
}

// Params returns the receiver settings for the job.
func (j *Job) Params() Params {
	return Params{
		FrequencyHz: j.Tuning.FrequencyHz,
		SampleRate:  j.Tuning.SampleRate,
		Gain:        j.Tuning.Gain,
		Duration:    j.Duration,
	}
}

// Fail moves the job to Failed with err.
func (j *Job) Fail(err error, at time.Time) {
	j.State = StateFailed
	j.Err = err.Error()
	j.Artifact = nil
	j.FinishedAt = at
}

// Artifact is a raw recording that completed successfully.
type Artifact struct {
	Path        string    `json:"path"`
	SatelliteID string    `json:"satellite"`
	CapturedAt  time.Time `json:"captured_at"`
	SizeBytes   int64     `json:"size_bytes"`
	Raw         bool      `json:"raw"`
}

const (
	RawExt     = ".raw"
	PartialExt = ".part"
	timeLayout = "20060102T150405Z"
)

// ArtifactName is the raw file name for a capture: <SATID>_<UTC stamp>.raw.
func ArtifactName(satelliteID string, at time.Time) string {
	return fmt.Sprintf("%s_%s%s", satelliteID, at.UTC().Format(timeLayout), RawExt)
}

// ParseArtifactName recovers the satellite id and capture time from a raw
// file's base name.
func ParseArtifactName(name string) (string, time.Time, error) {
	base := strings.TrimSuffix(name, RawExt)
	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", time.Time{}, fmt.Errorf("malformed capture name %q", name)
	}
	at, err := time.Parse(timeLayout, base[i+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed capture time in %q: %w", name, err)
	}
	return base[:i], at, nil
}
