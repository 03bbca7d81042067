// Package netmon samples link quality against well-known endpoints and
// triggers the network-recovery action whenever the quality score drops
// below the configured threshold. Every low tick triggers recovery again;
// there is no cooldown.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/telemetry"
)

// State is one link-quality sample.
type State struct {
	LossPct      float64   `json:"loss_pct"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	Quality      int       `json:"quality_score"`
	SampledAt    time.Time `json:"sampled_at"`
	Recovery     bool      `json:"recovery_triggered"`
}

// Sample is a prober's measurement of one target.
type Sample struct {
	LossPct      float64
	AvgLatencyMS float64
}

// Prober measures loss and latency to a single target.
type Prober interface {
	Probe(ctx context.Context, target string) (Sample, error)
}

// Recoverer is the external network-recovery collaborator.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Broadcaster publishes connectivity events; nil disables them.
type Broadcaster interface {
	BroadcastJSON(v any)
}

const latencyPenalty = 30

// Score is clamp(100 - 2*loss - (30 if latency > threshold), 0, 100).
func Score(lossPct, avgLatencyMS, thresholdMS float64) int {
	score := 100 - 2*lossPct
	if avgLatencyMS > thresholdMS {
		score -= latencyPenalty
	}
	return int(min(100, max(0, score)))
}

type Options struct {
	Targets            []string
	Interval           time.Duration
	LatencyThresholdMS float64
	LowQuality         int
}

type Monitor struct {
	opts     Options
	prober   Prober
	recovery Recoverer
	events   Broadcaster
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	latest   *State
	previous *State
}

func New(opts Options, prober Prober, recovery Recoverer, events Broadcaster, logger *slog.Logger) *Monitor {
	return &Monitor{
		opts:     opts,
		prober:   prober,
		recovery: recovery,
		events:   events,
		logger:   logging.NewComponentLogger(logger, "netmon"),
		now:      time.Now,
	}
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return State{}, false
	}
	return *m.latest, true
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick samples every target, scores the link and triggers recovery when the
// score is below the low-quality threshold. An unreachable target counts as
// total loss.
func (m *Monitor) Tick(ctx context.Context) State {
	var loss, latency float64
	var answered int
	for _, target := range m.opts.Targets {
		s, err := m.prober.Probe(ctx, target)
		if err != nil {
			m.logger.Debug("probe failed", slog.String("target", target), logging.Error(err))
			loss += 100
			continue
		}
		loss += s.LossPct
		if s.LossPct < 100 {
			latency += s.AvgLatencyMS
			answered++
		}
	}
	if n := len(m.opts.Targets); n > 0 {
		loss /= float64(n)
	} else {
		loss = 100
	}
	if answered > 0 {
		latency /= float64(answered)
	}

	st := State{
		LossPct:      loss,
		AvgLatencyMS: latency,
		Quality:      Score(loss, latency, m.opts.LatencyThresholdMS),
		SampledAt:    m.now().UTC(),
	}

	if st.Quality < m.opts.LowQuality && ctx.Err() == nil {
		st.Recovery = true
		m.logger.Warn("link quality low, triggering network recovery",
			slog.Int("quality", st.Quality),
			slog.Float64("loss_pct", st.LossPct),
			slog.Float64("avg_latency_ms", st.AvgLatencyMS),
		)
		if err := m.recovery.Recover(ctx); err != nil {
			m.logger.Error("network recovery failed", slog.String(logging.FieldTier, "recovery"), logging.Error(err))
		}
	}

	m.mu.Lock()
	m.previous, m.latest = m.latest, &st
	prev := m.previous
	m.mu.Unlock()

	if prev == nil || qualityBand(prev.Quality, m.opts.LowQuality) != qualityBand(st.Quality, m.opts.LowQuality) {
		m.logger.Info("link quality changed",
			slog.Int("quality", st.Quality),
			slog.Float64("loss_pct", st.LossPct),
			slog.Float64("avg_latency_ms", st.AvgLatencyMS),
		)
	}
	if m.events != nil {
		m.events.BroadcastJSON(telemetry.NewConnectivity(st.LossPct, st.AvgLatencyMS, st.Quality, st.Recovery))
	}
	return st
}

func qualityBand(q, low int) string {
	switch {
	case q < low:
		return "low"
	case q < 80:
		return "degraded"
	default:
		return "good"
	}
}
