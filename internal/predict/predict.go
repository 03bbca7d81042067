// Package predict is the orbital predictor collaborator: it keeps TLEs
// current, resolves the station location (static config or gpsd), and runs
// SGP4 propagation to find the next usable pass of a polar orbiter.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/akhenakh/sgp4"

	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/satellite"
)

// ErrUnavailable means no prediction can be made right now (no TLEs, no
// element set for the satellite). Callers skip LEO capture for the cycle.
var ErrUnavailable = errors.New("orbital predictor unavailable")

// Pass is one predicted overhead pass, AOS through LOS.
type Pass struct {
	SatelliteID string        `json:"satellite"`
	NoradID     int           `json:"norad_id"`
	AOS         time.Time     `json:"aos"`
	LOS         time.Time     `json:"los"`
	MaxElev     float64       `json:"max_elevation"`
	MaxElevTime time.Time     `json:"max_elevation_time"`
	AOSAzimuth  float64       `json:"aos_azimuth"`
	LOSAzimuth  float64       `json:"los_azimuth"`
	Duration    time.Duration `json:"duration"`
}

// Predictor caches element sets and computed passes per satellite. Element
// sets are loaded by Run; lookups never touch the network.
type Predictor struct {
	station config.StationConfig
	ahead   time.Duration
	store   *TLEStore
	logger  *slog.Logger
	wake    chan struct{}

	locOnce  sync.Once
	location Location

	mu          sync.Mutex
	ids         []int
	tles        map[int]*sgp4.TLE
	loadedAt    time.Time
	maxAge      time.Duration
	lastFailure time.Time
	passes      map[int][]Pass
	until       map[int]time.Time
}

const (
	// retryAfterFailure keeps a dead network from being hammered.
	retryAfterFailure = 15 * time.Minute
	checkInterval     = time.Minute
)

// New creates a predictor for the given NORAD ids. The TLE cache lives in
// the state directory.
func New(cfg config.Config, ids []int, logger *slog.Logger) *Predictor {
	return &Predictor{
		ids:     append([]int(nil), ids...),
		station: cfg.Station,
		ahead:   time.Duration(cfg.Predict.LookaheadHours) * time.Hour,
		store:   NewTLEStore(cfg.Predict.TLEURL, cfg.Data.StateDir, cfg.Predict.TLERefreshHours),
		maxAge:  time.Duration(cfg.Predict.TLERefreshHours) * time.Hour,
		logger:  logging.NewComponentLogger(logger, "predict"),
		wake:    make(chan struct{}, 1),
		passes:  make(map[int][]Pass),
		until:   make(map[int]time.Time),
	}
}

// ResolveLocation returns the station position, trying gpsd first when
// enabled. The result is cached for the life of the predictor.
func (p *Predictor) ResolveLocation() Location {
	p.locOnce.Do(func() {
		loc := Location{Lat: p.station.Latitude, Lon: p.station.Longitude, Alt: p.station.Altitude}
		if p.station.UseGPSD {
			fix, err := LocationFromGPSD(p.station.GPSDHost, 10*time.Second)
			if err != nil {
				p.logger.Warn("gpsd failed, using configured location", logging.Error(err))
			} else {
				loc = fix
				p.logger.Info("location from gpsd",
					slog.Float64("lat", loc.Lat),
					slog.Float64("lon", loc.Lon),
					slog.Float64("alt", loc.Alt),
				)
			}
		}
		p.location = loc
	})
	return p.location
}

// Run loads element sets at start and reloads them when they age out or a
// lookup finds them missing. It returns when ctx is cancelled.
func (p *Predictor) Run(ctx context.Context) error {
	if len(p.ids) == 0 {
		<-ctx.Done()
		return nil
	}
	p.ResolveLocation()
	p.loadIfDue(ctx)

	t := time.NewTicker(checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.loadIfDue(ctx)
		case <-p.wake:
			p.loadIfDue(ctx)
		}
	}
}

// NextPass returns the first pass of sat starting at or after `after` whose
// maximum elevation exceeds the configured minimum.
func (p *Predictor) NextPass(_ context.Context, sat satellite.Satellite, after time.Time) (Pass, error) {
	if sat.Leo == nil {
		return Pass{}, fmt.Errorf("%w: %s is not a polar orbiter", ErrUnavailable, sat.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return Pass{}, err
	}

	id := sat.Leo.NoradID
	if after.Add(time.Hour).After(p.until[id]) {
		if err := p.computeLocked(sat, after); err != nil {
			return Pass{}, err
		}
	}

	for _, pass := range p.passes[id] {
		if !pass.AOS.Before(after) {
			return pass, nil
		}
	}
	return Pass{}, fmt.Errorf("%w: no pass of %s above %.0f° in the next %s",
		ErrUnavailable, sat.ID, p.station.MinElevation, p.ahead)
}

// Passes computes every qualifying pass for the given satellites over the
// lookahead window, sorted by AOS.
func (p *Predictor) Passes(_ context.Context, sats []satellite.Satellite, from time.Time) ([]Pass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return nil, err
	}

	var all []Pass
	for _, s := range sats {
		if s.Leo == nil {
			continue
		}
		if err := p.computeLocked(s, from); err != nil {
			p.logger.Debug("no passes computed", slog.String(logging.FieldSatellite, s.ID), logging.Error(err))
			continue
		}
		all = append(all, p.passes[s.Leo.NoradID]...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AOS.Before(all[j].AOS) })
	return all, nil
}

// Refresh forces a network TLE download and drops cached passes. It returns
// the number of element sets loaded.
func (p *Predictor) Refresh(ctx context.Context) (int, error) {
	if len(p.ids) == 0 {
		return 0, fmt.Errorf("%w: no polar orbiters configured", ErrUnavailable)
	}
	return p.load(ctx, true)
}

// TLEAge reports how old the cached element sets are.
func (p *Predictor) TLEAge() time.Duration { return p.store.Age() }

// readyLocked reports whether element sets are loaded and asks Run for a
// load when they are missing or stale.
func (p *Predictor) readyLocked() error {
	if len(p.ids) == 0 {
		return fmt.Errorf("%w: no polar orbiters configured", ErrUnavailable)
	}
	if p.dueLocked() {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	if len(p.tles) > 0 {
		return nil
	}
	if !p.lastFailure.IsZero() {
		return fmt.Errorf("%w: TLE load failed %s ago", ErrUnavailable, time.Since(p.lastFailure).Round(time.Second))
	}
	return fmt.Errorf("%w: TLEs not loaded yet", ErrUnavailable)
}

func (p *Predictor) dueLocked() bool {
	if len(p.tles) > 0 && time.Since(p.loadedAt) < p.maxAge {
		return false
	}
	return p.lastFailure.IsZero() || time.Since(p.lastFailure) >= retryAfterFailure
}

func (p *Predictor) loadIfDue(ctx context.Context) {
	p.mu.Lock()
	due := p.dueLocked()
	p.mu.Unlock()
	if !due {
		return
	}
	if _, err := p.load(ctx, false); err != nil && ctx.Err() == nil {
		p.mu.Lock()
		kept := len(p.tles) > 0
		p.mu.Unlock()
		if kept {
			p.logger.Warn("TLE refresh failed, keeping previous element sets", logging.Error(err))
		} else {
			p.logger.Warn("TLE load failed, LEO prediction unavailable", logging.Error(err))
		}
	}
}

// load fetches outside the lock and swaps the result in.
func (p *Predictor) load(ctx context.Context, force bool) (int, error) {
	var (
		tles map[int]*sgp4.TLE
		err  error
	)
	if force {
		tles, err = p.store.ForceRefresh(ctx, p.ids)
	} else {
		tles, err = p.store.Fetch(ctx, p.ids)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastFailure = time.Now()
		return 0, err
	}
	p.lastFailure = time.Time{}
	p.setTLEsLocked(tles)
	return len(tles), nil
}

func (p *Predictor) setTLEsLocked(tles map[int]*sgp4.TLE) {
	if p.tles == nil {
		p.tles = make(map[int]*sgp4.TLE)
	}
	for id, t := range tles {
		p.tles[id] = t
	}
	p.loadedAt = time.Now()
	p.passes = make(map[int][]Pass)
	p.until = make(map[int]time.Time)
	p.logger.Info("TLEs loaded", slog.Int("count", len(tles)))
}

func (p *Predictor) computeLocked(sat satellite.Satellite, from time.Time) error {
	id := sat.Leo.NoradID
	tle, ok := p.tles[id]
	if !ok {
		return fmt.Errorf("%w: no TLE for %s (NORAD %d)", ErrUnavailable, sat.ID, id)
	}

	loc := p.ResolveLocation()
	start := from.UTC()
	end := start.Add(p.ahead)

	raw, err := tle.GeneratePasses(loc.Lat, loc.Lon, loc.Alt, start, end, 1)
	if err != nil {
		return fmt.Errorf("%w: propagate %s: %v", ErrUnavailable, sat.ID, err)
	}

	passes := make([]Pass, 0, len(raw))
	for _, rp := range raw {
		if rp.MaxElevation <= p.station.MinElevation {
			continue
		}
		passes = append(passes, Pass{
			SatelliteID: sat.ID,
			NoradID:     id,
			AOS:         rp.AOS,
			LOS:         rp.LOS,
			MaxElev:     rp.MaxElevation,
			MaxElevTime: rp.MaxElevationTime,
			AOSAzimuth:  rp.AOSAzimuth,
			LOSAzimuth:  rp.LOSAzimuth,
			Duration:    rp.Duration,
		})
	}
	sort.Slice(passes, func(i, j int) bool { return passes[i].AOS.Before(passes[j].AOS) })

	p.passes[id] = passes
	p.until[id] = end
	return nil
}
