package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/large-farva/satpi/internal/predict"
	"github.com/large-farva/satpi/internal/satellite"
)

// Skip reasons recorded when a window is dropped.
const (
	ReasonGeoConflict  = "geo_conflict"
	ReasonOverlap      = "overlap"
	ReasonReceiverBusy = "receiver_busy"
	ReasonOperator     = "operator_skip"
	ReasonPaused       = "paused"
)

// Window is one planned capture slot.
type Window struct {
	SatelliteID string         `json:"satellite"`
	Kind        satellite.Kind `json:"kind"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	MaxElev     float64        `json:"max_elevation,omitempty"`
}

func (w Window) key() string {
	return fmt.Sprintf("%s@%d", w.SatelliteID, w.Start.Unix())
}

// Duration is the planned capture length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlaps reports whether the two half-open intervals intersect.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Skipped is a window that will not be captured.
type Skipped struct {
	Window
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Plan is the arbitrated set of windows for one horizon.
type Plan struct {
	Windows []Window  `json:"windows"`
	Skipped []Skipped `json:"skipped"`
	// LEOUnavailable is set when the predictor could not supply passes.
	LEOUnavailable bool `json:"leo_unavailable,omitempty"`
}

// PassPredictor supplies polar-orbiter passes.
type PassPredictor interface {
	NextPass(ctx context.Context, sat satellite.Satellite, after time.Time) (predict.Pass, error)
}

// GeoWindows returns every window of sat still open at now or starting
// before now+horizon. Windows are aligned to multiples of the period since
// the Unix epoch, shifted by the satellite's offset.
func GeoWindows(sat satellite.Satellite, now time.Time, horizon time.Duration) []Window {
	if sat.Geo == nil || sat.Geo.Period <= 0 {
		return nil
	}
	period := sat.Geo.Period.Nanoseconds()
	ns := now.UnixNano()
	base := ns - ns%period

	var out []Window
	end := now.Add(horizon)
	for t := time.Unix(0, base-period).Add(sat.Geo.Offset).UTC(); t.Before(end); t = t.Add(sat.Geo.Period) {
		w := Window{SatelliteID: sat.ID, Kind: satellite.GEO, Start: t, End: t.Add(sat.Duration)}
		if w.End.After(now) {
			out = append(out, w)
		}
	}
	return out
}

const maxPassesPerSatellite = 16

// LeoWindows asks the predictor for every pass of sat that is still open at
// now or begins within the horizon. The window runs from AOS for the
// satellite's configured duration.
func LeoWindows(ctx context.Context, p PassPredictor, sat satellite.Satellite, now time.Time, horizon time.Duration) ([]Window, error) {
	if sat.Leo == nil || p == nil {
		return nil, nil
	}
	var out []Window
	after := now.Add(-sat.Duration)
	end := now.Add(horizon)
	for range maxPassesPerSatellite {
		pass, err := p.NextPass(ctx, sat, after)
		if err != nil {
			if len(out) > 0 && errors.Is(err, predict.ErrUnavailable) {
				break
			}
			return out, err
		}
		if !pass.AOS.Before(end) {
			break
		}
		w := Window{
			SatelliteID: sat.ID,
			Kind:        satellite.LEO,
			Start:       pass.AOS.UTC(),
			End:         pass.AOS.Add(sat.Duration).UTC(),
			MaxElev:     pass.MaxElev,
		}
		if w.End.After(now) {
			out = append(out, w)
		}
		after = pass.AOS.Add(time.Second)
	}
	return out, nil
}

// Arbitrate resolves receiver conflicts. GEO windows are placed first,
// earliest wins among themselves. A LEO window that overlaps any kept GEO
// window is dropped with geo_conflict; LEO windows overlapping each other
// keep the earlier one. The result is sorted by start.
func Arbitrate(geo, leo []Window, at time.Time) Plan {
	var plan Plan
	sortWindows(geo)
	sortWindows(leo)

	var kept []Window
	for _, w := range geo {
		if conflict(kept, w) {
			plan.Skipped = append(plan.Skipped, Skipped{Window: w, Reason: ReasonOverlap, At: at})
			continue
		}
		kept = append(kept, w)
	}
	geoKept := len(kept)

	for _, w := range leo {
		switch {
		case conflict(kept[:geoKept], w):
			plan.Skipped = append(plan.Skipped, Skipped{Window: w, Reason: ReasonGeoConflict, At: at})
		case conflict(kept[geoKept:], w):
			plan.Skipped = append(plan.Skipped, Skipped{Window: w, Reason: ReasonOverlap, At: at})
		default:
			kept = append(kept, w)
		}
	}

	sortWindows(kept)
	plan.Windows = kept
	return plan
}

func conflict(kept []Window, w Window) bool {
	for _, k := range kept {
		if k.Overlaps(w) {
			return true
		}
	}
	return false
}

func sortWindows(ws []Window) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].Start.Equal(ws[j].Start) {
			return ws[i].SatelliteID < ws[j].SatelliteID
		}
		return ws[i].Start.Before(ws[j].Start)
	})
}
