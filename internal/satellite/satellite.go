// Package satellite describes the birds satpi captures. Each satellite is a
// tagged variant: geostationary satellites carry a fixed periodic schedule,
// polar orbiters carry the NORAD id the orbital predictor needs.
package satellite

import (
	"fmt"
	"strings"
	"time"

	"github.com/large-farva/satpi/internal/config"
)

// Kind distinguishes the two capture modes.
type Kind int

const (
	GEO Kind = iota + 1
	LEO
)

func (k Kind) String() string {
	switch k {
	case GEO:
		return "GEO"
	case LEO:
		return "LEO"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the kind as its upper-case name for JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind accepts "geo"/"leo" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GEO":
		return GEO, nil
	case "LEO":
		return LEO, nil
	}
	return 0, fmt.Errorf("unknown satellite kind %q", s)
}

// Tuning is the exact set of receiver parameters handed to the capture
// collaborator.
type Tuning struct {
	FrequencyHz int64   `json:"frequency_hz"`
	SampleRate  int     `json:"sample_rate"`
	Gain        float64 `json:"gain"`
}

// GeoSchedule places capture windows on a fixed modulo of wall-clock time.
type GeoSchedule struct {
	Period time.Duration `json:"period"`
	Offset time.Duration `json:"offset"`
}

// LeoOrbit identifies a polar orbiter for pass prediction.
type LeoOrbit struct {
	NoradID int `json:"norad_id"`
}

// Satellite is one capture target. Exactly one of Geo and Leo is set, and it
// matches Kind.
type Satellite struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Tuning   Tuning        `json:"tuning"`
	Duration time.Duration `json:"duration"`
	Pipeline string        `json:"pipeline"`
	Format   string        `json:"format"`
	Geo      *GeoSchedule  `json:"geo,omitempty"`
	Leo      *LeoOrbit     `json:"leo,omitempty"`
}

// Validate checks that the variant payload agrees with Kind.
func (s Satellite) Validate() error {
	switch s.Kind {
	case GEO:
		if s.Geo == nil || s.Leo != nil {
			return fmt.Errorf("%s: GEO satellite must carry only a geo schedule", s.ID)
		}
		if s.Geo.Period <= 0 {
			return fmt.Errorf("%s: geo period must be positive", s.ID)
		}
	case LEO:
		if s.Leo == nil || s.Geo != nil {
			return fmt.Errorf("%s: LEO satellite must carry only an orbit", s.ID)
		}
	default:
		return fmt.Errorf("%s: invalid kind %d", s.ID, s.Kind)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%s: duration must be positive", s.ID)
	}
	return nil
}

// Catalog is the ordered set of satellites the station knows about.
type Catalog struct {
	sats []Satellite
}

// NewCatalog validates every satellite and rejects duplicate ids.
func NewCatalog(sats []Satellite) (*Catalog, error) {
	seen := make(map[string]bool, len(sats))
	for _, s := range sats {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToUpper(s.ID)
		if seen[key] {
			return nil, fmt.Errorf("duplicate satellite id %q", s.ID)
		}
		seen[key] = true
	}
	return &Catalog{sats: append([]Satellite(nil), sats...)}, nil
}

// FromConfig builds the catalog from [[satellites]] entries, or returns the
// default catalog when none are configured. Disabled entries are dropped.
func FromConfig(entries []config.SatelliteConfig) (*Catalog, error) {
	if len(entries) == 0 {
		return NewCatalog(Defaults())
	}

	sats := make([]Satellite, 0, len(entries))
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		kind, err := ParseKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.ID, err)
		}
		s := Satellite{
			ID:   e.ID,
			Kind: kind,
			Tuning: Tuning{
				FrequencyHz: e.FrequencyHz,
				SampleRate:  e.SampleRate,
				Gain:        e.Gain,
			},
			Duration: time.Duration(e.DurationSeconds) * time.Second,
			Pipeline: e.Pipeline,
			Format:   e.Format,
		}
		if s.Format == "" {
			s.Format = "cu8"
		}
		switch kind {
		case GEO:
			s.Geo = &GeoSchedule{
				Period: time.Duration(e.PeriodMinutes) * time.Minute,
				Offset: time.Duration(e.OffsetMinutes) * time.Minute,
			}
		case LEO:
			s.Leo = &LeoOrbit{NoradID: e.NoradID}
		}
		sats = append(sats, s)
	}
	return NewCatalog(sats)
}

// All returns a copy of the catalog in configuration order.
func (c *Catalog) All() []Satellite {
	return append([]Satellite(nil), c.sats...)
}

// OfKind returns the satellites of one kind, in configuration order.
func (c *Catalog) OfKind(k Kind) []Satellite {
	var out []Satellite
	for _, s := range c.sats {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}

// ByID looks a satellite up by id (case-insensitive).
func (c *Catalog) ByID(id string) (Satellite, bool) {
	for _, s := range c.sats {
		if strings.EqualFold(s.ID, id) {
			return s, true
		}
	}
	return Satellite{}, false
}

// ByNoradID returns the LEO satellite with the given catalog number.
func (c *Catalog) ByNoradID(id int) (Satellite, bool) {
	for _, s := range c.sats {
		if s.Leo != nil && s.Leo.NoradID == id {
			return s, true
		}
	}
	return Satellite{}, false
}

// NoradIDs lists the catalog numbers of every LEO satellite.
func (c *Catalog) NoradIDs() []int {
	var ids []int
	for _, s := range c.sats {
		if s.Leo != nil {
			ids = append(ids, s.Leo.NoradID)
		}
	}
	return ids
}

// Len reports the number of satellites in the catalog.
func (c *Catalog) Len() int { return len(c.sats) }

// Defaults is the compiled-in catalog used when the config lists no
// satellites. The GOES HRIT downlink sits at 1694.1 MHz and the two GOES
// birds share the receiver on alternating five-minute slots. The polar
// orbiters transmit in the 137 MHz band.
func Defaults() []Satellite {
	geo := func(id string, offset time.Duration) Satellite {
		return Satellite{
			ID:       id,
			Kind:     GEO,
			Tuning:   Tuning{FrequencyHz: 1694100000, SampleRate: 2400000, Gain: 49.6},
			Duration: 4 * time.Minute,
			Pipeline: "goes_hrit",
			Format:   "cu8",
			Geo:      &GeoSchedule{Period: 10 * time.Minute, Offset: offset},
		}
	}
	leo := func(id string, norad int, freq int64, pipeline string, rate int) Satellite {
		return Satellite{
			ID:       id,
			Kind:     LEO,
			Tuning:   Tuning{FrequencyHz: freq, SampleRate: rate, Gain: 40},
			Duration: 12 * time.Minute,
			Pipeline: pipeline,
			Format:   "cu8",
			Leo:      &LeoOrbit{NoradID: norad},
		}
	}
	return []Satellite{
		geo("GOES-16", 0),
		geo("GOES-18", 5*time.Minute),
		leo("NOAA-15", 25338, 137620000, "noaa_apt", 1024000),
		leo("NOAA-18", 28654, 137912500, "noaa_apt", 1024000),
		leo("NOAA-19", 33591, 137100000, "noaa_apt", 1024000),
		leo("METEOR-M2-3", 57166, 137900000, "meteor_m2-x_lrpt", 1024000),
	}
}
