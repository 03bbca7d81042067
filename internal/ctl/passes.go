package ctl

import (
	"fmt"
	"strings"
	"time"
)

// PassesOptions controls the passes command.
type PassesOptions struct {
	Count     int
	Satellite string
	JSON      bool
}

// Pass mirrors one predicted polar-orbiter pass.
type Pass struct {
	Satellite  string    `json:"satellite"`
	NoradID    int       `json:"norad_id"`
	AOS        time.Time `json:"aos"`
	LOS        time.Time `json:"los"`
	MaxElev    float64   `json:"max_elevation"`
	AOSAzimuth float64   `json:"aos_azimuth"`
	LOSAzimuth float64   `json:"los_azimuth"`
}

// Passes lists predicted LEO passes. These are predictions; whether a pass
// is captured is decided by the schedule.
func Passes(baseURL string, opts PassesOptions) error {
	var resp struct {
		TLEAgeSeconds int64  `json:"tle_age_seconds"`
		Passes        []Pass `json:"passes"`
		Error         string `json:"error,omitempty"`
	}
	if err := getJSON(baseURL, "/api/passes", &resp); err != nil {
		return err
	}

	if opts.Satellite != "" {
		kept := resp.Passes[:0]
		for _, p := range resp.Passes {
			if strings.EqualFold(p.Satellite, opts.Satellite) {
				kept = append(kept, p)
			}
		}
		resp.Passes = kept
	}
	if opts.Count > 0 && opts.Count < len(resp.Passes) {
		resp.Passes = resp.Passes[:opts.Count]
	}
	if opts.JSON {
		return printJSON(resp)
	}

	printHeader("PREDICTED PASSES")
	if resp.TLEAgeSeconds > 0 {
		field("TLE age", formatDuration(time.Duration(resp.TLEAgeSeconds)*time.Second))
	}
	if resp.Error != "" {
		field("Predictor", colorize(yellow, resp.Error))
	}
	if len(resp.Passes) == 0 {
		fmt.Fprintln(out, "  No passes predicted.")
	} else {
		rows := make([][]string, 0, len(resp.Passes))
		for _, p := range resp.Passes {
			rows = append(rows, []string{
				p.Satellite,
				formatTime(p.AOS),
				formatDuration(p.LOS.Sub(p.AOS)),
				fmt.Sprintf("%.1f°", p.MaxElev),
				fmt.Sprintf("%.0f° -> %.0f°", p.AOSAzimuth, p.LOSAzimuth),
			})
		}
		printTable([]string{"Satellite", "AOS", "Length", "Max elev", "Azimuth"}, rows, 2, 3)
	}
	fmt.Fprintln(out)
	return nil
}
