package ctl

import (
	"fmt"
	"strconv"
	"time"
)

// SatelliteInfo mirrors one catalog entry from GET /api/satellites.
type SatelliteInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Tuning struct {
		FrequencyHz int64   `json:"frequency_hz"`
		SampleRate  int     `json:"sample_rate"`
		Gain        float64 `json:"gain"`
	} `json:"tuning"`
	Duration time.Duration `json:"duration"`
	Pipeline string        `json:"pipeline"`
	Geo      *struct {
		Period time.Duration `json:"period"`
		Offset time.Duration `json:"offset"`
	} `json:"geo,omitempty"`
	Leo *struct {
		NoradID int `json:"norad_id"`
	} `json:"leo,omitempty"`
}

// Satellites lists the satellite catalog from the daemon.
func Satellites(baseURL string, jsonOutput bool) error {
	var resp struct {
		Satellites []SatelliteInfo `json:"satellites"`
	}
	if err := getJSON(baseURL, "/api/satellites", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	rows := make([][]string, 0, len(resp.Satellites))
	for _, s := range resp.Satellites {
		schedule := "-"
		switch {
		case s.Geo != nil:
			schedule = fmt.Sprintf("every %s at +%s", formatDuration(s.Geo.Period), formatDuration(s.Geo.Offset))
		case s.Leo != nil:
			schedule = "NORAD " + strconv.Itoa(s.Leo.NoradID)
		}
		rows = append(rows, []string{
			s.ID,
			s.Kind,
			formatMHz(s.Tuning.FrequencyHz),
			strconv.Itoa(s.Tuning.SampleRate),
			formatDuration(s.Duration),
			s.Pipeline,
			schedule,
		})
	}

	printHeader("SATELLITE CATALOG")
	printTable([]string{"ID", "Kind", "Frequency", "Rate", "Duration", "Pipeline", "Schedule"}, rows, 3, 4)
	fmt.Fprintln(out)
	return nil
}
