package ctl

import (
	"fmt"
	"time"
)

// Pause pauses automatic window scheduling on the daemon.
func Pause(baseURL string, jsonOutput bool) error {
	return schedulerControl(baseURL, "/api/pause", "PAUSED", jsonOutput)
}

// Resume resumes automatic window scheduling on the daemon.
func Resume(baseURL string, jsonOutput bool) error {
	return schedulerControl(baseURL, "/api/resume", "RESUMED", jsonOutput)
}

// Skip drops the next scheduled window.
func Skip(baseURL string, jsonOutput bool) error {
	return schedulerControl(baseURL, "/api/skip", "SKIPPED", jsonOutput)
}

// Cancel aborts an in-progress capture.
func Cancel(baseURL string, jsonOutput bool) error {
	return schedulerControl(baseURL, "/api/cancel", "CANCELLED", jsonOutput)
}

// TLERefresh asks the daemon to refresh orbital elements now.
func TLERefresh(baseURL string, jsonOutput bool) error {
	return schedulerControl(baseURL, "/api/tle-refresh", "REFRESHING", jsonOutput)
}

func schedulerControl(baseURL, path, label string, jsonOutput bool) error {
	res, err := postCommand(baseURL, path, nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	if res.OK {
		result(true, label, res.Message)
	} else {
		result(false, label, res.Error)
	}
	return nil
}

// TriggerOptions controls the trigger command.
type TriggerOptions struct {
	Satellite       string
	NoradID         int
	DurationSeconds int
	JSON            bool
}

// Trigger asks the daemon for an immediate capture of one satellite.
func Trigger(baseURL string, opts TriggerOptions) error {
	body := map[string]any{}
	switch {
	case opts.NoradID != 0:
		body["norad_id"] = opts.NoradID
	case opts.Satellite != "":
		body["satellite"] = opts.Satellite
	default:
		return fmt.Errorf("satellite id or --norad-id required")
	}
	if opts.DurationSeconds > 0 {
		body["duration_seconds"] = opts.DurationSeconds
	}

	res, err := postCommand(baseURL, "/api/trigger", body)
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(res)
	}
	if res.OK {
		result(true, "TRIGGERED", res.Message+colorize(dim, " job "+res.JobID))
	} else {
		result(false, "TRIGGERED", res.Error)
	}
	return nil
}

// ScanResult mirrors one processing scan summary.
type ScanResult struct {
	StartedAt  time.Time `json:"started_at"`
	Candidates int       `json:"candidates"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Young      int       `json:"young"`
	Failed     int       `json:"failed"`
}

// Scan runs a processing scan now.
func Scan(baseURL string, jsonOutput bool) error {
	var res ScanResult
	if err := postJSON(baseURL, "/api/scan", nil, &res); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	msg := fmt.Sprintf("%d candidates, %d processed, %d already done, %d still settling, %d failed",
		res.Candidates, res.Processed, res.Skipped, res.Young, res.Failed)
	result(res.Failed == 0, "SCANNED", msg)
	return nil
}
