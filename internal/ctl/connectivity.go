package ctl

import (
	"fmt"
	"strings"
	"time"
)

// ConnectivitySample mirrors the monitor's latest link sample.
type ConnectivitySample struct {
	LossPct      float64   `json:"loss_pct"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	Quality      int       `json:"quality_score"`
	SampledAt    time.Time `json:"sampled_at"`
	Recovery     bool      `json:"recovery_triggered"`
}

func qualityColor(q int) string {
	switch {
	case q >= 70:
		return green
	case q >= 30:
		return yellow
	default:
		return red
	}
}

// Connectivity shows the latest link-quality sample.
func Connectivity(baseURL string, jsonOutput bool) error {
	var resp struct {
		Sampled bool                `json:"sampled"`
		Targets []string            `json:"targets"`
		State   *ConnectivitySample `json:"state,omitempty"`
	}
	if err := getJSON(baseURL, "/api/connectivity", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	printHeader("CONNECTIVITY")
	field("Targets", strings.Join(resp.Targets, ", "))
	if !resp.Sampled || resp.State == nil {
		field("Sample", colorize(dim, "none yet"))
		fmt.Fprintln(out)
		return nil
	}
	s := resp.State
	field("Quality", colorize(qualityColor(s.Quality), fmt.Sprintf("%d/100", s.Quality)))
	field("Loss", fmt.Sprintf("%.0f%%", s.LossPct))
	field("Latency", fmt.Sprintf("%.1f ms", s.AvgLatencyMS))
	field("Sampled", formatTime(s.SampledAt))
	if s.Recovery {
		field("Recovery", colorize(yellow, "triggered"))
	}
	fmt.Fprintln(out)
	return nil
}
