package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Phase         string `json:"phase"`
	State         string `json:"state"`
	Paused        bool   `json:"paused"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DeviceID      string `json:"device_id"`
	Simulate      bool   `json:"simulate"`
	Receiver      struct {
		Available bool   `json:"available"`
		Busy      bool   `json:"busy"`
		Holder    string `json:"holder"`
	} `json:"receiver"`
	QueueDepth     int    `json:"queue_depth"`
	ProcessedCount int    `json:"processed_count"`
	DataRoot       string `json:"data_root"`
	DataFiles      int    `json:"data_files"`
	DataBytes      int64  `json:"data_bytes"`
	BudgetBytes    int64  `json:"budget_bytes"`
	WSClients      int    `json:"ws_clients"`
	Disk           *struct {
		TotalBytes     int64 `json:"total_bytes"`
		UsedBytes      int64 `json:"used_bytes"`
		AvailableBytes int64 `json:"available_bytes"`
	} `json:"disk,omitempty"`
	Connectivity *ConnectivitySample `json:"connectivity,omitempty"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	state := colorize(stateColor(s.State), s.State)
	if s.Paused {
		state += colorize(yellow, " (paused)")
	}
	receiver := colorize(red, "unavailable")
	switch {
	case s.Receiver.Busy:
		receiver = colorize(blue, "busy") + colorize(dim, " ("+s.Receiver.Holder+")")
	case s.Receiver.Available:
		receiver = colorize(green, "idle")
	}
	if s.Simulate {
		receiver += colorize(dim, " [simulated]")
	}

	printHeader("SATPI STATUS")
	field("Daemon", s.Name+" "+s.Version)
	field("Device", s.DeviceID)
	field("Phase", colorize(stateColor(s.Phase), s.Phase))
	field("Scheduler", state)
	field("Uptime", formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	field("Receiver", receiver)
	field("Queue", fmt.Sprintf("%d pending", s.QueueDepth))
	field("Processed", fmt.Sprintf("%d files", s.ProcessedCount))
	field("Data", fmt.Sprintf("%s (%d files, %s of %s budget)", s.DataRoot, s.DataFiles, formatBytes(s.DataBytes), formatBytes(s.BudgetBytes)))
	if s.Disk != nil {
		field("Disk", fmt.Sprintf("%s free of %s", formatBytes(s.Disk.AvailableBytes), formatBytes(s.Disk.TotalBytes)))
	}
	if c := s.Connectivity; c != nil {
		field("Link", fmt.Sprintf("quality %d, loss %.0f%%, %.1f ms", c.Quality, c.LossPct, c.AvgLatencyMS))
	}
	field("Clients", fmt.Sprintf("%d watching", s.WSClients))
	field("Host", strings.TrimRight(baseURL, "/"))
	fmt.Fprintln(out)
	return nil
}
