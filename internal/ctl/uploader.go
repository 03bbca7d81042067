package ctl

import (
	"fmt"
	"time"
)

// Uploader shows whether delivery is enabled, the endpoint's liveness and
// the last delivery pass.
func Uploader(baseURL string, jsonOutput bool) error {
	var resp struct {
		Enabled       bool   `json:"enabled"`
		DeviceID      string `json:"device_id"`
		Endpoint      string `json:"endpoint,omitempty"`
		EndpointOK    *bool  `json:"endpoint_ok,omitempty"`
		EndpointError string `json:"endpoint_error,omitempty"`
		LastPass      *struct {
			StartedAt time.Time `json:"started_at"`
			Delivered int       `json:"delivered"`
			Dropped   int       `json:"dropped"`
			Oversized int       `json:"oversized"`
			Failed    int       `json:"failed"`
			Remaining int       `json:"remaining"`
		} `json:"last_pass,omitempty"`
	}
	if err := getJSON(baseURL, "/api/uploader", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	printHeader("UPLOADER")
	field("Device", resp.DeviceID)
	if !resp.Enabled {
		field("Uploads", colorize(dim, "disabled"))
		fmt.Fprintln(out)
		return nil
	}
	field("Endpoint", resp.Endpoint)
	switch {
	case resp.EndpointOK == nil:
	case *resp.EndpointOK:
		field("Reachable", colorize(green, "yes"))
	default:
		field("Reachable", colorize(red, "no: "+resp.EndpointError))
	}
	if p := resp.LastPass; p != nil && !p.StartedAt.IsZero() {
		field("Last pass", fmt.Sprintf("%s: %d delivered, %d failed, %d remaining",
			formatTime(p.StartedAt), p.Delivered, p.Failed, p.Remaining))
		if p.Dropped > 0 || p.Oversized > 0 {
			field("Skipped", fmt.Sprintf("%d missing, %d oversized", p.Dropped, p.Oversized))
		}
	}
	fmt.Fprintln(out)
	return nil
}
