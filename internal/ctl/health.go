package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// HealthReport mirrors the detailed JSON form of GET /healthz.
type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's result.
type HealthCheck struct {
	OK    bool   `json:"ok"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

// Health checks daemon liveness and per-component health via GET /healthz.
// An unhealthy daemon answers 503 with the same report, so the body is
// decoded either way.
func Health(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		if jsonOutput {
			return printJSON(map[string]any{"healthy": false, "url": baseURL, "error": err.Error()})
		}
		return err
	}
	defer resp.Body.Close()

	var report HealthReport
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return decodeJSON(resp, &report)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(report)
	}

	fmt.Fprintln(out)
	if report.Healthy {
		fmt.Fprintf(out, "  %s  satpid is healthy at %s\n", colorize(green, "HEALTHY"), colorize(dim, baseURL))
	} else {
		fmt.Fprintf(out, "  %s  satpid reports problems at %s\n", colorize(red, "UNHEALTHY"), colorize(dim, baseURL))
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := report.Checks[name]
		mark, detail := colorize(green, "ok  "), c.Path
		if !c.OK {
			mark, detail = colorize(red, "FAIL"), c.Error
		}
		fmt.Fprintf(out, "    %s  %s %s\n", mark, padRight(name, 12), colorize(dim, detail))
	}
	fmt.Fprintln(out)
	return nil
}
