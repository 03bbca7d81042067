package ctl

import (
	"fmt"
	"strconv"
	"time"
)

// CapturesOptions configures the captures and processed commands.
type CapturesOptions struct {
	Limit int
	JSON  bool
}

func limitQuery(path string, limit int) string {
	if limit > 0 {
		return path + "?limit=" + strconv.Itoa(limit)
	}
	return path
}

// Captures lists raw recordings on the daemon, newest first.
func Captures(baseURL string, opts CapturesOptions) error {
	var resp struct {
		Captures []struct {
			Filename   string    `json:"filename"`
			Satellite  string    `json:"satellite"`
			CapturedAt time.Time `json:"captured_at"`
			Size       int64     `json:"size"`
			Processed  bool      `json:"processed"`
		} `json:"captures"`
	}
	if err := getJSON(baseURL, limitQuery("/api/captures", opts.Limit), &resp); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(resp)
	}

	printHeader("CAPTURES")
	if len(resp.Captures) == 0 {
		fmt.Fprintln(out, "  No capture files found.")
	} else {
		rows := make([][]string, 0, len(resp.Captures))
		for _, c := range resp.Captures {
			processed := colorize(yellow, "pending")
			if c.Processed {
				processed = colorize(green, "done")
			}
			rows = append(rows, []string{c.Satellite, formatTime(c.CapturedAt), formatBytes(c.Size), processed, c.Filename})
		}
		printTable([]string{"Satellite", "Captured", "Size", "Processing", "Filename"}, rows, 2)
	}
	fmt.Fprintln(out)
	return nil
}

// Processed lists recent processing markers and the last scan summary.
func Processed(baseURL string, opts CapturesOptions) error {
	var resp struct {
		Processed []struct {
			BaseName    string    `json:"base_name"`
			Satellite   string    `json:"satellite"`
			Artifacts   int       `json:"artifacts"`
			Outcome     string    `json:"outcome"`
			CompletedAt time.Time `json:"completed_at"`
		} `json:"processed"`
		LastScan *ScanResult `json:"last_scan"`
	}
	if err := getJSON(baseURL, limitQuery("/api/processed", opts.Limit), &resp); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(resp)
	}

	printHeader("PROCESSED")
	if s := resp.LastScan; s != nil && !s.StartedAt.IsZero() {
		field("Last scan", fmt.Sprintf("%s: %d candidates, %d processed, %d failed",
			formatTime(s.StartedAt), s.Candidates, s.Processed, s.Failed))
	}
	if len(resp.Processed) == 0 {
		fmt.Fprintln(out, "  Nothing processed yet.")
	} else {
		rows := make([][]string, 0, len(resp.Processed))
		for _, m := range resp.Processed {
			rows = append(rows, []string{m.BaseName, m.Satellite, m.Outcome, strconv.Itoa(m.Artifacts), formatTime(m.CompletedAt)})
		}
		printTable([]string{"Capture", "Satellite", "Outcome", "Artifacts", "Completed"}, rows, 3)
	}
	fmt.Fprintln(out)
	return nil
}
