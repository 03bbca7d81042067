package ctl

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// ReclaimResult mirrors one storage reclamation pass.
type ReclaimResult struct {
	StartedAt time.Time `json:"started_at"`
	Before    int64     `json:"before_bytes"`
	After     int64     `json:"after_bytes"`
	Budget    int64     `json:"budget_bytes"`
	Removed   []struct {
		Path    string    `json:"path"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"mod_time"`
		Tier    int       `json:"tier"`
	} `json:"removed"`
	Skipped     int `json:"skipped"`
	Protected   int `json:"protected"`
	Unprocessed int `json:"unprocessed"`
	Errors      int `json:"errors"`
}

// Storage shows data usage against the budget and the last reclaim pass.
func Storage(baseURL string, jsonOutput bool) error {
	var resp struct {
		Root        string         `json:"root"`
		BudgetBytes int64          `json:"budget_bytes"`
		UsedBytes   int64          `json:"used_bytes"`
		Files       int            `json:"files"`
		LastPass    *ReclaimResult `json:"last_pass,omitempty"`
	}
	if err := getJSON(baseURL, "/api/storage", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	pct := 0
	if resp.BudgetBytes > 0 {
		pct = int(resp.UsedBytes * 100 / resp.BudgetBytes)
	}
	printHeader("STORAGE")
	field("Root", resp.Root)
	field("Files", strconv.Itoa(resp.Files))
	field("Used", fmt.Sprintf("[%s] %d%%  %s of %s", progressBar(pct, 20), pct, formatBytes(resp.UsedBytes), formatBytes(resp.BudgetBytes)))
	if p := resp.LastPass; p != nil {
		field("Last pass", fmt.Sprintf("%s: %s -> %s, %d removed, %d protected",
			formatTime(p.StartedAt), formatBytes(p.Before), formatBytes(p.After), len(p.Removed), p.Protected))
	} else {
		field("Last pass", colorize(dim, "none yet"))
	}
	fmt.Fprintln(out)
	return nil
}

// Reclaim runs a storage reclamation pass now and prints what it removed.
func Reclaim(baseURL string, jsonOutput bool) error {
	var res ReclaimResult
	if err := postJSON(baseURL, "/api/reclaim", nil, &res); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	printHeader("RECLAIM")
	field("Before", formatBytes(res.Before))
	field("After", formatBytes(res.After))
	field("Budget", formatBytes(res.Budget))
	if res.Protected > 0 {
		field("Protected", fmt.Sprintf("%d pending upload", res.Protected))
	}
	if res.Unprocessed > 0 {
		field("Unprocessed", fmt.Sprintf("%d raw awaiting the pipeline", res.Unprocessed))
	}
	if res.Errors > 0 {
		field("Errors", colorize(red, strconv.Itoa(res.Errors)))
	}
	if res.After > res.Budget {
		field("Result", colorize(yellow, "still over budget"))
	}
	if len(res.Removed) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(res.Removed))
		for _, r := range res.Removed {
			rows = append(rows, []string{strconv.Itoa(r.Tier), filepath.Base(r.Path), formatBytes(r.Size), formatTime(r.ModTime)})
		}
		printTable([]string{"Tier", "File", "Size", "Modified"}, rows, 2)
	}
	fmt.Fprintln(out)
	return nil
}
