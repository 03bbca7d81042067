package ctl

import (
	"fmt"
	"time"
)

// Window mirrors a planned capture window.
type Window struct {
	Satellite string    `json:"satellite"`
	Kind      string    `json:"kind"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	MaxElev   float64   `json:"max_elevation,omitempty"`
}

// SkippedWindow is a window the scheduler dropped and why.
type SkippedWindow struct {
	Window
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Job mirrors a capture job as reported by the scheduler.
type Job struct {
	ID         string        `json:"id"`
	Satellite  string        `json:"satellite"`
	Kind       string        `json:"kind"`
	Duration   time.Duration `json:"duration"`
	State      string        `json:"state"`
	Err        string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Artifact   *struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"artifact,omitempty"`
}

// ScheduleResponse mirrors GET /api/schedule.
type ScheduleResponse struct {
	State     string          `json:"state"`
	Paused    bool            `json:"paused"`
	Upcoming  []Window        `json:"upcoming"`
	Skipped   []SkippedWindow `json:"skipped"`
	Active    *Job            `json:"active,omitempty"`
	History   []Job           `json:"history"`
	PlannedAt time.Time       `json:"planned_at"`
	LEODown   bool            `json:"leo_unavailable"`
}

// ScheduleOptions controls the schedule command.
type ScheduleOptions struct {
	Count   int
	History bool
	JSON    bool
}

// Schedule shows upcoming windows, the active capture, recent skips and
// optionally recent job history.
func Schedule(baseURL string, opts ScheduleOptions) error {
	var s ScheduleResponse
	if err := getJSON(baseURL, "/api/schedule", &s); err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(s)
	}

	printHeader("CAPTURE SCHEDULE")
	state := colorize(stateColor(s.State), s.State)
	if s.Paused {
		state += colorize(yellow, " (paused)")
	}
	field("State", state)
	field("Planned", formatTime(s.PlannedAt))
	if s.LEODown {
		field("LEO", colorize(yellow, "predictions unavailable, GEO only"))
	}
	if j := s.Active; j != nil {
		elapsed := ""
		if !j.StartedAt.IsZero() {
			elapsed = fmt.Sprintf(" %s of %s", formatDuration(time.Since(j.StartedAt)), formatDuration(j.Duration))
		}
		field("Active", colorize(blue, j.Satellite)+colorize(dim, " "+j.ID+elapsed))
	}

	upcoming := s.Upcoming
	if opts.Count > 0 && opts.Count < len(upcoming) {
		upcoming = upcoming[:opts.Count]
	}
	fmt.Fprintln(out)
	if len(upcoming) == 0 {
		fmt.Fprintln(out, "  No upcoming windows.")
	} else {
		rows := make([][]string, 0, len(upcoming))
		for _, w := range upcoming {
			elev := "-"
			if w.MaxElev > 0 {
				elev = fmt.Sprintf("%.1f°", w.MaxElev)
			}
			rows = append(rows, []string{
				w.Satellite,
				w.Kind,
				formatTime(w.Start),
				formatDuration(w.End.Sub(w.Start)),
				elev,
				formatDuration(time.Until(w.Start).Truncate(time.Second)),
			})
		}
		printTable([]string{"Satellite", "Kind", "Start", "Length", "Max elev", "In"}, rows, 3, 4, 5)
	}

	if len(s.Skipped) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, header("  SKIPPED"))
		rows := make([][]string, 0, len(s.Skipped))
		for _, w := range s.Skipped {
			rows = append(rows, []string{w.Satellite, formatTime(w.Start), w.Reason})
		}
		printTable([]string{"Satellite", "Start", "Reason"}, rows)
	}

	if opts.History && len(s.History) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, header("  HISTORY"))
		rows := make([][]string, 0, len(s.History))
		for _, j := range s.History {
			detail := j.Err
			if j.Artifact != nil {
				detail = formatBytes(j.Artifact.SizeBytes)
			}
			rows = append(rows, []string{
				j.ID,
				j.Satellite,
				colorize(stateColor(j.State), j.State),
				formatTime(j.StartedAt),
				detail,
			})
		}
		printTable([]string{"Job", "Satellite", "State", "Started", "Result"}, rows)
	}
	fmt.Fprintln(out)
	return nil
}
