// Package ctl implements the client-side commands for satctl.
// It talks to a running satpid over HTTP and WebSocket and renders the results to the terminal.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// out receives everything the commands print. Tests swap it for a buffer.
var out io.Writer = os.Stdout

// ANSI escape codes for terminal formatting.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	white  = "\033[37m"
)

// colorEnabled reports whether output goes to a terminal. When output is
// piped or redirected, ANSI escape codes are suppressed.
func colorEnabled() bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stateColor returns the ANSI color code appropriate for a scheduler state.
func stateColor(state string) string {
	switch state {
	case "IDLE", "RUNNING", "DONE":
		return green
	case "WAITING", "PAUSED", "PENDING":
		return yellow
	case "CAPTURING":
		return blue
	case "FAILED", "STOPPING":
		return red
	case "BOOTING":
		return dim
	default:
		return white
	}
}

// colorize wraps text with an ANSI color sequence.
// Returns the text unchanged when color output is disabled.
func colorize(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + reset
}

// header returns a bold section header, or plain text when color is off.
func header(title string) string {
	return colorize(bold, title)
}

func printHeader(title string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  "+title))
	fmt.Fprintln(out, colorize(dim, "  "+strings.Repeat("─", 38)))
}

// field prints one aligned "Label: value" line.
func field(label, value string) {
	fmt.Fprintf(out, "  %-14s %s\n", colorize(dim, label+":"), value)
}

// result prints a one-line outcome such as "PAUSED  scheduling paused".
func result(ok bool, label, msg string) {
	if ok {
		fmt.Fprintf(out, "\n  %s  %s\n\n", colorize(green, label), msg)
		return
	}
	fmt.Fprintf(out, "\n  %s  %s\n\n", colorize(red, "ERROR"), msg)
}

// padRight pads s with spaces to reach the given width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration renders a time.Duration as a compact human string like
// "2h 14m 8s" or "45s".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// formatTime renders a timestamp in local time, or "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatMHz(hz int64) string {
	return fmt.Sprintf("%.3f MHz", float64(hz)/1e6)
}

// progressBar builds a simple ASCII bar of the given width.
func progressBar(pct, width int) string {
	filled := min(max((pct*width)/100, 0), width)
	return colorize(green, strings.Repeat("=", filled)) + strings.Repeat(" ", width-filled)
}

// renderTable renders rows under headers. Columns listed in right are
// right-aligned.
func renderTable(headers []string, rows [][]string, right ...int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if !colorEnabled() {
		tw.Style().Format.Header = text.FormatDefault
	}

	hdr := make(table.Row, len(headers))
	for i, h := range headers {
		hdr[i] = h
	}
	tw.AppendHeader(hdr)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, col := range right {
		configs = append(configs, table.ColumnConfig{
			Number:      col + 1,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// printTable prints a table indented to match the section layout.
func printTable(headers []string, rows [][]string, right ...int) {
	for _, line := range strings.Split(renderTable(headers, rows, right...), "\n") {
		fmt.Fprintln(out, "  "+line)
	}
}
