package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// wsURL turns the daemon's HTTP base URL into its WebSocket endpoint.
func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Watch connects to the daemon's WebSocket endpoint and streams events to
// the terminal in a human-readable format until interrupted or the daemon
// closes the connection.
func Watch(baseURL string, opts WatchOptions) error {
	target, err := wsURL(baseURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  %s %s\n", colorize(green, "connected"), colorize(dim, target))
		if len(opts.Filter) > 0 {
			fmt.Fprintf(out, "  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Fprintln(out, colorize(dim, "  "+strings.Repeat("─", 50)))
		fmt.Fprintln(out)
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[strings.TrimSpace(f)] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !wanted(filterSet, msg) {
				continue
			}
			if opts.JSON {
				fmt.Fprintln(out, string(msg))
			} else {
				renderEvent(msg)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		if !opts.JSON {
			fmt.Fprintln(out)
			fmt.Fprintln(out, colorize(dim, "  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

// wanted applies the event type filter. Messages that are not JSON objects
// pass through.
func wanted(filter map[string]bool, msg []byte) bool {
	if len(filter) == 0 {
		return true
	}
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return true
	}
	return filter[ev.Type]
}

// renderEvent parses a JSON event and prints it in a human-friendly format.
// Falls back to indented JSON for unrecognized event types.
func renderEvent(raw []byte) {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		fmt.Fprintf(out, "  %s\n", string(raw))
		return
	}

	evType, _ := ev["type"].(string)
	ts := colorize(dim, formatEventTime(ev))
	str := func(k string) string { s, _ := ev[k].(string); return s }
	num := func(k string) float64 { n, _ := ev[k].(float64); return n }

	switch evType {
	case "heartbeat":
		state := str("state")
		rx := "receiver down"
		if b, _ := ev["receiver_available"].(bool); b {
			rx = "receiver ok"
		}
		fmt.Fprintf(out, "  %s %s  %s  up %s  %s  queue %d\n",
			ts,
			colorize(dim, "heartbeat"),
			colorize(stateColor(state), state),
			colorize(dim, formatDuration(time.Duration(num("uptime_seconds"))*time.Second)),
			colorize(dim, rx),
			int(num("queue_depth")),
		)

	case "state":
		from, to := str("from"), str("to")
		fmt.Fprintf(out, "  %s %s  %s %s %s\n",
			ts,
			colorize(bold, "STATE"),
			colorize(stateColor(from), from),
			colorize(dim, "->"),
			colorize(stateColor(to), to),
		)

	case "capture":
		state := str("state")
		detail := str("path")
		if size := num("size_bytes"); size > 0 {
			detail += " " + formatBytes(int64(size))
		}
		if e := str("error"); e != "" {
			detail = colorize(red, e)
		}
		fmt.Fprintf(out, "  %s %s  %s %s  %s  %s\n",
			ts,
			colorize(cyan, padRight("CAPTURE", 9)),
			colorize(bold, str("satellite")),
			colorize(dim, str("kind")),
			colorize(stateColor(state), state),
			detail,
		)

	case "processed":
		fmt.Fprintf(out, "  %s %s  %s  %s, %d queued\n",
			ts,
			colorize(cyan, padRight("PROCESSED", 9)),
			str("base_name"),
			str("outcome"),
			int(num("entries")),
		)

	case "reclaim":
		fmt.Fprintf(out, "  %s %s  %s -> %s of %s, %d removed\n",
			ts,
			colorize(cyan, padRight("RECLAIM", 9)),
			formatBytes(int64(num("before_bytes"))),
			formatBytes(int64(num("after_bytes"))),
			formatBytes(int64(num("budget_bytes"))),
			int(num("removed")),
		)

	case "connectivity":
		q := int(num("quality_score"))
		recovery := ""
		if b, _ := ev["recovery_triggered"].(bool); b {
			recovery = colorize(yellow, "  recovery triggered")
		}
		fmt.Fprintf(out, "  %s %s  quality %s  loss %.0f%%  %.1f ms%s\n",
			ts,
			colorize(cyan, padRight("LINK", 9)),
			colorize(qualityColor(q), fmt.Sprintf("%d", q)),
			num("loss_pct"),
			num("avg_latency_ms"),
			recovery,
		)

	case "log":
		src := ""
		if c := str("component"); c != "" {
			src = colorize(dim, "["+c+"] ")
		}
		fmt.Fprintf(out, "  %s %s  %s%s\n", ts, formatLogLevel(str("level")), src, str("message"))

	default:
		pretty, err := json.MarshalIndent(ev, "  ", "  ")
		if err != nil {
			fmt.Fprintf(out, "  %s\n", string(raw))
			return
		}
		fmt.Fprintf(out, "  %s\n", string(pretty))
	}
}

// formatEventTime extracts and shortens the timestamp from an event.
func formatEventTime(ev map[string]any) string {
	tsRaw, ok := ev["ts"].(string)
	if !ok {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return tsRaw
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return colorize(green, "INFO ")
	case "warn":
		return colorize(yellow, "WARN ")
	case "error":
		return colorize(red, "ERROR")
	default:
		return padRight(strings.ToUpper(level), 5)
	}
}
