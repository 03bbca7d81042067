// Package telemetry defines the typed events satpid publishes over its
// WebSocket hub. Every event embeds Event so clients can switch on Type.
package telemetry

import "time"

type EventType string

const (
	EventHeartbeat    EventType = "heartbeat"
	EventState        EventType = "state"
	EventCapture      EventType = "capture"
	EventProcessed    EventType = "processed"
	EventReclaim      EventType = "reclaim"
	EventConnectivity EventType = "connectivity"
	EventLog          EventType = "log"
)

// Event is the envelope shared by every event.
type Event struct {
	Type EventType `json:"type"`
	TS   string    `json:"ts"`
}

// NowTS returns the current UTC time in the RFC 3339 nano form every event uses.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func envelope(t EventType) Event {
	return Event{Type: t, TS: NowTS()}
}

// Heartbeat lets clients detect a live daemon.
type Heartbeat struct {
	Event
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Receiver      bool   `json:"receiver_available"`
	QueueDepth    int    `json:"queue_depth"`
}

func NewHeartbeat(state string, uptime time.Duration, receiver bool, depth int) Heartbeat {
	return Heartbeat{
		Event:         envelope(EventHeartbeat),
		State:         state,
		UptimeSeconds: int64(uptime.Seconds()),
		Receiver:      receiver,
		QueueDepth:    depth,
	}
}

// StateTransition is emitted when the scheduler changes operating state
// (e.g. IDLE -> CAPTURING).
type StateTransition struct {
	Event
	From string `json:"from"`
	To   string `json:"to"`
}

func NewStateTransition(from, to string) StateTransition {
	return StateTransition{Event: envelope(EventState), From: from, To: to}
}

// Capture reports a capture job reaching a new state.
type Capture struct {
	Event
	JobID     string `json:"job_id"`
	Satellite string `json:"satellite"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Path      string `json:"path,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewCapture(jobID, satellite, kind, state string) Capture {
	return Capture{Event: envelope(EventCapture), JobID: jobID, Satellite: satellite, Kind: kind, State: state}
}

// Processed reports the outcome of one raw file passing through the pipeline.
type Processed struct {
	Event
	BaseName  string `json:"base_name"`
	Satellite string `json:"satellite"`
	Outcome   string `json:"outcome"`
	Entries   int    `json:"entries"`
}

func NewProcessed(base, satellite, outcome string, entries int) Processed {
	return Processed{Event: envelope(EventProcessed), BaseName: base, Satellite: satellite, Outcome: outcome, Entries: entries}
}

// Reclaim summarizes one storage reclamation pass.
type Reclaim struct {
	Event
	BeforeBytes int64 `json:"before_bytes"`
	AfterBytes  int64 `json:"after_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	Removed     int   `json:"removed"`
}

func NewReclaim(before, after, budget int64, removed int) Reclaim {
	return Reclaim{Event: envelope(EventReclaim), BeforeBytes: before, AfterBytes: after, BudgetBytes: budget, Removed: removed}
}

// Connectivity carries the latest link-quality sample.
type Connectivity struct {
	Event
	LossPct      float64 `json:"loss_pct"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Quality      int     `json:"quality_score"`
	Recovery     bool    `json:"recovery_triggered"`
}

func NewConnectivity(loss, latency float64, quality int, recovery bool) Connectivity {
	return Connectivity{Event: envelope(EventConnectivity), LossPct: loss, AvgLatencyMS: latency, Quality: quality, Recovery: recovery}
}

// LogLine mirrors a structured log record to WebSocket clients.
type LogLine struct {
	Event
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}
