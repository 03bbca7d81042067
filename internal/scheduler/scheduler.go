// Package scheduler decides what to capture and when. A cooperative loop
// ticks on wall-clock time, replans the upcoming windows and hands any window
// whose start has arrived to a single capture worker. The loop itself never
// waits on a capture.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/predict"
	"github.com/large-farva/satpi/internal/receiver"
	"github.com/large-farva/satpi/internal/satellite"
	"github.com/large-farva/satpi/internal/telemetry"
)

// Operating states reported in snapshots and state events.
const (
	StateIdle      = "IDLE"
	StateWaiting   = "WAITING"
	StateCapturing = "CAPTURING"
	StatePaused    = "PAUSED"
)

// Command represents an external command sent to the scheduler via its
// Commands channel. The Reply channel receives exactly one result.
type Command struct {
	Type    string
	Payload json.RawMessage
	Reply   chan<- CommandResult
}

// CommandResult is the response sent back through a Command's Reply channel.
type CommandResult struct {
	OK                bool   `json:"ok"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	JobID             string `json:"job_id,omitempty"`
	SatellitesUpdated int    `json:"satellites_updated,omitempty"`
}

// Catalog is the satellite table the scheduler plans from.
type Catalog interface {
	All() []satellite.Satellite
	ByID(id string) (satellite.Satellite, bool)
	ByNoradID(id int) (satellite.Satellite, bool)
}

// Predictor supplies LEO passes and element refreshes.
type Predictor interface {
	PassPredictor
	Refresh(ctx context.Context) (int, error)
}

// Executor records a single job. capture.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, job *capture.Job) (capture.Artifact, error)
}

// Notifier receives every successful capture. The processing pipeline
// satisfies it.
type Notifier interface {
	Notify(art capture.Artifact)
}

// Broadcaster publishes telemetry; nil disables events.
type Broadcaster interface {
	BroadcastJSON(v any)
}

type Options struct {
	Tick        time.Duration
	Horizon     time.Duration
	HistorySize int
}

// Snapshot is the operator view of the scheduler.
type Snapshot struct {
	State    string        `json:"state"`
	Paused   bool          `json:"paused"`
	Upcoming []Window      `json:"upcoming"`
	Skipped  []Skipped     `json:"skipped"`
	Active   *capture.Job  `json:"active,omitempty"`
	History  []capture.Job `json:"history"`
	Planned  time.Time     `json:"planned_at,omitzero"`
	LEODown  bool          `json:"leo_unavailable"`
}

type Scheduler struct {
	// Commands receives operator commands from HTTP handlers. The loop
	// services it between ticks.
	Commands chan Command

	opts      Options
	catalog   Catalog
	predictor Predictor
	receiver  *receiver.Receiver
	executor  Executor
	notifier  Notifier
	events    Broadcaster
	logger    *slog.Logger
	now       func() time.Time

	dispatch chan *capture.Job
	paused   atomic.Bool

	mu          sync.Mutex
	state       string
	plan        Plan
	plannedAt   time.Time
	handled     map[string]time.Time
	skipNext    bool
	skipped     []Skipped
	active      *capture.Job
	cancelJob   context.CancelFunc
	history     []capture.Job
	leoReported bool
}

func New(opts Options, cat Catalog, pred Predictor, rx *receiver.Receiver, exec Executor, notifier Notifier, events Broadcaster, logger *slog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.Horizon <= 0 {
		opts.Horizon = time.Hour
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	return &Scheduler{
		Commands:  make(chan Command, 4),
		opts:      opts,
		catalog:   cat,
		predictor: pred,
		receiver:  rx,
		executor:  exec,
		notifier:  notifier,
		events:    events,
		logger:    logging.NewComponentLogger(logger, "scheduler"),
		now:       time.Now,
		dispatch:  make(chan *capture.Job, 1),
		state:     StateIdle,
		handled:   make(map[string]time.Time),
	}
}

// IsPaused reports whether dispatch is suspended.
func (s *Scheduler) IsPaused() bool { return s.paused.Load() }

// State returns the current operating state.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the current plan, active job and history.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:    s.state,
		Paused:   s.paused.Load(),
		Upcoming: append([]Window(nil), s.plan.Windows...),
		Skipped:  append([]Skipped(nil), s.skipped...),
		History:  append([]capture.Job(nil), s.history...),
		Planned:  s.plannedAt,
		LEODown:  s.plan.LEOUnavailable,
	}
	if s.active != nil {
		j := *s.active
		snap.Active = &j
	}
	return snap
}

// Run is the scheduling loop. It starts the capture worker, then ticks until
// ctx is cancelled, servicing commands between ticks. On return the worker
// has exited and any in-flight capture has been stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.worker(ctx)
	}()
	defer wg.Wait()

	s.logger.Info("scheduler started",
		slog.Duration("tick", s.opts.Tick),
		slog.Duration("horizon", s.opts.Horizon),
		slog.Int("satellites", len(s.catalog.All())),
	)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case cmd := <-s.Commands:
			s.handleCommand(ctx, cmd)
		case <-ticker.C:
		}
	}
}

// Tick replans and dispatches every window whose start has arrived. It
// returns the jobs handed to the worker.
func (s *Scheduler) Tick(ctx context.Context) []*capture.Job {
	now := s.now().UTC()
	plan := s.replan(ctx, now)

	s.mu.Lock()
	for k, end := range s.handled {
		if end.Before(now) {
			delete(s.handled, k)
		}
	}
	s.mu.Unlock()

	var out []*capture.Job
	for _, w := range plan.Windows {
		if w.Start.After(now) {
			break
		}
		if !s.claim(w) {
			continue
		}
		if job := s.dispatchWindow(w, now); job != nil {
			out = append(out, job)
		}
	}
	s.refreshState()
	return out
}

func (s *Scheduler) replan(ctx context.Context, now time.Time) Plan {
	var geo, leo []Window
	var leoErr error
	for _, sat := range s.catalog.All() {
		switch sat.Kind {
		case satellite.GEO:
			geo = append(geo, GeoWindows(sat, now, s.opts.Horizon)...)
		case satellite.LEO:
			ws, err := LeoWindows(ctx, s.predictor, sat, now, s.opts.Horizon)
			if err != nil && leoErr == nil {
				leoErr = fmt.Errorf("%s: %w", sat.ID, err)
			}
			leo = append(leo, ws...)
		}
	}

	plan := Arbitrate(geo, leo, now)
	plan.LEOUnavailable = leoErr != nil

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case leoErr != nil && !s.leoReported:
		s.leoReported = true
		if errors.Is(leoErr, predict.ErrUnavailable) {
			s.logger.Warn("polar passes unavailable, LEO capture skipped", logging.Error(leoErr))
		} else {
			s.logger.Error("pass prediction failed, LEO capture skipped", logging.Error(leoErr))
		}
	case leoErr == nil && s.leoReported:
		s.leoReported = false
		s.logger.Info("polar pass prediction restored")
	}

	for _, sk := range plan.Skipped {
		if _, seen := s.handled[sk.key()]; seen {
			continue
		}
		s.handled[sk.key()] = sk.End
		s.recordSkipLocked(sk)
	}

	var upcoming []Window
	for _, w := range plan.Windows {
		if _, done := s.handled[w.key()]; !done || w.Start.After(now) {
			upcoming = append(upcoming, w)
		}
	}
	plan.Windows = upcoming
	s.plan = plan
	s.plannedAt = now
	return plan
}

// claim marks w handled, returning false if it already was. A pending
// operator skip or an active pause consumes the window instead.
func (s *Scheduler) claim(w Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.handled[w.key()]; done {
		return false
	}
	s.handled[w.key()] = w.End
	switch {
	case s.paused.Load():
		s.recordSkipLocked(Skipped{Window: w, Reason: ReasonPaused, At: s.now().UTC()})
		return false
	case s.skipNext:
		s.skipNext = false
		s.recordSkipLocked(Skipped{Window: w, Reason: ReasonOperator, At: s.now().UTC()})
		return false
	}
	return true
}

// dispatchWindow turns w into a job and offers it to the worker. The
// capture is trimmed to the time left in the window. A window that finds
// the receiver or the dispatch slot occupied is lost.
func (s *Scheduler) dispatchWindow(w Window, now time.Time) *capture.Job {
	sat, ok := s.catalog.ByID(w.SatelliteID)
	if !ok {
		return nil
	}
	if s.receiver != nil && s.receiver.Busy() {
		s.skip(Skipped{Window: w, Reason: ReasonReceiverBusy, At: now})
		return nil
	}
	remaining := w.End.Sub(now)
	job := capture.NewJob(sat, w.Start, min(remaining, w.Duration()))
	if !s.offer(job) {
		s.skip(Skipped{Window: w, Reason: ReasonReceiverBusy, At: now})
		return nil
	}
	return job
}

func (s *Scheduler) offer(job *capture.Job) bool {
	ev := jobEvent(job)
	select {
	case s.dispatch <- job:
		s.logger.Info("window dispatched",
			slog.String(logging.FieldJobID, job.ID),
			slog.String(logging.FieldSatellite, job.SatelliteID),
			slog.String("kind", job.Kind.String()),
			slog.Duration("duration", job.Duration),
		)
		s.broadcast(ev)
		return true
	default:
		return false
	}
}

func (s *Scheduler) skip(sk Skipped) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordSkipLocked(sk)
}

func (s *Scheduler) recordSkipLocked(sk Skipped) {
	s.skipped = append(s.skipped, sk)
	if over := len(s.skipped) - s.opts.HistorySize; over > 0 {
		s.skipped = append([]Skipped(nil), s.skipped[over:]...)
	}
	s.logger.Info("window skipped",
		slog.String(logging.FieldSatellite, sk.SatelliteID),
		slog.String("kind", sk.Kind.String()),
		slog.Time("start", sk.Start),
		slog.String("reason", sk.Reason),
	)
}

// worker executes dispatched jobs one at a time.
func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.dispatch:
			s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *capture.Job) {
	log := s.logger.With(
		slog.String(logging.FieldJobID, job.ID),
		slog.String(logging.FieldSatellite, job.SatelliteID),
	)

	var lease *receiver.Lease
	if s.receiver != nil {
		var err error
		if lease, err = s.receiver.TryAcquire(job.ID); err != nil {
			job.Fail(err, s.now().UTC())
			log.Error("capture not started", slog.String(logging.FieldTier, "receiver"), logging.Error(err))
			s.finish(job)
			return
		}
		defer lease.Release()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The runner mutates job while it records; readers see this copy.
	active := *job
	active.State = capture.StateCapturing
	active.StartedAt = s.now().UTC()

	s.mu.Lock()
	s.active = &active
	s.cancelJob = cancel
	s.mu.Unlock()
	s.refreshState()
	s.broadcast(jobEvent(&active))

	art, err := s.executor.Run(jobCtx, job)

	s.mu.Lock()
	s.active = nil
	s.cancelJob = nil
	s.mu.Unlock()

	if err == nil && s.notifier != nil {
		s.notifier.Notify(art)
	}
	s.finish(job)
}

func (s *Scheduler) finish(job *capture.Job) {
	if job.State != capture.StateFailed && job.State != capture.StateSucceeded {
		job.Fail(errors.New("capture ended without a result"), s.now().UTC())
	}
	s.mu.Lock()
	s.history = append(s.history, *job)
	if over := len(s.history) - s.opts.HistorySize; over > 0 {
		s.history = append([]capture.Job(nil), s.history[over:]...)
	}
	s.mu.Unlock()
	s.broadcast(jobEvent(job))
	s.refreshState()
}

// refreshState derives the operating state and emits a transition event
// when it changes.
func (s *Scheduler) refreshState() {
	s.mu.Lock()
	next := StateIdle
	switch {
	case s.active != nil:
		next = StateCapturing
	case s.paused.Load():
		next = StatePaused
	case len(s.plan.Windows) > 0:
		next = StateWaiting
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("state change", slog.String("from", prev), slog.String("to", next))
		s.broadcast(telemetry.NewStateTransition(prev, next))
	}
}

func jobEvent(job *capture.Job) telemetry.Capture {
	ev := telemetry.NewCapture(job.ID, job.SatelliteID, job.Kind.String(), string(job.State))
	ev.Error = job.Err
	if job.Artifact != nil {
		ev.Path = job.Artifact.Path
		ev.SizeBytes = job.Artifact.SizeBytes
	}
	return ev
}

func (s *Scheduler) broadcast(v any) {
	if s.events != nil {
		s.events.BroadcastJSON(v)
	}
}

// handleCommand dispatches an incoming command to the appropriate handler.
func (s *Scheduler) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case "trigger":
		s.handleTriggerCommand(cmd)
	case "tle_refresh":
		s.handleTLERefreshCommand(ctx, cmd)
	case "pause":
		s.handlePauseCommand(cmd)
	case "resume":
		s.handleResumeCommand(cmd)
	case "skip":
		s.handleSkipCommand(cmd)
	case "cancel":
		s.handleCancelCommand(cmd)
	default:
		cmd.Reply <- CommandResult{OK: false, Error: "unknown command: " + cmd.Type}
	}
}

// TriggerRequest asks for an immediate capture outside the plan.
type TriggerRequest struct {
	Satellite       string `json:"satellite,omitempty"`
	NoradID         int    `json:"norad_id,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// handleTriggerCommand queues an immediate capture for the requested
// satellite. It fails rather than waits if the receiver is in use.
func (s *Scheduler) handleTriggerCommand(cmd Command) {
	var req TriggerRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		cmd.Reply <- CommandResult{OK: false, Error: "invalid payload: " + err.Error()}
		return
	}
	var (
		sat satellite.Satellite
		ok  bool
	)
	if req.NoradID != 0 {
		sat, ok = s.catalog.ByNoradID(req.NoradID)
	} else {
		sat, ok = s.catalog.ByID(strings.TrimSpace(req.Satellite))
	}
	if !ok {
		cmd.Reply <- CommandResult{OK: false, Error: fmt.Sprintf("unknown satellite: %q (norad %d)", req.Satellite, req.NoradID)}
		return
	}
	if s.receiver != nil && s.receiver.Busy() {
		cmd.Reply <- CommandResult{OK: false, Error: receiver.ErrBusy.Error()}
		return
	}

	dur := time.Duration(req.DurationSeconds) * time.Second
	job := capture.NewJob(sat, s.now().UTC(), dur)
	if !s.offer(job) {
		cmd.Reply <- CommandResult{OK: false, Error: "a capture is already queued"}
		return
	}
	s.logger.Info("manual trigger",
		slog.String(logging.FieldJobID, job.ID),
		slog.String(logging.FieldSatellite, sat.ID),
		slog.Duration("duration", job.Duration),
	)
	cmd.Reply <- CommandResult{
		OK:      true,
		JobID:   job.ID,
		Message: fmt.Sprintf("capture triggered for %s (%s)", sat.ID, job.Duration.Truncate(time.Second)),
	}
}

// handleTLERefreshCommand forces an element refresh off the loop and
// replies when it finishes.
func (s *Scheduler) handleTLERefreshCommand(ctx context.Context, cmd Command) {
	if s.predictor == nil {
		cmd.Reply <- CommandResult{OK: false, Error: "no polar satellites configured"}
		return
	}
	go func() {
		n, err := s.predictor.Refresh(ctx)
		if err != nil {
			cmd.Reply <- CommandResult{OK: false, Error: "TLE refresh failed: " + err.Error()}
			return
		}
		s.logger.Info("TLE data refreshed", slog.Int("satellites", n))
		cmd.Reply <- CommandResult{
			OK:                true,
			Message:           fmt.Sprintf("TLE data refreshed, %d satellites updated", n),
			SatellitesUpdated: n,
		}
	}()
}

func (s *Scheduler) handlePauseCommand(cmd Command) {
	if s.paused.Swap(true) {
		cmd.Reply <- CommandResult{OK: true, Message: "scheduler already paused"}
		return
	}
	s.logger.Info("scheduler paused by operator")
	s.refreshState()
	cmd.Reply <- CommandResult{OK: true, Message: "scheduler paused"}
}

func (s *Scheduler) handleResumeCommand(cmd Command) {
	if !s.paused.Swap(false) {
		cmd.Reply <- CommandResult{OK: true, Message: "scheduler already running"}
		return
	}
	s.logger.Info("scheduler resumed by operator")
	s.refreshState()
	cmd.Reply <- CommandResult{OK: true, Message: "scheduler resumed"}
}

// handleSkipCommand drops the next window that would otherwise be
// dispatched.
func (s *Scheduler) handleSkipCommand(cmd Command) {
	s.mu.Lock()
	s.skipNext = true
	var next string
	if len(s.plan.Windows) > 0 {
		w := s.plan.Windows[0]
		next = fmt.Sprintf(" (%s at %s)", w.SatelliteID, w.Start.Format(time.RFC3339))
	}
	s.mu.Unlock()
	cmd.Reply <- CommandResult{OK: true, Message: "next window will be skipped" + next}
}

func (s *Scheduler) handleCancelCommand(cmd Command) {
	s.mu.Lock()
	cancel := s.cancelJob
	var id string
	if s.active != nil {
		id = s.active.ID
	}
	s.mu.Unlock()

	if cancel == nil {
		cmd.Reply <- CommandResult{OK: false, Error: "no capture in progress"}
		return
	}
	cancel()
	s.logger.Info("capture cancelled by operator", slog.String(logging.FieldJobID, id))
	cmd.Reply <- CommandResult{OK: true, JobID: id, Message: "capture cancelled"}
}

// Send delivers cmd to the loop and waits for the reply or ctx.
func (s *Scheduler) Send(ctx context.Context, typ string, payload any) (CommandResult, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return CommandResult{}, err
		}
		raw = b
	}
	reply := make(chan CommandResult, 1)
	select {
	case s.Commands <- Command{Type: typ, Payload: raw, Reply: reply}:
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}
