// Package app wires the station together: receiver, scheduler, processing
// pipeline, storage reclaimer, connectivity monitor, optional uploader, the
// HTTP API and the WebSocket hub. It owns the daemon's lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/markers"
	"github.com/large-farva/satpi/internal/netmon"
	"github.com/large-farva/satpi/internal/pipeline"
	"github.com/large-farva/satpi/internal/predict"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/receiver"
	"github.com/large-farva/satpi/internal/reclaim"
	"github.com/large-farva/satpi/internal/satellite"
	"github.com/large-farva/satpi/internal/scheduler"
	"github.com/large-farva/satpi/internal/telemetry"
	"github.com/large-farva/satpi/internal/uploader"
	"github.com/large-farva/satpi/internal/ws"
)

// ErrAlreadyRunning is returned when another satpid holds the state lock.
var ErrAlreadyRunning = errors.New("another satpid instance is running")

const (
	lockName          = "satpid.lock"
	heartbeatInterval = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	simulatedSamples  = 4 << 20
)

// Daemon phases reported by /api/status.
const (
	PhaseBooting  = "BOOTING"
	PhaseRunning  = "RUNNING"
	PhaseStopping = "STOPPING"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger     *slog.Logger
	Config     config.Config
	ConfigPath string
	Bind       string
	// Hub is shared with the logger so log records reach WebSocket clients.
	// New creates one when nil.
	Hub *ws.Hub
}

// App is the top-level daemon process.
type App struct {
	log        *slog.Logger
	cfg        config.Config
	configPath string
	bind       string
	startedAt  time.Time
	phase      atomic.Value

	lock     *flock.Flock
	hub      *ws.Hub
	catalog  *satellite.Catalog
	budget   int64
	deviceID string

	receiver  *receiver.Receiver
	prober    *receiver.Prober
	hotplug   *receiver.HotplugMonitor
	predictor *predict.Predictor
	markers   *markers.Store
	queue     *queue.Log
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	reclaimer *reclaim.Reclaimer
	monitor   *netmon.Monitor
	uploader  *uploader.Uploader
}

// New validates the configuration, takes the single-instance lock and builds
// every component. Nothing runs until Run is called; Close releases what New
// acquired.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	pf, err := preflight(cfg)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.Data.StateDir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, lock.Path())
	}

	a := &App{
		log:        logging.NewComponentLogger(logger, "satpid"),
		cfg:        cfg,
		configPath: opts.ConfigPath,
		bind:       opts.Bind,
		startedAt:  time.Now(),
		lock:       lock,
		hub:        opts.Hub,
		catalog:    pf.catalog,
		budget:     pf.budget,
	}
	a.phase.Store(PhaseBooting)
	if a.hub == nil {
		a.hub = ws.NewHub()
	}

	if err := a.build(logger, pf); err != nil {
		return nil, multierror.Append(err, a.Close()).ErrorOrNil()
	}
	return a, nil
}

type preflightResult struct {
	catalog  *satellite.Catalog
	budget   int64
	maxBytes int64
}

// preflight collects every configuration problem at once so an operator can
// fix them in one edit.
func preflight(cfg config.Config) (preflightResult, error) {
	var res preflightResult
	var errs *multierror.Error

	if err := cfg.EnsureDirectories(); err != nil {
		errs = multierror.Append(errs, err)
	}
	var err error
	if res.budget, err = cfg.Storage.BudgetBytes(); err != nil {
		errs = multierror.Append(errs, err)
	} else if res.budget <= 0 {
		errs = multierror.Append(errs, errors.New("storage.budget must be positive"))
	}
	if res.maxBytes, err = cfg.Uploader.MaxFileBytes(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if res.catalog, err = satellite.FromConfig(cfg.Satellites); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("satellites: %w", err))
	}
	if cfg.Uploader.Enabled && cfg.Uploader.Endpoint == "" {
		errs = multierror.Append(errs, errors.New("uploader.endpoint is required when the uploader is enabled"))
	}
	if len(cfg.Connectivity.Targets) == 0 {
		errs = multierror.Append(errs, errors.New("connectivity.targets must list at least one host"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return res, fmt.Errorf("preflight: %w", err)
	}
	return res, nil
}

func (a *App) build(logger *slog.Logger, pf preflightResult) error {
	cfg := a.cfg
	var err error

	a.receiver = receiver.New()
	a.prober = receiver.NewProber(cfg.Receiver)
	if cfg.Receiver.Hotplug && !cfg.Receiver.Simulate {
		a.hotplug = receiver.NewHotplugMonitor(a.receiver, cfg.Receiver, logger)
	}

	if a.markers, err = markers.Open(cfg.Data.StateDir); err != nil {
		return fmt.Errorf("markers: %w", err)
	}
	if a.queue, err = queue.Open(cfg.Data.StateDir); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	a.predictor = predict.New(cfg, a.catalog.NoradIDs(), logger)

	var capturer capture.Capturer = capture.RTLCapturer{
		Command:     cfg.Receiver.CaptureCommand,
		DeviceIndex: cfg.Receiver.DeviceIndex,
		PPM:         cfg.Receiver.PPMCorrection,
	}
	if cfg.Receiver.Simulate {
		capturer = capture.Simulator{MaxSamples: simulatedSamples, Pace: 10 * time.Second}
	}
	runner := capture.NewRunner(cfg.Data.RawDir, capturer, cfg.Receiver.MinCaptureBytes,
		seconds(cfg.Receiver.TimeoutSlackSeconds), logger)

	var plotter pipeline.Plotter = pipeline.TracePlotter{}
	if len(cfg.Pipeline.PlotCommand) > 0 {
		plotter = pipeline.CommandPlotter{Command: cfg.Pipeline.PlotCommand}
	}
	a.pipeline = pipeline.New(pipeline.Options{
		RawDir:           cfg.Data.RawDir,
		ProductsDir:      cfg.Data.ProductsDir,
		Grace:            cfg.Data.Grace(),
		FallbackPipeline: cfg.Pipeline.FallbackPipeline,
		MaxImageDim:      cfg.Pipeline.MaxImageDim,
		SampleBytes:      cfg.Pipeline.SampleBytes,
		DemodTimeout:     seconds(cfg.Pipeline.DemodTimeoutSeconds),
		PlotTimeout:      seconds(cfg.Pipeline.PlotTimeoutSeconds),
		ScanInterval:     seconds(cfg.Pipeline.ScanIntervalSeconds),
	}, pipeline.SatDump{Command: cfg.Pipeline.DemodCommand}, plotter, a.queue, a.markers, a.catalog, a.hub, logger)

	a.scheduler = scheduler.New(scheduler.Options{
		Tick:        seconds(cfg.Scheduler.TickSeconds),
		Horizon:     time.Duration(cfg.Scheduler.HorizonMinutes) * time.Minute,
		HistorySize: cfg.Scheduler.HistorySize,
	}, a.catalog, a.predictor, a.receiver, runner, a.pipeline, a.hub, logger)

	a.reclaimer = reclaim.New(reclaim.Options{
		Root:           cfg.Data.Root,
		StateDir:       cfg.Data.StateDir,
		Budget:         pf.budget,
		Grace:          cfg.Data.Grace(),
		ProtectPending: cfg.Storage.ProtectPending,
		Interval:       seconds(cfg.Storage.IntervalSeconds),
		StalePartial:   cfg.Data.Grace() + a.longestCapture() + seconds(cfg.Receiver.TimeoutSlackSeconds),
	}, a.queue, a.markers, a.hub, logger)

	conn := cfg.Connectivity
	a.monitor = netmon.New(netmon.Options{
		Targets:            conn.Targets,
		Interval:           seconds(conn.IntervalSeconds),
		LatencyThresholdMS: conn.LatencyThresholdMS,
		LowQuality:         conn.LowQualityThreshold,
	},
		netmon.PingProber{Count: conn.PingCount, Timeout: seconds(conn.PingTimeoutSeconds)},
		netmon.CommandRecoverer{Command: conn.RecoveryCommand, Timeout: time.Minute},
		a.hub, logger)

	a.deviceID = uploader.ResolveDeviceID(cfg.Uploader.DeviceID, uploader.DefaultSources)
	if cfg.Uploader.Enabled {
		a.uploader = uploader.New(uploader.Options{
			Endpoint:     cfg.Uploader.Endpoint,
			DeviceID:     a.deviceID,
			Attempts:     cfg.Uploader.Attempts,
			RetryDelay:   seconds(cfg.Uploader.RetryDelaySeconds),
			Interval:     seconds(cfg.Uploader.IntervalSeconds),
			Timeout:      seconds(cfg.Uploader.TimeoutSeconds),
			MaxFileBytes: pf.maxBytes,
			Location:     a.location(),
		}, a.queue, a.catalog, logger)
	}
	return nil
}

func (a *App) location() uploader.Location {
	loc := a.predictor.ResolveLocation()
	src := "config"
	if a.cfg.Station.UseGPSD {
		src = "gpsd"
	}
	return uploader.Location{Latitude: loc.Lat, Longitude: loc.Lon, Altitude: loc.Alt, Source: src}
}

// longestCapture is the longest window any configured satellite records.
func (a *App) longestCapture() time.Duration {
	var longest time.Duration
	for _, sat := range a.catalog.All() {
		longest = max(longest, sat.Duration)
	}
	return longest
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Close releases the marker database and the instance lock.
func (a *App) Close() error {
	var errs *multierror.Error
	if a.markers != nil {
		errs = multierror.Append(errs, a.markers.Close())
	}
	if a.lock != nil {
		errs = multierror.Append(errs, a.lock.Unlock())
	}
	return errs.ErrorOrNil()
}

// Run probes the receiver, starts every worker and serves HTTP until ctx is
// cancelled or a worker fails. A missing receiver is fatal.
func (a *App) Run(ctx context.Context) error {
	bind := a.bind
	if bind == "" {
		bind = a.cfg.Server.Bind
	}

	if err := a.prober.Probe(ctx); err != nil {
		return fmt.Errorf("receiver preflight: %w", err)
	}
	a.receiver.SetAvailable(true)

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("listening", slog.String("addr", "http://"+ln.Addr().String()))
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.phase.Store(PhaseStopping)
		a.log.Info("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	g.Go(func() error { return a.predictor.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.pipeline.Run(gctx) })
	g.Go(func() error { return a.reclaimer.Run(gctx) })
	g.Go(func() error { return a.monitor.Run(gctx) })
	if a.uploader != nil {
		g.Go(func() error { return a.uploader.Run(gctx) })
	}
	if a.hotplug != nil {
		g.Go(func() error { return a.hotplug.Run(gctx) })
	}
	g.Go(func() error {
		a.heartbeatLoop(gctx)
		return nil
	})

	a.phase.Store(PhaseRunning)
	a.log.Info("station running",
		slog.String("device_id", a.deviceID),
		slog.Int("satellites", a.catalog.Len()),
		slog.Bool("simulate", a.cfg.Receiver.Simulate),
		slog.Bool("uploader", a.uploader != nil),
	)
	return g.Wait()
}

// heartbeatLoop sends a periodic heartbeat event so clients can detect
// connectivity and track uptime without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			depth, _ := a.queue.Len(ctx)
			a.hub.BroadcastJSON(telemetry.NewHeartbeat(a.scheduler.State(), time.Since(a.startedAt), a.receiver.Available(), depth))
		}
	}
}
