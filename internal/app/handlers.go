package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/predict"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
	"github.com/large-farva/satpi/internal/scheduler"
)

const commandTimeout = 30 * time.Second

// Handler returns the daemon's HTTP API.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/version", a.handleVersion)
	mux.HandleFunc("GET /api/satellites", a.handleSatellites)
	mux.HandleFunc("GET /api/schedule", a.handleSchedule)
	mux.HandleFunc("GET /api/passes", a.handlePasses)
	mux.HandleFunc("GET /api/captures", a.handleCaptures)
	mux.HandleFunc("GET /api/processed", a.handleProcessed)
	mux.HandleFunc("GET /api/queue", a.handleQueue)
	mux.HandleFunc("GET /api/storage", a.handleStorage)
	mux.HandleFunc("GET /api/connectivity", a.handleConnectivity)
	mux.HandleFunc("GET /api/uploader", a.handleUploader)

	mux.HandleFunc("POST /api/trigger", a.handleTrigger)
	mux.HandleFunc("POST /api/pause", a.commandHandler("pause"))
	mux.HandleFunc("POST /api/resume", a.commandHandler("resume"))
	mux.HandleFunc("POST /api/skip", a.commandHandler("skip"))
	mux.HandleFunc("POST /api/cancel", a.commandHandler("cancel"))
	mux.HandleFunc("POST /api/tle-refresh", a.commandHandler("tle_refresh"))
	mux.HandleFunc("POST /api/reclaim", a.handleReclaim)
	mux.HandleFunc("POST /api/scan", a.handleScan)

	mux.Handle("/ws", a.hub.Handler())
	return mux
}

// ---------------------------------------------------------------------------
// Core handlers
// ---------------------------------------------------------------------------

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// If the client asks for JSON, return component-level health checks.
	if r.Header.Get("Accept") == "application/json" {
		a.handleHealthDetailed(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depth, _ := a.queue.Len(ctx)
	processed, _ := a.markers.Count(ctx)
	files, bytes := dataUsage(a.cfg.Data.Root)

	resp := map[string]any{
		"name":           "satpi",
		"version":        Version,
		"phase":          a.phase.Load().(string),
		"state":          a.scheduler.State(),
		"paused":         a.scheduler.IsPaused(),
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"device_id":      a.deviceID,
		"simulate":       a.cfg.Receiver.Simulate,
		"receiver": map[string]any{
			"available": a.receiver.Available(),
			"busy":      a.receiver.Busy(),
			"holder":    a.receiver.Holder(),
		},
		"queue_depth":     depth,
		"processed_count": processed,
		"data_root":       a.cfg.Data.Root,
		"data_files":      files,
		"data_bytes":      bytes,
		"budget_bytes":    a.budget,
		"ws_clients":      a.hub.Clients(),
	}
	if du, err := diskUsage(a.cfg.Data.Root); err == nil {
		resp["disk"] = du
	}
	if st, ok := a.monitor.Latest(); ok {
		resp["connectivity"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	})
}

func (a *App) handleSatellites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"satellites": a.catalog.All()})
}

func (a *App) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Snapshot())
}

// handlePasses lists predicted polar-orbiter passes over the lookahead
// window. Passes are informational; the schedule decides what is captured.
func (a *App) handlePasses(w http.ResponseWriter, r *http.Request) {
	leo := a.catalog.OfKind(satellite.LEO)
	resp := map[string]any{
		"tle_age_seconds": int64(a.predictor.TLEAge().Seconds()),
		"passes":          []predict.Pass{},
	}
	passes, err := a.predictor.Passes(r.Context(), leo, time.Now().UTC())
	if err != nil {
		resp["error"] = err.Error()
	} else if passes != nil {
		resp["passes"] = passes
	}
	if n := limitParam(r, 0); n > 0 && n < len(passes) {
		resp["passes"] = passes[:n]
	}
	writeJSON(w, http.StatusOK, resp)
}

type captureInfo struct {
	Filename  string    `json:"filename"`
	Satellite string    `json:"satellite"`
	Captured  time.Time `json:"captured_at"`
	Size      int64     `json:"size"`
	Processed bool      `json:"processed"`
}

// handleCaptures lists finished raw recordings, newest first.
func (a *App) handleCaptures(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(a.cfg.Data.RawDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	captures := make([]captureInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != capture.RawExt {
			continue
		}
		sat, at, err := capture.ParseArtifactName(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(e.Name(), capture.RawExt)
		done, _ := a.markers.Has(r.Context(), base)
		captures = append(captures, captureInfo{
			Filename:  e.Name(),
			Satellite: sat,
			Captured:  at,
			Size:      info.Size(),
			Processed: done,
		})
	}
	sort.Slice(captures, func(i, j int) bool { return captures[i].Captured.After(captures[j].Captured) })

	if n := limitParam(r, 0); n > 0 && n < len(captures) {
		captures = captures[:n]
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": captures})
}

func (a *App) handleProcessed(w http.ResponseWriter, r *http.Request) {
	list, err := a.markers.List(r.Context(), limitParam(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": list, "last_scan": a.pipeline.LastScan()})
}

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := a.queue.Entries(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    a.queue.Path(),
		"depth":   len(entries),
		"entries": entries,
	})
}

func (a *App) handleStorage(w http.ResponseWriter, _ *http.Request) {
	files, bytes := dataUsage(a.cfg.Data.Root)
	resp := map[string]any{
		"root":         a.cfg.Data.Root,
		"budget_bytes": a.budget,
		"used_bytes":   bytes,
		"files":        files,
	}
	if last, ok := a.reclaimer.Last(); ok {
		resp["last_pass"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	st, ok := a.monitor.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"sampled": false, "targets": a.cfg.Connectivity.Targets})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sampled": true, "targets": a.cfg.Connectivity.Targets, "state": st})
}

func (a *App) handleUploader(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"enabled":   a.uploader != nil,
		"device_id": a.deviceID,
	}
	if a.uploader != nil {
		resp["endpoint"] = a.cfg.Uploader.Endpoint
		resp["last_pass"] = a.uploader.Last()
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := a.uploader.Status(ctx); err != nil {
			resp["endpoint_ok"] = false
			resp["endpoint_error"] = err.Error()
		} else {
			resp["endpoint_ok"] = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func (a *App) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req scheduler.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Satellite == "" && req.NoradID == 0 {
		jsonError(w, "satellite or norad_id is required", http.StatusBadRequest)
		return
	}
	a.sendCommand(w, r, "trigger", req)
}

func (a *App) commandHandler(typ string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.sendCommand(w, r, typ, nil)
	}
}

// sendCommand forwards a command to the scheduler loop and writes its reply.
func (a *App) sendCommand(w http.ResponseWriter, r *http.Request, typ string, payload any) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	res, err := a.scheduler.Send(ctx, typ, payload)
	if err != nil {
		jsonError(w, "scheduler did not answer: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (a *App) handleReclaim(w http.ResponseWriter, r *http.Request) {
	res, err := a.reclaimer.Reclaim(r.Context())
	if err != nil {
		a.log.Warn("manual reclaim failed", logging.Error(err))
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := a.pipeline.Scan(r.Context())
	if err != nil {
		a.log.Warn("manual scan failed", logging.Error(err))
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (a *App) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	allOK := true

	tmpPath := filepath.Join(a.cfg.Data.StateDir, ".healthcheck")
	if err := os.WriteFile(tmpPath, []byte("ok"), 0o644); err != nil {
		checks["data_dir"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else {
		_ = os.Remove(tmpPath)
		checks["data_dir"] = map[string]any{"ok": true, "path": a.cfg.Data.Root}
	}

	if a.receiver.Available() {
		checks["receiver"] = map[string]any{"ok": true, "busy": a.receiver.Busy()}
	} else {
		checks["receiver"] = map[string]any{"ok": false, "error": "receiver unavailable"}
		allOK = false
	}

	if _, err := a.queue.Len(r.Context()); err != nil {
		checks["queue"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else {
		checks["queue"] = map[string]any{"ok": true}
	}

	if _, err := a.markers.Count(r.Context()); err != nil {
		checks["markers"] = map[string]any{"ok": false, "error": err.Error()}
		allOK = false
	} else {
		checks["markers"] = map[string]any{"ok": true}
	}

	if last, ok := a.reclaimer.Last(); ok && last.OverBudget() {
		checks["storage"] = map[string]any{"ok": false, "error": "over budget after last reclaim pass"}
		allOK = false
	} else {
		checks["storage"] = map[string]any{"ok": true}
	}

	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err != nil {
			checks["config_file"] = map[string]any{"ok": false, "error": err.Error()}
			allOK = false
		} else {
			checks["config_file"] = map[string]any{"ok": true, "path": a.configPath}
		}
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": allOK,
		"checks":  checks,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"ok":    false,
		"error": msg,
	})
}

func limitParam(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
