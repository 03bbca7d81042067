// Package uploader drains the upload queue to a remote collection endpoint.
// It is the reference consumer of the queue: nothing else removes entries.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/queue"
	"github.com/large-farva/satpi/internal/satellite"
)

// ErrUploadFailed marks a delivery the endpoint did not confirm.
var ErrUploadFailed = errors.New("upload failed")

// Queue is the slice of queue.Log the uploader needs.
type Queue interface {
	Entries(ctx context.Context) ([]queue.Entry, error)
	Remove(ctx context.Context, delivered ...queue.Entry) error
}

// SatelliteLookup resolves tuning details for upload metadata.
type SatelliteLookup interface {
	ByID(id string) (satellite.Satellite, bool)
}

type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`
	Source    string  `json:"source"`
}

// Metadata is the JSON part sent alongside every file.
type Metadata struct {
	DeviceID    string   `json:"device_id"`
	Satellite   string   `json:"satellite"`
	CaptureTime string   `json:"capture_time"`
	FileSize    int64    `json:"file_size"`
	FileHash    string   `json:"file_hash"`
	Location    Location `json:"location"`
	Frequency   float64  `json:"frequency"`
	SampleRate  int      `json:"sample_rate"`
	Kind        string   `json:"kind"`
}

type Options struct {
	Endpoint     string
	DeviceID     string
	Attempts     int
	RetryDelay   time.Duration
	Interval     time.Duration
	Timeout      time.Duration
	MaxFileBytes int64
	Location     Location
}

// PassResult summarises one drain of the queue.
type PassResult struct {
	StartedAt time.Time `json:"started_at"`
	Delivered int       `json:"delivered"`
	Dropped   int       `json:"dropped"`
	Oversized int       `json:"oversized"`
	Failed    int       `json:"failed"`
	Remaining int       `json:"remaining"`
}

type Uploader struct {
	opts   Options
	queue  Queue
	sats   SatelliteLookup
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	passMu sync.Mutex
	mu     sync.Mutex
	last   PassResult
}

func New(opts Options, q Queue, sats SatelliteLookup, logger *slog.Logger) *Uploader {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	return &Uploader{
		opts:   opts,
		queue:  q,
		sats:   sats,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logging.NewComponentLogger(logger, "uploader"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DeviceID is the identity attached to every upload.
func (u *Uploader) DeviceID() string { return u.opts.DeviceID }

// Last returns the result of the most recent pass.
func (u *Uploader) Last() PassResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// Run drains the queue every interval until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info("uploader started",
		slog.String("endpoint", u.opts.Endpoint),
		slog.String("device_id", u.opts.DeviceID),
	)
	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := u.Drain(ctx); err != nil && ctx.Err() == nil {
			u.logger.Warn("upload pass failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain walks the queue once in creation order. Delivered entries and
// entries whose file no longer exists are removed; everything else stays
// where it is for the next pass.
func (u *Uploader) Drain(ctx context.Context) (PassResult, error) {
	u.passMu.Lock()
	defer u.passMu.Unlock()

	res := PassResult{StartedAt: time.Now().UTC()}
	entries, err := u.queue.Entries(ctx)
	if err != nil {
		return res, fmt.Errorf("read queue: %w", err)
	}

	for i, e := range entries {
		if ctx.Err() != nil {
			res.Remaining += len(entries) - i
			break
		}
		log := u.logger.With(
			slog.String(logging.FieldPath, e.Path),
			slog.String(logging.FieldSatellite, e.SatelliteID),
		)

		info, err := os.Stat(e.Path)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("queued file missing, dropping entry")
			if err := u.queue.Remove(ctx, e); err != nil {
				return res, fmt.Errorf("drop %s: %w", e.Path, err)
			}
			res.Dropped++
			continue
		}
		if err != nil {
			log.Warn("stat queued file", logging.Error(err))
			res.Failed++
			res.Remaining++
			continue
		}
		if u.opts.MaxFileBytes > 0 && info.Size() > u.opts.MaxFileBytes {
			log.Warn("file too large, leaving queued",
				slog.String("size", humanize.IBytes(uint64(info.Size()))),
				slog.String("limit", humanize.IBytes(uint64(u.opts.MaxFileBytes))),
			)
			res.Oversized++
			res.Remaining++
			continue
		}

		if err := u.Upload(ctx, e); err != nil {
			log.Error("upload exhausted retries", logging.Error(err))
			res.Failed++
			res.Remaining++
			continue
		}
		if err := u.queue.Remove(ctx, e); err != nil {
			return res, fmt.Errorf("remove %s: %w", e.Path, err)
		}
		log.Info("uploaded", slog.String("size", humanize.IBytes(uint64(info.Size()))))
		res.Delivered++
	}

	u.mu.Lock()
	u.last = res
	u.mu.Unlock()
	return res, nil
}

// Upload delivers one entry, retrying up to the configured attempts with
// the retry delay between tries.
func (u *Uploader) Upload(ctx context.Context, e queue.Entry) error {
	meta, err := u.metadata(e)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= u.opts.Attempts; attempt++ {
		lastErr = u.send(ctx, e, meta)
		if lastErr == nil {
			return nil
		}
		u.logger.Debug("upload attempt failed",
			slog.String(logging.FieldPath, e.Path),
			slog.Int("attempt", attempt),
			logging.Error(lastErr),
		)
		if attempt < u.opts.Attempts {
			if err := u.sleep(ctx, u.opts.RetryDelay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (u *Uploader) metadata(e queue.Entry) (Metadata, error) {
	size, sum, err := hashFile(e.Path)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{
		DeviceID:    u.opts.DeviceID,
		Satellite:   e.SatelliteID,
		CaptureTime: e.CreatedAt.UTC().Format(time.RFC3339),
		FileSize:    size,
		FileHash:    sum,
		Location:    u.opts.Location,
		Kind:        string(e.Kind),
	}
	if u.sats != nil {
		if sat, ok := u.sats.ByID(e.SatelliteID); ok {
			meta.Frequency = float64(sat.Tuning.FrequencyHz) / 1e6
			meta.SampleRate = sat.Tuning.SampleRate
		}
	}
	return meta, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hash %s: %w", path, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

type uploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (u *Uploader) send(ctx context.Context, e queue.Entry, meta Metadata) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, f, filepath.Base(e.Path), meta))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.Endpoint+"/upload", pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", "satpi-uploader")

	resp, err := u.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUploadFailed, err)
	}
	if out.Status != "success" {
		return fmt.Errorf("%w: server status %q", ErrUploadFailed, out.Status)
	}
	return nil
}

func writeParts(mw *multipart.Writer, file io.Reader, name string, meta Metadata) error {
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="metadata"; filename="metadata.json"`)
	h.Set("Content-Type", "application/json")
	mp, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(mp).Encode(meta); err != nil {
		return err
	}
	return mw.Close()
}

// Status checks that the endpoint answers its liveness route.
func (u *Uploader) Status(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.Endpoint+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status endpoint returned %d", ErrUploadFailed, resp.StatusCode)
	}
	return nil
}
