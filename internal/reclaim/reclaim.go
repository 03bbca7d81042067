// Package reclaim keeps the capture root under its byte budget. Eviction
// runs in two tiers, raw captures first and then everything else, and is
// strictly oldest-modified-first within a tier.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/large-farva/satpi/internal/capture"
	"github.com/large-farva/satpi/internal/logging"
	"github.com/large-farva/satpi/internal/pipeline"
	"github.com/large-farva/satpi/internal/telemetry"
)

// PendingSource reports artifact paths still waiting for upload.
type PendingSource interface {
	Pending(ctx context.Context) (map[string]bool, error)
}

// ProcessedSource reports whether a capture base name has been processed.
type ProcessedSource interface {
	Has(ctx context.Context, baseName string) (bool, error)
}

// Broadcaster publishes reclaim events; nil disables them.
type Broadcaster interface {
	BroadcastJSON(v any)
}

type Options struct {
	Root           string
	StateDir       string
	Budget         int64
	Grace          time.Duration
	ProtectPending bool
	Interval       time.Duration
	// StalePartial is the age after which a .part file is a leftover of an
	// interrupted capture and may be evicted with the raw tier. Zero keeps
	// them.
	StalePartial time.Duration
}

// Removed is one evicted file.
type Removed struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Tier    int       `json:"tier"`
}

// Result summarizes one reclamation pass.
type Result struct {
	StartedAt   time.Time `json:"started_at"`
	Before      int64     `json:"before_bytes"`
	After       int64     `json:"after_bytes"`
	Budget      int64     `json:"budget_bytes"`
	Removed     []Removed `json:"removed"`
	Skipped     int       `json:"skipped"`
	Protected   int       `json:"protected"`
	Unprocessed int       `json:"unprocessed"`
	Errors      int       `json:"errors"`
}

// OverBudget reports whether the pass ended above the budget.
func (r Result) OverBudget() bool { return r.After > r.Budget }

type Reclaimer struct {
	opts      Options
	pending   PendingSource
	processed ProcessedSource
	events    Broadcaster
	logger    *slog.Logger
	now       func() time.Time
	remove    func(string) error

	mu   sync.Mutex
	last *Result
}

// New returns a reclaimer. When processed is non-nil, raw captures without a
// processed marker are kept out of eviction.
func New(opts Options, pending PendingSource, processed ProcessedSource, events Broadcaster, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		opts:      opts,
		pending:   pending,
		processed: processed,
		events:    events,
		logger:    logging.NewComponentLogger(logger, "reclaim"),
		now:       time.Now,
		remove:    os.Remove,
	}
}

// Last returns the most recent pass result, if any.
func (r *Reclaimer) Last() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

// Run performs a pass every interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	interval := r.opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Reclaim(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reclaim pass failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type file struct {
	path    string
	size    int64
	modTime time.Time
}

// Reclaim runs one pass. Files still being written (.part), files younger
// than the grace period, the state directory, demodulator scratch output,
// raw captures not yet processed and, when configured, files with a pending
// upload are never evicted.
func (r *Reclaimer) Reclaim(ctx context.Context) (Result, error) {
	res := Result{StartedAt: r.now().UTC(), Budget: r.opts.Budget}

	var pending map[string]bool
	if r.opts.ProtectPending && r.pending != nil {
		var err error
		if pending, err = r.pending.Pending(ctx); err != nil {
			return res, fmt.Errorf("read upload queue: %w", err)
		}
	}

	inv, err := r.inventory(ctx, pending)
	if err != nil {
		return res, err
	}
	total, tiers := inv.total, inv.tiers
	res.Before = total
	res.After = total
	res.Protected = inv.protected
	res.Unprocessed = inv.unprocessed

	if total <= r.opts.Budget {
		r.store(res)
		return res, nil
	}

	r.logger.Info("storage budget exceeded",
		slog.String("used", humanize.IBytes(uint64(total))),
		slog.String("budget", humanize.IBytes(uint64(r.opts.Budget))),
	)

	for tier, files := range tiers {
		for _, f := range files {
			if total <= r.opts.Budget {
				break
			}
			if ctx.Err() != nil {
				res.After = total
				r.store(res)
				return res, ctx.Err()
			}

			info, err := os.Lstat(f.path)
			if err != nil {
				res.Skipped++
				continue
			}
			if err := r.remove(f.path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					res.Skipped++
				} else {
					res.Errors++
					r.logger.Warn("evict failed", slog.String(logging.FieldPath, f.path), logging.Error(err))
				}
				continue
			}
			total -= info.Size()
			res.Removed = append(res.Removed, Removed{Path: f.path, Size: info.Size(), ModTime: info.ModTime(), Tier: tier + 1})
			r.pruneDir(filepath.Dir(f.path))
			r.logger.Debug("evicted",
				slog.String(logging.FieldPath, f.path),
				slog.Int("tier", tier+1),
				slog.String("size", humanize.IBytes(uint64(info.Size()))),
			)
		}
	}

	if after, err := r.measure(); err == nil {
		total = after
	}
	res.After = total
	r.store(res)

	attrs := []any{
		slog.Int("removed", len(res.Removed)),
		slog.String("before", humanize.IBytes(uint64(res.Before))),
		slog.String("after", humanize.IBytes(uint64(res.After))),
	}
	if res.OverBudget() {
		r.logger.Warn("still over budget after reclaim; remaining files are young, in flight, unprocessed or awaiting upload",
			append(attrs, slog.Int("protected", res.Protected), slog.Int("unprocessed", res.Unprocessed))...)
	} else {
		r.logger.Info("reclaim complete", attrs...)
	}
	if r.events != nil {
		r.events.BroadcastJSON(telemetry.NewReclaim(res.Before, res.After, res.Budget, len(res.Removed)))
	}
	return res, nil
}

func (r *Reclaimer) store(res Result) {
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()
}

type walkResult struct {
	total       int64
	tiers       [2][]file
	protected   int
	unprocessed int
}

// inventory walks the root, returning the total size, eviction candidates
// per tier sorted oldest first, and how many files protection kept.
func (r *Reclaimer) inventory(ctx context.Context, pending map[string]bool) (walkResult, error) {
	var inv walkResult
	now := r.now()
	cutoff := now.Add(-r.opts.Grace)
	stateDir := filepath.Clean(r.opts.StateDir)

	err := filepath.WalkDir(r.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		inv.total += info.Size()

		partial := strings.HasSuffix(path, capture.PartialExt)
		switch {
		case stateDir != "." && within(stateDir, path):
			return nil
		case partial && (r.opts.StalePartial <= 0 || info.ModTime().After(now.Add(-r.opts.StalePartial))):
			return nil
		case info.ModTime().After(cutoff):
			return nil
		case inScratch(path):
			return nil
		case pending[path]:
			inv.protected++
			return nil
		}

		f := file{path: path, size: info.Size(), modTime: info.ModTime()}
		switch {
		case partial:
			inv.tiers[0] = append(inv.tiers[0], f)
		case strings.HasSuffix(path, capture.RawExt):
			if !r.isProcessed(ctx, path) {
				inv.unprocessed++
				return nil
			}
			inv.tiers[0] = append(inv.tiers[0], f)
		default:
			inv.tiers[1] = append(inv.tiers[1], f)
		}
		return nil
	})
	if err != nil {
		return inv, fmt.Errorf("walk %s: %w", r.opts.Root, err)
	}

	for i := range inv.tiers {
		tier := inv.tiers[i]
		sort.Slice(tier, func(a, b int) bool {
			fa, fb := tier[a], tier[b]
			if fa.modTime.Equal(fb.modTime) {
				return fa.path < fb.path
			}
			return fa.modTime.Before(fb.modTime)
		})
	}
	return inv, nil
}

// isProcessed reports whether the raw capture at path has a processed
// marker. A marker lookup failure counts as unprocessed.
func (r *Reclaimer) isProcessed(ctx context.Context, path string) bool {
	if r.processed == nil {
		return true
	}
	done, err := r.processed.Has(ctx, strings.TrimSuffix(filepath.Base(path), capture.RawExt))
	if err != nil {
		r.logger.Warn("marker lookup failed", slog.String(logging.FieldPath, path), logging.Error(err))
		return false
	}
	return done
}

func inScratch(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if part == pipeline.WorkDirName {
			return true
		}
	}
	return false
}

func (r *Reclaimer) measure() (int64, error) {
	var total int64
	err := filepath.WalkDir(r.opts.Root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// pruneDir removes dir if it is now empty and sits at least two levels below
// the root, so per-capture product directories vanish with their last file
// while raw_dir and products_dir themselves stay.
func (r *Reclaimer) pruneDir(dir string) {
	root := filepath.Clean(r.opts.Root)
	if dir == root || filepath.Dir(dir) == root || !within(root, dir) {
		return
	}
	_ = os.Remove(dir)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
