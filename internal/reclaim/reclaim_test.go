package reclaim

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/logging"
)

const kb = 1024

type staticPending map[string]bool

func (s staticPending) Pending(context.Context) (map[string]bool, error) { return s, nil }

type staticMarkers map[string]bool

func (s staticMarkers) Has(_ context.Context, base string) (bool, error) { return s[base], nil }

type tree struct {
	t    *testing.T
	root string
	now  time.Time
}

func newTree(t *testing.T) *tree {
	return &tree{t: t, root: t.TempDir(), now: time.Now()}
}

func (tr *tree) file(rel string, size int, age time.Duration) string {
	tr.t.Helper()
	path := filepath.Join(tr.root, rel)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tr.t, os.WriteFile(path, make([]byte, size), 0o644))
	mt := tr.now.Add(-age)
	require.NoError(tr.t, os.Chtimes(path, mt, mt))
	return path
}

func (tr *tree) reclaimer(budget int64, pending PendingSource) *Reclaimer {
	return New(Options{
		Root:           tr.root,
		StateDir:       filepath.Join(tr.root, "state"),
		Budget:         budget,
		Grace:          time.Minute,
		ProtectPending: pending != nil,
	}, pending, nil, nil, logging.NewNop())
}

func removedPaths(res Result) []string {
	var out []string
	for _, r := range res.Removed {
		out = append(out, r.Path)
	}
	return out
}

// 25 units on disk, 20 unit budget, raw captures aged T1 < T2 < T3 (T1 oldest).
func TestOldestRawGoesFirstAndStopsAtBudget(t *testing.T) {
	tr := newTree(t)
	t1 := tr.file("raw/NOAA-15_a.raw", 6*kb, 3*time.Hour)
	tr.file("raw/NOAA-18_b.raw", 6*kb, 2*time.Hour)
	tr.file("raw/NOAA-19_c.raw", 6*kb, time.Hour)
	tr.file("products/x/01_img.png", 7*kb, 4*time.Hour)

	res, err := tr.reclaimer(20*kb, nil).Reclaim(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(25*kb), res.Before)
	assert.Equal(t, []string{t1}, removedPaths(res))
	assert.Equal(t, int64(19*kb), res.After)
	assert.LessOrEqual(t, res.After, res.Budget)
	assert.NoFileExists(t, t1)
}

func TestSecondTierAfterRawExhausted(t *testing.T) {
	tr := newTree(t)
	raw := tr.file("raw/A_1.raw", 4*kb, time.Hour)
	oldImg := tr.file("products/A_1/01_old.png", 4*kb, 5*time.Hour)
	newImg := tr.file("products/A_1/02_new.png", 4*kb, 4*time.Hour)
	keep := tr.file("products/B_1/01.png", 4*kb, 3*time.Hour)

	res, err := tr.reclaimer(6*kb, nil).Reclaim(context.Background())
	require.NoError(t, err)

	// Raw goes first even though the images are older.
	assert.Equal(t, []string{raw, oldImg, newImg}, removedPaths(res))
	assert.Equal(t, []int{1, 2, 2}, []int{res.Removed[0].Tier, res.Removed[1].Tier, res.Removed[2].Tier})
	assert.FileExists(t, keep)
	assert.NoDirExists(t, filepath.Join(tr.root, "products", "A_1"), "emptied capture dir is pruned")
	assert.DirExists(t, filepath.Join(tr.root, "raw"))
}

func TestUnderBudgetDoesNothing(t *testing.T) {
	tr := newTree(t)
	tr.file("raw/a.raw", kb, time.Hour)

	res, err := tr.reclaimer(10*kb, nil).Reclaim(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, res.Before, res.After)
}

func TestProtectedFilesSurvive(t *testing.T) {
	tr := newTree(t)
	young := tr.file("raw/young.raw", 4*kb, 10*time.Second)
	partial := tr.file("raw/live.raw.part", 4*kb, time.Hour)
	state := tr.file("state/markers.db", 4*kb, 10*time.Hour)
	queued := tr.file("products/q/01.png", 4*kb, 9*time.Hour)
	free := tr.file("products/f/01.png", 4*kb, 8*time.Hour)

	res, err := tr.reclaimer(kb, staticPending{queued: true}).Reclaim(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{free}, removedPaths(res))
	for _, p := range []string{young, partial, state, queued} {
		assert.FileExists(t, p)
	}
	assert.Equal(t, 1, res.Protected)
	assert.True(t, res.OverBudget())
}

func TestVanishedFileIsSkipped(t *testing.T) {
	tr := newTree(t)
	gone := tr.file("raw/a.raw", 4*kb, 3*time.Hour)
	next := tr.file("raw/b.raw", 4*kb, 2*time.Hour)

	r := tr.reclaimer(5*kb, nil)
	r.remove = func(path string) error {
		if path == gone {
			return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
		}
		return os.Remove(path)
	}

	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{next}, removedPaths(res))
	assert.Zero(t, res.Errors)
}

func TestLastResultIsKept(t *testing.T) {
	tr := newTree(t)
	r := tr.reclaimer(kb, nil)
	_, ok := r.Last()
	assert.False(t, ok)

	_, err := r.Reclaim(context.Background())
	require.NoError(t, err)
	_, ok = r.Last()
	assert.True(t, ok)
}

func TestUnprocessedRawAndScratchSurvive(t *testing.T) {
	tr := newTree(t)
	done := tr.file("raw/NOAA-15_a.raw", 4*kb, 4*time.Hour)
	backlog := tr.file("raw/NOAA-18_b.raw", 4*kb, 5*time.Hour)
	scratch := tr.file("products/NOAA-18_b/.demod/IMAGES/ch1.png", 4*kb, 3*time.Hour)
	img := tr.file("products/NOAA-15_a/01.png", 4*kb, 2*time.Hour)

	r := New(Options{
		Root:     tr.root,
		StateDir: filepath.Join(tr.root, "state"),
		Budget:   kb,
		Grace:    time.Minute,
	}, nil, staticMarkers{"NOAA-15_a": true}, nil, logging.NewNop())

	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{done, img}, removedPaths(res))
	assert.FileExists(t, backlog)
	assert.FileExists(t, scratch)
	assert.Equal(t, 1, res.Unprocessed)
	assert.True(t, res.OverBudget())
}

func TestStalePartialIsEvicted(t *testing.T) {
	tr := newTree(t)
	stale := tr.file("raw/GOES-16_a.raw.part", 4*kb, 2*time.Hour)
	live := tr.file("raw/GOES-16_b.raw.part", 4*kb, 10*time.Minute)

	r := New(Options{
		Root:         tr.root,
		StateDir:     filepath.Join(tr.root, "state"),
		Budget:       kb,
		Grace:        time.Minute,
		StalePartial: time.Hour,
	}, nil, nil, nil, logging.NewNop())

	res, err := r.Reclaim(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{stale}, removedPaths(res))
	assert.Equal(t, 1, res.Removed[0].Tier)
	assert.FileExists(t, live)
}
