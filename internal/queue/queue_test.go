package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func entry(path string, kind Kind, offset int) Entry {
	return Entry{Path: path, SatelliteID: "NOAA-19", CreatedAt: t0.Add(time.Duration(offset) * time.Second), Kind: kind}
}

func TestAppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	first := []Entry{entry("/p/1.png", KindImage, 0), entry("/p/2.png", KindImage, 1), entry("/p/3.png", KindImage, 2)}
	require.NoError(t, l.Append(ctx, first...))
	require.NoError(t, l.Append(ctx, entry("/r/x.raw", KindRaw, 3)))

	got, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, append(first, entry("/r/x.raw", KindRaw, 3)), got)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "/p/1.png|NOAA-19|2026-04-01T10:00:00Z|IMAGE\n")
}

func TestEntriesOnMissingFile(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	got, err := l.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendRejectsBadEntries(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, l.Append(context.Background(), Entry{Path: "a|b", Kind: KindRaw}))
	assert.Error(t, l.Append(context.Background(), Entry{Path: "a", Kind: "PDF"}))
}

func TestRemoveKeepsOrderAndUnknownLines(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	a, b, c := entry("/a", KindImage, 0), entry("/b", KindVisualization, 1), entry("/c", KindRaw, 2)
	require.NoError(t, l.Append(ctx, a, b))

	// A foreign line written by some other tool must survive a rewrite.
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(ctx, c))
	require.NoError(t, l.Remove(ctx, b))

	got, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{a, c}, got)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "garbage line")
}

func TestRemoveDropsOneDuplicate(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	a := entry("/a", KindImage, 0)
	require.NoError(t, l.Append(ctx, a, a))
	require.NoError(t, l.Remove(ctx, a))

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, entry("/keep", KindRaw, 0)))

	set, err := l.Pending(ctx)
	require.NoError(t, err)
	assert.True(t, set["/keep"])
	assert.False(t, set["/other"])
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l, err := Open(dir)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 25; i++ {
				assert.NoError(t, l.Append(ctx, entry(fmt.Sprintf("/w%d/%d", w, i), KindImage, i)))
			}
		}(w)
	}
	wg.Wait()

	l, err := Open(dir)
	require.NoError(t, err)
	got, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 100)

	// Per-producer FIFO holds even with writers interleaving.
	next := map[byte]int{}
	for _, e := range got {
		var w, i int
		_, err := fmt.Sscanf(e.Path, "/w%d/%d", &w, &i)
		require.NoError(t, err)
		assert.Equal(t, next[byte(w)], i)
		next[byte(w)]++
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("visualization")
	require.NoError(t, err)
	assert.Equal(t, KindVisualization, k)
	_, err = ParseKind("thumb")
	assert.Error(t, err)
}
