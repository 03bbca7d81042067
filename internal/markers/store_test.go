package markers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMarkAndHas(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	ok, err := s.Has(ctx, "NOAA-19_20260301T120000Z")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Mark(ctx, Marker{
		BaseName:  "NOAA-19_20260301T120000Z",
		Satellite: "NOAA-19",
		Artifacts: 3,
		Outcome:   OutcomeImages,
	}))

	ok, err = s.Has(ctx, "NOAA-19_20260301T120000Z")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	first := Marker{BaseName: "GOES-16_x", Satellite: "GOES-16", Artifacts: 1, Outcome: OutcomeRaw}
	require.NoError(t, s.Mark(ctx, first))
	require.NoError(t, s.Mark(ctx, Marker{BaseName: "GOES-16_x", Satellite: "GOES-16", Artifacts: 9, Outcome: OutcomeImages}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, OutcomeRaw, list[0].Outcome)
	assert.Equal(t, 1, list[0].Artifacts)
}

func TestMarkersSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Mark(ctx, Marker{BaseName: "a", Satellite: "S", Outcome: OutcomeNone}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.Has(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Mark(ctx, Marker{
			BaseName:    name,
			Satellite:   "S",
			Outcome:     OutcomeImages,
			CompletedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].BaseName)
	assert.Equal(t, "mid", list[1].BaseName)
	assert.True(t, list[0].CompletedAt.Equal(base.Add(2*time.Hour)))
}
