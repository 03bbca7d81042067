package satellite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/config"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("geo")
	require.NoError(t, err)
	assert.Equal(t, GEO, k)

	k, err = ParseKind(" LEO ")
	require.NoError(t, err)
	assert.Equal(t, LEO, k)

	_, err = ParseKind("meo")
	assert.Error(t, err)
}

func TestFromConfigDefaultsWhenEmpty(t *testing.T) {
	cat, err := FromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, len(Defaults()), cat.Len())

	goes, ok := cat.ByID("goes-16")
	require.True(t, ok)
	assert.Equal(t, GEO, goes.Kind)
	assert.Equal(t, int64(1694100000), goes.Tuning.FrequencyHz)

	noaa, ok := cat.ByNoradID(33591)
	require.True(t, ok)
	assert.Equal(t, "NOAA-19", noaa.ID)
}

func TestFromConfigBuildsVariants(t *testing.T) {
	cat, err := FromConfig([]config.SatelliteConfig{
		{ID: "GOES-16", Kind: "geo", FrequencyHz: 1694100000, SampleRate: 2400000, Gain: 30, DurationSeconds: 300, PeriodMinutes: 15, OffsetMinutes: 2, Pipeline: "goes_hrit"},
		{ID: "NOAA-15", Kind: "leo", FrequencyHz: 137620000, SampleRate: 1024000, DurationSeconds: 600, NoradID: 25338, Pipeline: "noaa_apt", Format: "s16"},
		{ID: "OFF", Kind: "leo", FrequencyHz: 1, SampleRate: 1, DurationSeconds: 1, NoradID: 1, Disabled: true},
	})
	require.NoError(t, err)
	require.Equal(t, 2, cat.Len())

	geo := cat.OfKind(GEO)
	require.Len(t, geo, 1)
	require.NotNil(t, geo[0].Geo)
	assert.Nil(t, geo[0].Leo)
	assert.Equal(t, 15*time.Minute, geo[0].Geo.Period)
	assert.Equal(t, 2*time.Minute, geo[0].Geo.Offset)
	assert.Equal(t, "cu8", geo[0].Format)

	leo := cat.OfKind(LEO)
	require.Len(t, leo, 1)
	assert.Equal(t, 25338, leo[0].Leo.NoradID)
	assert.Equal(t, "s16", leo[0].Format)
	assert.Equal(t, []int{25338}, cat.NoradIDs())
}

func TestNewCatalogRejectsBadVariants(t *testing.T) {
	_, err := NewCatalog([]Satellite{{ID: "X", Kind: GEO, Duration: time.Minute, Leo: &LeoOrbit{NoradID: 1}}})
	assert.Error(t, err)

	dup := Defaults()[0]
	_, err = NewCatalog([]Satellite{dup, dup})
	assert.Error(t, err)
}
