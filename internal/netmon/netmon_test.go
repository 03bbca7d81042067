package netmon

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/logging"
)

func TestScoreBounds(t *testing.T) {
	for loss := 0.0; loss <= 100; loss += 5 {
		for _, lat := range []float64{0, 100, 499, 501, 5000} {
			s := Score(loss, lat, 500)
			assert.GreaterOrEqual(t, s, 0)
			assert.LessOrEqual(t, s, 100)
		}
	}
	assert.Equal(t, 100, Score(0, 10, 500))
	assert.Equal(t, 70, Score(0, 501, 500))
	assert.Equal(t, 80, Score(10, 500, 500), "threshold itself is not a penalty")
	assert.Equal(t, 0, Score(100, 9999, 500))
}

func TestScoreMonotonic(t *testing.T) {
	prev := Score(0, 100, 500)
	for loss := 1.0; loss <= 100; loss++ {
		s := Score(loss, 100, 500)
		assert.LessOrEqual(t, s, prev)
		prev = s
	}
	for loss := 0.0; loss <= 100; loss += 10 {
		assert.LessOrEqual(t, Score(loss, 501, 500), Score(loss, 499, 500))
	}
}

type fakeProber map[string]Sample

func (f fakeProber) Probe(_ context.Context, target string) (Sample, error) {
	s, ok := f[target]
	if !ok {
		return Sample{}, errors.New("unreachable")
	}
	return s, nil
}

type countingRecoverer struct{ calls int }

func (c *countingRecoverer) Recover(context.Context) error {
	c.calls++
	return nil
}

func newMonitor(p Prober, r Recoverer, targets ...string) *Monitor {
	return New(Options{Targets: targets, LatencyThresholdMS: 500, LowQuality: 40}, p, r, nil, logging.NewNop())
}

func TestTickHealthyLink(t *testing.T) {
	rec := &countingRecoverer{}
	m := newMonitor(fakeProber{"a": {LossPct: 0, AvgLatencyMS: 20}, "b": {LossPct: 10, AvgLatencyMS: 40}}, rec, "a", "b")

	st := m.Tick(context.Background())
	assert.InDelta(t, 5, st.LossPct, 0.001)
	assert.InDelta(t, 30, st.AvgLatencyMS, 0.001)
	assert.Equal(t, 90, st.Quality)
	assert.False(t, st.Recovery)
	assert.Zero(t, rec.calls)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, st, latest)
}

func TestLowQualityRetriggersEveryTick(t *testing.T) {
	rec := &countingRecoverer{}
	m := newMonitor(fakeProber{}, rec, "a")

	for i := 0; i < 3; i++ {
		st := m.Tick(context.Background())
		assert.Equal(t, 0, st.Quality)
		assert.True(t, st.Recovery)
	}
	assert.Equal(t, 3, rec.calls)
}

func TestUnreachableTargetCountsAsFullLoss(t *testing.T) {
	m := newMonitor(fakeProber{"up": {AvgLatencyMS: 10}}, &countingRecoverer{}, "up", "down")
	st := m.Tick(context.Background())
	assert.InDelta(t, 50, st.LossPct, 0.001)
	assert.InDelta(t, 10, st.AvgLatencyMS, 0.001)
	assert.Equal(t, 0, st.Quality)
}

func TestParsePing(t *testing.T) {
	linux := `PING 1.1.1.1 (1.1.1.1) 56(84) bytes of data.
64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=12.3 ms

--- 1.1.1.1 ping statistics ---
5 packets transmitted, 4 received, 20% packet loss, time 4005ms
rtt min/avg/max/mdev = 11.902/14.250/18.007/2.281 ms
`
	s, err := parsePing(linux)
	require.NoError(t, err)
	assert.Equal(t, Sample{LossPct: 20, AvgLatencyMS: 14.25}, s)

	busybox := `--- 8.8.8.8 ping statistics ---
3 packets transmitted, 0 packets received, 100% packet loss
`
	s, err = parsePing(busybox)
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.LossPct)

	_, err = parsePing("ping: unknown host")
	assert.Error(t, err)
}
