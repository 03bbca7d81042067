package receiver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/config"
	"github.com/large-farva/satpi/internal/logging"
)

func TestReceiverIsExclusive(t *testing.T) {
	r := New()

	lease, err := r.TryAcquire("job-1")
	require.NoError(t, err)
	assert.True(t, r.Busy())
	assert.Equal(t, "job-1", r.Holder())

	_, err = r.TryAcquire("job-2")
	assert.ErrorIs(t, err, ErrBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "job-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	lease.Release()
	lease.Release()
	assert.False(t, r.Busy())
	assert.Empty(t, r.Holder())

	lease, err = r.Acquire(context.Background(), "job-2")
	require.NoError(t, err)
	lease.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	r := New()
	first, err := r.TryAcquire("a")
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := r.Acquire(context.Background(), "b")
		if err == nil {
			l.Release()
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	first.Release()

	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after release")
	}
}

func TestUnavailableReceiver(t *testing.T) {
	r := New()
	r.SetAvailable(false)

	_, err := r.TryAcquire("x")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.Acquire(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProbe(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/rtl_sdr", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }
	ok := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Found 1 device(s):\n  0:  Realtek, RTL2838UHIDIR"), nil
	}
	none := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("No supported devices found."), errors.New("exit status 1")
	}

	cfg := config.Default().Receiver

	tests := []struct {
		name    string
		cfg     config.ReceiverConfig
		look    func(string) (string, error)
		run     CommandRunner
		wantErr bool
	}{
		{"present", cfg, found, ok, false},
		{"binary missing", cfg, missing, ok, true},
		{"no device", cfg, found, none, true},
		{"simulated", config.ReceiverConfig{Simulate: true}, missing, none, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Prober{Config: tt.cfg, LookPath: tt.look, Run: tt.run}
			err := p.Probe(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnavailable)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHotplugHandle(t *testing.T) {
	r := New()
	m := NewHotplugMonitor(r, config.Default().Receiver, logging.NewNop())

	var changes []bool
	m.OnChange = func(ok bool) { changes = append(changes, ok) }

	m.handle(netlink.UEvent{Action: "remove", Env: map[string]string{"PRODUCT": "46d/c52b/1201"}})
	assert.True(t, r.Available(), "other devices are ignored")

	m.handle(netlink.UEvent{Action: "remove", Env: map[string]string{"PRODUCT": "bda/2838/100"}})
	assert.False(t, r.Available())

	m.handle(netlink.UEvent{Action: "add", Env: map[string]string{"PRODUCT": "bda/2838/100"}})
	assert.True(t, r.Available())

	assert.Equal(t, []bool{false, true}, changes)
}
