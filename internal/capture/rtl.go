package capture

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RTLCapturer records raw 8-bit IQ with rtl_sdr. The sample count is derived
// from the duration so rtl_sdr exits on its own at the end of the window; the
// context deadline kills it if it hangs.
type RTLCapturer struct {
	Command     string
	DeviceIndex int
	PPM         int
}

func (c RTLCapturer) Capture(ctx context.Context, p Params, outputPath string) error {
	cmd := exec.CommandContext(ctx, c.Command, c.args(p, outputPath)...)
	cmd.WaitDelay = 3 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if tail := lastLine(stderr.String()); tail != "" {
			return fmt.Errorf("%s: %w: %s", c.Command, err, tail)
		}
		return fmt.Errorf("%s: %w", c.Command, err)
	}
	return nil
}

func (c RTLCapturer) args(p Params, outputPath string) []string {
	// rtl_sdr treats -n 0 as unbounded, so never ask for less than a second.
	samples := int64(math.Ceil(float64(p.SampleRate) * p.Duration.Seconds()))
	samples = max(samples, int64(p.SampleRate))
	return []string{
		"-f", strconv.FormatInt(p.FrequencyHz, 10),
		"-s", strconv.Itoa(p.SampleRate),
		"-g", strconv.FormatFloat(p.Gain, 'f', 1, 64),
		"-d", strconv.Itoa(c.DeviceIndex),
		"-p", strconv.Itoa(c.PPM),
		"-n", strconv.FormatInt(samples, 10),
		outputPath,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
