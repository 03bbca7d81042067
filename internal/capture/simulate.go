package capture

import (
	"bufio"
	"context"
	"math"
	"math/rand/v2"
	"os"
	"time"
)

// Simulator stands in for the receiver on machines without SDR hardware. It
// writes unsigned 8-bit IQ: a slowly fading carrier plus noise, so the
// demodulation and visualization paths see plausible bytes.
type Simulator struct {
	// MaxSamples caps the output so a ten-minute window doesn't fill the disk.
	MaxSamples int
	// Pace spreads the write over this long to imitate a live recording.
	Pace time.Duration
}

func (s Simulator) Capture(ctx context.Context, p Params, outputPath string) error {
	total := int(float64(p.SampleRate) * p.Duration.Seconds())
	if s.MaxSamples > 0 && total > s.MaxSamples {
		total = s.MaxSamples
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 64<<10)

	const chunk = 16384
	chunks := (total + chunk - 1) / chunk
	var pause time.Duration
	if chunks > 0 {
		pause = s.Pace / time.Duration(chunks)
	}

	rng := rand.New(rand.NewPCG(uint64(p.FrequencyHz), uint64(total)))
	offset := 2 * math.Pi * 0.05
	for n := 0; n < total; n++ {
		if n%chunk == 0 && n > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pause > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pause):
				}
			}
		}
		fade := 0.5 + 0.5*math.Sin(math.Pi*float64(n)/float64(total))
		amp := 90 * fade
		i := 127.5 + amp*math.Cos(offset*float64(n)) + rng.NormFloat64()*8
		q := 127.5 + amp*math.Sin(offset*float64(n)) + rng.NormFloat64()*8
		if err := w.WriteByte(clampByte(i)); err != nil {
			return err
		}
		if err := w.WriteByte(clampByte(q)); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func clampByte(v float64) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
