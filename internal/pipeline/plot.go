package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/cmplx"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// SignalStats summarizes the IQ magnitude of a raw sample.
type SignalStats struct {
	Mean           float64 `json:"mean"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	DynamicRangeDB float64 `json:"dynamic_range_db"`
}

// computeStats treats sample as interleaved unsigned 8-bit IQ.
func computeStats(sample []byte) SignalStats {
	n := len(sample) / 2
	if n == 0 {
		return SignalStats{}
	}
	st := SignalStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for i := 0; i < n; i++ {
		m := magnitude(sample[2*i], sample[2*i+1])
		sum += m
		st.Min = min(st.Min, m)
		st.Max = max(st.Max, m)
	}
	st.Mean = sum / float64(n)
	if st.Mean > 0 {
		st.DynamicRangeDB = 20 * math.Log10(st.Max/st.Mean)
	}
	return st
}

func magnitude(i, q byte) float64 {
	return math.Hypot(float64(i)-127.5, float64(q)-127.5)
}

// CommandPlotter hands the sample to an external renderer:
//
//	<command...> <sample_path> <output_png>
type CommandPlotter struct {
	Command []string
}

func (c CommandPlotter) Render(ctx context.Context, sample []byte, outputPath string) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no plot command configured")
	}
	samplePath := filepath.Join(filepath.Dir(outputPath), "sample.cu8")
	if err := os.WriteFile(samplePath, sample, 0o644); err != nil {
		return err
	}
	defer os.Remove(samplePath)

	args := append(append([]string(nil), c.Command[1:]...), samplePath, outputPath)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w%s", c.Command[0], err, tail(out.String()))
	}
	return nil
}

// TracePlotter renders the sample in-process: an amplitude trace on top and
// a spectrogram below. It is used when no plot command is configured.
type TracePlotter struct {
	Width int
}

const (
	traceHeight = 160
	fftSize     = 128
	specHeight  = fftSize
)

func (t TracePlotter) Render(ctx context.Context, sample []byte, outputPath string) error {
	n := len(sample) / 2
	if n < fftSize {
		return fmt.Errorf("sample too short to plot: %d IQ pairs", n)
	}
	width := t.Width
	if width <= 0 {
		width = 800
	}

	img := image.NewRGBA(image.Rect(0, 0, width, traceHeight+specHeight))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	// Amplitude trace: min/max envelope per column.
	per := max(1, n/width)
	for x := 0; x < width && x*per < n; x++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := x * per; i < min(n, (x+1)*per); i++ {
			m := magnitude(sample[2*i], sample[2*i+1])
			lo, hi = min(lo, m), max(hi, m)
		}
		y0 := traceHeight - 1 - int(hi/181*float64(traceHeight-1))
		y1 := traceHeight - 1 - int(lo/181*float64(traceHeight-1))
		for y := max(0, y0); y <= min(traceHeight-1, y1); y++ {
			img.Set(x, y, color.RGBA{R: 0x1f, G: 0x4e, B: 0x9a, A: 0xff})
		}
	}

	// Spectrogram: one DFT frame per column, power in dB, DC centered.
	frames := min(width, n/fftSize)
	step := n / frames
	power := make([][]float64, frames)
	lo, hi := math.Inf(1), math.Inf(-1)
	for f := 0; f < frames; f++ {
		if f%64 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		power[f] = spectrum(sample, f*step)
		for _, p := range power[f] {
			lo, hi = min(lo, p), max(hi, p)
		}
	}
	span := max(hi-lo, 1e-9)
	colWidth := max(1, width/frames)
	for f, col := range power {
		for k, p := range col {
			c := heat((p - lo) / span)
			for dx := 0; dx < colWidth; dx++ {
				img.Set(f*colWidth+dx, traceHeight+specHeight-1-k, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(outputPath, buf.Bytes(), 0o644)
}

// spectrum returns fftSize power bins (dB) for the IQ frame starting at pair
// index start, shifted so DC sits in the middle.
func spectrum(sample []byte, start int) []float64 {
	in := make([]complex128, fftSize)
	for i := range in {
		j := 2 * (start + i)
		if j+1 >= len(sample) {
			break
		}
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(fftSize-1))
		in[i] = complex((float64(sample[j])-127.5)*w, (float64(sample[j+1])-127.5)*w)
	}
	out := make([]float64, fftSize)
	for k := 0; k < fftSize; k++ {
		var acc complex128
		for i, v := range in {
			acc += v * cmplx.Rect(1, -2*math.Pi*float64(k*i)/float64(fftSize))
		}
		out[(k+fftSize/2)%fftSize] = 10 * math.Log10(real(acc)*real(acc)+imag(acc)*imag(acc)+1e-12)
	}
	return out
}

// heat maps v in [0,1] onto a dark-blue to yellow ramp.
func heat(v float64) color.RGBA {
	v = min(1, max(0, v))
	return color.RGBA{
		R: uint8(255 * min(1, 2*v)),
		G: uint8(255 * v * v),
		B: uint8(255 * (1 - v) * 0.6),
		A: 0xff,
	}
}
