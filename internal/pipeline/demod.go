package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SatDump drives the satdump CLI in offline baseband mode:
//
//	satdump <pipeline> baseband <input> <output_dir> --samplerate <sr> --baseband_format <fmt>
type SatDump struct {
	Command string
}

func (s SatDump) Demodulate(ctx context.Context, pipeline, input, outputDir string, sampleRate int, format string) error {
	cmd := exec.CommandContext(ctx, s.Command, s.args(pipeline, input, outputDir, sampleRate, format)...)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w%s", s.Command, pipeline, err, tail(out.String()))
	}
	return nil
}

func (s SatDump) args(pipeline, input, outputDir string, sampleRate int, format string) []string {
	return []string{
		pipeline, "baseband", input, outputDir,
		"--samplerate", strconv.Itoa(sampleRate),
		"--baseband_format", format,
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	return ": " + strings.TrimSpace(lines[len(lines)-1])
}
