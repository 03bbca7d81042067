package receiver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/large-farva/satpi/internal/config"
)

const probeTimeout = 10 * time.Second

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner is the CommandRunner backed by os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Prober checks that receiver hardware is present before the daemon starts.
type Prober struct {
	Config   config.ReceiverConfig
	LookPath func(string) (string, error)
	Run      CommandRunner
}

func NewProber(cfg config.ReceiverConfig) *Prober {
	return &Prober{Config: cfg, LookPath: exec.LookPath, Run: ExecRunner}
}

// Probe returns ErrUnavailable when the capture tool is missing or the probe
// command finds no device. Simulated receivers always pass.
func (p *Prober) Probe(ctx context.Context) error {
	if p.Config.Simulate {
		return nil
	}
	if _, err := p.LookPath(p.Config.CaptureCommand); err != nil {
		return fmt.Errorf("%w: %s not found on PATH", ErrUnavailable, p.Config.CaptureCommand)
	}
	if len(p.Config.ProbeCommand) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	name, args := p.Config.ProbeCommand[0], p.Config.ProbeCommand[1:]
	out, err := p.Run(ctx, name, args...)
	if strings.Contains(string(out), "No supported devices found") {
		return fmt.Errorf("%w: %s found no device", ErrUnavailable, name)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return nil
}
