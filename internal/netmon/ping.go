package netmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	lossRE = regexp.MustCompile(`([\d.]+)% packet loss`)
	rttRE  = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max(?:/(?:mdev|stddev))? = [\d.]+/([\d.]+)/`)
)

// PingProber shells out to the system ping.
type PingProber struct {
	Count   int
	Timeout time.Duration
}

func (p PingProber) Probe(ctx context.Context, target string) (Sample, error) {
	count := max(1, p.Count)
	wait := max(time.Second, p.Timeout)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(count)*wait+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ping",
		"-c", strconv.Itoa(count),
		"-W", strconv.Itoa(int(wait/time.Second)),
		target)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	s, err := parsePing(out.String())
	if err != nil {
		if runErr != nil {
			return Sample{}, fmt.Errorf("ping %s: %w", target, runErr)
		}
		return Sample{}, err
	}
	// ping exits 1 on partial or total loss; the summary still stands.
	return s, nil
}

func parsePing(out string) (Sample, error) {
	m := lossRE.FindStringSubmatch(out)
	if m == nil {
		return Sample{}, errors.New("no packet loss summary in ping output")
	}
	loss, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{LossPct: loss}
	if r := rttRE.FindStringSubmatch(out); r != nil {
		s.AvgLatencyMS, _ = strconv.ParseFloat(r[1], 64)
	}
	return s, nil
}

// CommandRecoverer runs the configured recovery command, e.g.
// "systemctl restart wifi-hunter".
type CommandRecoverer struct {
	Command []string
	Timeout time.Duration
}

func (c CommandRecoverer) Recover(ctx context.Context) error {
	if len(c.Command) == 0 {
		return errors.New("no recovery command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(c.Command, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
