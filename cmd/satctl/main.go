// Satctl is the command-line client for monitoring and controlling a running
// satpid instance. It connects over HTTP and WebSocket to query status and
// stream live events from the daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/large-farva/satpi/internal/ctl"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:8080", "satpid URL (e.g. http://192.168.8.1:8080)")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		filter  = pflag.StringSlice("filter", nil, "Event types to show in watch (e.g. --filter capture,log)")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --duration are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "health":
		err = ctl.Health(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "satellites":
		err = ctl.Satellites(*host, *jsonOut)

	case "schedule":
		opts := ctl.ScheduleOptions{JSON: *jsonOut}
		fs := pflag.NewFlagSet("schedule", pflag.ContinueOnError)
		fs.IntVar(&opts.Count, "count", 0, "Limit number of upcoming windows shown")
		fs.BoolVar(&opts.History, "history", false, "Include recent capture jobs")
		if err := fs.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		err = ctl.Schedule(*host, opts)

	case "passes":
		opts := ctl.PassesOptions{JSON: *jsonOut}
		fs := pflag.NewFlagSet("passes", pflag.ContinueOnError)
		fs.IntVar(&opts.Count, "count", 0, "Limit number of passes shown")
		fs.StringVar(&opts.Satellite, "satellite", "", "Filter by satellite id")
		if err := fs.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		err = ctl.Passes(*host, opts)

	case "captures", "processed":
		opts := ctl.CapturesOptions{JSON: *jsonOut}
		fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
		fs.IntVar(&opts.Limit, "limit", 0, "Limit number of entries shown")
		if err := fs.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		if cmd == "captures" {
			err = ctl.Captures(*host, opts)
		} else {
			err = ctl.Processed(*host, opts)
		}

	case "queue":
		err = ctl.Queue(*host, *jsonOut)

	case "storage":
		err = ctl.Storage(*host, *jsonOut)

	case "connectivity":
		err = ctl.Connectivity(*host, *jsonOut)

	case "uploader":
		err = ctl.Uploader(*host, *jsonOut)

	// ── Control commands ──────────────────────────────────────────
	case "trigger":
		opts := ctl.TriggerOptions{JSON: *jsonOut}
		fs := pflag.NewFlagSet("trigger", pflag.ContinueOnError)
		fs.IntVar(&opts.NoradID, "norad-id", 0, "NORAD catalog number (alternative to satellite id)")
		fs.IntVar(&opts.DurationSeconds, "duration", 0, "Capture duration in seconds (default: the satellite's configured duration)")
		if err := fs.Parse(subArgs); err != nil {
			os.Exit(2)
		}
		if fs.NArg() > 0 {
			opts.Satellite = fs.Arg(0)
		}
		err = ctl.Trigger(*host, opts)

	case "tle-refresh":
		err = ctl.TLERefresh(*host, *jsonOut)

	case "pause":
		err = ctl.Pause(*host, *jsonOut)

	case "resume":
		err = ctl.Resume(*host, *jsonOut)

	case "skip":
		err = ctl.Skip(*host, *jsonOut)

	case "cancel":
		err = ctl.Cancel(*host, *jsonOut)

	case "reclaim":
		err = ctl.Reclaim(*host, *jsonOut)

	case "scan":
		err = ctl.Scan(*host, *jsonOut)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		err = ctl.Watch(*host, ctl.WatchOptions{
			Filter: *filter,
			JSON:   *jsonOut,
		})

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`
  satctl: satpi capture station control CLI

  USAGE
    satctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show scheduler state, receiver, queue and storage at a glance
    health          Check daemon and component health
    version         Show CLI and daemon version information
    satellites      List the satellite catalog
    schedule        List upcoming capture windows and recent skips
    passes          List predicted polar-orbiter passes
    captures        List raw recordings
    processed       List processed captures and the last scan
    queue           List artifacts waiting for upload
    storage         Show data usage against the storage budget
    connectivity    Show the latest link-quality sample
    uploader        Show upload endpoint and delivery status

  COMMANDS (control)
    trigger         Force an immediate capture of one satellite
    tle-refresh     Refresh orbital elements now
    pause           Pause automatic scheduling
    resume          Resume automatic scheduling
    skip            Skip the next scheduled window
    cancel          Abort an in-progress capture
    reclaim         Run a storage reclamation pass now
    scan            Run a processing scan now

  COMMANDS (live)
    watch           Stream live events from the daemon (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL      Daemon base URL (default: http://127.0.0.1:8080)
        --json          Output raw JSON instead of formatted text
        --filter TYPE   Event types to show in watch (comma-separated)

  COMMAND FLAGS
    schedule:
        --count N           Limit number of upcoming windows shown
        --history           Include recent capture jobs

    passes:
        --count N           Limit number of passes shown
        --satellite ID      Filter by satellite id

    captures, processed:
        --limit N           Limit number of entries shown

    trigger:
        --norad-id ID       NORAD catalog number (alternative to satellite id)
        --duration SECS     Capture duration in seconds

  EXAMPLES
    satctl status
    satctl --json queue
    satctl --host http://192.168.8.1:8080 --filter capture,processed watch
    satctl schedule --count 5 --history
    satctl passes --satellite NOAA-19 --count 5
    satctl trigger NOAA-19 --duration 600
    satctl reclaim
`)
}
