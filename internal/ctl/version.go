package ctl

import "fmt"

// Build-time variables set via -ldflags.
var (
	Version   = "dev"
	GoVersion = "unknown"
)

// VersionInfo fetches daemon version via GET /api/version and displays both
// the CLI and daemon version information.
func VersionInfo(baseURL string, jsonOutput bool) error {
	var daemon struct {
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
		BuiltAt   string `json:"built_at"`
	}
	daemonErr := getJSON(baseURL, "/api/version", &daemon)

	if jsonOutput {
		resp := map[string]any{
			"cli": map[string]any{
				"version":    Version,
				"go_version": GoVersion,
			},
		}
		if daemonErr == nil {
			resp["daemon"] = daemon
		} else {
			resp["daemon_error"] = daemonErr.Error()
		}
		return printJSON(resp)
	}

	printHeader("SATPI VERSION")
	field("CLI", Version+" ("+GoVersion+")")
	if daemonErr != nil {
		field("Daemon", colorize(red, "unreachable: "+daemonErr.Error()))
	} else {
		field("Daemon", daemon.Version+" ("+daemon.GoVersion+")")
		field("Built", daemon.BuiltAt)
	}
	fmt.Fprintln(out)
	return nil
}
