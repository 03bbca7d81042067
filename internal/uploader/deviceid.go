package uploader

import (
	"bufio"
	"os"
	"strings"
)

const devicePrefix = "satpi-"

// DeviceSources are the files consulted when deriving a device id.
type DeviceSources struct {
	CPUInfo  string
	MACFile  string
	Hostname func() (string, error)
}

var DefaultSources = DeviceSources{
	CPUInfo:  "/proc/cpuinfo",
	MACFile:  "/sys/class/net/wlan0/address",
	Hostname: os.Hostname,
}

// ResolveDeviceID returns override when set, otherwise the board serial,
// then the wireless MAC, then the hostname. The result is always prefixed
// with "satpi-".
func ResolveDeviceID(override string, src DeviceSources) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	if serial := cpuSerial(src.CPUInfo); serial != "" {
		return devicePrefix + lastN(serial, 8)
	}
	if src.MACFile != "" {
		if b, err := os.ReadFile(src.MACFile); err == nil {
			if mac := strings.ReplaceAll(strings.TrimSpace(string(b)), ":", ""); mac != "" {
				return devicePrefix + lastN(mac, 8)
			}
		}
	}
	if src.Hostname != nil {
		if h, err := src.Hostname(); err == nil && h != "" {
			return devicePrefix + h
		}
	}
	return devicePrefix + "unknown"
}

func cpuSerial(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(key) == "Serial" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
