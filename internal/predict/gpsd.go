package predict

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Location is a ground station position.
type Location struct {
	Lat float64 `json:"lat"` // degrees North
	Lon float64 `json:"lon"` // degrees East
	Alt float64 `json:"alt"` // meters above sea level
}

// tpv is the part of a gpsd TPV report we use.
type tpv struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   float64 `json:"altMSL"`
}

const gpsdWatch = `?WATCH={"enable":true,"json":true};`

// LocationFromGPSD asks gpsd at addr for reports and returns the first one
// carrying a 2D or 3D fix.
func LocationFromGPSD(addr string, timeout time.Duration) (Location, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Location{}, fmt.Errorf("gpsd connect: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Location{}, fmt.Errorf("gpsd deadline: %w", err)
	}
	if _, err := conn.Write([]byte(gpsdWatch)); err != nil {
		return Location{}, fmt.Errorf("gpsd watch: %w", err)
	}

	return readFix(bufio.NewScanner(conn), timeout)
}

func readFix(sc *bufio.Scanner, timeout time.Duration) (Location, error) {
	for sc.Scan() {
		var r tpv
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Class != "TPV" || r.Mode < 2 {
			continue
		}
		return Location{Lat: r.Lat, Lon: r.Lon, Alt: r.Alt}, nil
	}
	if err := sc.Err(); err != nil {
		return Location{}, fmt.Errorf("gpsd read: %w", err)
	}
	return Location{}, fmt.Errorf("gpsd: no fix within %v", timeout)
}
