package ctl

import (
	"fmt"
	"path/filepath"
	"time"
)

// QueueResponse mirrors GET /api/queue.
type QueueResponse struct {
	Path    string `json:"path"`
	Depth   int    `json:"depth"`
	Entries []struct {
		Path      string    `json:"path"`
		Satellite string    `json:"satellite"`
		CreatedAt time.Time `json:"created_at"`
		Kind      string    `json:"kind"`
	} `json:"entries"`
}

// Queue lists artifacts waiting for upload, oldest first.
func Queue(baseURL string, jsonOutput bool) error {
	var q QueueResponse
	if err := getJSON(baseURL, "/api/queue", &q); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(q)
	}

	printHeader("UPLOAD QUEUE")
	field("File", q.Path)
	field("Depth", fmt.Sprintf("%d", q.Depth))
	if len(q.Entries) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(q.Entries))
		for _, e := range q.Entries {
			rows = append(rows, []string{e.Kind, e.Satellite, formatTime(e.CreatedAt), filepath.Base(e.Path)})
		}
		printTable([]string{"Kind", "Satellite", "Created", "File"}, rows)
	}
	fmt.Fprintln(out)
	return nil
}
