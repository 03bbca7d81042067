package ctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 35 * time.Second}

// CommandResult mirrors the reply the daemon sends for scheduler commands.
type CommandResult struct {
	OK                bool   `json:"ok"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	JobID             string `json:"job_id,omitempty"`
	SatellitesUpdated int    `json:"satellites_updated,omitempty"`
}

// getJSON sends a GET request and decodes the JSON response into dst.
func getJSON(baseURL, path string, dst any) error {
	resp, err := httpClient.Get(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, dst)
}

// postJSON sends a POST request with a JSON body and decodes the response.
func postJSON(baseURL, path string, body, dst any) error {
	resp, err := post(baseURL, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, dst)
}

// postCommand posts a scheduler command. A refused command comes back as
// 409 with a CommandResult body, which is returned rather than treated as a
// transport error.
func postCommand(baseURL, path string, body any) (CommandResult, error) {
	var res CommandResult
	resp, err := post(baseURL, path, body)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return res, fmt.Errorf("HTTP %s", resp.Status)
		}
		return res, nil
	}
	return res, decodeJSON(resp, &res)
}

func post(baseURL, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	return httpClient.Post(strings.TrimRight(baseURL, "/")+path, "application/json", reqBody)
}

// decodeJSON decodes a JSON response body into dst. It checks the status code
// and returns an error with the daemon's message for non-2xx responses.
func decodeJSON(resp *http.Response, dst any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %s: %s", resp.Status, apiErr.Error)
		}
		if msg := strings.TrimSpace(string(b)); msg != "" {
			return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("HTTP %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// printJSON prints v as indented JSON.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}
