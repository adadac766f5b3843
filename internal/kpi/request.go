// SPDX-License-Identifier: MIT

// Package kpi measures action-to-visual latency: it consumes queued
// measurement requests, snapshots the relevant capture window to RAM and
// searches backward for the earliest frame matching the references.
package kpi

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/stbmon/capturehost/internal/verify"
)

// Request is one queued measurement, written atomically by an external
// caller to the queue directory.
type Request struct {
	ExecutionResultID     string        `json:"execution_result_id"`
	TeamID                string        `json:"team_id"`
	CaptureDir            string        `json:"capture_dir"`
	UserinterfaceName     string        `json:"userinterface_name"`
	ActionTimestamp       float64       `json:"action_timestamp"`
	VerificationTimestamp *float64      `json:"verification_timestamp,omitempty"`
	KPITimestamp          *float64      `json:"kpi_timestamp,omitempty"`
	LastActionWaitMS      int64         `json:"last_action_wait_ms,omitempty"`
	TimeoutMS             int64         `json:"timeout_ms"`
	KPIReferences         []verify.Spec `json:"kpi_references"`
	ActionCommand         string        `json:"action_command,omitempty"`
	ScreenshotBefore      string        `json:"screenshot_before,omitempty"`
	ScreenshotAfter       string        `json:"screenshot_after,omitempty"`
}

// ParseRequest reads and validates a queued request file.
func ParseRequest(path string) (Request, error) {
	var req Request
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("kpi: parse %s: %w", path, err)
	}
	if req.ExecutionResultID == "" {
		return req, fmt.Errorf("kpi: %s missing execution_result_id", path)
	}
	if req.CaptureDir == "" {
		return req, fmt.Errorf("kpi: %s missing capture_dir", path)
	}
	if req.ActionTimestamp == 0 {
		return req, fmt.Errorf("kpi: %s missing action_timestamp", path)
	}
	return req, nil
}

// Timeout returns the request timeout as a duration.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// ActionTime converts the action timestamp to a time.Time.
func (r Request) ActionTime() time.Time {
	return secondsToTime(r.ActionTimestamp)
}

func secondsToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

func timeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
