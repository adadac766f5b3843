// SPDX-License-Identifier: MIT

// Package verify executes image verification specs against captured frames:
// reference resolution, matching and the bounded wait loops.
package verify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Commands accepted as verification specs. Each is a tagged variant with its
// own required fields, never a free-form map.
const (
	CmdWaitForImageToAppear    = "waitForImageToAppear"
	CmdWaitForImageToDisappear = "waitForImageToDisappear"
)

// maxWaitTimeout is the hard cap on any single wait loop. External callers
// cannot cancel a verification mid-flight, so the cap is the only bound.
const maxWaitTimeout = 30 * time.Second

// defaultThreshold applies when a spec omits its match threshold.
const defaultThreshold = 0.8

// Area is a reference crop region in frame pixel coordinates.
type Area struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Spec is one verification to run. Build via NewSpec so the constraints hold.
type Spec struct {
	Command   string  `json:"command"`
	Reference string  `json:"reference"`
	Area      *Area   `json:"area,omitempty"`
	Threshold float64 `json:"threshold"`
	Timeout   time.Duration
}

// rawSpec is the wire form carried in KPI requests.
type rawSpec struct {
	Command   string   `json:"command"`
	Reference string   `json:"reference"`
	Area      *Area    `json:"area,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	TimeoutMS *int64   `json:"timeout_ms,omitempty"`
}

// NewSpec validates and builds a spec. Threshold must be in [0,1]; the
// timeout is clamped to 30 s.
func NewSpec(command, reference string, area *Area, threshold float64, timeout time.Duration) (Spec, error) {
	switch command {
	case CmdWaitForImageToAppear, CmdWaitForImageToDisappear:
	default:
		return Spec{}, fmt.Errorf("verify: unknown command %q", command)
	}
	if reference == "" {
		return Spec{}, fmt.Errorf("verify: %s requires a reference", command)
	}
	if threshold < 0 || threshold > 1 {
		return Spec{}, fmt.Errorf("verify: threshold %v out of [0,1]", threshold)
	}
	if threshold == 0 {
		threshold = defaultThreshold
	}
	if timeout < 0 {
		timeout = 0
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	return Spec{Command: command, Reference: reference, Area: area, Threshold: threshold, Timeout: timeout}, nil
}

// UnmarshalJSON decodes the wire form through NewSpec validation.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	threshold := 0.0
	if raw.Threshold != nil {
		threshold = *raw.Threshold
	}
	timeout := time.Duration(0)
	if raw.TimeoutMS != nil {
		timeout = time.Duration(*raw.TimeoutMS) * time.Millisecond
	}
	spec, err := NewSpec(raw.Command, raw.Reference, raw.Area, threshold, timeout)
	if err != nil {
		return err
	}
	*s = spec
	return nil
}

// WithZeroTimeout returns a copy judging a single frame in isolation, which
// is what the KPI scan requires.
func (s Spec) WithZeroTimeout() Spec {
	s.Timeout = 0
	return s
}
