// SPDX-License-Identifier: MIT

// Package sidecar reads and writes the per-frame JSON files that form the
// canonical event record. The monitor writes a sidecar exactly once per
// frame; audio, action and zapping writers later merge their own disjoint
// key subsets under an advisory lock.
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stbmon/capturehost/internal/fslock"
)

// ZapFacts is the zap key subset owned by the zapping detector.
type ZapFacts struct {
	Detected             bool    `json:"detected"`
	ID                   string  `json:"id"`
	DetectedAt           string  `json:"detected_at"`
	ChannelName          string  `json:"channel_name,omitempty"`
	ChannelNumber        string  `json:"channel_number,omitempty"`
	ProgramName          string  `json:"program_name,omitempty"`
	ProgramStartTime     string  `json:"program_start_time,omitempty"`
	ProgramEndTime       string  `json:"program_end_time,omitempty"`
	Confidence           float64 `json:"confidence"`
	BlackscreenDurationMS int64  `json:"blackscreen_duration_ms"`
	DetectionType        string  `json:"detection_type"`
	AudioSilenceDuration float64 `json:"audio_silence_duration,omitempty"`
}

// Frame is the typed view of a fully analyzed sidecar.
type Frame struct {
	Analyzed              bool      `json:"analyzed"`
	Error                 string    `json:"error,omitempty"`
	Blackscreen           bool      `json:"blackscreen"`
	BlackscreenPercentage float64   `json:"blackscreen_percentage"`
	Freeze                bool      `json:"freeze"`
	FreezeDiffs           []float64 `json:"freeze_diffs,omitempty"`
	Macroblocks           bool      `json:"macroblocks,omitempty"`
	QualityScore          float64   `json:"quality_score,omitempty"`
	Timestamp             string    `json:"timestamp"`

	// Audio keys, owned by the audio worker.
	Audio               *bool    `json:"audio,omitempty"`
	MeanVolumeDB        *float64 `json:"mean_volume_db,omitempty"`
	AudioCheckTimestamp string   `json:"audio_check_timestamp,omitempty"`
	AudioSegmentFile    string   `json:"audio_segment_file,omitempty"`

	// Action keys, owned by the action executor.
	LastActionExecuted  string          `json:"last_action_executed,omitempty"`
	LastActionTimestamp float64         `json:"last_action_timestamp,omitempty"`
	ActionParams        json.RawMessage `json:"action_params,omitempty"`
	ActionToFrameDelay  int64           `json:"action_to_frame_delay_ms,omitempty"`

	// Zap keys, owned by the zapping detector.
	Zap *ZapFacts `json:"zap,omitempty"`
}

// PathFor returns the sidecar path for a capture frame path.
func PathFor(framePath string) string {
	ext := ".jpg"
	if len(framePath) > 4 && framePath[len(framePath)-4:] == ext {
		return framePath[:len(framePath)-4] + ".json"
	}
	return framePath + ".json"
}

// Timestamp formats t as the ISO-8601 UTC form used in sidecars.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Exists reports whether the sidecar for a frame has already been written.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Write atomically writes a complete sidecar. This is the monitor's one-shot
// first write; it must not be used for later key merges.
func Write(path string, frame Frame) error {
	frame.Analyzed = true
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("sidecar: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("sidecar: write %s: %w", path, err)
	}
	return nil
}

// WriteError writes the minimal failure sidecar so a frame that broke the
// detector is never retried.
func WriteError(path string, detectErr error) error {
	doc := map[string]any{
		"analyzed":  true,
		"error":     detectErr.Error(),
		"timestamp": Timestamp(time.Now()),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sidecar: marshal error doc: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("sidecar: write %s: %w", path, err)
	}
	return nil
}

// Read parses a sidecar into its typed view.
func Read(path string) (Frame, error) {
	var frame Frame
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("sidecar: parse %s: %w", path, err)
	}
	return frame, nil
}

// ReadRaw parses a sidecar into a generic map, preserving keys this build
// does not know about.
func ReadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sidecar: parse %s: %w", path, err)
	}
	return doc, nil
}

// Update merges the given keys into the sidecar under "<path>.lock". The
// cycle is read-modify-rename while holding the lock; unknown keys written by
// other processes are preserved. A missing sidecar is an error: merge writers
// never create frames.
func Update(path string, merge map[string]any) error {
	lock, err := fslock.Acquire(path + ".lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	doc, err := ReadRaw(path)
	if err != nil {
		return err
	}
	for k, v := range merge {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sidecar: marshal merged: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("sidecar: replace %s: %w", path, err)
	}
	return nil
}
