// SPDX-License-Identifier: MIT

// Package actions records remote-control action completions: a cross-process
// last_action.json snapshot plus a merge into the closest frame sidecar.
// This is the sole mechanism by which zapping can be labeled automatic.
package actions

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stbmon/capturehost/internal/layout"
	"github.com/stbmon/capturehost/internal/sidecar"
)

// LastActionFile is the snapshot filename under metadata/.
const LastActionFile = "last_action.json"

// maxFrameDelay bounds how far a frame may trail the action completion and
// still be stamped with it.
const maxFrameDelay = 1500 * time.Millisecond

// Action describes one executed remote-control action.
type Action struct {
	Command   string          `json:"command"`
	Timestamp float64         `json:"timestamp"` // unix seconds of completion
	Params    json.RawMessage `json:"params,omitempty"`
	WrittenAt string          `json:"written_at"`
}

// WriteActionToFrameJSON writes the last_action.json snapshot and merges the
// action facts into the sidecar whose frame timestamp is closest to the
// completion time, within 1500 ms. The merge is idempotent: repeating the
// same action overwrites the same keys.
func WriteActionToFrameJSON(resolver *layout.Resolver, captureFolder, command string, params json.RawMessage, completion time.Time) error {
	metaDir, err := resolver.ActivePath(captureFolder, layout.ClassMetadata)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(metaDir, 0o777); err != nil {
		return fmt.Errorf("actions: create metadata dir: %w", err)
	}

	act := Action{
		Command:   command,
		Timestamp: float64(completion.UnixNano()) / 1e9,
		Params:    params,
		WrittenAt: sidecar.Timestamp(time.Now()),
	}
	data, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("actions: marshal: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(metaDir, LastActionFile), data, 0o666); err != nil {
		return fmt.Errorf("actions: write snapshot: %w", err)
	}

	target, delay, err := closestSidecar(resolver, captureFolder, completion)
	if err != nil || target == "" {
		// No matching frame within the window; the snapshot alone stands.
		return nil
	}
	return sidecar.Update(target, map[string]any{
		"last_action_executed":     command,
		"last_action_timestamp":    act.Timestamp,
		"action_params":            params,
		"action_to_frame_delay_ms": delay.Milliseconds(),
	})
}

// closestSidecar inspects the five most recent sidecars by mtime and picks
// the one whose frame timestamp lands closest to the completion time.
func closestSidecar(resolver *layout.Resolver, captureFolder string, completion time.Time) (string, time.Duration, error) {
	capDir, err := resolver.ActivePath(captureFolder, layout.ClassCaptures)
	if err != nil {
		return "", 0, err
	}
	entries, err := os.ReadDir(capDir)
	if err != nil {
		return "", 0, err
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var sidecars []candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sidecars = append(sidecars, candidate{path: filepath.Join(capDir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(sidecars, func(i, j int) bool { return sidecars[i].mtime.After(sidecars[j].mtime) })
	if len(sidecars) > 5 {
		sidecars = sidecars[:5]
	}

	best := ""
	bestDelta := math.MaxFloat64
	var bestDelay time.Duration
	for _, c := range sidecars {
		frame, err := sidecar.Read(c.path)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
		if err != nil {
			continue
		}
		delta := ts.Sub(completion)
		abs := math.Abs(float64(delta))
		if abs < bestDelta && abs <= float64(maxFrameDelay) {
			best = c.path
			bestDelta = abs
			bestDelay = delta
		}
	}
	return best, bestDelay, nil
}

// LastAction reads the snapshot for a capture folder, if present.
func LastAction(resolver *layout.Resolver, captureFolder string) (*Action, error) {
	metaDir, err := resolver.ActivePath(captureFolder, layout.ClassMetadata)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(metaDir, LastActionFile)) // #nosec G304
	if err != nil {
		return nil, err
	}
	var act Action
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, fmt.Errorf("actions: parse snapshot: %w", err)
	}
	return &act, nil
}

// RecentAction returns the snapshot only when its completion time falls
// within the window before the given frame time.
func RecentAction(resolver *layout.Resolver, captureFolder string, frameTime time.Time, window time.Duration) *Action {
	act, err := LastAction(resolver, captureFolder)
	if err != nil {
		return nil
	}
	completed := time.Unix(0, int64(act.Timestamp*1e9))
	if frameTime.Sub(completed) >= 0 && frameTime.Sub(completed) <= window {
		return act
	}
	return nil
}
