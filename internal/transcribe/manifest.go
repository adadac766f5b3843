// SPDX-License-Identifier: MIT

package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stbmon/capturehost/internal/fslock"
)

// manifestName is the transcript index file under the transcripts root.
const manifestName = "manifest.json"

// ManifestEntry summarizes one merged chunk for listing clients.
type ManifestEntry struct {
	Hour            int    `json:"hour"`
	Chunk           int    `json:"chunk"`
	TranscriptChars int    `json:"transcript_chars"`
	Language        string `json:"language"`
	UpdatedAt       string `json:"updated_at"`
}

// Manifest indexes the merged chunks of one capture folder, keyed by
// "<hour>/<chunk>".
type Manifest struct {
	Chunks    map[string]ManifestEntry `json:"chunks"`
	UpdatedAt string                   `json:"updated_at"`
}

// ReadManifest loads a transcripts manifest, or an empty one if absent.
func ReadManifest(transcriptsDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(transcriptsDir, manifestName)) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{Chunks: map[string]ManifestEntry{}}, nil
		}
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("transcribe: parse manifest: %w", err)
	}
	if m.Chunks == nil {
		m.Chunks = map[string]ManifestEntry{}
	}
	return m, nil
}

// updateManifest upserts the entry for one chunk. Manifest failures are
// logged by the caller path only through the chunk write; the index is
// best-effort and never blocks a merge.
func (a *Accumulator) updateManifest(transcriptsDir string, hour, chunk int, merged Chunk) {
	path := filepath.Join(transcriptsDir, manifestName)
	lock, err := fslock.Acquire(path + ".lock")
	if err != nil {
		a.logger.Warn().Err(err).Msg("manifest lock failed")
		return
	}
	defer func() { _ = lock.Release() }()

	m, err := ReadManifest(transcriptsDir)
	if err != nil {
		a.logger.Warn().Err(err).Msg("manifest read failed")
		m = Manifest{Chunks: map[string]ManifestEntry{}}
	}
	m.Chunks[fmt.Sprintf("%d/%d", hour, chunk)] = ManifestEntry{
		Hour:            hour,
		Chunk:           chunk,
		TranscriptChars: len(merged.Transcript),
		Language:        merged.Language,
		UpdatedAt:       merged.UpdatedAt,
	}
	m.UpdatedAt = a.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(m)
	if err != nil {
		a.logger.Warn().Err(err).Msg("manifest marshal failed")
		return
	}
	if err := renameio.WriteFile(path, data, 0o666); err != nil {
		a.logger.Warn().Err(err).Msg("manifest write failed")
	}
}
