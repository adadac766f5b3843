// SPDX-License-Identifier: MIT

// Package transcribe accumulates rolling 24-hour transcripts: Whisper
// transcription of 1-minute and 10-minute audio chunks, progressive merges
// into per-chunk JSON documents, translation and dubbed audio generation.
package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/stbmon/capturehost/internal/fslock"
)

// Segment is one transcribed span within a chunk.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// MinuteStatus records what happened to one minute slot of a chunk.
type MinuteStatus struct {
	Processed    bool   `json:"processed"`
	ProcessedDay string `json:"processed_day"`
	HasAudio     bool   `json:"has_audio"`
	SkipReason   string `json:"skip_reason,omitempty"`
}

// chunkDurationMinutes is the fixed span of one transcript chunk.
const chunkDurationMinutes = 10

// Chunk is the merged 10-minute transcript document. Identity fields are
// stamped on every merge so a consumer never has to derive them from the
// file path.
type Chunk struct {
	CaptureFolder        string                  `json:"capture_folder"`
	Hour                 int                     `json:"hour"`
	ChunkIndex           int                     `json:"chunk_index"`
	ChunkDurationMinutes int                     `json:"chunk_duration_minutes"`
	MP3File              string                  `json:"mp3_file,omitempty"`
	Segments             []Segment               `json:"segments"`
	MinuteStatuses       map[string]MinuteStatus `json:"minute_statuses"`
	Transcript           string                  `json:"transcript"`
	Confidence           float64                 `json:"confidence"`
	ChunkDurationSeconds float64                 `json:"chunk_duration_seconds"`
	Language             string                  `json:"language"`
	UpdatedAt            string                  `json:"updated_at"`
}

// ChunkID names the chunk a merge belongs to. MP3File is the source
// 10-minute recording; minute merges leave it empty and the value set by the
// chunk pass survives.
type ChunkID struct {
	CaptureFolder string
	Hour          int
	ChunkIndex    int
	MP3File       string
}

// ChunkPath returns transcripts/<hour>/chunk_10min_<chunk>.json under the
// transcripts root.
func ChunkPath(transcriptsDir string, hour, chunk int) string {
	return fmt.Sprintf("%s/%d/chunk_10min_%d.json", transcriptsDir, hour, chunk)
}

// MergeMinute folds one minute's segments into the chunk document under the
// document's advisory lock. The document holds a rolling 24-hour window:
// any minute processed on a different day wipes the chunk before merging.
func MergeMinute(path string, id ChunkID, minuteOffset int, segs []Segment, language, skipReason string, now time.Time) (Chunk, error) {
	lock, err := fslock.Acquire(path + ".lock")
	if err != nil {
		return Chunk{}, err
	}
	defer func() { _ = lock.Release() }()

	chunk := loadChunk(path)
	today := now.Format("2006-01-02")

	for _, st := range chunk.MinuteStatuses {
		if st.ProcessedDay != "" && st.ProcessedDay != today {
			chunk = Chunk{}
			break
		}
	}
	if chunk.MinuteStatuses == nil {
		chunk.MinuteStatuses = map[string]MinuteStatus{}
	}

	chunk.CaptureFolder = id.CaptureFolder
	chunk.Hour = id.Hour
	chunk.ChunkIndex = id.ChunkIndex
	chunk.ChunkDurationMinutes = chunkDurationMinutes
	if id.MP3File != "" {
		chunk.MP3File = id.MP3File
	}

	chunk.MinuteStatuses[strconv.Itoa(minuteOffset)] = MinuteStatus{
		Processed:    true,
		ProcessedDay: today,
		HasAudio:     len(segs) > 0,
		SkipReason:   skipReason,
	}

	// Re-transcriptions of the same minute replace, never duplicate.
	known := map[float64]bool{}
	for _, s := range chunk.Segments {
		known[s.Start] = true
	}
	for _, s := range segs {
		if !known[s.Start] {
			chunk.Segments = append(chunk.Segments, s)
			known[s.Start] = true
		}
	}
	sort.Slice(chunk.Segments, func(i, j int) bool { return chunk.Segments[i].Start < chunk.Segments[j].Start })

	texts := make([]string, 0, len(chunk.Segments))
	confSum := 0.0
	maxEnd := 0.0
	for _, s := range chunk.Segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			texts = append(texts, t)
		}
		confSum += s.Confidence
		if s.End > maxEnd {
			maxEnd = s.End
		}
	}
	chunk.Transcript = strings.Join(texts, " ")
	if len(chunk.Segments) > 0 {
		chunk.Confidence = confSum / float64(len(chunk.Segments))
	} else {
		chunk.Confidence = 0
	}
	chunk.ChunkDurationSeconds = maxEnd
	if language != "" && language != "unknown" {
		chunk.Language = language
	}
	chunk.UpdatedAt = now.UTC().Format(time.RFC3339)

	if err := writeChunk(path, chunk); err != nil {
		return Chunk{}, err
	}
	return chunk, nil
}

// ReadChunk loads a chunk document, or an empty one if absent.
func ReadChunk(path string) (Chunk, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return Chunk{}, err
	}
	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Chunk{}, fmt.Errorf("transcribe: parse %s: %w", path, err)
	}
	return chunk, nil
}

func loadChunk(path string) Chunk {
	chunk, err := ReadChunk(path)
	if err != nil {
		return Chunk{}
	}
	return chunk
}

func writeChunk(path string, chunk Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("transcribe: marshal chunk: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("transcribe: write %s: %w", path, err)
	}
	return nil
}
