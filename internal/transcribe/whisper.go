// SPDX-License-Identifier: MIT

package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/stbmon/capturehost/internal/metrics"
	"github.com/stbmon/capturehost/internal/procgroup"
)

// Model is the Whisper model used throughout; larger models starve the
// capture pipeline on a Pi.
const Model = "tiny"

// threadCap bounds the BLAS/OpenMP pools the transcriber may spawn. Without
// it Whisper defaults to one thread per core and collapses throughput.
const threadCap = "2"

// Transcription is the transcriber output contract.
type Transcription struct {
	Segments   []Segment `json:"segments"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
}

// Transcriber converts an audio file to text segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Transcription, error)
}

// WhisperCLI shells out to a whisper wrapper that prints the transcription
// JSON on stdout.
type WhisperCLI struct {
	Binary string
}

// NewWhisperCLI builds the default transcriber.
func NewWhisperCLI() *WhisperCLI {
	return &WhisperCLI{Binary: "whisper-json"}
}

// Transcribe runs the wrapper with the thread caps applied.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (Transcription, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, w.Binary, "--model", Model, "--output", "json", audioPath) // #nosec G204
	procgroup.Configure(cmd)
	cmd.Env = append(os.Environ(),
		"OMP_NUM_THREADS="+threadCap,
		"OPENBLAS_NUM_THREADS="+threadCap,
		"MKL_NUM_THREADS="+threadCap,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: whisper %s: %w (%s)", audioPath, err, stderr.String())
	}
	metrics.ObserveWhisper(time.Since(start).Seconds())

	var out Transcription
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: whisper output: %w", err)
	}
	if out.Language == "" {
		out.Language = "unknown"
	}
	return out, nil
}
