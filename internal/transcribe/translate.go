// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/stbmon/capturehost/internal/procgroup"
)

// Languages is the fixed translation set; the source language is skipped.
var Languages = []string{"fr", "en", "es", "de", "it"}

// Voices maps each target language to its dubbing voice.
var Voices = map[string]string{
	"fr": "fr-FR-DeniseNeural",
	"en": "en-US-AriaNeural",
	"es": "es-ES-ElviraNeural",
	"de": "de-DE-KatjaNeural",
	"it": "it-IT-ElsaNeural",
}

// minTranslatableLength skips translation of noise-level transcripts.
const minTranslatableLength = 20

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Speaker renders text to a dubbed audio file.
type Speaker interface {
	Speak(ctx context.Context, text, voice, outPath string) error
}

// HTTPTranslator calls a Google-style translation endpoint.
type HTTPTranslator struct {
	Endpoint string
	http     *http.Client
}

// NewHTTPTranslator builds the default translator.
func NewHTTPTranslator(endpoint string) *HTTPTranslator {
	return &HTTPTranslator{
		Endpoint: endpoint,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

// Translate requests one translation. The response is the Google web API
// nested-array form; only the translated sentences are read.
func (t *HTTPTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("dt", "t")
	q.Set("sl", sourceLang)
	q.Set("tl", targetLang)
	q.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: translate %s->%s: %w", sourceLang, targetLang, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: translate %s->%s: status %d", sourceLang, targetLang, resp.StatusCode)
	}

	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("transcribe: translate response: %w", err)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("transcribe: empty translate response")
	}
	var sentences [][]json.RawMessage
	if err := json.Unmarshal(payload[0], &sentences); err != nil {
		return "", fmt.Errorf("transcribe: translate response: %w", err)
	}
	var sb strings.Builder
	for _, s := range sentences {
		if len(s) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(s[0], &text); err == nil {
			sb.WriteString(text)
		}
	}
	return sb.String(), nil
}

// EdgeTTS shells out to the edge-tts CLI for dubbed audio.
type EdgeTTS struct {
	Binary string
}

// NewEdgeTTS builds the default speaker.
func NewEdgeTTS() *EdgeTTS {
	return &EdgeTTS{Binary: "edge-tts"}
}

// Speak writes the dubbed MP3 for one text.
func (e *EdgeTTS) Speak(ctx context.Context, text, voice, outPath string) error {
	cmd := exec.CommandContext(ctx, e.Binary, "--voice", voice, "--text", text, "--write-media", outPath) // #nosec G204
	procgroup.Configure(cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("transcribe: edge-tts %s: %w (%s)", voice, err, string(out))
	}
	return nil
}
