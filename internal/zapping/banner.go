// SPDX-License-Identifier: MIT

package zapping

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	openRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	openRouterModel    = "qwen/qwen2.5-vl-72b-instruct"
	bannerPrompt       = `Look at this TV screenshot. If a channel information banner is visible, respond with JSON only: {"banner_detected":true,"channel_info":{"channel_name":"...","channel_number":"...","program_name":"...","program_start_time":"...","program_end_time":"...","confidence":0.0}}. If no banner is visible respond {"banner_detected":false}.`
)

// OpenRouterAnalyzer judges channel banners through a hosted vision model.
type OpenRouterAnalyzer struct {
	APIKey   string
	Model    string
	Endpoint string
	http     *http.Client
}

// NewOpenRouterAnalyzer builds the default analyzer.
func NewOpenRouterAnalyzer(apiKey string) *OpenRouterAnalyzer {
	return &OpenRouterAnalyzer{
		APIKey:   apiKey,
		Model:    openRouterModel,
		Endpoint: openRouterEndpoint,
		http:     &http.Client{Timeout: 45 * time.Second},
	}
}

// WithHTTPClient overrides the transport (tests).
func (a *OpenRouterAnalyzer) WithHTTPClient(h *http.Client) *OpenRouterAnalyzer {
	a.http = h
	return a
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// bannerVerdict is the model's JSON reply.
type bannerVerdict struct {
	BannerDetected bool `json:"banner_detected"`
	ChannelInfo    struct {
		ChannelName      string  `json:"channel_name"`
		ChannelNumber    string  `json:"channel_number"`
		ProgramName      string  `json:"program_name"`
		ProgramStartTime string  `json:"program_start_time"`
		ProgramEndTime   string  `json:"program_end_time"`
		Confidence       float64 `json:"confidence"`
	} `json:"channel_info"`
}

// Analyze sends the frame to the vision model and parses its verdict.
func (a *OpenRouterAnalyzer) Analyze(ctx context.Context, framePath string) (BannerResult, error) {
	img, err := os.ReadFile(framePath) // #nosec G304
	if err != nil {
		return BannerResult{}, fmt.Errorf("zapping: read frame: %w", err)
	}

	body := chatRequest{
		Model: a.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: bannerPrompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
				}},
			},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return BannerResult{}, fmt.Errorf("zapping: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return BannerResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return BannerResult{}, fmt.Errorf("zapping: banner request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return BannerResult{}, fmt.Errorf("zapping: banner request: status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return BannerResult{}, fmt.Errorf("zapping: banner response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return BannerResult{}, fmt.Errorf("zapping: empty banner response")
	}

	verdict, err := parseBannerVerdict(chat.Choices[0].Message.Content)
	if err != nil {
		return BannerResult{}, err
	}
	res := BannerResult{BannerDetected: verdict.BannerDetected}
	if verdict.BannerDetected {
		res.Channel = ChannelInfo{
			ChannelName:   verdict.ChannelInfo.ChannelName,
			ChannelNumber: verdict.ChannelInfo.ChannelNumber,
			ProgramName:   verdict.ChannelInfo.ProgramName,
			StartTime:     verdict.ChannelInfo.ProgramStartTime,
			EndTime:       verdict.ChannelInfo.ProgramEndTime,
			Confidence:    verdict.ChannelInfo.Confidence,
		}
	}
	return res, nil
}

// parseBannerVerdict tolerates code fences and prose around the JSON object.
func parseBannerVerdict(content string) (bannerVerdict, error) {
	var verdict bannerVerdict
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return verdict, fmt.Errorf("zapping: no JSON in banner reply")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return verdict, fmt.Errorf("zapping: parse banner reply: %w", err)
	}
	return verdict, nil
}
