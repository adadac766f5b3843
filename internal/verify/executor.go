// SPDX-License-Identifier: MIT

package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/stbmon/capturehost/internal/log"
)

// maxConsecutiveFailures stops a wait loop with infrastructure_error so
// callers can tell "element absent" from "system broken".
const maxConsecutiveFailures = 3

// defaultPollInterval paces the wait loops.
const defaultPollInterval = 500 * time.Millisecond

// ImageSource yields the frame a wait-loop iteration should judge.
type ImageSource interface {
	CurrentFrame() (string, error)
}

// StaticFrame is the KPI scan source: one fixed frame per call.
type StaticFrame string

func (s StaticFrame) CurrentFrame() (string, error) { return string(s), nil }

// ReferenceResolver resolves a reference name to a local image path.
type ReferenceResolver interface {
	Get(ctx context.Context, userinterfaceName, name string) (string, error)
	PublicURL(userinterfaceName, name string) string
}

// Detail is the per-spec outcome.
type Detail struct {
	Command           string       `json:"command"`
	Reference         string       `json:"reference"`
	Success           bool         `json:"success"`
	Message           string       `json:"message,omitempty"`
	ReferenceImageURL string       `json:"reference_image_url,omitempty"`
	Match             *MatchResult `json:"match,omitempty"`
}

// Outcome aggregates one execute_verifications call.
type Outcome struct {
	Success             bool     `json:"success"`
	InfrastructureError bool     `json:"infrastructure_error,omitempty"`
	Details             []Detail `json:"details"`
}

// Executor runs verification specs for one device.
type Executor struct {
	refs         ReferenceResolver
	logger       zerolog.Logger
	pollInterval time.Duration
}

// NewExecutor builds an executor over a reference resolver.
func NewExecutor(refs ReferenceResolver) *Executor {
	return &Executor{
		refs:         refs,
		logger:       xglog.WithComponent("verify"),
		pollInterval: defaultPollInterval,
	}
}

// WithPollInterval overrides the wait-loop pace (tests).
func (e *Executor) WithPollInterval(d time.Duration) *Executor {
	e.pollInterval = d
	return e
}

// ExecuteVerifications runs each spec against the source. All specs must
// succeed for the outcome to succeed.
func (e *Executor) ExecuteVerifications(ctx context.Context, specs []Spec, userinterfaceName string, source ImageSource, teamID string) Outcome {
	out := Outcome{Success: true}
	for _, spec := range specs {
		detail := e.runSpec(ctx, spec, userinterfaceName, source)
		out.Details = append(out.Details, detail)
		if !detail.Success {
			out.Success = false
		}
		if detail.Message == msgInfrastructure {
			out.InfrastructureError = true
		}
	}
	return out
}

const msgInfrastructure = "infrastructure_error: verification system failed repeatedly"

// runSpec is the wait loop for one spec. Timeout zero judges a single frame.
func (e *Executor) runSpec(ctx context.Context, spec Spec, userinterfaceName string, source ImageSource) Detail {
	detail := Detail{Command: spec.Command, Reference: spec.Reference}

	refPath, err := e.refs.Get(ctx, userinterfaceName, spec.Reference)
	if err != nil {
		// Never silently a miss: the failure names the reference it wanted.
		detail.Success = false
		detail.ReferenceImageURL = e.refs.PublicURL(userinterfaceName, spec.Reference)
		detail.Message = fmt.Sprintf("reference %q unavailable: %v", spec.Reference, err)
		return detail
	}

	deadline := time.Now().Add(spec.Timeout)
	consecutiveFailures := 0
	for {
		framePath, err := source.CurrentFrame()
		var match MatchResult
		if err == nil {
			match, err = MatchImage(framePath, refPath, spec.Area, spec.Threshold)
		}
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFailures {
				detail.Success = false
				detail.Message = msgInfrastructure
				e.logger.Warn().Err(err).
					Str("reference", spec.Reference).
					Msg("verification stopped after repeated failures")
				return detail
			}
		} else {
			consecutiveFailures = 0
			satisfied := match.Matched
			if spec.Command == CmdWaitForImageToDisappear {
				satisfied = !match.Matched
			}
			if satisfied {
				detail.Success = true
				detail.Match = &match
				return detail
			}
			detail.Match = &match
		}

		if spec.Timeout == 0 || !time.Now().Before(deadline) {
			detail.Success = false
			if detail.Message == "" {
				detail.Message = fmt.Sprintf("%s: no match within %s", spec.Command, spec.Timeout)
			}
			return detail
		}
		select {
		case <-ctx.Done():
			detail.Success = false
			detail.Message = "cancelled"
			return detail
		case <-time.After(e.pollInterval):
		}
	}
}
