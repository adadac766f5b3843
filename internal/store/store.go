// SPDX-License-Identifier: MIT

// Package store persists alerts, zap results and KPI measurements. Services
// receive the interfaces; a missing database substitutes the null
// implementation so the pipeline keeps producing filesystem artifacts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotAvailable marks operations against an absent database.
var ErrNotAvailable = errors.New("store: database not available")

// Alert is one quality incident row.
type Alert struct {
	ID            string
	HostName      string
	DeviceID      string
	DeviceName    string
	IncidentType  string // blackscreen|freeze|audio_loss|macroblocks
	CapturePath   string
	StreamPath    string
	Metadata      json.RawMessage // detector evidence + R2 URL bundles
	Active        bool
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// ZapRecord is one channel-change measurement row.
type ZapRecord struct {
	TeamID              string
	HostName            string
	DeviceName          string
	UserinterfaceName   string
	ActionCommand       string
	StartedAt           time.Time
	CompletedAt         time.Time
	DurationSeconds     float64
	BlackscreenFreeze   bool
	DetectionMethod     string
	ChannelName         string
	ChannelNumber       string
	ProgramName         string
	ProgramStartTime    string
	ProgramEndTime      string
	AudioSilenceSeconds float64
	ActionParams        json.RawMessage
	TimeSinceActionMS   *int64
	TotalZapDurationMS  *int64
}

// KPIResult updates an execution result row after a measurement.
type KPIResult struct {
	ExecutionResultID string
	Success           bool
	KPIMilliseconds   *int64
	Error             string
	ReportURL         string
}

// Alerts is the incident persistence contract.
type Alerts interface {
	// CreateAlertSafe inserts an alert unless an active row already exists
	// for (host, device, kind); it returns the winning row's id either way.
	CreateAlertSafe(ctx context.Context, a Alert) (string, error)
	ResolveAlert(ctx context.Context, id string) error
	ActiveAlerts(ctx context.Context, hostName string) ([]Alert, error)
	ResolveAllForHost(ctx context.Context, hostName string) (int, error)
}

// Zaps records channel-change iterations.
type Zaps interface {
	RecordZapIteration(ctx context.Context, rec ZapRecord) error
}

// KPIs records measurement outcomes.
type KPIs interface {
	UpdateKPIResult(ctx context.Context, res KPIResult) error
}

// Store is the combined persistence surface.
type Store interface {
	Alerts
	Zaps
	KPIs
	Close() error
}
