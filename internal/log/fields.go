// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldDevice        = "device_id"
	FieldCaptureFolder = "capture_folder"
	FieldHost          = "host_name"
	FieldRequestID     = "request_id"
	FieldExecutionID   = "execution_result_id"
	FieldAlertID       = "alert_id"
	FieldZapID         = "zap_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldFrame     = "frame"
	FieldKind      = "incident_type"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath    = "path"
	FieldSidecar = "sidecar"

	// Timing fields
	FieldDurationMS = "duration_ms"
	FieldHour       = "hour"
	FieldChunk      = "chunk_index"
	FieldMinute     = "minute_offset"
)
