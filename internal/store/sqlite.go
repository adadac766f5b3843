// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go driver
)

const schemaVersion = 1

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{BusyTimeout: 5 * time.Second, MaxOpenConns: 25}
}

// SqliteStore implements Store on a WAL-mode SQLite database.
type SqliteStore struct {
	DB *sql.DB
}

// Open initializes the connection pool with mandatory PRAGMAs applied to all
// pooled connections via the DSN.
func Open(dbPath string, cfg Config) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		host_name TEXT NOT NULL,
		device_id TEXT NOT NULL,
		device_name TEXT,
		incident_type TEXT NOT NULL,
		capture_path TEXT,
		stream_path TEXT,
		metadata TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_unique
		ON alerts(host_name, device_id, incident_type) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_alerts_host_active ON alerts(host_name, active);

	CREATE TABLE IF NOT EXISTS zap_results (
		id TEXT PRIMARY KEY,
		team_id TEXT,
		host_name TEXT NOT NULL,
		device_name TEXT,
		userinterface_name TEXT,
		action_command TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		duration_seconds REAL,
		blackscreen_freeze_detected BOOLEAN NOT NULL DEFAULT 0,
		detection_method TEXT,
		channel_name TEXT,
		channel_number TEXT,
		program_name TEXT,
		program_start_time TEXT,
		program_end_time TEXT,
		audio_silence_duration REAL,
		action_params TEXT,
		time_since_action_ms INTEGER,
		total_zap_duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_zap_host ON zap_results(host_name, completed_at);

	CREATE TABLE IF NOT EXISTS kpi_results (
		execution_result_id TEXT PRIMARY KEY,
		kpi_measurement_success BOOLEAN NOT NULL,
		kpi_measurement_ms INTEGER,
		kpi_measurement_error TEXT,
		report_url TEXT,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the pool.
func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

// CreateAlertSafe deduplicates by (host, device, kind, active=1): if a row is
// already active its id is returned and nothing is inserted.
func (s *SqliteStore) CreateAlertSafe(ctx context.Context, a Alert) (string, error) {
	var existing string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id FROM alerts WHERE host_name = ? AND device_id = ? AND incident_type = ? AND active = 1`,
		a.HostName, a.DeviceID, a.IncidentType,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: alert lookup: %w", err)
	}

	id := uuid.NewString()
	meta := "{}"
	if len(a.Metadata) > 0 {
		meta = string(a.Metadata)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO alerts (id, host_name, device_id, device_name, incident_type, capture_path, stream_path, metadata, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		id, a.HostName, a.DeviceID, a.DeviceName, a.IncidentType, a.CapturePath, a.StreamPath, meta,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("store: create alert: %w", err)
	}
	return id, nil
}

// ResolveAlert marks one alert inactive.
func (s *SqliteStore) ResolveAlert(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE alerts SET active = 0, resolved_at = ? WHERE id = ? AND active = 1`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("store: resolve alert %s: %w", id, err)
	}
	return nil
}

// ActiveAlerts pages all active alerts for a host.
func (s *SqliteStore) ActiveAlerts(ctx context.Context, hostName string) ([]Alert, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, host_name, device_id, device_name, incident_type, created_at
		 FROM alerts WHERE host_name = ? AND active = 1 ORDER BY created_at`,
		hostName,
	)
	if err != nil {
		return nil, fmt.Errorf("store: active alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var createdAt string
		if err := rows.Scan(&a.ID, &a.HostName, &a.DeviceID, &a.DeviceName, &a.IncidentType, &createdAt); err != nil {
			return nil, err
		}
		a.Active = true
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAllForHost resolves every active alert for the host (cold boot).
func (s *SqliteStore) ResolveAllForHost(ctx context.Context, hostName string) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alerts SET active = 0, resolved_at = ? WHERE host_name = ? AND active = 1`,
		time.Now().UTC().Format(time.RFC3339), hostName,
	)
	if err != nil {
		return 0, fmt.Errorf("store: resolve all: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordZapIteration inserts one zap_results row.
func (s *SqliteStore) RecordZapIteration(ctx context.Context, rec ZapRecord) error {
	params := "{}"
	if len(rec.ActionParams) > 0 {
		params = string(rec.ActionParams)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO zap_results (id, team_id, host_name, device_name, userinterface_name, action_command,
			started_at, completed_at, duration_seconds, blackscreen_freeze_detected, detection_method,
			channel_name, channel_number, program_name, program_start_time, program_end_time,
			audio_silence_duration, action_params, time_since_action_ms, total_zap_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.TeamID, rec.HostName, rec.DeviceName, rec.UserinterfaceName, rec.ActionCommand,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationSeconds, rec.BlackscreenFreeze, rec.DetectionMethod,
		rec.ChannelName, rec.ChannelNumber, rec.ProgramName, rec.ProgramStartTime, rec.ProgramEndTime,
		rec.AudioSilenceSeconds, params, rec.TimeSinceActionMS, rec.TotalZapDurationMS,
	)
	if err != nil {
		return fmt.Errorf("store: record zap: %w", err)
	}
	return nil
}

// UpdateKPIResult upserts a measurement outcome for an execution result.
func (s *SqliteStore) UpdateKPIResult(ctx context.Context, res KPIResult) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kpi_results (execution_result_id, kpi_measurement_success, kpi_measurement_ms, kpi_measurement_error, report_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_result_id) DO UPDATE SET
			kpi_measurement_success = excluded.kpi_measurement_success,
			kpi_measurement_ms = excluded.kpi_measurement_ms,
			kpi_measurement_error = excluded.kpi_measurement_error,
			report_url = excluded.report_url,
			updated_at = excluded.updated_at`,
		res.ExecutionResultID, res.Success, res.KPIMilliseconds, res.Error, res.ReportURL,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: update kpi result: %w", err)
	}
	return nil
}
