// SPDX-License-Identifier: MIT

// Package config resolves host and device identity from the environment and
// the shared active-captures file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Binding constants shared by every service on the host.
const (
	// ActiveCapturesPath lists one absolute capture directory per line.
	ActiveCapturesPath = "/tmp/active_captures.conf"

	// KPIQueueDir receives atomically renamed kpi_request_*.json files.
	KPIQueueDir = "/tmp/kpi_queue"

	// KPIWorkingDir holds per-request RAM snapshots.
	KPIWorkingDir = "/tmp/kpi_working"

	// SpeedtestCachePath caches bandwidth measurements between services.
	SpeedtestCachePath = "/tmp/speedtest_cache.json"

	// ReportDelay is the continuous-detection window before an incident is
	// stored in the database.
	ReportDelay = 300 * time.Second

	// RegistryTTL evicts hosts that have not pinged within this window.
	RegistryTTL = 120 * time.Second

	// SilenceThresholdDB is the mean-volume level below which audio is
	// considered absent.
	SilenceThresholdDB = -50.0

	// FreezeDiffThreshold is the mean absolute pixel difference below which
	// two frames count as identical.
	FreezeDiffThreshold = 0.2

	// NominalFPS is the encoder's nominal capture rate.
	NominalFPS = 5
)

// DeviceInfo describes one capture device resolved from the environment.
type DeviceInfo struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	DeviceModel   string `json:"device_model"`
	CapturePath   string `json:"capture_path"`
	StreamPath    string `json:"stream_path"`
	CaptureFolder string `json:"capture_folder"`
}

// Config is the resolved host configuration.
type Config struct {
	HostName string
	HostURL  string
	HostPort int

	// ServerURL is the central registry endpoint.
	ServerURL string

	// Database and object store credentials. Either may be empty; services
	// substitute null-object clients and continue on filesystem artifacts.
	DatabaseURL     string
	DatabaseAnonKey string
	R2Endpoint      string
	R2Bucket        string
	R2AccessKey     string
	R2SecretKey     string
	R2PublicBase    string

	// ZapDefaultTeamID is attributed to manual zap events.
	ZapDefaultTeamID string

	// OpenRouterAPIKey authenticates the banner vision calls.
	OpenRouterAPIKey string

	Devices []DeviceInfo
}

// Load resolves the host configuration from the environment. An optional
// .env file next to the binary is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HostName:         os.Getenv("HOST_NAME"),
		HostURL:          os.Getenv("HOST_URL"),
		ServerURL:        os.Getenv("SERVER_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DatabaseAnonKey:  os.Getenv("DATABASE_ANON_KEY"),
		R2Endpoint:       os.Getenv("R2_ENDPOINT"),
		R2Bucket:         os.Getenv("R2_BUCKET"),
		R2AccessKey:      os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey:      os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2PublicBase:     os.Getenv("R2_PUBLIC_BASE_URL"),
		ZapDefaultTeamID: os.Getenv("ZAP_DEFAULT_TEAM_ID"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
	}
	if cfg.HostName == "" {
		return nil, fmt.Errorf("config: HOST_NAME is required")
	}
	if port := os.Getenv("HOST_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.HostPort = n
		}
	}

	cfg.Devices = loadDevices()
	return cfg, nil
}

// loadDevices walks DEVICE1_*..DEVICEN_* plus the HOST_* sentinel.
func loadDevices() []DeviceInfo {
	var devices []DeviceInfo

	if path := os.Getenv("HOST_VIDEO_CAPTURE_PATH"); path != "" {
		devices = append(devices, DeviceInfo{
			DeviceID:      "host",
			DeviceName:    os.Getenv("HOST_NAME"),
			CapturePath:   path,
			StreamPath:    os.Getenv("HOST_VIDEO_STREAM_PATH"),
			CaptureFolder: captureFolderOf(path),
		})
	}

	for n := 1; ; n++ {
		prefix := fmt.Sprintf("DEVICE%d_", n)
		path := os.Getenv(prefix + "VIDEO_CAPTURE_PATH")
		if path == "" {
			break
		}
		devices = append(devices, DeviceInfo{
			DeviceID:      fmt.Sprintf("device%d", n),
			DeviceName:    os.Getenv(prefix + "NAME"),
			DeviceModel:   os.Getenv(prefix + "MODEL"),
			CapturePath:   path,
			StreamPath:    os.Getenv(prefix + "VIDEO_STREAM_PATH"),
			CaptureFolder: captureFolderOf(path),
		})
	}
	return devices
}

// captureFolderOf extracts the trailing folder name ("capture1") from a path.
func captureFolderOf(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// DeviceByFolder finds the device mapped to the given capture folder.
func (c *Config) DeviceByFolder(captureFolder string) (DeviceInfo, bool) {
	for _, d := range c.Devices {
		if d.CaptureFolder == captureFolder {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// ReadActiveCaptures parses the shared active-captures file: one absolute
// directory per line, blanks and #-comments ignored.
func ReadActiveCaptures(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs, scanner.Err()
}
