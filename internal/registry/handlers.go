// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/stbmon/capturehost/internal/speedtest"
)

// mutationRateLimit bounds register/ping/lock traffic per client IP.
const (
	mutationRateLimit  = 60
	mutationRateWindow = time.Minute
	lockWaitCap        = 30 * time.Second
)

// Server exposes the registry over HTTP.
type Server struct {
	reg       *Registry
	speedtest *speedtest.Cache
}

// NewServer wires the registry into its HTTP surface. speedtestCache may be
// nil.
func NewServer(reg *Registry, speedtestCache *speedtest.Cache) *Server {
	return &Server{reg: reg, speedtest: speedtestCache}
}

// Routes mounts the /server/system API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/server/system", func(r chi.Router) {
		r.Get("/getAllHosts", s.handleGetAllHosts)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(mutationRateLimit, mutationRateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP)))
			r.Post("/register", s.handleRegister)
			r.Post("/unregister", s.handleUnregister)
			r.Post("/ping", s.handlePing)
			r.Post("/lock", s.handleLock)
			r.Post("/unlock", s.handleUnlock)
		})
	})
	return r
}

type registerRequest struct {
	HostName    string          `json:"host_name"`
	HostURL     string          `json:"host_url"`
	HostPort    int             `json:"host_port"`
	Devices     []DeviceEntry   `json:"devices"`
	SystemStats json.RawMessage `json:"system_stats"`
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid JSON body"})
		return
	}
	if body.HostName == "" || body.HostURL == "" || len(body.Devices) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error", "message": "host_name, host_url and devices are required",
		})
		return
	}
	host := s.reg.Register(Host{
		HostName:    body.HostName,
		HostURL:     body.HostURL,
		HostPort:    body.HostPort,
		Devices:     body.Devices,
		SystemStats: body.SystemStats,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "registered", "host_name": host.HostName, "host_data": host,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		HostName string `json:"host_name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.HostName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "host_name is required"})
		return
	}
	if !s.reg.Unregister(body.HostName) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_registered"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unregistered", "host_name": body.HostName})
}

func (s *Server) handlePing(w http.ResponseWriter, req *http.Request) {
	var body struct {
		HostName    string          `json:"host_name"`
		SystemStats json.RawMessage `json:"system_stats"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.HostName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "host_name is required"})
		return
	}
	if !s.reg.Ping(body.HostName, body.SystemStats) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_registered", "action": "register"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGetAllHosts(w http.ResponseWriter, _ *http.Request) {
	hosts := s.reg.FreshHosts()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(hosts), "hosts": hosts})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	stats := CollectSystemStats(req.Context())
	if s.speedtest != nil {
		if res, ok := s.speedtest.Read(); ok {
			stats["download_mbps"] = res.DownloadMbps
			stats["upload_mbps"] = res.UploadMbps
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"system_stats": stats,
	})
}

func (s *Server) handleLock(w http.ResponseWriter, req *http.Request) {
	var body struct {
		HostName string `json:"host_name"`
		LockedBy string `json:"locked_by"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.HostName == "" || body.LockedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "host_name and locked_by are required"})
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), lockWaitCap)
	defer cancel()
	err := s.reg.AcquireLock(ctx, body.HostName, body.LockedBy)
	switch {
	case errors.Is(err, ErrNotRegistered):
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_registered"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "locked", "message": "lock wait timed out"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
	default:
		host, _ := s.reg.Lookup(body.HostName)
		writeJSON(w, http.StatusOK, map[string]any{"status": "locked", "host_data": host})
	}
}

func (s *Server) handleUnlock(w http.ResponseWriter, req *http.Request) {
	var body struct {
		HostName string `json:"host_name"`
		LockedBy string `json:"locked_by"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.HostName == "" || body.LockedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "host_name and locked_by are required"})
		return
	}
	switch err := s.reg.ReleaseLock(body.HostName, body.LockedBy); {
	case errors.Is(err, ErrNotRegistered):
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_registered"})
	case errors.Is(err, ErrNotLockOwner):
		writeJSON(w, http.StatusForbidden, map[string]any{"status": "error", "message": "not the lock owner"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
	}
}

// CollectSystemStats samples cpu/mem/disk; fields missing on exotic
// platforms are simply absent.
func CollectSystemStats(ctx context.Context) map[string]any {
	stats := map[string]any{}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats["memory_percent"] = vm.UsedPercent
		stats["memory_total_mb"] = vm.Total / (1 << 20)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		stats["disk_percent"] = du.UsedPercent
		stats["disk_free_gb"] = float64(du.Free) / float64(1<<30)
	}
	return stats
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
