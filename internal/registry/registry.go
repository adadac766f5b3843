// SPDX-License-Identifier: MIT

// Package registry is the server-side host registry: capture hosts register
// and ping themselves in, the UI reads the fresh set, and device access is
// serialized through blocking per-host locks.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/stbmon/capturehost/internal/log"
	"github.com/stbmon/capturehost/internal/metrics"
)

var (
	// ErrNotRegistered marks operations against an unknown host.
	ErrNotRegistered = errors.New("registry: host not registered")
	// ErrNotLockOwner rejects a release by anyone but the holder.
	ErrNotLockOwner = errors.New("registry: not the lock owner")
)

// DeviceEntry is one device advertised by a registering host.
type DeviceEntry struct {
	DeviceID          string   `json:"device_id"`
	DeviceName        string   `json:"device_name"`
	DeviceModel       string   `json:"device_model"`
	Capabilities      []string `json:"device_capabilities,omitempty"`
	VerificationTypes []string `json:"device_verification_types,omitempty"`
	ActionTypes       []string `json:"device_action_types,omitempty"`
}

// Host is one registered capture host. IsLocked/LockedBy/LockedAt mirror the
// lock manager state for fast reads; the lock manager is authoritative.
type Host struct {
	HostName    string          `json:"host_name"`
	HostURL     string          `json:"host_url"`
	HostPort    int             `json:"host_port,omitempty"`
	Devices     []DeviceEntry   `json:"devices"`
	Status      string          `json:"status"`
	LastSeen    time.Time       `json:"last_seen"`
	SystemStats json.RawMessage `json:"system_stats,omitempty"`
	IsLocked    bool            `json:"isLocked"`
	LockedBy    string          `json:"lockedBy,omitempty"`
	LockedAt    *time.Time      `json:"lockedAt,omitempty"`
}

// hostState pairs the public entry with its lock semaphore.
type hostState struct {
	host Host
	sem  chan struct{} // capacity 1; holding the token means holding the lock
}

// Registry is the in-memory host map plus the lock manager.
type Registry struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New builds an empty registry with the given freshness TTL.
func New(ttl time.Duration) *Registry {
	return &Registry{
		hosts:  map[string]*hostState{},
		ttl:    ttl,
		now:    time.Now,
		logger: xglog.WithComponent("registry"),
	}
}

// WithClock overrides the clock (tests).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register inserts or replaces a host entry. Re-registration keeps an
// existing lock: the host restarting does not steal it back.
func (r *Registry) Register(h Host) Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.Status = "online"
	h.LastSeen = r.now()
	st, ok := r.hosts[h.HostName]
	if !ok {
		st = &hostState{sem: make(chan struct{}, 1)}
		st.sem <- struct{}{}
		r.hosts[h.HostName] = st
	} else {
		h.IsLocked = st.host.IsLocked
		h.LockedBy = st.host.LockedBy
		h.LockedAt = st.host.LockedAt
	}
	st.host = h
	r.logger.Info().
		Str(xglog.FieldEvent, "registry.registered").
		Str("host", h.HostName).
		Int("devices", len(h.Devices)).
		Msg("host registered")
	metrics.SetRegisteredHosts(r.freshCountLocked())
	return st.host
}

// Unregister removes a host entry.
func (r *Registry) Unregister(hostName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[hostName]; !ok {
		return false
	}
	delete(r.hosts, hostName)
	metrics.SetRegisteredHosts(r.freshCountLocked())
	return true
}

// Ping refreshes last_seen and, when supplied, the system stats.
func (r *Registry) Ping(hostName string, stats json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.hosts[hostName]
	if !ok {
		return false
	}
	st.host.LastSeen = r.now()
	st.host.Status = "online"
	if len(stats) > 0 {
		st.host.SystemStats = stats
	}
	return true
}

// FreshHosts returns the hosts seen within the TTL.
func (r *Registry) FreshHosts() []Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	out := make([]Host, 0, len(r.hosts))
	for _, st := range r.hosts {
		if st.host.LastSeen.After(cutoff) {
			out = append(out, st.host)
		}
	}
	return out
}

// Lookup returns a host entry by name.
func (r *Registry) Lookup(hostName string) (Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.hosts[hostName]
	if !ok {
		return Host{}, false
	}
	return st.host, true
}

// CleanupStale evicts hosts whose last ping missed the TTL window and
// returns how many were removed. Hosts with a held lock are only marked
// offline: evicting them would free the lock under its holder, and the
// entry must survive a re-register without resetting lock state.
func (r *Registry) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	evicted := 0
	for name, st := range r.hosts {
		if st.host.LastSeen.After(cutoff) {
			continue
		}
		if st.host.IsLocked {
			st.host.Status = "offline"
			r.logger.Warn().
				Str(xglog.FieldEvent, "registry.stale_locked").
				Str("host", name).
				Str("locked_by", st.host.LockedBy).
				Msg("stale host kept, lock held")
			continue
		}
		delete(r.hosts, name)
		evicted++
		metrics.StaleEviction()
		r.logger.Warn().
			Str(xglog.FieldEvent, "registry.stale_evicted").
			Str("host", name).
			Time("last_seen", st.host.LastSeen).
			Msg("host evicted")
	}
	metrics.SetRegisteredHosts(r.freshCountLocked())
	return evicted
}

// AcquireLock blocks until the host lock is free or the context ends. The
// holder is recorded on the host entry for UI reads.
func (r *Registry) AcquireLock(ctx context.Context, hostName, owner string) error {
	r.mu.Lock()
	st, ok := r.hosts[hostName]
	r.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}

	select {
	case <-st.sem:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	at := r.now()
	st.host.IsLocked = true
	st.host.LockedBy = owner
	st.host.LockedAt = &at
	r.mu.Unlock()
	return nil
}

// ReleaseLock frees the host lock; only the recorded owner may release.
func (r *Registry) ReleaseLock(hostName, owner string) error {
	r.mu.Lock()
	st, ok := r.hosts[hostName]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	if !st.host.IsLocked {
		r.mu.Unlock()
		return nil
	}
	if st.host.LockedBy != owner {
		r.mu.Unlock()
		return ErrNotLockOwner
	}
	st.host.IsLocked = false
	st.host.LockedBy = ""
	st.host.LockedAt = nil
	r.mu.Unlock()

	st.sem <- struct{}{}
	return nil
}

func (r *Registry) freshCountLocked() int {
	cutoff := r.now().Add(-r.ttl)
	n := 0
	for _, st := range r.hosts {
		if st.host.LastSeen.After(cutoff) {
			n++
		}
	}
	return n
}
