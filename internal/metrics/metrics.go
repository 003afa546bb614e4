// Package metrics tracks lightweight in-process counters for the HTTP API
// and exposes them alongside a /healthz liveness probe. It replaces the
// teacher's Mattermost-hosted metrics endpoint with a standalone one: no
// metrics or monitoring library in the retrieval pack is directly exercised
// by application code (prometheus/client_golang appears only as an indirect
// transitive dependency, never imported), so this stays on net/http and
// plain counters rather than reaching for an unexercised library.
package metrics

import (
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/voidsync/voidsync/internal/eventbus"
)

// Registry accumulates per-endpoint request counts and change-lifecycle
// counters for the life of the process.
type Registry struct {
	startedAt time.Time
	bus       *eventbus.Bus

	mu            sync.RWMutex
	requestCounts map[string]int
	changeCounts  map[string]int
}

var pathNormalizers = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{pattern: regexp.MustCompile(`^/api/v1/changes/[^/]+/approve$`), replacement: "/api/v1/changes/{id}/approve"},
	{pattern: regexp.MustCompile(`^/api/v1/changes/[^/]+/reject$`), replacement: "/api/v1/changes/{id}/reject"},
	{pattern: regexp.MustCompile(`^/api/v1/locks/[^/]+$`), replacement: "/api/v1/locks/{id}"},
}

// New constructs a Registry. bus may be nil, in which case subscriber
// counts are omitted from the snapshot.
func New(bus *eventbus.Bus) *Registry {
	return &Registry{
		startedAt:     time.Now(),
		bus:           bus,
		requestCounts: make(map[string]int),
		changeCounts:  make(map[string]int),
	}
}

// RecordRequest tallies one HTTP request against its normalized endpoint key.
func (r *Registry) RecordRequest(method, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCounts[method+" "+normalizePath(path)]++
}

// RecordChangeEvent tallies one change-lifecycle transition, e.g.
// "submitted", "approved", "rejected", "drifted", "plugin_rejected".
func (r *Registry) RecordChangeEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeCounts[event]++
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	for _, n := range pathNormalizers {
		if n.pattern.MatchString(path) {
			return n.pattern.ReplaceAllLiteralString(path, n.replacement)
		}
	}
	return path
}

// Middleware wraps an http.Handler, recording every request that reaches it,
// including ones later rejected downstream.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.RecordRequest(req.Method, req.URL.Path)
		next.ServeHTTP(w, req)
	})
}

type snapshot struct {
	RequestCounts     map[string]int `json:"requestCounts"`
	ChangeEventCounts map[string]int `json:"changeEventCounts"`
	PushSubscribers   int            `json:"pushSubscribers,omitempty"`
	UptimeSeconds     float64        `json:"uptimeSeconds"`
}

// Snapshot returns a point-in-time copy of every counter.
func (r *Registry) Snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requests := make(map[string]int, len(r.requestCounts))
	for k, v := range r.requestCounts {
		requests[k] = v
	}
	changes := make(map[string]int, len(r.changeCounts))
	for k, v := range r.changeCounts {
		changes[k] = v
	}

	s := snapshot{
		RequestCounts:     requests,
		ChangeEventCounts: changes,
		UptimeSeconds:     time.Since(r.startedAt).Seconds(),
	}
	if r.bus != nil {
		s.PushSubscribers = r.bus.SubscriberCount()
	}
	return s
}

// HandleMetrics serves the JSON counter snapshot.
func (r *Registry) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.Snapshot())
}

type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// HandleHealthz serves the liveness probe.
func (r *Registry) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzResponse{
		Status: "ok",
		Uptime: time.Since(r.startedAt).String(),
	})
}
