package cluster

import (
	"sync"
	"time"
)

// HeartbeatMonitor tracks the last time each registered client pinged
// the coordinator (spec.md §4.8: "workers ping the coordinator every
// ping_interval... the coordinator removes a client after a grace
// period and re-runs path selection"). Reconnection attempts
// (max_retry_attempts, retry_delay) are the worker side of this
// contract and live in the worker's own client loop, not here.
type HeartbeatMonitor struct {
	gracePeriod time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewHeartbeatMonitor builds a monitor that considers a client
// expired once gracePeriod has elapsed since its last Touch.
func NewHeartbeatMonitor(gracePeriod time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{gracePeriod: gracePeriod, lastSeen: make(map[string]time.Time)}
}

// Touch records a heartbeat from clientID at now.
func (h *HeartbeatMonitor) Touch(clientID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen[clientID] = now
}

// Forget removes clientID's tracked heartbeat, e.g. after it has been
// unregistered.
func (h *HeartbeatMonitor) Forget(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastSeen, clientID)
}

// Expired returns every client whose last heartbeat is older than the
// grace period as of now, for the caller to unregister and trigger
// FindContinuousPath again.
func (h *HeartbeatMonitor) Expired(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []string
	for id, last := range h.lastSeen {
		if now.Sub(last) > h.gracePeriod {
			expired = append(expired, id)
		}
	}
	return expired
}
