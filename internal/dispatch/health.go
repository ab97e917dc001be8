package dispatch

import (
	"sync"
	"time"
)

// HealthStatus represents the health of a component.
type HealthStatus struct {
	Healthy     bool
	LastCheck   time.Time
	LastSuccess time.Time
	LastError   error
	Message     string
}

// Health tracks the health of dispatcher components.
type Health struct {
	mu         sync.RWMutex
	components map[string]*HealthStatus
}

// NewHealth creates a new health tracker.
func NewHealth() *Health {
	return &Health{components: make(map[string]*HealthStatus)}
}

// SetHealthy marks a component as healthy.
func (h *Health) SetHealthy(component, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	s, ok := h.components[component]
	if !ok {
		s = &HealthStatus{}
		h.components[component] = s
	}
	s.Healthy = true
	s.LastCheck = now
	s.LastSuccess = now
	s.LastError = nil
	s.Message = message
}

// SetUnhealthy marks a component as unhealthy.
func (h *Health) SetUnhealthy(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.components[component]
	if !ok {
		s = &HealthStatus{}
		h.components[component] = s
	}
	s.Healthy = false
	s.LastCheck = time.Now()
	s.LastError = err
	s.Message = err.Error()
}

// GetStatus returns a copy of a component's status, or nil if unknown.
func (h *Health) GetStatus(component string) *HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.components[component]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

// IsOverallHealthy returns true if all known components are healthy.
func (h *Health) IsOverallHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.components {
		if !s.Healthy {
			return false
		}
	}
	return true
}
