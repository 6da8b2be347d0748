package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IncidentSeverity classifies an incident
type IncidentSeverity string

const (
	IncidentSeverityMedium   IncidentSeverity = "medium"
	IncidentSeverityCritical IncidentSeverity = "critical"
)

// DefaultMaxIncidentHistory caps the incidents kept per provider
const DefaultMaxIncidentHistory = 100

// Incident records a period during which a provider was degraded or down
type Incident struct {
	ID         string           `json:"id"`
	Provider   string           `json:"provider"`
	Severity   IncidentSeverity `json:"severity"`
	Status     Status           `json:"status"`
	Message    string           `json:"message"`
	Timestamp  time.Time        `json:"timestamp"`
	Resolved   bool             `json:"resolved"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

func severityFor(s Status) (IncidentSeverity, bool) {
	switch s {
	case StatusDown:
		return IncidentSeverityCritical, true
	case StatusDegraded:
		return IncidentSeverityMedium, true
	}
	return "", false
}

// IncidentTracker opens incidents on transitions into degraded or down and
// resolves them when the provider is healthy again
type IncidentTracker struct {
	mu         sync.RWMutex
	history    map[string][]*Incident
	maxHistory int
}

// NewIncidentTracker creates a tracker keeping at most maxHistory incidents per provider
func NewIncidentTracker(maxHistory int) *IncidentTracker {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxIncidentHistory
	}
	return &IncidentTracker{
		history:    make(map[string][]*Incident),
		maxHistory: maxHistory,
	}
}

// OnTransition updates incidents for one applied probe outcome. It returns the
// incident it opened, if any, and the incidents it resolved.
func (t *IncidentTracker) OnTransition(tr Transition) (*Incident, []Incident) {
	if !tr.Changed() {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tr.NewStatus == StatusHealthy {
		return nil, t.resolveLocked(tr.Provider, tr.At)
	}

	severity, bad := severityFor(tr.NewStatus)
	if !bad {
		return nil, nil
	}
	for _, inc := range t.history[tr.Provider] {
		if !inc.Resolved && inc.Severity == severity {
			return nil, nil
		}
	}

	inc := &Incident{
		ID:        uuid.New().String(),
		Provider:  tr.Provider,
		Severity:  severity,
		Status:    tr.NewStatus,
		Message:   incidentMessage(tr),
		Timestamp: tr.At,
	}
	t.history[tr.Provider] = append(t.history[tr.Provider], inc)
	t.trimLocked(tr.Provider)

	created := *inc
	return &created, nil
}

func incidentMessage(tr Transition) string {
	msg := fmt.Sprintf("%s is %s", tr.Provider, tr.NewStatus)
	if tr.Result.Error != "" {
		msg += ": " + tr.Result.Error
	}
	return msg
}

func (t *IncidentTracker) resolveLocked(provider string, at time.Time) []Incident {
	var resolved []Incident
	for _, inc := range t.history[provider] {
		if inc.Resolved {
			continue
		}
		ts := at
		inc.Resolved = true
		inc.ResolvedAt = &ts
		resolved = append(resolved, *inc)
	}
	return resolved
}

// trimLocked drops the oldest resolved incidents once the cap is exceeded
func (t *IncidentTracker) trimLocked(provider string) {
	list := t.history[provider]
	for len(list) > t.maxHistory {
		idx := -1
		for i, inc := range list {
			if inc.Resolved {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		list = append(list[:idx], list[idx+1:]...)
	}
	t.history[provider] = list
}

// Remove discards all incidents of provider
func (t *IncidentTracker) Remove(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, provider)
}

// History returns the incidents of provider, oldest first
func (t *IncidentTracker) History(provider string) []Incident {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.history[provider]
	out := make([]Incident, 0, len(list))
	for _, inc := range list {
		out = append(out, copyIncident(inc))
	}
	return out
}

// Open returns every unresolved incident across providers, oldest first
func (t *IncidentTracker) Open() []Incident {
	t.mu.RLock()
	var out []Incident
	for _, list := range t.history {
		for _, inc := range list {
			if !inc.Resolved {
				out = append(out, copyIncident(inc))
			}
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func copyIncident(inc *Incident) Incident {
	c := *inc
	if inc.ResolvedAt != nil {
		ts := *inc.ResolvedAt
		c.ResolvedAt = &ts
	}
	return c
}
