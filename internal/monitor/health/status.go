package health

import (
	"sort"
	"sync"
	"time"
)

// Status is the health state of an integration
type Status string

const (
	StatusChecking Status = "checking"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const (
	// DownErrorRate is the lifetime error rate above which a failing target is down
	DownErrorRate = 0.5
	// DegradedErrorRate is the lifetime error rate above which a failing target is degraded
	DegradedErrorRate = 0.1
)

// IntegrationStatus is the current health record of one target.
// Status only ever moves as a result of a recorded probe outcome.
type IntegrationStatus struct {
	Provider       string                 `json:"provider"`
	Status         Status                 `json:"status"`
	Checking       bool                   `json:"checking"`
	LastCheck      time.Time              `json:"last_check"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	SuccessCount   int64                  `json:"success_count"`
	ErrorCount     int64                  `json:"error_count"`
	LastError      string                 `json:"last_error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt   time.Time              `json:"registered_at"`
}

// ErrorRate returns errorCount / (errorCount + successCount) over the lifetime counters
func (s IntegrationStatus) ErrorRate() float64 {
	total := s.SuccessCount + s.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(total)
}

// Transition describes the status change caused by one applied probe outcome
type Transition struct {
	Provider  string
	OldStatus Status
	NewStatus Status
	Result    ProbeResult
	At        time.Time
}

// Changed reports whether the status moved
func (t Transition) Changed() bool {
	return t.OldStatus != t.NewStatus
}

// nextStatus applies the cumulative error-rate model
func nextStatus(prev Status, success bool, successCount, errorCount int64) Status {
	if success {
		return StatusHealthy
	}
	rate := IntegrationStatus{SuccessCount: successCount, ErrorCount: errorCount}.ErrorRate()
	switch {
	case rate > DownErrorRate:
		return StatusDown
	case rate > DegradedErrorRate:
		return StatusDegraded
	default:
		return prev
	}
}

type statusEntry struct {
	status     IntegrationStatus
	generation uint64
}

// StatusStore holds the in-memory status of every registered target
type StatusStore struct {
	mu         sync.RWMutex
	entries    map[string]*statusEntry
	generation uint64
}

// NewStatusStore creates an empty store
func NewStatusStore() *StatusStore {
	return &StatusStore{entries: make(map[string]*statusEntry)}
}

// register creates the status record for provider, or keeps the existing one,
// and returns a fresh generation. Results tagged with an older generation are
// discarded by apply.
func (s *StatusStore) register(provider string, at time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	entry, ok := s.entries[provider]
	if !ok {
		entry = &statusEntry{status: IntegrationStatus{
			Provider:     provider,
			Status:       StatusChecking,
			RegisteredAt: at,
		}}
		s.entries[provider] = entry
	}
	entry.generation = s.generation
	entry.status.Checking = false
	return s.generation
}

// remove drops provider's entry unless it was re-registered after gen
func (s *StatusStore) remove(provider string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[provider]
	if !ok || entry.generation != gen {
		return false
	}
	delete(s.entries, provider)
	return true
}

// beginCheck flags the target as having a probe in flight
func (s *StatusStore) beginCheck(provider string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[provider]
	if !ok || entry.generation != gen {
		return false
	}
	entry.status.Checking = true
	return true
}

// apply records a probe outcome and recomputes status. hook runs under the
// store lock so nothing can observe the new status before it has finished.
func (s *StatusStore) apply(provider string, gen uint64, res ProbeResult, at time.Time, hook func(Transition)) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[provider]
	if !ok || entry.generation != gen {
		return Transition{}, false
	}

	st := &entry.status
	if res.Success {
		st.SuccessCount++
		st.LastError = ""
	} else {
		st.ErrorCount++
		st.LastError = res.Error
	}
	st.ResponseTimeMs = res.ResponseTime.Milliseconds()
	st.LastCheck = at
	st.Metadata = copyMetadata(res.Metadata)
	st.Checking = false

	tr := Transition{
		Provider:  provider,
		OldStatus: st.Status,
		NewStatus: nextStatus(st.Status, res.Success, st.SuccessCount, st.ErrorCount),
		Result:    res,
		At:        at,
	}
	st.Status = tr.NewStatus

	if hook != nil {
		hook(tr)
	}
	return tr, true
}

// Get returns a copy of the status for provider
func (s *StatusStore) Get(provider string) (IntegrationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[provider]
	if !ok {
		return IntegrationStatus{}, false
	}
	return cloneStatus(entry.status), true
}

// All returns a copy of every status, ordered by provider
func (s *StatusStore) All() []IntegrationStatus {
	s.mu.RLock()
	out := make([]IntegrationStatus, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, cloneStatus(entry.status))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func cloneStatus(st IntegrationStatus) IntegrationStatus {
	st.Metadata = copyMetadata(st.Metadata)
	return st
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
