package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
)

var (
	// ErrTargetNotFound is returned for providers that are not registered
	ErrTargetNotFound = errors.New("target not registered")
	// ErrInvalidTarget is returned by Register for unusable targets
	ErrInvalidTarget = errors.New("invalid target")
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// SchedulerOptions configures a Scheduler
type SchedulerOptions struct {
	Store     *StatusStore
	Incidents *IncidentTracker
	Publisher events.Publisher
	Logger    *logging.Logger

	DefaultInterval time.Duration
	DefaultTimeout  time.Duration

	// Now is used for check and incident timestamps
	Now func() time.Time
}

type registration struct {
	target     Target
	probe      Probe
	generation uint64
	cancel     context.CancelFunc
	// checkMu serializes scheduled cycles with CheckNow for the same target
	checkMu *sync.Mutex
}

// Scheduler runs one periodic probe loop per registered target
type Scheduler struct {
	store     *StatusStore
	incidents *IncidentTracker
	publisher events.Publisher
	logger    *logging.Logger
	now       func() time.Time

	defaultInterval time.Duration
	defaultTimeout  time.Duration

	mu      sync.Mutex
	targets map[string]*registration
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Missing store or tracker are created.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		store:           opts.Store,
		incidents:       opts.Incidents,
		publisher:       opts.Publisher,
		logger:          logging.OrNop(opts.Logger),
		now:             opts.Now,
		defaultInterval: opts.DefaultInterval,
		defaultTimeout:  opts.DefaultTimeout,
		targets:         make(map[string]*registration),
		ctx:             ctx,
		cancel:          cancel,
	}
	if s.store == nil {
		s.store = NewStatusStore()
	}
	if s.incidents == nil {
		s.incidents = NewIncidentTracker(DefaultMaxIncidentHistory)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultInterval <= 0 {
		s.defaultInterval = DefaultInterval
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = DefaultTimeout
	}
	return s
}

// Store returns the status store the scheduler writes to
func (s *Scheduler) Store() *StatusStore { return s.store }

// Incidents returns the incident tracker the scheduler writes to
func (s *Scheduler) Incidents() *IncidentTracker { return s.incidents }

// Register starts a periodic check cycle for target. Registering a provider
// that already exists cancels its previous cycle first; its status and
// incident history are kept.
func (s *Scheduler) Register(target Target, probe Probe) error {
	if target.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidTarget)
	}
	if probe == nil {
		return fmt.Errorf("%w: probe is required for %s", ErrInvalidTarget, target.Provider)
	}
	if target.Interval <= 0 {
		target.Interval = s.defaultInterval
	}
	if target.Timeout <= 0 {
		target.Timeout = s.defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("scheduler stopped")
	}

	if old, ok := s.targets[target.Provider]; ok {
		old.cancel()
		s.logger.Debug("Replacing health check cycle", "provider", target.Provider)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	reg := &registration{
		target:     target,
		probe:      probe,
		generation: s.store.register(target.Provider, s.now()),
		cancel:     cancel,
		checkMu:    &sync.Mutex{},
	}
	s.targets[target.Provider] = reg

	s.wg.Add(1)
	go s.checkLoop(ctx, reg)

	s.logger.Info("Registered health check",
		"provider", target.Provider,
		"interval", target.Interval,
		"timeout", target.Timeout)
	return nil
}

// Unregister stops the cycle for provider and discards its status and
// incidents. A probe already in flight may finish but its result is dropped.
func (s *Scheduler) Unregister(provider string) error {
	s.mu.Lock()
	reg, ok := s.targets[provider]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTargetNotFound, provider)
	}
	delete(s.targets, provider)
	reg.cancel()
	// Cleared under s.mu so a concurrent Register cannot lose its fresh state
	s.store.remove(provider, reg.generation)
	s.incidents.Remove(provider)
	s.mu.Unlock()

	s.logger.Info("Unregistered health check", "provider", provider)
	return nil
}

// Targets returns the registered targets
func (s *Scheduler) Targets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Target, 0, len(s.targets))
	for _, reg := range s.targets {
		out = append(out, reg.target)
	}
	return out
}

// CheckNow runs an out-of-band probe for provider and returns the resulting status
func (s *Scheduler) CheckNow(ctx context.Context, provider string) (IntegrationStatus, error) {
	s.mu.Lock()
	reg, ok := s.targets[provider]
	s.mu.Unlock()

	if !ok {
		return IntegrationStatus{}, fmt.Errorf("%w: %s", ErrTargetNotFound, provider)
	}

	s.performCheck(ctx, reg)

	st, ok := s.store.Get(provider)
	if !ok {
		return IntegrationStatus{}, fmt.Errorf("%w: %s", ErrTargetNotFound, provider)
	}
	return st, nil
}

// CheckAll probes every registered target concurrently and waits for all of them
func (s *Scheduler) CheckAll(ctx context.Context) []IntegrationStatus {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.targets))
	for _, reg := range s.targets {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			s.performCheck(ctx, reg)
		}(reg)
	}
	wg.Wait()

	out := make([]IntegrationStatus, 0, len(regs))
	for _, reg := range regs {
		if st, ok := s.store.Get(reg.target.Provider); ok {
			out = append(out, st)
		}
	}
	return out
}

// Stop cancels every cycle and waits for the loops to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) checkLoop(ctx context.Context, reg *registration) {
	defer s.wg.Done()

	ticker := time.NewTicker(reg.target.Interval)
	defer ticker.Stop()

	// Check immediately on start
	s.performCheck(ctx, reg)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performCheck(ctx, reg)
		}
	}
}

// performCheck runs one probe cycle: flag the target as checking, probe it,
// apply the outcome and incidents, then publish events.
func (s *Scheduler) performCheck(ctx context.Context, reg *registration) {
	reg.checkMu.Lock()
	defer reg.checkMu.Unlock()

	provider := reg.target.Provider
	if !s.store.beginCheck(provider, reg.generation) {
		return
	}

	// The probe is bounded by its own timeout and is not cut short by
	// Unregister; a stale result is dropped by the generation check instead.
	res := runProbe(context.WithoutCancel(ctx), reg.probe, reg.target, reg.target.Timeout)

	var (
		created  *Incident
		resolved []Incident
	)
	tr, ok := s.store.apply(provider, reg.generation, res, s.now(), func(tr Transition) {
		created, resolved = s.incidents.OnTransition(tr)
	})
	if !ok {
		s.logger.Debug("Discarding stale probe result", "provider", provider)
		return
	}

	if !res.Success {
		s.logger.Warn("Health check failed",
			"provider", provider,
			"error", res.Error,
			"status", tr.NewStatus)
	} else {
		s.logger.Debug("Health check passed",
			"provider", provider,
			"response_time", res.ResponseTime)
	}

	s.publish(events.Event{
		Kind:      events.KindCheckCompleted,
		Subject:   provider,
		Message:   checkMessage(provider, res),
		Timestamp: tr.At,
		Payload: events.CheckOutcome{
			Provider:     provider,
			Success:      res.Success,
			ResponseTime: res.ResponseTime,
			Error:        res.Error,
			Status:       string(tr.NewStatus),
		},
	})

	if tr.Changed() {
		s.logger.Info("Integration status changed",
			"provider", provider,
			"from", tr.OldStatus,
			"to", tr.NewStatus)
		s.publish(events.Event{
			Kind:      events.KindStatusChanged,
			Subject:   provider,
			Message:   fmt.Sprintf("%s changed from %s to %s", provider, tr.OldStatus, tr.NewStatus),
			Timestamp: tr.At,
			Payload: events.StatusChange{
				Provider:  provider,
				OldStatus: string(tr.OldStatus),
				NewStatus: string(tr.NewStatus),
			},
		})
	}

	if created != nil {
		s.publish(events.Event{
			Kind:      events.KindIncidentCreated,
			Subject:   provider,
			Severity:  string(created.Severity),
			Message:   created.Message,
			Timestamp: created.Timestamp,
			Payload:   *created,
		})
	}
	for _, inc := range resolved {
		s.publish(events.Event{
			Kind:      events.KindIncidentResolved,
			Subject:   provider,
			Severity:  string(inc.Severity),
			Message:   fmt.Sprintf("%s recovered", provider),
			Timestamp: tr.At,
			Payload:   inc,
		})
	}
}

func checkMessage(provider string, res ProbeResult) string {
	if res.Success {
		return fmt.Sprintf("%s check passed in %s", provider, res.ResponseTime)
	}
	return fmt.Sprintf("%s check failed: %s", provider, res.Error)
}

func (s *Scheduler) publish(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}
