package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts"
	"github.com/gmackie/control-panel-sub003/internal/monitor/alerts/notifiers"
	"github.com/gmackie/control-panel-sub003/internal/monitor/collectors"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
	"github.com/gmackie/control-panel-sub003/internal/monitor/health"
	"github.com/gmackie/control-panel-sub003/internal/monitor/metrics"
	"github.com/gmackie/control-panel-sub003/internal/monitor/storage"
)

// ErrAuditDisabled is returned by audit queries when no audit log is configured
var ErrAuditDisabled = errors.New("audit log is disabled")

// Agent wires the health scheduler, alert manager and notification
// dispatcher together and serves them over HTTP
type Agent struct {
	config    *monitor.Config
	logger    *logging.Logger
	server    *Server
	startTime time.Time

	// Event fan-out
	bus *events.Bus

	// Health and alerting
	scheduler  *health.Scheduler
	manager    *alerts.Manager
	dispatcher *notifiers.Dispatcher

	// Subscribers
	recorder *metrics.Recorder
	audit    *storage.AuditLog
	cleanup  *storage.CleanupScheduler

	// Periodic rule evaluation
	cron *cron.Cron

	stopOnce sync.Once

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAgent creates a new monitoring agent. Nothing runs until Start.
func NewAgent(config *monitor.Config, logger *logging.Logger) (*Agent, error) {
	logger = logging.OrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())

	agent := &Agent{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
		bus:       events.NewBus(logger),
		recorder:  metrics.NewRecorder(),
		ctx:       ctx,
		cancel:    cancel,
	}
	agent.bus.Subscribe("metrics", agent.recorder)

	if config.Audit.Enabled {
		audit, err := storage.Open(storage.Options{
			Driver: config.Audit.Driver,
			DSN:    config.Audit.DSN,
			Logger: logger,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		agent.audit = audit
		agent.bus.Subscribe("audit", audit)
		agent.cleanup = storage.NewCleanupScheduler(audit, logger,
			config.GetAuditCleanupInterval(), config.GetAuditRetention())
	}

	agent.scheduler = health.NewScheduler(health.SchedulerOptions{
		Incidents:       health.NewIncidentTracker(config.Health.MaxIncidentHistory),
		Publisher:       agent.bus,
		Logger:          logger,
		DefaultInterval: config.GetDefaultInterval(),
		DefaultTimeout:  config.GetDefaultTimeout(),
	})

	agent.dispatcher = notifiers.NewFromConfig(config.Notifications, agent.bus, logger)
	agent.manager = alerts.NewManager(alerts.ManagerOptions{
		Dispatcher: agent.dispatcher,
		Publisher:  agent.bus,
		Logger:     logger,
		MaxHistory: config.Alerts.MaxAlertHistory,
	})

	rules, err := config.LoadAlertRules()
	if err != nil {
		agent.closeAudit()
		cancel()
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	for _, rule := range rules {
		if _, err := agent.manager.CreateRule(rule); err != nil {
			agent.closeAudit()
			cancel()
			return nil, fmt.Errorf("failed to add alert rule %q: %w", rule.Name, err)
		}
	}

	cronLog := cronLogger{logger: logger}
	agent.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if config.Alerts.Enabled {
		schedule := config.GetAlertSchedule()
		if _, err := agent.cron.AddFunc(schedule, agent.evaluateScheduled); err != nil {
			agent.closeAudit()
			cancel()
			return nil, fmt.Errorf("invalid alerts schedule %q: %w", schedule, err)
		}
	}

	agent.server = NewServer(config, logger, agent)

	return agent, nil
}

// Start starts the background work and blocks serving the HTTP API
func (a *Agent) Start() error {
	a.logger.Info("Starting monitoring agent", "checks", len(a.config.Checks), "rules", len(a.manager.Rules().List()))

	if err := a.startBackground(); err != nil {
		return err
	}

	return a.server.Start()
}

// startBackground registers the configured checks and starts the
// evaluation and cleanup schedules
func (a *Agent) startBackground() error {
	a.startTime = time.Now()

	for _, check := range a.config.Checks {
		if err := a.RegisterTarget(check.Target(), collectors.NewHTTPProbe(check)); err != nil {
			return fmt.Errorf("failed to register check %s: %w", check.Name, err)
		}
	}

	if a.cleanup != nil {
		a.cleanup.Start()
	}
	a.cron.Start()
	return nil
}

// Stop gracefully stops the monitoring agent
func (a *Agent) Stop() error {
	var stopErr error
	a.stopOnce.Do(func() {
		a.logger.Info("Stopping monitoring agent")

		a.cancel()

		// Wait for an evaluation that is already running
		<-a.cron.Stop().Done()
		a.scheduler.Stop()

		if a.cleanup != nil {
			a.cleanup.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Stop(ctx); err != nil {
			stopErr = err
		}

		a.closeAudit()
		a.logger.Info("Monitoring agent stopped")
	})
	return stopErr
}

func (a *Agent) closeAudit() {
	if a.audit == nil {
		return
	}
	if err := a.audit.Close(); err != nil {
		a.logger.Error("Failed to close audit log", "error", err)
	}
}

func (a *Agent) evaluateScheduled() {
	if a.ctx.Err() != nil {
		return
	}
	decisions := a.Evaluate(a.ctx)
	a.logger.Debug("Alert rules evaluated", "decisions", len(decisions))
}

// RegisterTarget adds a target with its probe and starts checking it
func (a *Agent) RegisterTarget(target health.Target, probe health.Probe) error {
	return a.scheduler.Register(target, probe)
}

// UnregisterTarget stops checking provider and drops its state and metrics
func (a *Agent) UnregisterTarget(provider string) error {
	if err := a.scheduler.Unregister(provider); err != nil {
		return err
	}
	a.recorder.ForgetProvider(provider)
	return nil
}

// GetStatus returns the status of one provider
func (a *Agent) GetStatus(provider string) (health.IntegrationStatus, error) {
	st, ok := a.scheduler.Store().Get(provider)
	if !ok {
		return health.IntegrationStatus{}, fmt.Errorf("%w: %s", health.ErrTargetNotFound, provider)
	}
	return st, nil
}

// GetAllStatuses returns every provider status ordered by provider
func (a *Agent) GetAllStatuses() []health.IntegrationStatus {
	return a.scheduler.Store().All()
}

// GetIncidentHistory returns the incidents of one provider, oldest first
func (a *Agent) GetIncidentHistory(provider string) ([]health.Incident, error) {
	if _, ok := a.scheduler.Store().Get(provider); !ok {
		return nil, fmt.Errorf("%w: %s", health.ErrTargetNotFound, provider)
	}
	return a.scheduler.Incidents().History(provider), nil
}

// GetOpenIncidents returns unresolved incidents across providers
func (a *Agent) GetOpenIncidents() []health.Incident {
	return a.scheduler.Incidents().Open()
}

// CheckNow probes provider immediately
func (a *Agent) CheckNow(ctx context.Context, provider string) (health.IntegrationStatus, error) {
	return a.scheduler.CheckNow(ctx, provider)
}

// CheckAll probes every provider immediately
func (a *Agent) CheckAll(ctx context.Context) []health.IntegrationStatus {
	return a.scheduler.CheckAll(ctx)
}

// Evaluate runs every alert rule against a snapshot of the current statuses
func (a *Agent) Evaluate(ctx context.Context) []alerts.Decision {
	return a.manager.Evaluate(ctx, BuildSnapshot(a.GetAllStatuses()))
}

func (a *Agent) GetAlertRules() []alerts.AlertRule {
	return a.manager.Rules().List()
}

func (a *Agent) GetAlertRule(id string) (alerts.AlertRule, error) {
	return a.manager.Rules().Get(id)
}

func (a *Agent) CreateAlertRule(rule alerts.AlertRule) (alerts.AlertRule, error) {
	return a.manager.CreateRule(rule)
}

func (a *Agent) UpdateAlertRule(id string, patch alerts.RulePatch) (alerts.AlertRule, error) {
	return a.manager.UpdateRule(id, patch)
}

func (a *Agent) DeleteAlertRule(id string) error {
	return a.manager.DeleteRule(id)
}

// GetAlertInstances returns the instances of ruleID, or all when empty
func (a *Agent) GetAlertInstances(ruleID string) []alerts.AlertInstance {
	return a.manager.Instances(ruleID)
}

func (a *Agent) GetAlertInstance(id string) (alerts.AlertInstance, error) {
	return a.manager.Get(id)
}

// GetActiveAlerts returns firing and acknowledged instances
func (a *Agent) GetActiveAlerts() []alerts.AlertInstance {
	return a.manager.Active()
}

func (a *Agent) AcknowledgeAlert(id, user, notes string) (alerts.AlertInstance, error) {
	return a.manager.Acknowledge(id, user, notes)
}

func (a *Agent) ResolveAlert(id string) (alerts.AlertInstance, error) {
	return a.manager.Resolve(id)
}

// GetDispatchFailures returns recent notification delivery failures
func (a *Agent) GetDispatchFailures() []notifiers.Failure {
	return a.dispatcher.Failures()
}

// ListAuditEvents reads back the audit log for operators
func (a *Agent) ListAuditEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	if a.audit == nil {
		return nil, ErrAuditDisabled
	}
	return a.audit.ListEvents(ctx, filter)
}

// GetUptime returns the agent uptime
func (a *Agent) GetUptime() time.Duration {
	return time.Since(a.startTime)
}

// GetStartTime returns when the agent started
func (a *Agent) GetStartTime() time.Time {
	return a.startTime
}

// cronLogger routes cron's logging through the agent logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
