// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/windrift/scavenger-miner/internal/config"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg   *config.NewRelicConfig
	app   *newrelic.Application
	mu    sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordSolutionSubmission records a solution submission outcome for one address.
func (a *Agent) RecordSolutionSubmission(address, challengeID string, nonce uint64, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	a.RecordCustomEvent("SolutionSubmission", map[string]interface{}{
		"address":      address,
		"challenge_id": challengeID,
		"nonce":        nonce,
		"status":       status,
	})
}

// RecordHashrateDrop records a stability-monitor hashrate-drop detection.
func (a *Agent) RecordHashrateDrop(current, baseline float64) {
	a.RecordCustomEvent("HashrateDropped", map[string]interface{}{
		"current":  current,
		"baseline": baseline,
	})
}

// RecordStabilityRepair records a sweep that found and repaired invariant violations.
func (a *Agent) RecordStabilityRepair(issuesFound int, details []string) {
	a.RecordCustomEvent("StabilityRepair", map[string]interface{}{
		"issues_found": issuesFound,
		"details":      details,
	})
}

// UpdateMiningMetrics updates process-wide hashrate and worker occupancy gauges.
func (a *Agent) UpdateMiningMetrics(hashrate float64, activeWorkers, registeredAddresses int64) {
	a.RecordCustomMetric("Custom/Mining/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Mining/ActiveWorkers", float64(activeWorkers))
	a.RecordCustomMetric("Custom/Mining/RegisteredAddresses", float64(registeredAddresses))
}

// Observe subscribes to the solution/hashrate/stability topics and turns them into
// custom events until ctx is canceled. A no-op when APM is disabled. Intended to run in
// its own goroutine, same shape as notify.Notifier.Run.
func (a *Agent) Observe(ctx context.Context, bus *eventbus.Bus) {
	if !a.IsEnabled() {
		return
	}

	solutions := bus.Subscribe(eventbus.TopicSolutionResult)
	defer solutions.Unsubscribe()
	drops := bus.Subscribe(eventbus.TopicHashrateDropped)
	defer drops.Unsubscribe()
	checks := bus.Subscribe(eventbus.TopicStabilityCheck)
	defer checks.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-solutions.C:
			address, _ := evt.Fields["address"].(string)
			challengeID, _ := evt.Fields["challenge_id"].(string)
			nonce, _ := evt.Fields["nonce"].(uint64)
			accepted, _ := evt.Fields["ok"].(bool)
			a.RecordSolutionSubmission(address, challengeID, nonce, accepted)
		case evt := <-drops.C:
			current, _ := evt.Fields["current"].(float64)
			baseline, _ := evt.Fields["baseline"].(float64)
			a.RecordHashrateDrop(current, baseline)
		case evt := <-checks.C:
			issuesFound, _ := evt.Fields["issues_found"].(int)
			var details []string
			if raw, ok := evt.Fields["details"].([]string); ok {
				details = raw
			}
			if issuesFound > 0 {
				a.RecordStabilityRepair(issuesFound, details)
			}
		}
	}
}
