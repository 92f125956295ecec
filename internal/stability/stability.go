// Package stability implements StabilityMonitor: periodic sweeps that reap stuck/stale/
// orphaned workers, expire paused addresses, detect hashrate drop, and repair invariants.
package stability

import (
	"sync"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/util"
	"github.com/windrift/scavenger-miner/internal/workerpool"
)

const (
	sweepInterval       = 30 * time.Second
	assignmentTolerance = 2
	baselineWindow      = 2 * time.Minute
	dropWindow          = 60 * time.Second
	dropThreshold       = 0.70
)

// Registry is the narrow AddressRegistry surface StabilityMonitor needs.
type Registry interface {
	Snapshot() []registry.AddressState
	ForceRelease(idx uint32)
	InProgressCount() int
}

// WorkerPool is the narrow WorkerPool surface StabilityMonitor needs.
type WorkerPool interface {
	ReapStuck(now time.Time) int
	ActiveCount() int
	TotalHashes() uint64
	Slots() []*workerpool.Slot
	ReleaseOrphan(slotID uint32)
}

// HashService is the narrow HashService surface StabilityMonitor needs.
type HashService interface {
	ShrinkOnAnomaly()
}

// Monitor runs periodic sweeps.
type Monitor struct {
	reg  Registry
	pool WorkerPool
	hs   HashService
	bus  *eventbus.Bus

	activeWorkerBudget func() uint32
	medianSolveTime    func() time.Duration

	mu            sync.Mutex
	baselineStart time.Time
	baselineRate  float64
	baselineSet   bool
	lastHashes    uint64
	lastSampleAt  time.Time
	ewmaRate      float64
	belowSince    time.Time

	cancel func()
	wg     sync.WaitGroup
}

// New builds a Monitor. activeWorkerBudget and medianSolveTime are read live each sweep
// so ConfigStore/runtime changes are picked up without restarting the monitor.
func New(reg Registry, pool WorkerPool, hs HashService, bus *eventbus.Bus, activeWorkerBudget func() uint32, medianSolveTime func() time.Duration) *Monitor {
	return &Monitor{reg: reg, pool: pool, hs: hs, bus: bus, activeWorkerBudget: activeWorkerBudget, medianSolveTime: medianSolveTime}
}

// Start runs sweeps every 30s until Stop is called.
func (m *Monitor) Start() {
	done := make(chan struct{})
	m.cancel = sync.OnceFunc(func() { close(done) })
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SweepReport is emitted as stability_check{issues_found, repairs_made, details}.
type SweepReport struct {
	IssuesFound int
	RepairsMade int
	Details     []string
}

// Sweep runs one stability pass synchronously; exported so tests can invoke it directly.
// Hashrate-drop detection runs inside each sweep; a detected drop does not start an
// additional sweep.
func (m *Monitor) Sweep(now time.Time) SweepReport {
	report := SweepReport{}

	median := 10 * time.Minute
	if m.medianSolveTime != nil {
		if v := m.medianSolveTime(); v > 0 {
			median = v
		}
	}
	staleThreshold := 10 * median

	snapshot := m.reg.Snapshot()

	slotHeartbeats := make(map[uint32]time.Time)
	if m.pool != nil {
		for _, s := range m.pool.Slots() {
			slotHeartbeats[s.ID] = s.LastHeartbeat()
		}
	}

	for _, st := range snapshot {
		if st.Assignment.Kind != registry.AssignInProgress {
			continue
		}
		age := now.Sub(st.Assignment.StartedAt)
		if age <= staleThreshold {
			continue
		}
		// an actively-heartbeating slow solve is not stale even if its assignment is
		// old; only force-release when the owning slot also has no recent heartbeat.
		heartbeatAge := age
		if hb, ok := slotHeartbeats[st.Assignment.WorkerID]; ok {
			heartbeatAge = now.Sub(hb)
		}
		if heartbeatAge <= staleThreshold {
			continue
		}
		report.IssuesFound++
		m.reg.ForceRelease(st.Address.Index)
		report.RepairsMade++
		report.Details = append(report.Details, "stale address force-released")
	}

	m.sweepOrphans(snapshot, &report)

	reaped := m.pool.ReapStuck(now)
	if reaped > 0 {
		report.IssuesFound += reaped
		report.RepairsMade += reaped
		report.Details = append(report.Details, "stuck workers reaped")
	}

	budget := uint32(0)
	if m.activeWorkerBudget != nil {
		budget = m.activeWorkerBudget()
	}
	if inProgress := m.reg.InProgressCount(); uint32(inProgress) > budget+assignmentTolerance {
		// reported and logged only; no assignment is released here
		report.IssuesFound++
		util.Warnf("stability: assignment count %d exceeds budget %d+tolerance", inProgress, budget)
		report.Details = append(report.Details, "assignment count over budget")
	}

	m.checkHashrate(now, &report)

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicStabilityCheck, eventbus.Event{
			Type: "stability_check",
			Fields: map[string]interface{}{
				"issues_found": report.IssuesFound,
				"repairs_made": report.RepairsMade,
				"details":      report.Details,
			},
		})
	}
	return report
}

// sweepOrphans releases any slot whose Current address no longer has an assignment
// pointing back to it — reset to None/PausedUntil out from under the slot, or claimed
// by a different WorkerID — without touching the address itself (ReleaseOrphan only
// idles the slot; the registry's own state for that address is left alone since
// something else already owns or cleared it).
func (m *Monitor) sweepOrphans(snapshot []registry.AddressState, report *SweepReport) {
	if m.pool == nil {
		return
	}

	byIndex := make(map[uint32]registry.Assignment, len(snapshot))
	for _, st := range snapshot {
		byIndex[st.Address.Index] = st.Assignment
	}

	for _, s := range m.pool.Slots() {
		if s.State() == workerpool.SlotIdle {
			continue
		}
		cur := s.Current()
		assign, ok := byIndex[cur.AddressIdx]
		if ok && assign.Kind == registry.AssignInProgress && assign.WorkerID == s.ID {
			continue
		}
		if ok && (assign.Kind == registry.AssignSubmitting || assign.Kind == registry.AssignSolved) {
			// mid-submission: the slot's own goroutine is still between solve and
			// return, not yet idled. Not an orphan.
			continue
		}
		report.IssuesFound++
		report.RepairsMade++
		report.Details = append(report.Details, "orphaned worker released")
		m.pool.ReleaseOrphan(s.ID)
		util.Warnf("stability: released orphaned slot %d (address %d no longer points back)", s.ID, cur.AddressIdx)
	}
}

func (m *Monitor) checkHashrate(now time.Time, report *SweepReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalHashes := m.pool.TotalHashes()
	if m.lastSampleAt.IsZero() {
		m.lastSampleAt = now
		m.lastHashes = totalHashes
		m.baselineStart = now
		return
	}

	elapsed := now.Sub(m.lastSampleAt).Seconds()
	if elapsed <= 0 {
		return
	}
	if totalHashes < m.lastHashes {
		// counter went backwards (pool replaced/reset); resynchronize without
		// computing a rate off a wrapped subtraction.
		m.lastSampleAt = now
		m.lastHashes = totalHashes
		return
	}
	instantRate := float64(totalHashes-m.lastHashes) / elapsed
	m.lastSampleAt = now
	m.lastHashes = totalHashes

	const alpha = 0.3
	if m.ewmaRate == 0 {
		m.ewmaRate = instantRate
	} else {
		m.ewmaRate = alpha*instantRate + (1-alpha)*m.ewmaRate
	}

	if !m.baselineSet {
		if now.Sub(m.baselineStart) >= baselineWindow {
			m.baselineRate = m.ewmaRate
			m.baselineSet = true
		}
		return
	}

	if m.baselineRate <= 0 {
		return
	}

	if m.ewmaRate < dropThreshold*m.baselineRate {
		if m.belowSince.IsZero() {
			m.belowSince = now
		}
		if now.Sub(m.belowSince) >= dropWindow {
			report.IssuesFound++
			report.RepairsMade++
			report.Details = append(report.Details, "hashrate_dropped")
			if m.hs != nil {
				m.hs.ShrinkOnAnomaly()
			}
			if m.bus != nil {
				m.bus.Publish(eventbus.TopicHashrateDropped, eventbus.Event{
					Type:   "hashrate_dropped",
					Fields: map[string]interface{}{"current": m.ewmaRate, "baseline": m.baselineRate},
				})
			}
			m.belowSince = time.Time{}
		}
	} else {
		m.belowSince = time.Time{}
	}
}
