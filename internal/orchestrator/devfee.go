package orchestrator

import "sync/atomic"

// DevFeeCounter tracks solutions_since_dev: when it reaches 16, the next discovered
// solution is redirected to the dev-fee address instead of the solving address's own
// wallet. It implements submitter.DevFeeCounter.
type DevFeeCounter struct {
	enabled           atomic.Bool
	solutionsSinceDev atomic.Uint32
}

// NewDevFeeCounter builds a counter starting inert unless enabled.
func NewDevFeeCounter(enabled bool) *DevFeeCounter {
	d := &DevFeeCounter{}
	d.enabled.Store(enabled)
	return d
}

// SetEnabled flips dev-fee participation live (ConfigStore's devFeeEnabled field).
func (d *DevFeeCounter) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

// Enabled reports whether dev-fee interleaving is currently active.
func (d *DevFeeCounter) Enabled() bool { return d.enabled.Load() }

// Count returns solutions_since_dev for status reporting.
func (d *DevFeeCounter) Count() uint32 { return d.solutionsSinceDev.Load() }

// Advance implements submitter.DevFeeCounter: called only on an Accepted submission. A
// dev submission resets the counter; a wallet submission increments it. Disabled
// counters are inert.
func (d *DevFeeCounter) Advance(isDevSubmission bool) {
	if !d.enabled.Load() {
		return
	}
	if isDevSubmission {
		d.solutionsSinceDev.Store(0)
		return
	}
	d.solutionsSinceDev.Add(1)
}

// ShouldRunDev reports whether the next assignment decision should carve out one Solver
// run against the dev-fee address. A rejected dev attempt does not advance the counter,
// so this stays true until a dev submission finally succeeds.
func (d *DevFeeCounter) ShouldRunDev() bool {
	return d.enabled.Load() && d.solutionsSinceDev.Load() >= 16
}
