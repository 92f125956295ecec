// Package submitter implements Submitter: submits solutions via RemoteGateway with
// retry/backoff, classifies responses, and feeds AddressRegistry.
package submitter

import (
	"context"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/solver"
	"github.com/windrift/scavenger-miner/internal/util"
)

// ResultKind classifies a submission outcome.
type ResultKind int

const (
	Accepted ResultKind = iota
	RejectedDuplicate
	RejectedInvalidNonce
	RejectedExpiredChallenge
	RejectedOther
	Transient
)

// GatewayResult is what RemoteGateway.submit_solution returns, narrowed to what the
// Submitter needs to classify.
type GatewayResult struct {
	Kind    ResultKind
	Receipt string
}

// Gateway is the narrow RemoteGateway surface the Submitter calls.
type Gateway interface {
	SubmitSolution(ctx context.Context, address, challengeID string, nonce uint64) (GatewayResult, error)
}

// Registry is the narrow AddressRegistry surface the Submitter mutates through.
type Registry interface {
	Transition(idx uint32, to registry.Assignment) error
	IncrementFailure(idx uint32) (count uint32, shouldPause bool)
	ResetFailure(idx uint32)
	Pause(idx uint32, deadline time.Time, reason string)
}

const (
	maxAttempts  = 5
	attemptTimeout = 15 * time.Second
)

// DevFeeCounter is the narrow surface Submitter needs to advance the dev-fee counter.
type DevFeeCounter interface {
	// Advance increments the solutions-since-dev counter unless isDevSubmission, in
	// which case it resets to zero. No-op when dev-fee is disabled.
	Advance(isDevSubmission bool)
}

// Submitter drives one solution through the gateway to a terminal outcome.
type Submitter struct {
	gateway Gateway
	reg     Registry
	bus     *eventbus.Bus
	devFee  DevFeeCounter
}

// New builds a Submitter.
func New(gw Gateway, reg Registry, bus *eventbus.Bus, devFee DevFeeCounter) *Submitter {
	return &Submitter{gateway: gw, reg: reg, bus: bus, devFee: devFee}
}

// Submit drives candidate to a terminal outcome. It MUST never retry forever: every path
// terminates and releases the address back to None or a terminal state (Solved/Paused).
// address is the bech32 string the gateway submits against; isDevSubmission indicates
// this candidate targeted the dev-fee address rather than the solving address's own
// wallet address.
func (s *Submitter) Submit(ctx context.Context, address string, candidate solver.SolutionCandidate, isDevSubmission bool) GatewayResult {
	if err := s.reg.Transition(candidate.AddressIdx, registry.Assignment{
		Kind:        registry.AssignSubmitting,
		ChallengeID: candidate.ChallengeID,
		Nonce:       candidate.Nonce,
	}); err != nil {
		util.Errorf("submitter: transition to Submitting failed for address %d: %v", candidate.AddressIdx, err)
	}

	s.publish(eventbus.TopicSolutionSubmit, candidate.AddressIdx, map[string]interface{}{
		"nonce": candidate.Nonce,
	})

	var result GatewayResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		res, err := s.gateway.SubmitSolution(attemptCtx, address, candidate.ChallengeID, candidate.Nonce)
		cancel()

		if err != nil {
			result = GatewayResult{Kind: Transient}
		} else {
			result = res
		}

		if result.Kind != Transient {
			break
		}
		if attempt == maxAttempts {
			result.Kind = RejectedOther
			break
		}

		delay := time.Duration(1.5*float64(attempt)*1000) * time.Millisecond
		select {
		case <-ctx.Done():
			result.Kind = RejectedOther
			return s.finish(address, candidate, result, isDevSubmission)
		case <-time.After(delay):
		}
	}

	return s.finish(address, candidate, result, isDevSubmission)
}

func (s *Submitter) finish(address string, candidate solver.SolutionCandidate, result GatewayResult, isDevSubmission bool) GatewayResult {
	idx := candidate.AddressIdx

	switch result.Kind {
	case Accepted:
		s.reg.Transition(idx, registry.Assignment{
			Kind:        registry.AssignSolved,
			ChallengeID: candidate.ChallengeID,
			SolvedAt:    time.Now(),
		})
		s.reg.ResetFailure(idx)
		if s.devFee != nil {
			s.devFee.Advance(isDevSubmission)
		}
		s.publish(eventbus.TopicSolutionResult, idx, map[string]interface{}{
			"ok":              true,
			"receipt":         result.Receipt,
			"address":         address,
			"challenge_id":    candidate.ChallengeID,
			"nonce":           candidate.Nonce,
			"digest":          util.BytesToHex(candidate.Digest[:]),
			"is_dev_solution": isDevSubmission,
		})

	case RejectedDuplicate:
		s.reg.Transition(idx, registry.Assignment{Kind: registry.AssignSolved, ChallengeID: candidate.ChallengeID})
		s.publish(eventbus.TopicSolutionResult, idx, map[string]interface{}{"ok": true, "duplicate": true})

	case RejectedInvalidNonce, RejectedExpiredChallenge:
		s.reg.Transition(idx, registry.Assignment{Kind: registry.AssignNone})
		s.publish(eventbus.TopicSolutionResult, idx, map[string]interface{}{"ok": false, "reason": "expired_or_invalid"})

	default: // RejectedOther
		count, shouldPause := s.reg.IncrementFailure(idx)
		if shouldPause {
			deadline := time.Now().Add(pauseDuration(count))
			s.reg.Pause(idx, deadline, "submission_failures")
			s.bus.Publish(eventbus.TopicError, eventbus.Event{
				Type:   "warning",
				Fields: map[string]interface{}{"addr": idx, "reason": "paused_after_failures", "failure_count": count},
			})
		} else {
			s.reg.Transition(idx, registry.Assignment{Kind: registry.AssignNone})
		}
		s.publish(eventbus.TopicSolutionResult, idx, map[string]interface{}{"ok": false, "reason": "rejected"})
	}

	return result
}

// pauseDuration is min(2^failure_count, 3600) seconds.
func pauseDuration(failureCount uint32) time.Duration {
	if failureCount > 12 { // 2^12 = 4096 already exceeds the 3600s ceiling
		return time.Hour
	}
	seconds := uint64(1) << failureCount
	if seconds > 3600 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

func (s *Submitter) publish(topic eventbus.Topic, addr uint32, fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	fields["addr"] = addr
	s.bus.Publish(topic, eventbus.Event{Fields: fields})
}

