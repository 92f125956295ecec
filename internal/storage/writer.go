package storage

import (
	"context"
	"time"

	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/util"
)

const hashrateSampleInterval = time.Minute

// Writer persists a rolling history into Store: solution results off the EventBus that
// carry an address (only Accepted outcomes do; other results are skipped), and a hashrate
// snapshot once a minute sampled on a ticker rather than off a per-solve event
// (solve-level events are too bursty to chart).
type Writer struct {
	store       *Store
	bus         *eventbus.Bus
	totalHashes func() uint64
}

// NewWriter binds a Writer to store. totalHashes reads the pool's cumulative hash
// counter (orchestrator.Core.TotalHashes in production).
func NewWriter(store *Store, bus *eventbus.Bus, totalHashes func() uint64) *Writer {
	return &Writer{store: store, bus: bus, totalHashes: totalHashes}
}

// Run subscribes to solution results and samples hashrate until ctx is canceled.
// Intended to run in its own goroutine.
func (w *Writer) Run(ctx context.Context) {
	solutions := w.bus.Subscribe(eventbus.TopicSolutionResult)
	defer solutions.Unsubscribe()

	ticker := time.NewTicker(hashrateSampleInterval)
	defer ticker.Stop()

	var lastHashes uint64
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-solutions.C:
			w.handleSolutionResult(ctx, evt)
		case now := <-ticker.C:
			w.sampleHashrate(ctx, now, &lastHashes, &lastAt)
		}
	}
}

func (w *Writer) sampleHashrate(ctx context.Context, now time.Time, lastHashes *uint64, lastAt *time.Time) {
	total := w.totalHashes()
	if !lastAt.IsZero() && total >= *lastHashes {
		if elapsed := now.Sub(*lastAt).Seconds(); elapsed > 0 {
			rate := float64(total-*lastHashes) / elapsed
			if err := w.store.RecordHashrateSample(ctx, rate, now); err != nil {
				util.Warnf("storage: record hashrate sample failed: %v", err)
			}
		}
	}
	*lastHashes = total
	*lastAt = now
}

func (w *Writer) handleSolutionResult(ctx context.Context, evt eventbus.Event) {
	address, _ := evt.Fields["address"].(string)
	if address == "" {
		// duplicate/rejected/expired outcomes never carry the full candidate detail;
		// only a terminal accept publishes enough to build a history entry.
		return
	}

	accepted, _ := evt.Fields["ok"].(bool)
	challengeID, _ := evt.Fields["challenge_id"].(string)
	nonce, _ := evt.Fields["nonce"].(uint64)
	digest, _ := evt.Fields["digest"].(string)
	isDev, _ := evt.Fields["is_dev_solution"].(bool)

	var addrIdx uint32
	switch v := evt.Fields["addr"].(type) {
	case uint32:
		addrIdx = v
	case int:
		addrIdx = uint32(v)
	}

	rec := SolutionRecord{
		ChallengeID:     challengeID,
		AddressIndex:    addrIdx,
		Address:         address,
		Nonce:           nonce,
		Digest:          digest,
		SolvedAt:        time.Now(),
		IsDevSubmission: isDev,
		Accepted:        accepted,
	}
	if err := w.store.RecordSolution(ctx, rec); err != nil {
		util.Warnf("storage: record solution failed: %v", err)
	}
}
