package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift/scavenger-miner/internal/poller"
	"github.com/windrift/scavenger-miner/internal/submitter"
	"github.com/windrift/scavenger-miner/internal/util"
)

// endpoint wraps one HTTPGateway with health tracking.
type endpoint struct {
	name   string
	weight int
	client *HTTPGateway

	mu        sync.RWMutex
	healthy   bool
	failCount int32
}

func (e *endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.failCount = 0
}

func (e *endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCount++
	if e.failCount >= 3 {
		e.healthy = false
	}
}

func (e *endpoint) isHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// EndpointConfig describes one configured RemoteGateway endpoint.
type EndpointConfig struct {
	Name    string
	URL     string
	Weight  int
	Timeout time.Duration
}

// FailoverGateway fans calls out across multiple endpoints, preferring healthy,
// higher-weight ones and falling back to the next candidate on transient failure. This
// is the resilience layer both RemoteGateway and Registrar calls go through.
type FailoverGateway struct {
	endpoints []*endpoint
	activeIdx atomic.Int32

	cancel func()
	wg     sync.WaitGroup
}

// NewFailoverGateway builds a manager from configured endpoints, sorted by weight
// descending (ties broken by original order).
func NewFailoverGateway(configs []EndpointConfig) *FailoverGateway {
	eps := make([]*endpoint, 0, len(configs))
	for _, c := range configs {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		name := c.Name
		if name == "" {
			name = c.URL
		}
		eps = append(eps, &endpoint{
			name:    name,
			weight:  weight,
			client:  NewHTTPGateway(c.URL, timeout),
			healthy: true,
		})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].weight > eps[j].weight })
	return &FailoverGateway{endpoints: eps}
}

// Start begins a background health-check loop over every endpoint.
func (m *FailoverGateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

// Stop halts the health-check loop.
func (m *FailoverGateway) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *FailoverGateway) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range m.endpoints {
		wg.Add(1)
		go func(e *endpoint) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := e.client.GetChallenge(checkCtx); err != nil {
				e.recordFailure()
			} else {
				e.recordSuccess()
			}
		}(ep)
	}
	wg.Wait()
	m.selectActive()
}

// selectActive picks the healthy, highest-weight endpoint as the preferred candidate.
func (m *FailoverGateway) selectActive() {
	best := -1
	bestWeight := -1
	for i, ep := range m.endpoints {
		if !ep.isHealthy() {
			continue
		}
		if ep.weight > bestWeight {
			best = i
			bestWeight = ep.weight
		}
	}
	if best >= 0 {
		m.activeIdx.Store(int32(best))
	}
}

// ordered returns endpoints starting from the current active pick, healthy-first,
// preserving weight order within each group, so a failing active endpoint falls through
// to the next candidate within the same call.
func (m *FailoverGateway) ordered() []*endpoint {
	active := int(m.activeIdx.Load())
	out := make([]*endpoint, 0, len(m.endpoints))
	if active >= 0 && active < len(m.endpoints) && m.endpoints[active].isHealthy() {
		out = append(out, m.endpoints[active])
	}
	for i, ep := range m.endpoints {
		if i == active {
			continue
		}
		if ep.isHealthy() {
			out = append(out, ep)
		}
	}
	for _, ep := range m.endpoints {
		if !ep.isHealthy() {
			out = append(out, ep)
		}
	}
	return out
}

func (m *FailoverGateway) withFailover(ctx context.Context, fn func(*HTTPGateway) error) error {
	if len(m.endpoints) == 0 {
		return fmt.Errorf("gateway: no endpoints configured")
	}
	var lastErr error
	for _, ep := range m.ordered() {
		if err := fn(ep.client); err != nil {
			ep.recordFailure()
			lastErr = err
			util.Warnf("gateway: endpoint %s failed: %v", ep.name, err)
			continue
		}
		ep.recordSuccess()
		return nil
	}
	return lastErr
}

// GetChallenge implements RemoteGateway with failover.
func (m *FailoverGateway) GetChallenge(ctx context.Context) (poller.GatewayResponse, error) {
	var resp poller.GatewayResponse
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		r, err := c.GetChallenge(ctx)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// SubmitSolution implements RemoteGateway with failover.
func (m *FailoverGateway) SubmitSolution(ctx context.Context, address, challengeID string, nonce uint64) (submitter.GatewayResult, error) {
	var result submitter.GatewayResult
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		r, err := c.SubmitSolution(ctx, address, challengeID, nonce)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetAddressSubmissions implements RemoteGateway with failover.
func (m *FailoverGateway) GetAddressSubmissions(ctx context.Context, address string) (AddressSubmissions, error) {
	var result AddressSubmissions
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		r, err := c.GetAddressSubmissions(ctx, address)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// TandCMessage implements Registrar with failover.
func (m *FailoverGateway) TandCMessage(ctx context.Context) (string, error) {
	var msg string
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		m, err := c.TandCMessage(ctx)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	return msg, err
}

// Register implements Registrar with failover.
func (m *FailoverGateway) Register(ctx context.Context, address, signatureHex, pubkeyHex string) (RegisterOutcome, error) {
	var outcome RegisterOutcome
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		o, err := c.Register(ctx, address, signatureHex, pubkeyHex)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	return outcome, err
}

// DevFeeAddress implements DevFeeGateway with failover.
func (m *FailoverGateway) DevFeeAddress(ctx context.Context) (string, bool, error) {
	var addr string
	var enabled bool
	err := m.withFailover(ctx, func(c *HTTPGateway) error {
		a, e, err := c.DevFeeAddress(ctx)
		if err != nil {
			return err
		}
		addr, enabled = a, e
		return nil
	})
	return addr, enabled, err
}
