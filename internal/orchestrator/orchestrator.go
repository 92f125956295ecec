// Package orchestrator implements OrchestratorCore: the top-level state machine wiring
// HashService, AddressRegistry, WorkerPool, Solver, Submitter, ChallengePoller,
// StabilityMonitor, ConfigStore, EventBus and the external gateway capabilities together.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift/scavenger-miner/internal/configstore"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/gateway"
	"github.com/windrift/scavenger-miner/internal/hashservice"
	"github.com/windrift/scavenger-miner/internal/poller"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/solver"
	"github.com/windrift/scavenger-miner/internal/stability"
	"github.com/windrift/scavenger-miner/internal/submitter"
	"github.com/windrift/scavenger-miner/internal/util"
	"github.com/windrift/scavenger-miner/internal/workerpool"
)

// State is OrchestratorCore's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Registering
	Mining
	Paused
	Stopping
	FailedState
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Registering:
		return "Registering"
	case Mining:
		return "Mining"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case FailedState:
		return "Error"
	default:
		return "Unknown"
	}
}

const (
	registrationRounds      = 5
	registrationRetryDelay  = 2 * time.Second
	schedulingInterval      = 100 * time.Millisecond
	solveTimeHistoryCap     = 50
	stopAwaitDeadline       = 5 * time.Second
)

// Core owns every component and the lifecycle transitions between them.
type Core struct {
	state atomic.Int32

	cfg       *configstore.Store
	bus       *eventbus.Bus
	hs        *hashservice.Service
	reg       *registry.Registry
	pool      *workerpool.Pool
	chPoller  *poller.Poller
	monitor   *stability.Monitor
	submitter *submitter.Submitter
	devFee    *DevFeeCounter

	signer     gateway.Signer
	registrar  gateway.Registrar
	devGateway gateway.DevFeeGateway

	addressSeed string
	windowSize  uint32

	currentChallenge    atomic.Value // poller.Challenge
	challengeStartedAt  atomic.Value // time.Time
	pendingDevSlot      atomic.Bool

	solveTimesMu sync.Mutex
	solveTimes   []time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	lifecycle sync.Mutex
}

// New assembles an idle Core. hs must already exist (un-initialized is fine; Init is
// called during Start once rom parameters are known) and reg must be empty/unloaded.
func New(
	cfg *configstore.Store,
	bus *eventbus.Bus,
	hs *hashservice.Service,
	reg *registry.Registry,
	remote gateway.RemoteGateway,
	signer gateway.Signer,
	registrar gateway.Registrar,
	devGateway gateway.DevFeeGateway,
	addressSeed string,
	windowSize uint32,
) *Core {
	c := &Core{
		cfg:         cfg,
		bus:         bus,
		hs:          hs,
		reg:         reg,
		signer:      signer,
		registrar:   registrar,
		devGateway:  devGateway,
		addressSeed: addressSeed,
		windowSize:  windowSize,
	}
	c.devFee = NewDevFeeCounter(cfg.Read().DevFeeEnabled)
	c.currentChallenge.Store(poller.Challenge{})
	c.challengeStartedAt.Store(time.Time{})

	c.pool = workerpool.New(cfg.Read().WorkerThreads, reg, bus, c.runSolver)
	c.submitter = submitter.New(remote, reg, bus, c.devFee)
	c.chPoller = poller.New(remote, bus, c.onChallengeRotation)
	c.monitor = stability.New(reg, c.pool, hs, bus, c.activeWorkerBudget, c.medianSolveTime)
	return c
}

func (c *Core) activeWorkerBudget() uint32 { return c.cfg.Read().WorkerThreads }

// TotalHashes sums hashes computed across every worker slot, the numerator storage's
// hashrate sampler divides by elapsed time.
func (c *Core) TotalHashes() uint64 { return c.pool.TotalHashes() }

// State returns the current lifecycle state.
func (c *Core) State() State { return State(c.state.Load()) }

func (c *Core) setState(s State) {
	c.state.Store(int32(s))
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicStatus, eventbus.Event{
			Type:   "state_changed",
			Fields: map[string]interface{}{"state": s.String()},
		})
	}
}

// Start derives the address window, runs the registration phase over the unregistered
// subset with half worker budget, then enters Mining. It blocks until Mining is reached,
// registration exhausts its retry budget, or ctx is cancelled.
func (c *Core) Start(ctx context.Context, password string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if st := c.State(); st != Stopped && st != FailedState {
		return fmt.Errorf("orchestrator: cannot start from state %s", st)
	}

	c.setState(Starting)

	if !c.hs.Ready() {
		if err := c.hs.Init(hashservice.DefaultRomParams()); err != nil {
			c.setState(FailedState)
			return fmt.Errorf("orchestrator: hash service init failed: %w", err)
		}
	}

	offset := c.cfg.Read().AddressOffset
	addrs, err := c.signer.DeriveWindow(ctx, c.addressSeed, offset, c.windowSize)
	if err != nil {
		c.setState(FailedState)
		return fmt.Errorf("orchestrator: derive_window failed: %w", err)
	}
	if uint32(len(addrs)) != c.windowSize {
		c.setState(FailedState)
		return fmt.Errorf("orchestrator: derive_window returned %d addresses, want %d", len(addrs), c.windowSize)
	}

	regAddrs := make([]registry.Address, len(addrs))
	for i, a := range addrs {
		regAddrs[i] = registry.Address{Index: a.Index, Bech32: a.Bech32, PubkeyHex: a.PubkeyHex}
	}
	if err := c.reg.Load(regAddrs); err != nil {
		c.setState(FailedState)
		return fmt.Errorf("orchestrator: %w", err)
	}

	c.setState(Registering)
	c.pool.SetRegistrationMode(true)
	if err := c.runRegistration(ctx); err != nil {
		c.setState(FailedState)
		return err
	}
	c.pool.SetRegistrationMode(false)

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.runCancel = cancel

	c.chPoller.Start(runCtx)
	c.monitor.Start()
	go c.schedulingLoop(runCtx)

	if err := c.cfg.SetWasMiningActive(true); err != nil {
		util.Warnf("orchestrator: persist was_mining_active failed: %v", err)
	}
	c.setState(Mining)
	return nil
}

// runRegistration drives Registrar over unregistered addresses with half worker budget,
// re-attempting transient failures across up to registrationRounds passes.
func (c *Core) runRegistration(ctx context.Context) error {
	tandc, err := c.registrar.TandCMessage(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: tandc_message failed: %w", err)
	}
	message := []byte(tandc)

	budget := c.cfg.Read().WorkerThreads / 2
	if budget < 1 {
		budget = 1
	}

	for round := 0; round < registrationRounds; round++ {
		pending := c.reg.UnregisteredIndices()
		if len(pending) == 0 {
			break
		}

		sem := make(chan struct{}, budget)
		var wg sync.WaitGroup
		for _, idx := range pending {
			idx := idx
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.registerOne(ctx, idx, message)
			}()
		}
		wg.Wait()

		if c.reg.RegisteredCount() < int(c.windowSize) && round < registrationRounds-1 {
			time.Sleep(registrationRetryDelay)
		}
	}

	if c.reg.RegisteredCount() != int(c.windowSize) {
		return fmt.Errorf("orchestrator: registration incomplete: %d/%d addresses registered",
			c.reg.RegisteredCount(), c.windowSize)
	}
	return nil
}

func (c *Core) registerOne(ctx context.Context, idx uint32, message []byte) {
	st, ok := c.reg.Get(idx)
	if !ok {
		return
	}

	signed, err := c.signer.SignMessage(ctx, idx, message)
	if err != nil {
		util.Warnf("orchestrator: sign_message failed for address %d: %v", idx, err)
		return
	}

	outcome, err := c.registrar.Register(ctx, st.Address.Bech32, signed.SignatureHex, signed.PubkeyHex)
	if err != nil && outcome != gateway.RegisterErrorTransient {
		util.Warnf("orchestrator: register failed permanently for address %d: %v", idx, err)
		return
	}

	switch outcome {
	case gateway.Registered, gateway.AlreadyRegistered:
		if err := c.reg.MarkRegistered(idx); err != nil {
			util.Errorf("orchestrator: mark_registered failed for address %d: %v", idx, err)
			return
		}
		c.bus.Publish(eventbus.TopicRegistrationProgress, eventbus.Event{
			Type:   "registration_progress",
			Fields: map[string]interface{}{"addr": idx, "registered_count": c.reg.RegisteredCount(), "window": c.windowSize},
		})
	case gateway.RegisterErrorTransient:
		// left unregistered; retried in a later round
	case gateway.RegisterErrorPermanent:
		util.Warnf("orchestrator: address %d permanently rejected by registrar", idx)
	}
}

// Stop signals every active Solver to abort, awaits acknowledgement up to 5s, forcibly
// reaps stragglers, and returns to Stopped.
func (c *Core) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == Stopped {
		return nil
	}
	c.setState(Stopping)

	c.pool.AbortAll()
	deadline := time.Now().Add(stopAwaitDeadline)
	for time.Now().Before(deadline) && c.pool.ActiveCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	c.pool.ForceReleaseAll()

	c.chPoller.Stop()
	c.monitor.Stop()
	if c.runCancel != nil {
		c.runCancel()
	}

	if err := c.cfg.SetWasMiningActive(false); err != nil {
		util.Warnf("orchestrator: persist was_mining_active failed: %v", err)
	}
	c.setState(Stopped)
	return nil
}

// onChallengeRotation implements poller.RotationHandler: abort in-flight Solvers, await
// acknowledgement, force-release stragglers, then reset AddressRegistry for the new
// challenge. DevFeeCounter is untouched — it is preserved across rotations by construction.
func (c *Core) onChallengeRotation(newChallenge poller.Challenge) {
	c.pool.AbortAll()

	deadline := time.Now().Add(poller.AbortAwaitDeadline())
	for time.Now().Before(deadline) && c.pool.ActiveCount() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	c.pool.ForceReleaseAll()

	c.reg.OnChallengeRotation(newChallenge.ID, registry.RotationPolicy{})
	c.currentChallenge.Store(newChallenge)
	c.challengeStartedAt.Store(time.Now())
}

// schedulingLoop drives WorkerPool.Tick at a fixed cadence while Mining, folding in the
// dev-fee interleaving decision at the start of each assignment pass.
func (c *Core) schedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(schedulingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != Mining {
				continue
			}
			challenge, ok := c.buildSolverChallenge()
			if !ok {
				continue
			}
			if c.devFee.ShouldRunDev() {
				c.pendingDevSlot.Store(true)
			}
			c.pool.Tick(challenge.ID)
		}
	}
}

// runSolver is the workerpool.RunFunc: it runs one Solver pass for the assigned address,
// and on a hit, submits it, redirecting to the dev-fee address when this slot was
// claimed as the dev-fee run for this assignment decision.
func (c *Core) runSolver(ctx context.Context, slot *workerpool.Slot, a registry.Assignable, challengeID string) {
	isDev := c.pendingDevSlot.CompareAndSwap(true, false)

	challenge, ok := c.buildSolverChallenge()
	if !ok || challenge.ID != challengeID {
		c.reg.ForceRelease(a.Index)
		return
	}

	start := time.Now()
	result := solver.Run(ctx, c.hs, a.Index, a.Address, a.PubkeyHex, challenge, func(n uint64) {
		slot.Heartbeat(n)
	})

	switch result.Outcome {
	case solver.OutcomeSolution:
		submitAddress := a.Address
		useDev := isDev
		if useDev {
			devAddr, enabled, err := c.devGateway.DevFeeAddress(ctx)
			if err != nil || !enabled || devAddr == "" {
				useDev = false
			} else {
				submitAddress = devAddr
			}
		}
		c.submitter.Submit(ctx, submitAddress, result.Solution, useDev)
		c.recordSolveTime(time.Since(start))
	case solver.OutcomeAborted:
		if err := c.reg.Transition(a.Index, registry.Assignment{Kind: registry.AssignNone}); err != nil {
			c.reg.ForceRelease(a.Index)
		}
	}
}

func (c *Core) recordSolveTime(d time.Duration) {
	c.solveTimesMu.Lock()
	defer c.solveTimesMu.Unlock()
	c.solveTimes = append(c.solveTimes, d)
	if len(c.solveTimes) > solveTimeHistoryCap {
		c.solveTimes = c.solveTimes[len(c.solveTimes)-solveTimeHistoryCap:]
	}
}

// medianSolveTime feeds StabilityMonitor's stale-address threshold (10x median).
func (c *Core) medianSolveTime() time.Duration {
	c.solveTimesMu.Lock()
	defer c.solveTimesMu.Unlock()
	if len(c.solveTimes) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), c.solveTimes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// buildSolverChallenge converts the last polled Challenge into the Solver's narrower view.
func (c *Core) buildSolverChallenge() (solver.Challenge, bool) {
	raw, _ := c.currentChallenge.Load().(poller.Challenge)
	if raw.ID == "" {
		return solver.Challenge{}, false
	}
	diff, err := util.ParseDifficulty(raw.Difficulty)
	if err != nil {
		util.Warnf("orchestrator: malformed difficulty %q for challenge %s: %v", raw.Difficulty, raw.ID, err)
		return solver.Challenge{}, false
	}
	noPreMine, err1 := decodeHex32(raw.NoPreMine)
	latest, err2 := decodeHex32(raw.LatestSubmission)
	if err1 != nil || err2 != nil {
		util.Warnf("orchestrator: malformed challenge fields for %s", raw.ID)
		return solver.Challenge{}, false
	}
	return solver.Challenge{
		ID:         raw.ID,
		Difficulty: diff,
		Input: hashservice.ChallengeInput{
			NoPreMine:        noPreMine,
			LatestSubmission: latest,
			HourSeed:         raw.HourSeed,
		},
	}, true
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := util.HexToBytes(s)
	if err != nil {
		return out, err
	}
	b = util.PadBytes(b, 32)
	if len(b) != 32 {
		b = b[:32]
	}
	copy(out[:], b)
	return out, nil
}

// Scope returns the current ChallengeScope derived from the registry snapshot.
func (c *Core) Scope() ChallengeScope {
	raw, _ := c.currentChallenge.Load().(poller.Challenge)
	startedAt, _ := c.challengeStartedAt.Load().(time.Time)
	return ComputeChallengeScope(c.reg.Snapshot(), raw.ID, startedAt)
}

// Status is the control surface's status() snapshot.
type Status struct {
	State             string
	Config            configstore.Config
	Hash              hashservice.State
	Addresses         []registry.AddressState
	ActiveWorkers     int
	TotalHashes       uint64
	DevFeeEnabled     bool
	SolutionsSinceDev uint32
}

// Status assembles the control surface's status() response.
func (c *Core) Status() Status {
	return Status{
		State:             c.State().String(),
		Config:            c.cfg.Read(),
		Hash:              c.hs.State(),
		Addresses:         c.reg.Snapshot(),
		ActiveWorkers:     c.pool.ActiveCount(),
		TotalHashes:       c.pool.TotalHashes(),
		DevFeeEnabled:     c.devFee.Enabled(),
		SolutionsSinceDev: c.devFee.Count(),
	}
}

// UpdateConfig applies a live patch, propagating accepted changes to the components that
// read ConfigStore values on each cycle rather than subscribing to change notifications.
func (c *Core) UpdateConfig(patch configstore.Patch) (configstore.Config, error) {
	stopped := c.State() == Stopped
	cfg, err := c.cfg.Update(patch, stopped)
	if err != nil {
		return cfg, err
	}
	if patch.WorkerThreads != nil {
		c.pool.SetBudget(*patch.WorkerThreads)
	}
	if patch.BatchSize != nil {
		c.hs.SetBaseBatch(*patch.BatchSize)
	}
	if patch.DevFeeEnabled != nil {
		c.devFee.SetEnabled(*patch.DevFeeEnabled)
	}
	return cfg, nil
}
