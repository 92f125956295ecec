// Package configstore implements ConfigStore: persisted and live-mutable tuning (worker
// count, batch size, address offset, dev-fee toggle, auto-resume, was-mining flag).
//
// Unlike internal/config (viper-backed startup configuration), this store must match an
// exact JSON wire format and use atomic write-then-rename semantics, so it is built on
// the stdlib os package directly rather than viper.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config is the persisted field set (§6 wire format).
type Config struct {
	AddressOffset   uint32    `json:"addressOffset"`
	WorkerThreads   uint32    `json:"workerThreads"`
	BatchSize       uint32    `json:"batchSize"`
	DevFeeEnabled   bool      `json:"devFeeEnabled"`
	AutoResume      bool      `json:"autoResume"`
	WasMiningActive bool      `json:"wasMiningActive"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		AddressOffset:   0,
		WorkerThreads:   11,
		BatchSize:       300,
		DevFeeEnabled:   true,
		AutoResume:      false,
		WasMiningActive: false,
		LastUpdated:     time.Now(),
	}
}

// Patch carries only the fields an update_config call is changing.
type Patch struct {
	AddressOffset *uint32
	WorkerThreads *uint32
	BatchSize     *uint32
	DevFeeEnabled *bool
	AutoResume    *bool
}

var (
	// ErrWorkerThreadsRange is returned when a patch's worker_threads falls outside [1,1024].
	ErrWorkerThreadsRange = errors.New("configstore: worker_threads must be in [1, 1024]")
	// ErrBatchSizeRange is returned when a patch's batch_size falls outside [50,50000].
	ErrBatchSizeRange = errors.New("configstore: batch_size must be in [50, 50000]")
	// ErrOffsetWhileMining is returned when address_offset is patched outside Stopped.
	ErrOffsetWhileMining = errors.New("configstore: addressOffset can only change while stopped")
)

func (p Patch) validate(stopped bool) error {
	if p.WorkerThreads != nil && (*p.WorkerThreads < 1 || *p.WorkerThreads > 1024) {
		return ErrWorkerThreadsRange
	}
	if p.BatchSize != nil && (*p.BatchSize < 50 || *p.BatchSize > 50000) {
		return ErrBatchSizeRange
	}
	if p.AddressOffset != nil && !stopped {
		return ErrOffsetWhileMining
	}
	return nil
}

// Store owns the on-disk JSON file and the in-memory config it mirrors. Read is called
// concurrently from the API handlers and the stability sweep goroutine while Update and
// SetWasMiningActive write from other goroutines, so cfg is guarded by mu.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// Load reads path if it exists, otherwise seeds it with Default() and writes it.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.cfg = Default()
		if err := s.writeAtomic(s.cfg); err != nil {
			return nil, fmt.Errorf("configstore: seed write failed: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("configstore: read failed: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("configstore: malformed config at %s: %w", path, err)
	}
	s.cfg = cfg
	return s, nil
}

// Read returns a copy of the current config.
func (s *Store) Read() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies patch atomically (write-then-rename; never partial). stopped reports
// whether the orchestrator's current state == Stopped, since addressOffset is only
// accepted in that state.
func (s *Store) Update(patch Patch, stopped bool) (Config, error) {
	if err := patch.validate(stopped); err != nil {
		return Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if patch.AddressOffset != nil {
		next.AddressOffset = *patch.AddressOffset
	}
	if patch.WorkerThreads != nil {
		next.WorkerThreads = *patch.WorkerThreads
	}
	if patch.BatchSize != nil {
		next.BatchSize = *patch.BatchSize
	}
	if patch.DevFeeEnabled != nil {
		next.DevFeeEnabled = *patch.DevFeeEnabled
	}
	if patch.AutoResume != nil {
		next.AutoResume = *patch.AutoResume
	}
	next.LastUpdated = time.Now()

	if err := s.writeAtomic(next); err != nil {
		return Config{}, err
	}
	s.cfg = next
	return next, nil
}

// SetWasMiningActive flips was_mining_active: true at mining start, false at graceful
// stop. Used by auto-resume on the next process start.
func (s *Store) SetWasMiningActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.WasMiningActive = active
	next.LastUpdated = time.Now()
	if err := s.writeAtomic(next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// writeAtomic writes cfg to a sibling temp file then renames it over path, so a crash
// mid-write never leaves a partially-written config behind. File permissions restrict to
// owner read/write where the OS supports it.
func (s *Store) writeAtomic(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".configstore-*.tmp")
	if err != nil {
		return fmt.Errorf("configstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: close: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("configstore: rename: %w", err)
	}
	return nil
}
