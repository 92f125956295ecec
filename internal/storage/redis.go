package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/windrift/scavenger-miner/internal/util"
)

const (
	keyPrefix = "scavenger:"

	keySolutions    = keyPrefix + "solutions"
	keyHashrate     = keyPrefix + "hashrate"
	keyAddressStats = keyPrefix + "address:%s"

	hashrateRetention = 24 * time.Hour
	solutionHistoryCap = 500
)

// Store wraps a Redis connection used for append-only history that outlives
// a single challenge. It holds no state relevant to the live control loop —
// AddressRegistry remains the single source of truth while a challenge is
// active.
type Store struct {
	client *redis.Client
}

// NewStore dials Redis and verifies the connection with a ping.
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("connected to history store at ", addr)
	return &Store{client: client}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// RecordSolution pushes a solution receipt onto the capped history list and
// updates that address's running tally in a single pipeline.
func (s *Store) RecordSolution(ctx context.Context, rec SolutionRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()

	pipe.LPush(ctx, keySolutions, string(recJSON))
	pipe.LTrim(ctx, keySolutions, 0, solutionHistoryCap-1)

	if rec.Accepted {
		addrKey := fmt.Sprintf(keyAddressStats, rec.Address)
		pipe.HIncrBy(ctx, addrKey, "solutionCount", 1)
		pipe.HSet(ctx, addrKey, "lastSolutionAt", rec.SolvedAt.Unix())
		pipe.HSet(ctx, addrKey, "lastChallengeId", rec.ChallengeID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// RecentSolutions returns up to limit solutions, most recent first.
func (s *Store) RecentSolutions(ctx context.Context, limit int64) ([]SolutionRecord, error) {
	results, err := s.client.LRange(ctx, keySolutions, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]SolutionRecord, 0, len(results))
	for _, raw := range results {
		var rec SolutionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// AddressStats returns the running tally for an address. A never-seen
// address returns a zero-value AddressStats, not an error.
func (s *Store) AddressStats(ctx context.Context, address string) (AddressStats, error) {
	addrKey := fmt.Sprintf(keyAddressStats, address)
	data, err := s.client.HGetAll(ctx, addrKey).Result()
	if err != nil {
		return AddressStats{}, err
	}

	stats := AddressStats{Address: address}
	if len(data) == 0 {
		return stats, nil
	}

	if v, ok := data["solutionCount"]; ok {
		stats.SolutionCount, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["lastSolutionAt"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats.LastSolutionAt = time.Unix(ts, 0)
		}
	}
	if v, ok := data["lastChallengeId"]; ok {
		stats.LastChallengeID = v
	}
	return stats, nil
}

// RecordHashrateSample appends one aggregate hashrate sample, trimming
// anything older than hashrateRetention.
func (s *Store) RecordHashrateSample(ctx context.Context, rate float64, at time.Time) error {
	member := fmt.Sprintf("%f:%d", rate, at.UnixNano())

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, keyHashrate, &redis.Z{
		Score:  float64(at.Unix()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, keyHashrate, "-inf", strconv.FormatInt(at.Add(-hashrateRetention).Unix(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// HashrateHistory returns samples recorded at or after since, oldest first.
func (s *Store) HashrateHistory(ctx context.Context, since time.Time) ([]HashrateSample, error) {
	results, err := s.client.ZRangeByScore(ctx, keyHashrate, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]HashrateSample, 0, len(results))
	for _, member := range results {
		var rate float64
		var nanos int64
		if _, err := fmt.Sscanf(member, "%f:%d", &rate, &nanos); err != nil {
			continue
		}
		samples = append(samples, HashrateSample{Timestamp: time.Unix(0, nanos), Rate: rate})
	}
	return samples, nil
}
