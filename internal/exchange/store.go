package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BreakerState is the circuit breaker state for a venue.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// HealthRecord is the externally visible health of one venue. It lives in a
// shared store so every service instance observes the same breaker state.
type HealthRecord struct {
	State         BreakerState
	FailureCount  int
	LastFailureAt time.Time
}

// BreakerStore persists venue health records. The redis implementation is
// used in multi-instance deployments; the in-memory one only for
// single-instance setups and tests.
type BreakerStore interface {
	Get(ctx context.Context, venue VenueName) (*HealthRecord, error)
	Put(ctx context.Context, venue VenueName, rec *HealthRecord) error
}

// MemoryStore keeps health records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[VenueName]HealthRecord
}

// NewMemoryStore creates an in-process breaker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[VenueName]HealthRecord)}
}

func (s *MemoryStore) Get(_ context.Context, venue VenueName) (*HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[venue]; ok {
		out := rec
		return &out, nil
	}
	return &HealthRecord{State: BreakerClosed}, nil
}

func (s *MemoryStore) Put(_ context.Context, venue VenueName, rec *HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[venue] = *rec
	return nil
}

// RedisStore keeps health records in a redis hash per venue.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a redis-backed breaker store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "venue:health:"}
}

func (s *RedisStore) key(venue VenueName) string {
	return s.keyPrefix + string(venue)
}

func (s *RedisStore) Get(ctx context.Context, venue VenueName) (*HealthRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(venue)).Result()
	if err != nil {
		return nil, fmt.Errorf("breaker store get %s: %w", venue, err)
	}
	if len(fields) == 0 {
		return &HealthRecord{State: BreakerClosed}, nil
	}

	rec := &HealthRecord{State: BreakerState(fields["state"])}
	if rec.State == "" {
		rec.State = BreakerClosed
	}
	if v, ok := fields["failures"]; ok {
		rec.FailureCount, _ = strconv.Atoi(v)
	}
	if v, ok := fields["last_failure_ns"]; ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil && ns > 0 {
			rec.LastFailureAt = time.Unix(0, ns)
		}
	}
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, venue VenueName, rec *HealthRecord) error {
	var lastFailure int64
	if !rec.LastFailureAt.IsZero() {
		lastFailure = rec.LastFailureAt.UnixNano()
	}
	err := s.client.HSet(ctx, s.key(venue), map[string]interface{}{
		"state":           string(rec.State),
		"failures":        rec.FailureCount,
		"last_failure_ns": lastFailure,
	}).Err()
	if err != nil {
		return fmt.Errorf("breaker store put %s: %w", venue, err)
	}
	return nil
}
