// Package deadletter holds records whose publish retry budget is exhausted.
// Entries keep the serialized record and enough routing context to replay
// it by hand once the bus recovers.
package deadletter

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/metrics"
)

// Entry is one parked record.
type Entry struct {
	Subject  string `json:"subject"`
	Payload  []byte `json:"payload"`
	Reason   string `json:"reason"`
	FailedAt int64  `json:"failed_at_ms"`
	Exchange string `json:"exchange"`
	DataType string `json:"data_type"`
	DedupKey string `json:"dedup_key"`
}

// Sink is a bounded store of parked records.
type Sink interface {
	Park(ctx context.Context, e Entry) error
	Depth(ctx context.Context) (int64, error)
}

// Memory is an in-process ring buffer sink, the default when no Redis
// address is configured. Oldest entries are evicted at capacity.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	maxLen  int
}

func NewMemory(maxLen int) *Memory {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &Memory{maxLen: maxLen}
}

func (m *Memory) Park(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.maxLen {
		m.entries = m.entries[len(m.entries)-m.maxLen:]
	}
	metrics.DeadletterDepth.Set(float64(len(m.entries)))
	return nil
}

func (m *Memory) Depth(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

// Drain removes and returns every parked entry, for replay tooling.
func (m *Memory) Drain() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.entries
	m.entries = nil
	metrics.DeadletterDepth.Set(0)
	return out
}

const redisKey = "marketprism:deadletter"

// Redis parks entries on a capped Redis list so they survive collector
// restarts.
type Redis struct {
	client *redis.Client
	maxLen int64
	log    zerolog.Logger
}

func NewRedis(addr string, maxLen int, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &Redis{
		client: client,
		maxLen: int64(maxLen),
		log:    log.With().Str("component", "deadletter").Logger(),
	}, nil
}

func (r *Redis) Park(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, redisKey, raw)
	pipe.LTrim(ctx, redisKey, 0, r.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if depth, err := r.Depth(ctx); err == nil {
		metrics.DeadletterDepth.Set(float64(depth))
	}
	return nil
}

func (r *Redis) Depth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, redisKey).Result()
}

func (r *Redis) Close() error { return r.client.Close() }
