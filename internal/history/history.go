// Package history keeps finished render metrics in Redis so aggregates survive
// restarts and span more than the jobs currently in flight.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/bobarin/dealreel/internal/metrics"
)

const KeyMetricsHistory = "render:metrics:history"

type Store struct {
	client *redis.Client
	limit  int64
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// New connects to redisURL. limit caps the list length and ttl is refreshed on
// every write; zero disables either.
func New(redisURL string, limit int, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{
		client: client,
		limit:  int64(limit),
		ttl:    ttl,
		log:    zap.S().Named("history"),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Save pushes a finished job's metrics to the head of the history list.
func (s *Store) Save(ctx context.Context, m metrics.VideoMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, KeyMetricsHistory, data)
	if s.limit > 0 {
		pipe.LTrim(ctx, KeyMetricsHistory, 0, s.limit-1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, KeyMetricsHistory, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save metrics for job %s: %w", m.JobID, err)
	}
	return nil
}

// Recent returns up to n entries, newest first. n <= 0 returns everything kept.
func (s *Store) Recent(ctx context.Context, n int) ([]metrics.VideoMetrics, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n) - 1
	}

	raw, err := s.client.LRange(ctx, KeyMetricsHistory, 0, stop).Result()
	if err == redis.Nil {
		return []metrics.VideoMetrics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics history: %w", err)
	}

	return decodeEntries(raw, s.log), nil
}

// Aggregate summarizes every kept entry.
func (s *Store) Aggregate(ctx context.Context) (metrics.AggregateMetrics, error) {
	all, err := s.Recent(ctx, 0)
	if err != nil {
		return metrics.AggregateMetrics{}, err
	}
	return metrics.Aggregate(all), nil
}

// decodeEntries skips entries that no longer decode rather than failing the read.
func decodeEntries(raw []string, log *zap.SugaredLogger) []metrics.VideoMetrics {
	out := make([]metrics.VideoMetrics, 0, len(raw))
	for i, r := range raw {
		var m metrics.VideoMetrics
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			log.Warnw("Skipping unreadable metrics entry", "index", i, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}
