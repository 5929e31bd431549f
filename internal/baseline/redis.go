package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/merlin/internal/domain"
)

const mirrorPrefix = "merlin:baseline:"

// Mirror persists refreshed baselines to Redis so a restarted process can
// serve warm baselines before its first refresh cycle completes.
// The request path never reads or writes it.
type Mirror struct {
	client *redis.Client
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(cfg domain.MirrorConfig) (*Mirror, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Mirror{client: client}, nil
}

// NewMirrorWithClient wraps an existing client.
func NewMirrorWithClient(client *redis.Client) *Mirror {
	return &Mirror{client: client}
}

// Save stores a baseline under its user id.
func (m *Mirror) Save(ctx context.Context, b domain.Baseline) error {
	if b.UserID == "" {
		return fmt.Errorf("userID is required")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	return m.client.Set(ctx, m.makeKey(b.UserID), data, 0).Err()
}

// Load returns the mirrored baseline for a user, or nil if none is stored.
func (m *Mirror) Load(ctx context.Context, userID string) (*domain.Baseline, error) {
	data, err := m.client.Get(ctx, m.makeKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var b domain.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline %s: %w", userID, err)
	}
	return &b, nil
}

// LoadAll scans every mirrored baseline. Undecodable entries are skipped.
func (m *Mirror) LoadAll(ctx context.Context) ([]domain.Baseline, error) {
	var out []domain.Baseline

	iter := m.client.Scan(ctx, 0, mirrorPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := m.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var b domain.Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			slog.Warn("skipping undecodable mirrored baseline", "key", key, "error", err)
			continue
		}
		out = append(out, b)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan baselines: %w", err)
	}
	return out, nil
}

// Delete removes a user's mirrored baseline.
func (m *Mirror) Delete(ctx context.Context, userID string) error {
	return m.client.Del(ctx, m.makeKey(userID)).Err()
}

// Ping checks Redis connectivity.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) makeKey(userID string) string {
	return mirrorPrefix + userID
}

// Warm installs every mirrored baseline into the cache and returns how many were loaded.
func (c *Cache) Warm(ctx context.Context, m *Mirror) (int, error) {
	baselines, err := m.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range baselines {
		if b.UserID == "" || b.IsCold() {
			continue
		}
		c.Refresh(b.UserID, b)
		n++
	}
	return n, nil
}
