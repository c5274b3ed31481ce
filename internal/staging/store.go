package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"back_crm/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no staged data exists for a pairing id,
// either because it was never staged, already consumed, or expired.
var ErrNotFound = errors.New("staged pairing session not found")

// DefaultTTL is how long staged form data survives without being consumed.
// Matches the pairing poll deadline so abandoned attempts are garbage
// collected even when the best-effort delete never runs.
const DefaultTTL = 5 * time.Minute

// Store holds operator-submitted form data between pairing initiation and
// confirmation, keyed by pairing id. Implementations need key-level atomic
// put/get/delete only; races across keys are resolved by the reconciler.
type Store interface {
	Put(ctx context.Context, session models.PairingSession) error
	Get(ctx context.Context, pairingID string) (*models.PairingSession, error)
	Delete(ctx context.Context, pairingID string) error
	Close() error
}

// RedisStore is a Redis-backed Store with per-key TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", config.Addr).Int("db", config.DB).Msg("connected to Redis staging store")

	return &RedisStore{
		client: client,
		ttl:    DefaultTTL,
		logger: logger,
	}, nil
}

func stagingKey(pairingID string) string {
	return "staging:" + pairingID
}

// Put stores the staged session under its pairing id with the store TTL.
func (s *RedisStore) Put(ctx context.Context, session models.PairingSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal staged session: %w", err)
	}

	if err := s.client.Set(ctx, stagingKey(session.PairingID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get retrieves the staged session, or ErrNotFound after expiry/consumption.
func (s *RedisStore) Get(ctx context.Context, pairingID string) (*models.PairingSession, error) {
	val, err := s.client.Get(ctx, stagingKey(pairingID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var session models.PairingSession
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("unmarshal staged session: %w", err)
	}
	return &session, nil
}

// Delete removes the staged session. Deleting a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, pairingID string) error {
	if err := s.client.Del(ctx, stagingKey(pairingID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// HealthCheck checks if Redis is available.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
