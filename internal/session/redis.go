package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intakeflow/intakeflow/internal/models"
)

const sessionKeyPrefix = "intakeflow:session:"

// DefaultSessionTTL bounds how long an abandoned session survives in Redis.
const DefaultSessionTTL = 24 * time.Hour

// Opts holds configurable fields for the Redis session store.
type Opts struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Option configures the Redis session store via functional options.
type Option func(*Opts)

// WithAddr sets the Redis server address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassword sets the Redis AUTH password.
func WithPassword(password string) Option {
	return func(o *Opts) { o.Password = password }
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(o *Opts) { o.DB = db }
}

// WithTTL overrides the session expiry. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// RedisStore persists conversation state in Redis so sessions survive
// process restarts and can resume on any instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := Opts{TTL: DefaultSessionTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("session.NewRedisStore ping failed", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Debug("session.NewRedisStore connected", "addr", cfg.Addr, "db", cfg.DB, "ttl", cfg.TTL)
	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	if err != nil {
		slog.Error("session.RedisStore Get failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Error("session.RedisStore Get unmarshal failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("state must carry a session ID")
	}
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", state.SessionID, err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+state.SessionID, data, s.ttl).Err(); err != nil {
		slog.Error("session.RedisStore Save failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("failed to write session %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		slog.Error("session.RedisStore Delete failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
