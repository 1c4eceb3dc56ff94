package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisSessionPrefix = "cardauth:hs:"

// RedisSessionStore is a SessionStore backed by redis, for deployments
// running more than one service instance behind a load balancer. The
// SessionTTL is enforced by the key expiry, so no lazy eviction pass is
// needed.
type RedisSessionStore struct {
	cli    *redis.Client
	logger *slog.Logger
}

var _ SessionStore = (*RedisSessionStore)(nil)

// redisSession is the JSON wire shape of a Session in redis.
type redisSession struct {
	CardID          string    `json:"card_id"`
	StaticKey       []byte    `json:"static_key"`
	PublicKey       []byte    `json:"public_key"`
	ChallengeServer []byte    `json:"challenge_server"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewRedisSessionStore creates a session store on the given redis address
// and verifies connectivity.
func NewRedisSessionStore(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisSessionStore, error) {
	s := &RedisSessionStore{
		cli: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger.With("component", "session_store"),
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping verifies connectivity; called once at startup.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisSessionStore) Close() error {
	return s.cli.Close()
}

func (s *RedisSessionStore) Get(id string) (Session, bool) {
	ctx := context.Background()
	blob, err := s.cli.Get(ctx, redisSessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false
	}
	if err != nil {
		s.logger.Error("redis get failed", "error", err)
		return Session{}, false
	}
	var rec redisSession
	if err := json.Unmarshal(blob, &rec); err != nil {
		s.logger.Error("decoding session blob failed", "error", err)
		return Session{}, false
	}
	return Session{
		CardID:          rec.CardID,
		StaticKey:       rec.StaticKey,
		PublicKey:       rec.PublicKey,
		ChallengeServer: rec.ChallengeServer,
		CreatedAt:       rec.CreatedAt,
	}, true
}

func (s *RedisSessionStore) Put(id string, session Session) error {
	ctx := context.Background()
	blob, err := json.Marshal(redisSession{
		CardID:          session.CardID,
		StaticKey:       session.StaticKey,
		PublicKey:       session.PublicKey,
		ChallengeServer: session.ChallengeServer,
		CreatedAt:       session.CreatedAt,
	})
	if err != nil {
		s.logger.Error("encoding session blob failed", "error", err)
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.cli.SetEX(ctx, redisSessionPrefix+id, blob, SessionTTL).Err(); err != nil {
		s.logger.Error("redis set failed", "error", err)
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(id string) {
	if err := s.cli.Del(context.Background(), redisSessionPrefix+id).Err(); err != nil {
		s.logger.Error("redis del failed", "error", err)
	}
}
