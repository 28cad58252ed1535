package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis"
)

// Entry is what the directory stores per connected session.
type Entry struct {
	SessionID   string    `json:"session_id"`
	Instance    string    `json:"instance"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Repository records which sessions are connected to which server instance,
// with a TTL so entries of a crashed instance expire on their own.
type Repository interface {
	Register(ctx context.Context, sessionID string, ttl time.Duration) error
	Refresh(ctx context.Context, sessionIDs []string, ttl time.Duration) error
	Remove(ctx context.Context, sessionID string) error
	Lookup(ctx context.Context, sessionID string) (*Entry, error)
	Ping(ctx context.Context) error
}

type redisRepo struct {
	client   *redis.Client
	prefix   string
	instance string
}

// NewRedisRepository stores entries under prefix+sessionID.
func NewRedisRepository(client *redis.Client, prefix string) Repository {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &redisRepo{client: client, prefix: prefix, instance: host}
}

func (r *redisRepo) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *redisRepo) Register(_ context.Context, sessionID string, ttl time.Duration) error {
	data, err := json.Marshal(Entry{SessionID: sessionID, Instance: r.instance, ConnectedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := r.client.Set(r.key(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("presence register %s: %w", sessionID, err)
	}
	return nil
}

func (r *redisRepo) Refresh(_ context.Context, sessionIDs []string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	defer pipe.Close()
	for _, id := range sessionIDs {
		pipe.Expire(r.key(id), ttl)
	}
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("presence refresh: %w", err)
	}
	return nil
}

func (r *redisRepo) Remove(_ context.Context, sessionID string) error {
	if err := r.client.Del(r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("presence remove %s: %w", sessionID, err)
	}
	return nil
}

func (r *redisRepo) Lookup(_ context.Context, sessionID string) (*Entry, error) {
	data, err := r.client.Get(r.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence lookup %s: %w", sessionID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("presence entry %s: %w", sessionID, err)
	}
	return &e, nil
}

func (r *redisRepo) Ping(_ context.Context) error {
	return r.client.Ping().Err()
}

// NewNoopRepository is used when Redis is not configured.
func NewNoopRepository() Repository { return noopRepo{} }

type noopRepo struct{}

func (noopRepo) Register(context.Context, string, time.Duration) error { return nil }

func (noopRepo) Refresh(context.Context, []string, time.Duration) error { return nil }

func (noopRepo) Remove(context.Context, string) error { return nil }

func (noopRepo) Lookup(context.Context, string) (*Entry, error) { return nil, nil }

func (noopRepo) Ping(context.Context) error { return nil }
