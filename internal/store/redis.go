package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/browsergrid/browsergrid/internal/fault"
	"github.com/browsergrid/browsergrid/pkg/models"
)

const (
	sessionPrefix = "session:"
	workerPrefix  = "session:worker:"
	metaPrefix    = "session:meta:"
	activeSetKey  = "sessions:active"

	// txRetries bounds optimistic-lock retries on concurrent updates.
	txRetries = 5
)

// RedisStore backs the session store with Redis. The record, its worker
// index and its metadata index keys share one TTL set at creation, so
// expiry removes everything without a sweep.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at the given URL and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string { return sessionPrefix + id }
func workerKey(ref string) string { return workerPrefix + ref }
func metaKey(k, v string) string  { return metaPrefix + k + ":" + v }

func (r *RedisStore) Create(ctx context.Context, session *models.Session, ttl time.Duration) (*models.Session, error) {
	rec := session.Clone()
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, sessionKey(rec.SessionID), data, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return nil, fault.New(fault.Conflict, rec.SessionID, "session already exists")
	}

	pipe := r.client.TxPipeline()
	if rec.WorkerRef != "" {
		pipe.Set(ctx, workerKey(rec.WorkerRef), rec.SessionID, ttl)
	}
	for k, v := range rec.Metadata {
		pipe.SAdd(ctx, metaKey(k, v), rec.SessionID)
		pipe.Expire(ctx, metaKey(k, v), ttl)
	}
	pipe.SAdd(ctx, activeSetKey, rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to index session: %w", err)
	}
	return rec, nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.NotFound, sessionID, "session not found")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) GetByWorkerRef(ctx context.Context, workerRef string) (*models.Session, error) {
	sessionID, err := r.client.Get(ctx, workerKey(workerRef)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.NotFound, "", "no session bound to worker %s", workerRef)
		}
		return nil, fmt.Errorf("failed to resolve worker index: %w", err)
	}
	return r.Get(ctx, sessionID)
}

// Update applies a partial merge under an optimistic WATCH transaction so
// concurrent writers never interleave a read-modify-write.
func (r *RedisStore) Update(ctx context.Context, sessionID string, update models.SessionUpdate) (*models.Session, error) {
	key := sessionKey(sessionID)
	var result *models.Session

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fault.New(fault.NotFound, sessionID, "session not found")
			}
			return err
		}

		var current models.Session
		if err := json.Unmarshal([]byte(data), &current); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		if update.Status != nil && !models.CanTransition(current.Status, *update.Status) {
			return fault.New(fault.Conflict, sessionID,
				"illegal transition %s -> %s", current.Status, *update.Status)
		}

		next := applyUpdate(&current, update)
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			if current.WorkerRef != next.WorkerRef {
				if current.WorkerRef != "" {
					pipe.Del(ctx, workerKey(current.WorkerRef))
				}
				if next.WorkerRef != "" {
					pipe.Set(ctx, workerKey(next.WorkerRef), sessionID, ttl)
				}
			}
			for k, v := range update.Metadata {
				if old, ok := current.Metadata[k]; ok && old != v {
					pipe.SRem(ctx, metaKey(k, old), sessionID)
				}
				pipe.SAdd(ctx, metaKey(k, v), sessionID)
				pipe.Expire(ctx, metaKey(k, v), ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fault.New(fault.Conflict, sessionID, "too many concurrent updates")
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	if s.WorkerRef != "" {
		pipe.Del(ctx, workerKey(s.WorkerRef))
	}
	for k, v := range s.Metadata {
		pipe.SRem(ctx, metaKey(k, v), sessionID)
	}
	pipe.SRem(ctx, activeSetKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active set: %w", err)
	}

	var out []*models.Session
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				// Expired record; prune the stale set member.
				r.client.SRem(ctx, activeSetKey, id)
				continue
			}
			return nil, err
		}
		if !s.Status.Active() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) ListByMetadata(ctx context.Context, key, value string) ([]*models.Session, error) {
	ids, err := r.client.SMembers(ctx, metaKey(key, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata index: %w", err)
	}

	var out []*models.Session
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				r.client.SRem(ctx, metaKey(key, value), id)
				continue
			}
			return nil, err
		}
		if s.Metadata[key] != value {
			// A later update moved the session to another value; prune
			// the stale index member.
			r.client.SRem(ctx, metaKey(key, value), id)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) SweepStale(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error) {
	sessions, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-heartbeatTimeout)
	lost := models.StatusLost

	var swept []string
	for _, s := range sessions {
		if s.Status != models.StatusRunning {
			continue
		}
		if s.LastHeartbeatAt.IsZero() || s.LastHeartbeatAt.After(cutoff) {
			continue
		}
		if _, err := r.Update(ctx, s.SessionID, models.SessionUpdate{Status: &lost}); err != nil {
			// Lost a race with another writer; skip rather than fail the sweep.
			if fault.Is(err, fault.Conflict) || fault.Is(err, fault.NotFound) {
				continue
			}
			return swept, err
		}
		swept = append(swept, s.SessionID)
	}
	return swept, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
