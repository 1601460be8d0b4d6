package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-booking/internal/apperrors"
	"github.com/example/carpool-booking/internal/models"
)

const (
	redisAttempts = 3
	redisBackoff  = 200 * time.Millisecond
)

// RedisStore keeps one hash per user under presence:<user_id>. Writes
// retry with doubling backoff before surfacing a transient error.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func presenceKey(userID string) string { return "presence:" + userID }

func (r *RedisStore) Set(ctx context.Context, rec models.PresenceRecord) error {
	values := map[string]interface{}{
		"status":    string(rec.Status),
		"last_seen": rec.LastSeen.Format(time.RFC3339Nano),
	}
	delay := redisBackoff
	var err error
	for i := 0; i < redisAttempts; i++ {
		if err = r.client.HSet(ctx, presenceKey(rec.UserID), values).Err(); err == nil {
			return nil
		}
		if i == redisAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return apperrors.Transient(err, "presence write for %s", rec.UserID)
}

func (r *RedisStore) Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	m, err := r.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return models.PresenceRecord{}, false, apperrors.Transient(err, "presence read for %s", userID)
	}
	if len(m) == 0 {
		return models.PresenceRecord{}, false, nil
	}
	rec := models.PresenceRecord{UserID: userID, Status: models.Availability(m["status"])}
	if v, ok := m["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.LastSeen = ts
		}
	}
	return rec, true, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
