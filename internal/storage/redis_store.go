package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/qmuter-tracking/internal/models"
)

const (
	retiredKey       = "tracking:retired"
	maxTxRetries     = 10
	maxNotifications = 500
)

// RedisStore keeps sessions as JSON documents. Each user has a set of trip
// ids, and retired trips are indexed in a sorted set scored by updatedAt.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func NewRedisStoreFromClient(c *redis.Client) *RedisStore { return &RedisStore{client: c} }

func sessionKey(id string) string      { return "tracking:session:" + id }
func userKey(id string) string         { return "tracking:user:" + id }
func notificationKey(id string) string { return "notifications:" + id }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

// Create writes the session and its user index entries in one MULTI. A
// failed index write removes the session again so a retry can succeed.
func (r *RedisStore) Create(ctx context.Context, s *models.TrackingSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := sessionKey(s.TripID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrAlreadyExists
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, b, 0)
				p.SAdd(ctx, userKey(s.DriverID), s.TripID)
				p.SAdd(ctx, userKey(s.RiderID), s.TripID)
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err == nil, errors.Is(err, ErrAlreadyExists):
			return err
		default:
			r.undoCreate(context.WithoutCancel(ctx), s)
			return err
		}
	}
	return fmt.Errorf("create %s: gave up after %d conflicting writes", s.TripID, maxTxRetries)
}

func (r *RedisStore) undoCreate(ctx context.Context, s *models.TrackingSession) {
	_, _ = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(s.TripID))
		p.SRem(ctx, userKey(s.DriverID), s.TripID)
		p.SRem(ctx, userKey(s.RiderID), s.TripID)
		return nil
	})
}

func (r *RedisStore) Get(ctx context.Context, tripID string) (*models.TrackingSession, error) {
	b, err := r.client.Get(ctx, sessionKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(b)
}

func (r *RedisStore) Update(ctx context.Context, tripID string, fn func(*models.TrackingSession) error) (*models.TrackingSession, error) {
	key := sessionKey(tripID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var out *models.TrackingSession
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			b, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			s, err := decodeSession(b)
			if err != nil {
				return err
			}
			if err := fn(s); err != nil {
				return err
			}
			nb, err := json.Marshal(s)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, nb, 0)
				if !s.Status.Active() {
					p.ZAdd(ctx, retiredKey, redis.Z{Score: float64(s.UpdatedAt.UnixMilli()), Member: s.TripID})
				}
				return nil
			})
			if err == nil {
				out = s
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update %s: gave up after %d conflicting writes", tripID, maxTxRetries)
}

func (r *RedisStore) ListActiveByUser(ctx context.Context, userID string) ([]*models.TrackingSession, error) {
	ids, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []*models.TrackingSession
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		if s.Status.Active() && s.HasParty(userID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *RedisStore) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, retiredKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.ZRem(ctx, retiredKey, id)
			continue
		}
		if err != nil {
			return n, err
		}
		if s.Status.Active() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, sessionKey(id))
			p.SRem(ctx, userKey(s.DriverID), id)
			p.SRem(ctx, userKey(s.RiderID), id)
			p.ZRem(ctx, retiredKey, id)
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *RedisStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, notificationKey(n.UserID), b)
		p.LTrim(ctx, notificationKey(n.UserID), 0, maxNotifications-1)
		return nil
	})
	return err
}

func (r *RedisStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > maxNotifications {
		limit = maxNotifications
	}
	vals, err := r.client.LRange(ctx, notificationKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Notification, 0, len(vals))
	for _, v := range vals {
		var n models.Notification
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

func decodeSession(b []byte) (*models.TrackingSession, error) {
	var s models.TrackingSession
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
