package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Andrejs1979/cloud-code/internal/model"
)

const (
	sessionKeyPrefix    = "session:"
	sessionCancelPrefix = "session:cancel:"
	recentSessionsKey   = "sessions:recent"

	// maxUpdateRetries bounds optimistic-lock retries on a contended record.
	maxUpdateRetries = 5
)

// ErrConflict is returned when a record kept changing under Update.
var ErrConflict = errors.New("concurrent modification")

type sessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSessionStore keeps records for ttl after their last update.
func NewSessionStore(client redis.UniversalClient, ttl time.Duration) SessionStore {
	return &sessionStore{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func CancelChannel(id string) string {
	return sessionCancelPrefix + id
}

func (s *sessionStore) Create(ctx context.Context, rec *model.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(rec.ID), data, s.ttl)
		pipe.ZAdd(ctx, recentSessionsKey, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: rec.ID})
		// Drop index entries whose records can no longer be alive.
		pipe.ZRemRangeByScore(ctx, recentSessionsKey, "-inf", "("+strconv.FormatInt(rec.CreatedAt.Add(-s.ttl).UnixMilli(), 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return decodeSession(data)
}

func (s *sessionStore) Update(ctx context.Context, id string, fn func(*model.SessionRecord) error) (*model.SessionRecord, error) {
	key := sessionKey(id)
	var updated *model.SessionRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		rec, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating session %s: %w", id, ErrConflict)
}

func (s *sessionStore) ListRecent(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRevRange(ctx, recentSessionsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if len(ids) == 0 {
		return []model.SessionRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	records := make([]model.SessionRecord, 0, len(values))
	var expired []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		rec, err := decodeSession([]byte(str))
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}

	if len(expired) > 0 {
		_ = s.client.ZRem(ctx, recentSessionsKey, expired...).Err()
	}
	return records, nil
}

func (s *sessionStore) PublishCancel(ctx context.Context, id string) error {
	if err := s.client.Publish(ctx, CancelChannel(id), "cancel").Err(); err != nil {
		return fmt.Errorf("publishing cancel for %s: %w", id, err)
	}
	return nil
}

type cancelSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (c *cancelSubscription) Done() <-chan struct{} {
	return c.done
}

func (c *cancelSubscription) Close() error {
	return c.pubsub.Close()
}

func (s *sessionStore) SubscribeCancel(ctx context.Context, id string) (CancelSignal, error) {
	pubsub := s.client.Subscribe(ctx, CancelChannel(id))

	// Wait for the subscription to be confirmed so a cancel published right
	// after this returns is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to cancel for %s: %w", id, err)
	}

	sub := &cancelSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		if _, ok := <-pubsub.Channel(); ok {
			close(sub.done)
		}
	}()
	return sub, nil
}

func decodeSession(data []byte) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &rec, nil
}
