// Package redisstore backs the remote document store with Redis: one JSON
// value per document, a per-collection id set for queries, and keyspace
// pub/sub for live updates.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/haulware/docsync/internal/remote"
	"go.uber.org/zap"
)

const keyPrefix = "docsync"

// StoreConfig configures the Redis-backed store.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *zap.Logger
}

// Store implements remote.Store on top of a Redis instance.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisstore: address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, remote.NewStoreError(remote.CodeUnavailable, "redis ping failed", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func documentKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, collection, id)
}

func collectionKey(collection string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, collection)
}

func eventsChannel(collection string) string {
	return fmt.Sprintf("%s:events:%s", keyPrefix, collection)
}

func (s *Store) GetDoc(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	raw, err := s.client.Get(ctx, documentKey(collection, id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, remote.NewStoreError(remote.CodeUnavailable, "redis get failed", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, false, remote.NewStoreError(remote.CodeInternal, "stored document is not valid JSON", err)
	}
	return fields, true, nil
}

func (s *Store) SetDoc(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	payload := fields
	if merge {
		existing, exists, err := s.GetDoc(ctx, collection, id)
		if err != nil {
			return err
		}
		if exists {
			merged := make(map[string]any, len(existing)+len(fields))
			for name, value := range existing {
				merged[name] = value
			}
			for name, value := range fields {
				merged[name] = value
			}
			payload = merged
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return remote.NewStoreError(remote.CodeInternal, "document marshal failed", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, documentKey(collection, id), raw, 0)
	pipe.SAdd(ctx, collectionKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return remote.NewStoreError(remote.CodeUnavailable, "redis write failed", err)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *Store) DeleteDoc(ctx context.Context, collection, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, documentKey(collection, id))
	pipe.SRem(ctx, collectionKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return remote.NewStoreError(remote.CodeUnavailable, "redis delete failed", err)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *Store) GetDocs(ctx context.Context, collection string, filters []remote.Filter, limit int) ([]remote.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, remote.NewStoreError(remote.CodeUnavailable, "redis members lookup failed", err)
	}
	sort.Strings(ids)

	snapshots := make([]remote.Snapshot, 0, len(ids))
	for _, id := range ids {
		fields, exists, err := s.GetDoc(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			// Stale set member; the document itself is gone.
			continue
		}
		if !remote.MatchesFilters(fields, filters) {
			continue
		}
		snapshots = append(snapshots, remote.Snapshot{ID: id, Fields: fields})
		if limit > 0 && len(snapshots) >= limit {
			break
		}
	}
	return snapshots, nil
}

// Watch subscribes to the collection's event channel and re-queries on every
// event. The initial matching set is delivered before Watch returns.
func (s *Store) Watch(ctx context.Context, collection string, filters []remote.Filter, onNext func([]remote.Snapshot), onError func(error)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, eventsChannel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, remote.NewStoreError(remote.CodeUnavailable, "redis subscribe failed", err)
	}

	initial, err := s.GetDocs(ctx, collection, filters, 0)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	onNext(initial)

	watchCtx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		events := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				snapshots, err := s.GetDocs(watchCtx, collection, filters, 0)
				if err != nil {
					onError(err)
					continue
				}
				onNext(snapshots)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			if err := pubsub.Close(); err != nil {
				s.logger.Warn("pubsub close failed",
					zap.String("collection", collection),
					zap.Error(err))
			}
		})
	}
	return cancel, nil
}

func (s *Store) publish(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, eventsChannel(collection), "changed").Err(); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("collection", collection),
			zap.Error(err))
	}
}
