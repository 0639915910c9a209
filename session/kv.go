package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// SessionsBucket is the default KV bucket for resume entries.
const SessionsBucket = "MISSION_SESSIONS"

// DefaultTTL expires entries for missions nobody has followed in a week.
const DefaultTTL = 7 * 24 * time.Hour

// KVStore is a Store backed by a NATS JetStream key-value bucket, so several
// CLI invocations on different hosts share resume points.
type KVStore struct {
	nc     *natsclient.Client
	bucket jetstream.KeyValue
}

// NewKVStore opens or creates the bucket. An empty name selects SessionsBucket
// and a zero ttl selects DefaultTTL.
func NewKVStore(ctx context.Context, nc *natsclient.Client, bucketName string, ttl time.Duration) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	if bucketName == "" {
		bucketName = SessionsBucket
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Mission stream resume points",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &KVStore{nc: nc, bucket: bucket}, nil
}

// Get retrieves the entry for missionID.
func (s *KVStore) Get(ctx context.Context, missionID string) (*Entry, error) {
	entry, err := s.bucket.Get(ctx, missionID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &e, nil
}

// Put saves e under its mission ID.
func (s *KVStore) Put(ctx context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := s.bucket.Put(ctx, e.MissionID, data); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Delete removes the entry for missionID.
func (s *KVStore) Delete(ctx context.Context, missionID string) error {
	if err := s.bucket.Delete(ctx, missionID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns every cached entry. Entries that fail to decode are skipped.
func (s *KVStore) List(ctx context.Context) ([]*Entry, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		e, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
