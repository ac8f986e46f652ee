package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"geoattest/internal/checks"
)

// HistoryStore is the full history contract used by the verifier.
type HistoryStore interface {
	checks.HistoryReader
	AppendHistory(ctx context.Context, entry *checks.HistoryEntry) error
}

// CachedHistory fronts a HistoryStore with a Redis copy of each subject's
// latest entry. The backing store stays authoritative; cache errors fall
// through to it.
type CachedHistory struct {
	next   HistoryStore
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCachedHistory wraps next. ttl defaults to one hour.
func NewCachedHistory(next HistoryStore, client redis.UniversalClient, ttl time.Duration) *CachedHistory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedHistory{next: next, client: client, ttl: ttl}
}

func latestKey(subjectID string) string {
	return "history:latest:" + subjectID
}

// AppendHistory writes through to the backing store, then refreshes the cache.
func (c *CachedHistory) AppendHistory(ctx context.Context, entry *checks.HistoryEntry) error {
	if err := c.next.AppendHistory(ctx, entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	if err := c.client.Set(ctx, latestKey(entry.Sample.SubjectID), data, c.ttl).Err(); err != nil {
		// A stale latest entry would skew the speed check, so drop it.
		c.client.Del(ctx, latestKey(entry.Sample.SubjectID))
	}
	return nil
}

// LatestHistory serves from the cache when possible.
func (c *CachedHistory) LatestHistory(ctx context.Context, subjectID string) (*checks.HistoryEntry, error) {
	value, err := c.client.Get(ctx, latestKey(subjectID)).Result()
	if err == nil {
		var e checks.HistoryEntry
		if json.Unmarshal([]byte(value), &e) == nil {
			return &e, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return c.next.LatestHistory(ctx, subjectID)
	}

	e, err := c.next.LatestHistory(ctx, subjectID)
	if err != nil || e == nil {
		return e, err
	}
	if data, err := json.Marshal(e); err == nil {
		c.client.Set(ctx, latestKey(subjectID), data, c.ttl)
	}
	return e, nil
}

// RecentHistory always reads the backing store.
func (c *CachedHistory) RecentHistory(ctx context.Context, subjectID string, limit int) ([]checks.HistoryEntry, error) {
	return c.next.RecentHistory(ctx, subjectID, limit)
}
