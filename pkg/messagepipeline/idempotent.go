package messagepipeline

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/cache"
	"github.com/rs/zerolog"
)

// ProcessedStore remembers which message IDs have already been handled.
type ProcessedStore interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Idempotent wraps next so a message whose ID is already recorded as processed
// is reported as success without running next again. This covers the window in
// which a task completed but its acknowledgment was lost and the broker
// redelivered it. Messages without an ID always run. Store errors are logged
// and the handler runs anyway, preferring a duplicate over a lost task.
func Idempotent(store ProcessedStore, next MessageHandler, logger zerolog.Logger) MessageHandler {
	logger = logger.With().Str("component", "Idempotent").Logger()
	return func(ctx context.Context, msg Message) error {
		if msg.ID == "" {
			return next(ctx, msg)
		}
		seen, err := store.Seen(ctx, msg.ID)
		if err != nil {
			logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Processed-store lookup failed, running handler.")
		} else if seen {
			logger.Info().Str("msg_id", msg.ID).Bool("redelivered", msg.Redelivered).Msg("Message already processed, skipping handler.")
			return nil
		}

		if err := next(ctx, msg); err != nil {
			return err
		}
		if err := store.MarkProcessed(ctx, msg.ID); err != nil {
			logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Failed to record processed message.")
		}
		return nil
	}
}

// CacheProcessedStore adapts a cache keyed by message ID to a ProcessedStore.
type CacheProcessedStore struct {
	cache cache.Cache[string, time.Time]
}

// NewCacheProcessedStore creates a ProcessedStore backed by c.
func NewCacheProcessedStore(c cache.Cache[string, time.Time]) *CacheProcessedStore {
	return &CacheProcessedStore{cache: c}
}

// Seen reports whether id has been recorded.
func (s *CacheProcessedStore) Seen(ctx context.Context, id string) (bool, error) {
	_, err := s.cache.FetchFromCache(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	return false, err
}

// MarkProcessed records id with the current time.
func (s *CacheProcessedStore) MarkProcessed(ctx context.Context, id string) error {
	return s.cache.WriteToCache(ctx, id, time.Now().UTC())
}
