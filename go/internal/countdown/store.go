package countdown

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/internal/storage"
)

const (
	// KeyPrefix prefixes every live countdown record
	KeyPrefix = "countdown_"
	// FrozenPrefix prefixes frozen snapshots written on cancellation.
	// It shares KeyPrefix so bulk cleanup covers both.
	FrozenPrefix = "countdown_frozen_"
)

// Key returns the storage key of the live countdown for id
func Key(id string) string {
	return KeyPrefix + id
}

// FrozenKey returns the storage key of the frozen snapshot for id
func FrozenKey(id string) string {
	return FrozenPrefix + id
}

// Store maps countdown keys to absolute end times. Backend failures are
// logged and reported as absent; they never reach the caller.
type Store struct {
	kv    storage.KV
	clock clockwork.Clock
}

// NewStore creates a countdown store over kv
func NewStore(kv storage.KV, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{kv: kv, clock: clock}
}

// Save associates key with end, replacing any previous value
func (s *Store) Save(ctx context.Context, key string, end time.Time) {
	if err := s.kv.Set(ctx, key, end.UTC().Format(time.RFC3339Nano)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to save countdown")
	}
}

// Load returns the stored end time when it is still in the future.
// Expired or unparseable records are removed.
func (s *Store) Load(ctx context.Context, key string) (time.Time, bool) {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to load countdown")
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}

	end, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", raw).Msg("discarding corrupt countdown")
		s.Remove(ctx, key)
		return time.Time{}, false
	}

	if !end.After(s.clock.Now()) {
		s.Remove(ctx, key)
		return time.Time{}, false
	}
	return end, true
}

// Exists reports whether a record is stored for key, expired or not
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, found, err := s.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to check countdown")
		return false
	}
	return found
}

// Remove deletes key
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.kv.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to remove countdown")
	}
}

// ListKeysWithPrefix returns the stored keys starting with prefix
func (s *Store) ListKeysWithPrefix(ctx context.Context, prefix string) []string {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("failed to list countdown keys")
		return nil
	}
	return keys
}

// CleanupExcept removes every key matching one of prefixes that is not in
// keep, and returns how many were removed.
func (s *Store) CleanupExcept(ctx context.Context, prefixes []string, keep ...string) int {
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}

	seen := make(map[string]struct{})
	removed := 0
	for _, prefix := range prefixes {
		for _, key := range s.ListKeysWithPrefix(ctx, prefix) {
			if _, ok := kept[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if err := s.kv.Delete(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to clean up countdown")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Strs("prefixes", prefixes).
			Strs("kept", keep).
			Int("removed", removed).
			Msg("cleaned up stale countdowns")
	}
	return removed
}

// SaveFrozen stores the formatted remaining time shown after a cancellation
func (s *Store) SaveFrozen(ctx context.Context, id, display string) {
	if err := s.kv.Set(ctx, FrozenKey(id), display); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to save frozen countdown")
	}
}

// LoadFrozen returns the frozen snapshot for id
func (s *Store) LoadFrozen(ctx context.Context, id string) (string, bool) {
	v, found, err := s.kv.Get(ctx, FrozenKey(id))
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("failed to load frozen countdown")
		return "", false
	}
	return v, found
}

// RemoveFrozen deletes the frozen snapshot for id
func (s *Store) RemoveFrozen(ctx context.Context, id string) {
	s.Remove(ctx, FrozenKey(id))
}

// Freeze captures the remaining time of the live countdown for id, stores it
// as a frozen snapshot and deletes the live record. It reports false (and
// still deletes the record) when nothing was running.
func (s *Store) Freeze(ctx context.Context, id string) (string, bool) {
	end, ok := s.Load(ctx, Key(id))
	s.Remove(ctx, Key(id))
	if !ok {
		return "", false
	}

	display := FormatHMS(end.Sub(s.clock.Now()))
	s.SaveFrozen(ctx, id, display)

	log.Info().
		Str("id", id).
		Str("frozen_at", display).
		Msg("countdown frozen")

	return display, true
}

// LiveIDs returns the ids of live (non-frozen) countdown records
func (s *Store) LiveIDs(ctx context.Context) []string {
	var ids []string
	for _, key := range s.ListKeysWithPrefix(ctx, KeyPrefix) {
		if strings.HasPrefix(key, FrozenPrefix) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, KeyPrefix))
	}
	return ids
}
