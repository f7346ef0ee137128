package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/internal/storage"
)

// Persisted rank layout
const (
	KeyInitialRank = "initialQueueRank"
	KeyPostID      = "queuePostId"
	KeyActionID    = "queueActionId"
)

// Source tells where the displayed rank came from
type Source string

const (
	SourceUnknown    Source = "unknown"
	SourcePersisted  Source = "persisted"
	SourceInitialAPI Source = "initial_api"
	SourceLiveFeed   Source = "live_feed"
)

// RankState is what the UI should show right now. Rank is 0 when unknown.
type RankState struct {
	Rank       int       `json:"rank,omitempty"`
	Source     Source    `json:"source"`
	ResourceID string    `json:"resource_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Known reports whether a positive rank is available
func (s RankState) Known() bool {
	return s.Rank > 0 && s.Source != SourceUnknown
}

// Display renders the rank the way the queue card shows it
func (s RankState) Display() string {
	if !s.Known() {
		return "calculating…"
	}
	return strconv.Itoa(s.Rank)
}

// Persisted is the rank bookkeeping that survives a restart
type Persisted struct {
	Rank       int
	ResourceID string
	ActionID   string
}

// RankStore persists the last known rank next to the countdown records.
// Like the countdown store it logs and swallows backend failures.
type RankStore struct {
	kv storage.KV
}

func NewRankStore(kv storage.KV) *RankStore {
	return &RankStore{kv: kv}
}

// SaveRank persists rank together with the resource it belongs to
func (s *RankStore) SaveRank(ctx context.Context, rank int, resourceID string) {
	if rank > 0 {
		s.set(ctx, KeyInitialRank, strconv.Itoa(rank))
	}
	if resourceID != "" {
		s.set(ctx, KeyPostID, resourceID)
	}
}

// SaveActionID persists the booking/waitlist action id of the current entry
func (s *RankStore) SaveActionID(ctx context.Context, actionID string) {
	if actionID != "" {
		s.set(ctx, KeyActionID, actionID)
	}
}

// Load reads whatever is persisted; missing or corrupt values are zero
func (s *RankStore) Load(ctx context.Context) Persisted {
	var p Persisted
	if raw, ok := s.get(ctx, KeyInitialRank); ok {
		rank, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || rank <= 0 {
			log.Warn().Str("key", KeyInitialRank).Str("value", raw).Msg("ignoring corrupt persisted rank")
		} else {
			p.Rank = rank
		}
	}
	p.ResourceID, _ = s.get(ctx, KeyPostID)
	p.ActionID, _ = s.get(ctx, KeyActionID)
	return p
}

// Clear removes the persisted rank, resource and action id
func (s *RankStore) Clear(ctx context.Context) {
	for _, key := range []string{KeyInitialRank, KeyPostID, KeyActionID} {
		if err := s.kv.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to clear persisted rank")
		}
	}
}

func (s *RankStore) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to read persisted rank")
		return "", false
	}
	return v, ok
}

func (s *RankStore) set(ctx context.Context, key, value string) {
	if err := s.kv.Set(ctx, key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to persist rank")
	}
}
