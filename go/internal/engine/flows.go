package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/queuesync/go/clients/chargeapi"
	"github.com/evcharge/queuesync/go/internal/channel"
	"github.com/evcharge/queuesync/go/internal/countdown"
	"github.com/evcharge/queuesync/go/internal/queue"
)

// JoinQueue books postID or joins its waitlist. Busy and failure outcomes
// are returned without touching local state.
func (e *Engine) JoinQueue(ctx context.Context, postID, carID string) (chargeapi.BookingResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	res, err := e.api.CreateBooking(ctx, e.cfg.UserID, postID, carID)
	if err != nil {
		return res, fmt.Errorf("join queue: %w", err)
	}
	if res.Outcome != chargeapi.OutcomeSuccess {
		log.Info().
			Str("post_id", postID).
			Str("outcome", string(res.Outcome)).
			Str("reason", res.Reason).
			Msg("booking not accepted")
		return res, nil
	}

	entry := &Entry{ActionID: res.ActionID, PostID: postID, Status: res.Status}
	rank := 0
	if res.Rank != nil {
		rank = *res.Rank
	}

	e.switchFeed(entry)
	e.ranks.SaveActionID(ctx, entry.ActionID)
	e.reconciler.SetInitial(ctx, rank, postID)
	e.writeDriverStatus(ctx, string(entry.Status))

	e.setEntry(entry)
	e.startCountdown(countdown.Params{
		ID:              entry.ActionID,
		Minutes:         e.countdownMinutes(entry.Status, res.EndTime),
		Enabled:         true,
		ExplicitEndTime: res.EndTime,
	})
	if entry.Status == chargeapi.StatusWaiting {
		e.openFeed(entry)
	}

	log.Info().
		Str("action_id", entry.ActionID).
		Str("post_id", postID).
		Str("status", string(entry.Status)).
		Int("rank", rank).
		Msg("joined queue")
	e.emitState()
	return res, nil
}

// Cancel cancels the current booking or waitlist entry, freezing any running
// countdown and clearing the persisted rank.
func (e *Engine) Cancel(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	entry := e.entry
	params := e.params
	e.mu.Unlock()
	if entry == nil {
		return ErrNoActiveEntry
	}

	var err error
	if entry.Status == chargeapi.StatusWaiting {
		err = e.api.CancelWaitlist(ctx, entry.ActionID)
	} else {
		err = e.api.CancelBooking(ctx, entry.ActionID)
	}
	if err != nil && !errors.Is(err, chargeapi.ErrNotFound) {
		return fmt.Errorf("cancel %s: %w", entry.ActionID, err)
	}

	e.ticker.Deactivate()
	frozen, wasRunning := e.countdowns.Freeze(ctx, entry.ActionID)
	if wasRunning && params.Enabled {
		// shows the frozen value with status cancelled
		e.ticker.Activate(e.ctx, params)
	}

	e.closeFeed()
	e.reconciler.Clear(ctx)
	e.writeDriverStatus(ctx, "")
	e.setEntry(nil)

	log.Info().
		Str("action_id", entry.ActionID).
		Str("frozen_at", frozen).
		Msg("entry cancelled")
	e.emitState()
	return nil
}

// Restore resumes persisted state after a restart: rank bridge, countdown,
// live feed, then an authoritative waitlist refresh.
func (e *Engine) Restore(ctx context.Context) error {
	e.opMu.Lock()
	p := e.ranks.Load(ctx)
	e.reconciler.SeedPersisted(p)

	driver := e.driverStatus(ctx)
	if p.ActionID != "" {
		status := chargeapi.EntryStatus(driver)
		if status != chargeapi.StatusBooking && status != chargeapi.StatusWaiting {
			status = chargeapi.StatusWaiting
		}
		entry := &Entry{ActionID: p.ActionID, PostID: p.ResourceID, Status: status}
		e.setEntry(entry)

		if end, ok := e.countdowns.Load(ctx, countdown.Key(p.ActionID)); ok {
			minutes := int(math.Ceil(end.Sub(e.clock.Now()).Minutes()))
			e.startCountdown(countdown.Params{ID: p.ActionID, Minutes: max(minutes, 1), Enabled: true})
		}
		if status == chargeapi.StatusWaiting {
			e.openFeed(entry)
		}

		log.Info().
			Str("action_id", p.ActionID).
			Str("post_id", p.ResourceID).
			Int("rank", p.Rank).
			Msg("restored queue entry")
	}
	e.opMu.Unlock()

	e.emitState()
	return e.Refresh(ctx)
}

// Refresh fetches the waitlist and applies it. A pending result (transport
// error or null) leaves persisted state untouched. Confirmed bookings are
// not on the waitlist and are skipped.
func (e *Engine) Refresh(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	entry := e.entry
	e.mu.Unlock()
	if entry != nil && entry.Status == chargeapi.StatusBooking {
		return nil
	}

	res, err := e.api.WaitingListByUser(ctx, e.cfg.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("waiting list fetch failed, keeping local state")
	}

	actionID := ""
	if entry != nil {
		actionID = entry.ActionID
	}
	entries := make([]queue.Entry, 0, len(res.Entries))
	for _, w := range res.Entries {
		entries = append(entries, queue.Entry{ActionID: w.ID, ResourceID: w.PostID, Rank: w.Rank})
	}

	// an entry made elsewhere (another agent or the web app) is adopted
	var adopted *Entry
	if entry == nil && res.Loaded {
		if row, ok := queue.MatchEntry(entries, ""); ok && row.ActionID != "" && row.ResourceID != "" {
			adopted = &Entry{ActionID: row.ActionID, PostID: row.ResourceID, Status: chargeapi.StatusWaiting}
			actionID = adopted.ActionID
			e.ranks.SaveActionID(ctx, adopted.ActionID)
			e.writeDriverStatus(ctx, DriverWaiting)
			e.setEntry(adopted)
		}
	}

	if cleared := e.reconciler.ApplyWaitlist(ctx, res.Loaded, entries, actionID); cleared && entry != nil {
		e.closeFeed()
		e.writeDriverStatus(ctx, "")
		e.setEntry(nil)
		log.Info().Str("action_id", entry.ActionID).Msg("waitlist entry no longer exists")
	}
	if adopted != nil {
		e.openFeed(adopted)
		log.Info().
			Str("action_id", adopted.ActionID).
			Str("post_id", adopted.PostID).
			Msg("adopted waitlist entry")
	}
	e.emitState()

	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

func (e *Engine) countdownMinutes(status chargeapi.EntryStatus, explicitEnd string) int {
	if end, ok := countdown.ParseEndTime(explicitEnd); ok {
		if m := int(math.Ceil(end.Sub(e.clock.Now()).Minutes())); m > 0 {
			return m
		}
		return 0
	}
	if status == chargeapi.StatusBooking {
		return e.cfg.BookingHoldMinutes
	}
	// waiting entries get a countdown only once the server declares an end time
	return 0
}

func (e *Engine) startCountdown(p countdown.Params) {
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()

	if p.Minutes <= 0 {
		// nothing to show yet; still drop countdowns of earlier entries
		e.ticker.Deactivate()
		e.countdowns.CleanupExcept(e.ctx, []string{countdown.KeyPrefix}, countdown.Key(p.ID), countdown.FrozenKey(p.ID))
		e.mu.Lock()
		e.lastTick = countdown.Snapshot{ID: p.ID, Status: countdown.StatusIdle}
		e.mu.Unlock()
		return
	}
	e.ticker.Activate(e.ctx, p)
}

func (e *Engine) setEntry(entry *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entry = entry
	if entry == nil {
		e.params.Enabled = false
	}
}

// switchFeed closes the current feed when the new entry is for another post
func (e *Engine) switchFeed(next *Entry) {
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub != nil && (next == nil || sub.ResourceID != next.PostID || next.Status != chargeapi.StatusWaiting) {
		e.closeFeed()
	}
}

func (e *Engine) openFeed(entry *Entry) {
	e.mu.Lock()
	existing := e.sub
	e.mu.Unlock()
	if existing != nil && existing.ResourceID == entry.PostID {
		return
	}
	e.closeFeed()

	sub, err := e.feed.Subscribe(e.ctx, e.cfg.UserID, entry.PostID, nil, e.onNotification)
	if err != nil {
		log.Warn().Err(err).Str("post_id", entry.PostID).Msg("position feed not opened")
		return
	}

	e.mu.Lock()
	e.sub = sub
	// state changes before this point were dropped by onFeedState
	e.feedState = sub.State()
	e.mu.Unlock()
}

func (e *Engine) closeFeed() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.feedState = channel.StateDisconnected
	e.mu.Unlock()
	e.feed.Unsubscribe(sub)
}
