// Package tracker opens and closes voice-session rows. It is the only
// caller of the store's session mutations during live event handling and
// keeps the per-channel member set in the cache aligned with the rows it
// writes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// Tracker records user presence in voice rooms.
type Tracker struct {
	store  *store.Store
	cache  *cache.Cache
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Tracker. The cache may be nil in tests that only care
// about store rows.
func New(st *store.Store, ca *cache.Cache, cfg *config.Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		cache:  ca,
		cfg:    cfg,
		logger: logger.With("component", "tracker"),
	}
}

// Tracked reports whether presence in the channel is recorded at all.
// Spawn channels and AFK channels are skipped entirely; read-only rooms
// are tracked like any other.
func (t *Tracker) Tracked(channelID, channelName string) bool {
	if t.cfg.IsSpawnChannel(channelID) {
		return false
	}
	if t.cfg.IsAFKChannel(channelID, channelName) {
		return false
	}
	return true
}

// TrackJoin opens a session for the user in the channel. An existing open
// session in another channel is closed first inside the store transaction.
// A conflict means a concurrent handler already opened the same session;
// that is a success for the caller.
func (t *Tracker) TrackJoin(ctx context.Context, userID, channelID, channelName string, at time.Time) error {
	if !t.Tracked(channelID, channelName) {
		return nil
	}
	if userID == "" || channelID == "" {
		return fmt.Errorf("tracker: join with missing ids (user=%q channel=%q)", userID, channelID)
	}

	err := store.Retry(ctx, t.logger, func() error {
		return t.store.OpenSession(ctx, userID, t.cfg.GuildID, channelID, channelName, at)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		t.logger.Debug("session already open", "user_id", userID, "channel_id", channelID)
	default:
		return fmt.Errorf("tracker: open session for %s in %s: %w", userID, channelID, err)
	}

	if t.cache != nil {
		t.cache.AddChannelMember(ctx, channelID, userID, at)
	}
	return nil
}

// TrackLeave closes the user's session in the channel. Closing an already
// closed session is a no-op.
func (t *Tracker) TrackLeave(ctx context.Context, userID, channelID, channelName string, at time.Time) error {
	if !t.Tracked(channelID, channelName) {
		return nil
	}
	if userID == "" || channelID == "" {
		return fmt.Errorf("tracker: leave with missing ids (user=%q channel=%q)", userID, channelID)
	}

	err := store.Retry(ctx, t.logger, func() error {
		return t.store.CloseSession(ctx, userID, channelID, at)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("tracker: close session for %s in %s: %w", userID, channelID, err)
	}

	if t.cache != nil {
		t.cache.RemoveChannelMember(ctx, channelID, userID)
	}
	return nil
}

// TrackMove closes the session in the old channel and opens one in the new
// channel at the same instant. OpenSession also closes any straggler open
// session transactionally, so a failed close here cannot violate the
// single-active invariant.
func (t *Tracker) TrackMove(ctx context.Context, userID, fromChannelID, fromName, toChannelID, toName string, at time.Time) error {
	if err := t.TrackLeave(ctx, userID, fromChannelID, fromName, at); err != nil {
		t.logger.Warn("move: closing previous session failed", "user_id", userID,
			"channel_id", fromChannelID, "error", err)
	}
	return t.TrackJoin(ctx, userID, toChannelID, toName, at)
}
