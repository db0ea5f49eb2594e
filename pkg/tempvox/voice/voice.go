// Package voice turns voice-state transitions into core actions: session
// tracking, spawn-triggered room creation, preference application,
// ownership transfer and empty-room deletion. No error escapes the
// handler; repeated failures for one user trigger a force resync instead.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/dispatch"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/rooms"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
	"github.com/tempvox/tempvox/pkg/tempvox/tracker"
)

// Handler processes voice-state and channel-update events.
type Handler struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	tracker  *tracker.Tracker
	prefs    *prefs.Applicator
	owners   *ownership.Manager
	rooms    *rooms.Queue
	cfg      *config.Config
	logger   *slog.Logger

	locks *dispatch.UserLocks

	mu       sync.Mutex
	failures map[string]int
}

// New creates a Handler.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, tr *tracker.Tracker,
	app *prefs.Applicator, own *ownership.Manager, rq *rooms.Queue,
	cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		cache:    ca,
		platform: plat,
		tracker:  tr,
		prefs:    app,
		owners:   own,
		rooms:    rq,
		cfg:      cfg,
		logger:   logger.With("component", "voice"),
		locks:    dispatch.NewUserLocks(),
		failures: make(map[string]int),
	}
}

// Attach registers the handler on the dispatcher families it consumes.
func (h *Handler) Attach(d *dispatch.Dispatcher) {
	d.Register(dispatch.FamilyVoiceState, func(ctx context.Context, event any) {
		if ev, ok := event.(dispatch.VoiceStateEvent); ok {
			h.HandleVoiceState(ctx, ev)
		}
	})
	d.Register(dispatch.FamilyChannelUpdate, func(ctx context.Context, event any) {
		if ev, ok := event.(dispatch.ChannelUpdateEvent); ok {
			h.HandleChannelUpdate(ctx, ev)
		}
	})
}

// HandleVoiceState classifies and executes one transition. A per-user lock
// serialises transitions for the same user so a JOIN cannot race its own
// LEAVE.
func (h *Handler) HandleVoiceState(ctx context.Context, ev dispatch.VoiceStateEvent) {
	if ev.UserID == "" || ev.GuildID != h.cfg.GuildID {
		return
	}
	if ev.FromChannelID == ev.ToChannelID {
		// Mute/deafen/video toggles arrive as same-channel updates.
		return
	}

	h.locks.Lock(ev.UserID)
	defer h.locks.Unlock(ev.UserID)

	if member, err := h.platform.Member(ctx, h.cfg.GuildID, ev.UserID); err == nil && member.Bot {
		return
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var err error
	switch {
	case ev.FromChannelID == "":
		err = h.handleJoin(ctx, ev.UserID, ev.ToChannelID, at)
	case ev.ToChannelID == "":
		err = h.handleLeave(ctx, ev.UserID, ev.FromChannelID, at)
	default:
		err = h.handleMove(ctx, ev.UserID, ev.FromChannelID, ev.ToChannelID, at)
	}
	h.noteOutcome(ctx, ev.UserID, err)
}

// HandleChannelUpdate feeds manual renames into preference capture.
func (h *Handler) HandleChannelUpdate(ctx context.Context, ev dispatch.ChannelUpdateEvent) {
	if ev.GuildID != h.cfg.GuildID {
		return
	}
	if err := h.prefs.CaptureManualRename(ctx, ev.ChannelID, ev.Name); err != nil {
		h.logger.Warn("capturing manual rename", "channel_id", ev.ChannelID, "error", err)
	}
}

func (h *Handler) handleJoin(ctx context.Context, userID, channelID string, at time.Time) error {
	if h.cfg.IsSpawnChannel(channelID) {
		member, err := h.platform.Member(ctx, h.cfg.GuildID, userID)
		if err != nil {
			return fmt.Errorf("voice: resolving spawn joiner %s: %w", userID, err)
		}
		h.rooms.Enqueue(rooms.Request{Member: member, SpawnID: channelID})
		return nil
	}

	name := h.channelName(ctx, channelID)
	if err := h.tracker.TrackJoin(ctx, userID, channelID, name, at); err != nil {
		return err
	}
	if h.cfg.IsExcludedChannel(channelID) {
		return nil
	}

	if err := h.prefs.ApplyToJoiner(ctx, channelID, userID); err != nil {
		h.logger.Warn("applying joiner preferences", "user_id", userID,
			"channel_id", channelID, "error", err)
	}

	// Auto-assign an owner to an unowned user room.
	room, err := h.store.GetChannel(ctx, channelID)
	if err == nil && room.IsUserRoom && room.OwnerID == "" {
		if err := h.owners.Sync(ctx, channelID); err != nil {
			h.logger.Warn("auto-assigning owner", "channel_id", channelID, "error", err)
		}
	}
	return nil
}

func (h *Handler) handleLeave(ctx context.Context, userID, channelID string, at time.Time) error {
	if h.cfg.IsSpawnChannel(channelID) {
		return nil
	}

	name := h.channelName(ctx, channelID)
	if err := h.tracker.TrackLeave(ctx, userID, channelID, name, at); err != nil {
		return err
	}
	if h.cfg.IsExcludedChannel(channelID) {
		return nil
	}

	h.prefs.RestoreNickname(ctx, userID, channelID)

	room, err := h.store.GetChannel(ctx, channelID)
	if err != nil || !room.IsUserRoom || !room.Active {
		return nil
	}

	members, err := h.platform.ChannelMembers(ctx, h.cfg.GuildID, channelID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			// The platform channel is already gone; align the store.
			return h.markRoomDeleted(ctx, channelID)
		}
		return fmt.Errorf("voice: listing members of %s: %w", channelID, err)
	}

	if len(members) == 0 {
		return h.deleteRoom(ctx, channelID)
	}
	if room.OwnerID == userID {
		if err := h.owners.OwnerLeft(ctx, channelID, userID); err != nil {
			return fmt.Errorf("voice: transferring ownership of %s: %w", channelID, err)
		}
	}
	return nil
}

func (h *Handler) handleMove(ctx context.Context, userID, fromID, toID string, at time.Time) error {
	leaveErr := h.handleLeave(ctx, userID, fromID, at)
	joinErr := h.handleJoin(ctx, userID, toID, at)
	if leaveErr != nil {
		return leaveErr
	}
	return joinErr
}

// deleteRoom destroys an empty user room on the platform and in state.
func (h *Handler) deleteRoom(ctx context.Context, channelID string) error {
	if err := h.platform.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return fmt.Errorf("voice: deleting empty room %s: %w", channelID, err)
	}
	return h.markRoomDeleted(ctx, channelID)
}

// markRoomDeleted clears a room's state after the platform channel is gone.
func (h *Handler) markRoomDeleted(ctx context.Context, channelID string) error {
	if err := store.Retry(ctx, h.logger, func() error {
		return h.store.DeleteChannel(ctx, channelID)
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("voice: marking room %s deleted: %w", channelID, err)
	}
	h.cache.DeleteChannelOwner(ctx, channelID)
	h.cache.DeleteCallState(ctx, channelID)
	h.cache.DeleteChannelMembers(ctx, channelID)
	h.rooms.RoomDeleted()
	h.logger.Info("user room deleted", "channel_id", channelID)
	return nil
}

// noteOutcome maintains the per-user failure counter and triggers a force
// resync when it crosses the configured threshold.
func (h *Handler) noteOutcome(ctx context.Context, userID string, err error) {
	if err == nil {
		h.mu.Lock()
		delete(h.failures, userID)
		h.mu.Unlock()
		return
	}

	h.logger.Error("voice transition failed", "user_id", userID, "error", err)

	h.mu.Lock()
	h.failures[userID]++
	n := h.failures[userID]
	if n >= h.cfg.MaxVoiceErrorsBeforeResync {
		delete(h.failures, userID)
	}
	h.mu.Unlock()

	if n >= h.cfg.MaxVoiceErrorsBeforeResync {
		h.logger.Warn("too many voice failures, forcing resync", "user_id", userID, "failures", n)
		if rerr := h.ForceResync(ctx, userID); rerr != nil {
			h.logger.Error("force resync failed", "user_id", userID, "error", rerr)
		}
	}
}

// ForceResync re-derives the user's session state from the platform's
// current view: the open session must match the channel they are actually
// in, or be closed if they are in none.
func (h *Handler) ForceResync(ctx context.Context, userID string) error {
	channels, err := h.platform.VoiceChannelsFor(ctx, h.cfg.GuildID, userID)
	if err != nil {
		return fmt.Errorf("voice: resync lookup for %s: %w", userID, err)
	}

	now := time.Now().UTC()
	open, err := h.store.OpenSessionFor(ctx, userID, h.cfg.GuildID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("voice: resync session lookup for %s: %w", userID, err)
	}

	if len(channels) == 0 {
		if open != nil {
			return h.tracker.TrackLeave(ctx, userID, open.ChannelID, open.ChannelName, now)
		}
		return nil
	}

	current := channels[0]
	if open != nil && open.ChannelID == current {
		return nil
	}
	// OpenSession closes any stray open session transactionally.
	return h.tracker.TrackJoin(ctx, userID, current, h.channelName(ctx, current), now)
}

// channelName resolves the live channel name, falling back to the stored
// row and finally to the bare ID.
func (h *Handler) channelName(ctx context.Context, channelID string) string {
	if ch, err := h.platform.Channel(ctx, channelID); err == nil && ch.Name != "" {
		return ch.Name
	}
	if room, err := h.store.GetChannel(ctx, channelID); err == nil && room.Name != "" {
		return room.Name
	}
	return channelID
}
