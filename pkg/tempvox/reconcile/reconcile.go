// Package reconcile periodically re-aligns stored state with the
// platform's current view: channel rows, missing and orphaned sessions,
// duplicate open sessions, member-count drift and ownership. The platform
// gateway drops events; the reconciler is the authority that repairs the
// resulting drift.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// knownBadKeys are cache keys that older deployments corrupted with
// string-coerced junk. They are force-deleted once at startup.
var knownBadKeys = []string{
	"channel_owner:undefined",
	"channel_owner:null",
	"user_prefs:undefined:undefined",
	"call_state:undefined",
	"channel_members:undefined",
}

// Stats summarises one reconciliation pass.
type Stats struct {
	ChannelsSeen    int
	SessionsOpened  int
	SessionsClosed  int
	DuplicatesFixed int
	OwnersRepaired  int
}

// Reconciler runs the periodic drift-repair pass.
type Reconciler struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	owners   *ownership.Manager
	cfg      *config.Config
	logger   *slog.Logger

	group singleflight.Group
	cron  *cron.Cron
}

// New creates a Reconciler.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, own *ownership.Manager, cfg *config.Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    st,
		cache:    ca,
		platform: plat,
		owners:   own,
		cfg:      cfg,
		logger:   logger.With("component", "reconcile"),
	}
}

// Start schedules the periodic pass.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", r.cfg.ReconcilePeriodS)
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Run(ctx); err != nil {
			r.logger.Error("reconciliation pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reconcile: scheduling %q: %w", spec, err)
	}
	r.cron.Start()
	r.logger.Info("reconciler scheduled", "every", r.cfg.ReconcilePeriod())
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Startup runs the boot sequence: purge malformed cache entries, drop the
// known-bad keys, clean duplicate open sessions across the realm, then run
// one full pass. Errors here are fatal to startup.
func (r *Reconciler) Startup(ctx context.Context) error {
	purged, err := r.cache.PurgeMalformed(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: startup cache sweep: %w", err)
	}
	if purged > 0 {
		r.logger.Info("purged malformed cache entries", "count", purged)
	}
	r.cache.ForceDelete(ctx, knownBadKeys)

	fixed, err := r.store.CloseDuplicateSessions(ctx, r.cfg.GuildID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reconcile: startup duplicate cleanup: %w", err)
	}
	if fixed > 0 {
		r.logger.Info("closed duplicate sessions", "count", fixed)
	}

	if _, err := r.Run(ctx); err != nil {
		return fmt.Errorf("reconcile: startup pass: %w", err)
	}
	return nil
}

// Run executes one pass. Concurrent calls coalesce into a single
// execution; a tick that fires while the previous pass still runs does no
// extra work.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	v, err, _ := r.group.Do("pass", func() (any, error) {
		return r.pass(ctx)
	})
	stats, _ := v.(Stats)
	return stats, err
}

func (r *Reconciler) pass(ctx context.Context) (Stats, error) {
	var stats Stats
	now := time.Now().UTC()

	channels, err := r.platform.GuildVoiceChannels(ctx, r.cfg.GuildID)
	if err != nil {
		return stats, fmt.Errorf("reconcile: listing voice channels: %w", err)
	}

	live := make(map[string]map[string]bool, len(channels))
	unknown := make(map[string]bool)
	for _, ch := range channels {
		if r.cfg.IsSpawnChannel(ch.ID) {
			continue
		}
		if r.cfg.IsAFKChannel(ch.ID, ch.Name) {
			continue
		}
		stats.ChannelsSeen++

		members, err := r.platform.ChannelMembers(ctx, r.cfg.GuildID, ch.ID)
		if err != nil {
			// Without a member list this channel's sessions cannot be
			// judged; leave them alone this pass.
			unknown[ch.ID] = true
			r.logger.Warn("listing channel members", "channel_id", ch.ID, "error", err)
			continue
		}
		humans := members[:0]
		for _, m := range members {
			if !m.Bot {
				humans = append(humans, m)
			}
		}

		present := make(map[string]bool, len(humans))
		for _, m := range humans {
			present[m.UserID] = true
		}
		live[ch.ID] = present

		r.syncChannelRow(ctx, ch, len(humans))
		stats.SessionsOpened += r.openMissing(ctx, ch, humans, now)
	}

	stats.SessionsClosed = r.closeOrphans(ctx, live, unknown, now)

	fixed, err := r.store.CloseDuplicateSessions(ctx, r.cfg.GuildID, now)
	if err != nil {
		r.logger.Warn("duplicate session cleanup", "error", err)
	}
	stats.DuplicatesFixed = fixed

	for _, ch := range channels {
		present, ok := live[ch.ID]
		if !ok {
			continue
		}
		r.repairMemberDrift(ctx, ch, present, now)
		if !r.cfg.IsExcludedChannel(ch.ID) {
			if r.syncOwnership(ctx, ch.ID, present) {
				stats.OwnersRepaired++
			}
		}
	}

	if stats.SessionsOpened > 0 || stats.SessionsClosed > 0 {
		r.logger.Info("reconciliation repaired drift",
			"opened", stats.SessionsOpened,
			"closed", stats.SessionsClosed,
			"duplicates", stats.DuplicatesFixed)
	}
	return stats, nil
}

// syncChannelRow refreshes the stored row with the live name, position and
// member count, preserving ownership and room-kind fields.
func (r *Reconciler) syncChannelRow(ctx context.Context, ch platform.ChannelInfo, memberCount int) {
	room := store.Room{ID: ch.ID, GuildID: r.cfg.GuildID}
	if existing, err := r.store.GetChannel(ctx, ch.ID); err == nil {
		room = *existing
	}
	room.Name = ch.Name
	room.Position = ch.Position
	room.MemberCount = memberCount
	room.Active = true

	if err := r.store.UpsertChannel(ctx, room); err != nil {
		r.logger.Warn("refreshing channel row", "channel_id", ch.ID, "error", err)
	}
}

// openMissing opens a session for every present member without one. The
// join time is an approximation; a conflict means a concurrent join
// handler won the race.
func (r *Reconciler) openMissing(ctx context.Context, ch platform.ChannelInfo, members []platform.MemberInfo, now time.Time) int {
	open, err := r.store.ActiveSessionsInChannel(ctx, ch.ID)
	if err != nil {
		r.logger.Warn("listing open sessions", "channel_id", ch.ID, "error", err)
		return 0
	}
	hasSession := make(map[string]bool, len(open))
	for _, u := range open {
		hasSession[u] = true
	}

	opened := 0
	for _, m := range members {
		if hasSession[m.UserID] {
			continue
		}
		err := r.store.OpenSession(ctx, m.UserID, r.cfg.GuildID, ch.ID, ch.Name, now)
		switch {
		case err == nil:
			opened++
			r.logger.Debug("opened missing session", "user_id", m.UserID, "channel_id", ch.ID)
		case errors.Is(err, store.ErrConflict):
			// A live join handler beat us to it.
		default:
			r.logger.Warn("opening missing session", "user_id", m.UserID,
				"channel_id", ch.ID, "error", err)
		}
	}
	return opened
}

// closeOrphans closes every open session whose user is not where the
// session says, or whose channel no longer exists.
func (r *Reconciler) closeOrphans(ctx context.Context, live map[string]map[string]bool, unknown map[string]bool, now time.Time) int {
	sessions, err := r.store.AllActiveSessions(ctx, r.cfg.GuildID)
	if err != nil {
		r.logger.Warn("listing open sessions", "error", err)
		return 0
	}

	closed := 0
	for _, s := range sessions {
		if unknown[s.ChannelID] {
			continue
		}
		present, channelLive := live[s.ChannelID]
		if channelLive && present[s.UserID] {
			continue
		}
		if err := r.store.CloseSession(ctx, s.UserID, s.ChannelID, now); err != nil {
			r.logger.Warn("closing orphaned session", "user_id", s.UserID,
				"channel_id", s.ChannelID, "error", err)
			continue
		}
		closed++
		r.logger.Debug("closed orphaned session", "user_id", s.UserID, "channel_id", s.ChannelID)
	}
	return closed
}

// repairMemberDrift recomputes the canonical member list when the live
// count disagrees with the session count, and realigns the cached set.
func (r *Reconciler) repairMemberDrift(ctx context.Context, ch platform.ChannelInfo, present map[string]bool, now time.Time) {
	count, err := r.store.ActiveMemberCount(ctx, ch.ID)
	if err != nil {
		r.logger.Warn("counting active sessions", "channel_id", ch.ID, "error", err)
		return
	}
	if count == len(present) {
		return
	}

	members := make([]store.Member, 0, len(present))
	for userID := range present {
		members = append(members, store.Member{UserID: userID, JoinedAt: now})
	}
	if err := r.store.SyncChannelActiveUsers(ctx, r.cfg.GuildID, ch.ID, ch.Name, members, now); err != nil {
		r.logger.Warn("syncing channel members", "channel_id", ch.ID, "error", err)
		return
	}

	// Rebuild the cached member set from open sessions so join order
	// survives for inheritance.
	if sessions, err := r.store.ActiveSessionDetails(ctx, ch.ID); err == nil {
		entries := make([]cache.MemberEntry, 0, len(sessions))
		for _, s := range sessions {
			entries = append(entries, cache.MemberEntry{UserID: s.UserID, JoinedAt: s.JoinedAt})
		}
		r.cache.ReplaceChannelMembers(ctx, ch.ID, entries)
	}
}

// syncOwnership runs the universal ownership sync for user rooms whose
// recorded owner is missing or absent. Returns true when a repair ran.
func (r *Reconciler) syncOwnership(ctx context.Context, channelID string, present map[string]bool) bool {
	room, err := r.store.GetChannel(ctx, channelID)
	if err != nil || !room.IsUserRoom {
		return false
	}
	if room.OwnerID != "" && present[room.OwnerID] {
		return false
	}
	if err := r.owners.Sync(ctx, channelID); err != nil {
		r.logger.Warn("ownership sync", "channel_id", channelID, "error", err)
		return false
	}
	return true
}
