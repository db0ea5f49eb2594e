// Package ownership assigns, transfers and removes room ownership. The
// inheritance rule is longest-standing: the member with the earliest join
// time becomes the new owner, read from the cached member set when
// available and from open session rows otherwise.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// Manager owns all ownership mutations.
type Manager struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	prefs    *prefs.Applicator
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a Manager.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, app *prefs.Applicator, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		cache:    ca,
		platform: plat,
		prefs:    app,
		cfg:      cfg,
		logger:   logger.With("component", "ownership"),
	}
}

// SetOwner records newOwnerID as the room's owner, preserving the previous
// owner for audit, drops any call state written for someone else, and
// applies the new owner's channel-level preferences.
func (m *Manager) SetOwner(ctx context.Context, channelID, newOwnerID string) error {
	if channelID == "" || newOwnerID == "" {
		return fmt.Errorf("ownership: set owner with missing ids (channel=%q owner=%q)", channelID, newOwnerID)
	}

	previous := ""
	if room, err := m.store.GetChannel(ctx, channelID); err == nil {
		previous = room.OwnerID
	}

	now := time.Now().UTC()
	if err := store.Retry(ctx, m.logger, func() error {
		return m.store.SetChannelOwner(ctx, channelID, newOwnerID, previous, now)
	}); err != nil {
		return fmt.Errorf("ownership: recording owner %s for %s: %w", newOwnerID, channelID, err)
	}
	m.cache.SetChannelOwner(ctx, channelID, newOwnerID, now)

	if state, ok := m.cache.GetCallState(ctx, channelID); ok && state.CurrentOwner != newOwnerID {
		m.cache.DeleteCallState(ctx, channelID)
	}

	if err := m.prefs.ApplyChannelPrefs(ctx, channelID, newOwnerID); err != nil {
		m.logger.Warn("applying new owner preferences", "channel_id", channelID,
			"owner_id", newOwnerID, "error", err)
	}

	m.logger.Info("owner set", "channel_id", channelID,
		"owner_id", newOwnerID, "previous_owner_id", previous)
	return nil
}

// RemoveOwner clears the room's owner record everywhere.
func (m *Manager) RemoveOwner(ctx context.Context, channelID string) error {
	if err := store.Retry(ctx, m.logger, func() error {
		return m.store.ClearChannelOwner(ctx, channelID)
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("ownership: clearing owner of %s: %w", channelID, err)
	}
	m.cache.DeleteChannelOwner(ctx, channelID)
	m.cache.DeleteCallState(ctx, channelID)
	return nil
}

// OwnerLeft transfers ownership after the owner left a non-empty room:
// pick the inheritor, strip user-specific overwrites (role overwrites
// stay), grant the inheritor the channel-scoped owner rights, record the
// change, re-apply preferences and scoped nicknames, and post a notice.
func (m *Manager) OwnerLeft(ctx context.Context, channelID, leftOwnerID string) error {
	members, err := m.currentMembers(ctx, channelID, leftOwnerID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return m.RemoveOwner(ctx, channelID)
	}

	inheritor := m.Inheritor(ctx, channelID, members)

	if ch, err := m.platform.Channel(ctx, channelID); err == nil {
		for _, ow := range ch.Overwrites {
			if ow.Type != platform.OverwriteMember {
				continue
			}
			if err := m.platform.DeleteOverwrite(ctx, channelID, ow.ID); err != nil {
				m.logger.Warn("removing member overwrite", "channel_id", channelID,
					"target", ow.ID, "error", err)
			}
		}
	}
	if err := m.platform.SetOverwrite(ctx, channelID, platform.OwnerOverwrite(inheritor)); err != nil {
		m.logger.Warn("granting inheritor rights", "channel_id", channelID,
			"owner_id", inheritor, "error", err)
	}

	if err := m.SetOwner(ctx, channelID, inheritor); err != nil {
		return err
	}
	m.prefs.ApplyRenamesToMembers(ctx, channelID, inheritor)

	display := inheritor
	if member, err := m.platform.Member(ctx, m.cfg.GuildID, inheritor); err == nil {
		display = member.DisplayName()
	}
	if err := m.platform.SendEmbed(ctx, channelID, platform.Embed{
		Title:       "Ownership transferred",
		Description: fmt.Sprintf("%s now owns this room.", display),
		Color:       0x5865F2,
	}); err != nil {
		m.logger.Warn("posting transfer notice", "channel_id", channelID, "error", err)
	}
	return nil
}

// Inheritor picks the longest-standing member among the candidates:
// the cached member set first, open session rows second, and a stable
// by-ID choice last.
func (m *Manager) Inheritor(ctx context.Context, channelID string, members []platform.MemberInfo) string {
	present := make(map[string]bool, len(members))
	for _, mem := range members {
		present[mem.UserID] = true
	}

	if cached, ok := m.cache.ChannelMembers(ctx, channelID); ok {
		// Entries come back ordered by join time.
		for _, entry := range cached {
			if present[entry.UserID] {
				return entry.UserID
			}
		}
	}

	if sessions, err := m.store.ActiveSessionDetails(ctx, channelID); err == nil {
		for _, s := range sessions {
			if present[s.UserID] {
				return s.UserID
			}
		}
	}

	ids := make([]string, 0, len(members))
	for _, mem := range members {
		ids = append(ids, mem.UserID)
	}
	sort.Strings(ids)
	return ids[0]
}

// Sync realigns the recorded owner with the room's current membership:
// drops an owner who is no longer present, elects one for an unowned but
// populated room, and corrects a divergent record.
func (m *Manager) Sync(ctx context.Context, channelID string) error {
	room, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("ownership: loading channel %s: %w", channelID, err)
	}

	members, err := m.currentMembers(ctx, channelID, "")
	if err != nil {
		return err
	}

	if room.OwnerID != "" {
		for _, mem := range members {
			if mem.UserID == room.OwnerID {
				return nil
			}
		}
		if err := m.RemoveOwner(ctx, channelID); err != nil {
			return err
		}
		m.logger.Info("removed absent owner", "channel_id", channelID, "owner_id", room.OwnerID)
	}

	if len(members) == 0 {
		return nil
	}

	inheritor := m.Inheritor(ctx, channelID, members)
	if err := m.platform.SetOverwrite(ctx, channelID, platform.OwnerOverwrite(inheritor)); err != nil {
		m.logger.Warn("granting elected owner rights", "channel_id", channelID,
			"owner_id", inheritor, "error", err)
	}
	return m.SetOwner(ctx, channelID, inheritor)
}

// currentMembers lists non-bot members of the room, excluding skipID.
func (m *Manager) currentMembers(ctx context.Context, channelID, skipID string) ([]platform.MemberInfo, error) {
	all, err := m.platform.ChannelMembers(ctx, m.cfg.GuildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("ownership: listing members of %s: %w", channelID, err)
	}
	out := all[:0]
	for _, mem := range all {
		if mem.Bot || mem.UserID == skipID {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}
