// Package prefs applies owner preferences to rooms and members: channel
// name/limit/lock/hide on ownership assignment, mute/deafen/ban carry-over
// to new joiners, scoped nicknames, and manual-rename capture from the
// audit log. Owner preferences in the store are authoritative; the cached
// call state only shadows what is currently applied.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// Applicator applies owner preferences.
type Applicator struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates an Applicator.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, cfg *config.Config, logger *slog.Logger) *Applicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applicator{
		store:    st,
		cache:    ca,
		platform: plat,
		cfg:      cfg,
		logger:   logger.With("component", "prefs"),
	}
}

// RoomName resolves the name a room should carry: the owner's preferred
// name when set, otherwise the configured template with the display name
// substituted.
func (a *Applicator) RoomName(preferredName, displayName string) string {
	if preferredName != "" {
		return preferredName
	}
	return strings.ReplaceAll(a.cfg.RoomNameTemplate, "{display_name}", displayName)
}

// IsGeneratedName reports whether name looks bot-generated for the given
// owner: either the template rendering of their display name or their
// currently stored preferred name. Such names are never captured as a
// manual rename.
func (a *Applicator) IsGeneratedName(name, preferredName, displayName string) bool {
	if preferredName != "" && name == preferredName {
		return true
	}
	return name == a.RoomName("", displayName)
}

// OwnerPrefsFor loads an owner's preferences, cache first. The cached
// snapshot carries only the joiner-check subset; callers needing rename
// records or channel-level settings get the store row.
func (a *Applicator) OwnerPrefsFor(ctx context.Context, ownerID string) (*store.OwnerPrefs, error) {
	prefs, err := a.store.GetOwnerPrefs(ctx, ownerID, a.cfg.GuildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("prefs: loading prefs for %s: %w", ownerID, err)
	}
	a.cache.SetUserPrefs(ctx, cache.PrefsRecord{
		OwnerID:       prefs.OwnerID,
		GuildID:       prefs.GuildID,
		PreferredName: prefs.PreferredName,
		BannedUsers:   prefs.BannedUsers,
		MutedUsers:    prefs.MutedUsers,
		DeafenedUsers: prefs.DeafenedUsers,
	})
	return prefs, nil
}

// ApplyToJoiner applies the room owner's user-level preferences to a user
// who just joined the room. A banned user is disconnected and nothing else
// happens; their session closes when the resulting leave event arrives.
// Mute, deafen and scoped nicknames are best-effort.
func (a *Applicator) ApplyToJoiner(ctx context.Context, channelID, userID string) error {
	ownerID := a.roomOwner(ctx, channelID)
	if ownerID == "" || ownerID == userID {
		return nil
	}

	// Fast path: the cached snapshot answers the ban/mute/deafen checks.
	snap, ok := a.cache.UserPrefs(ctx, ownerID, a.cfg.GuildID)
	if !ok {
		prefs, err := a.OwnerPrefsFor(ctx, ownerID)
		if err != nil {
			return err
		}
		if prefs == nil {
			return nil
		}
		snap = cache.PrefsRecord{
			OwnerID:       prefs.OwnerID,
			GuildID:       prefs.GuildID,
			PreferredName: prefs.PreferredName,
			BannedUsers:   prefs.BannedUsers,
			MutedUsers:    prefs.MutedUsers,
			DeafenedUsers: prefs.DeafenedUsers,
		}
	}

	if inList(snap.BannedUsers, userID) {
		if err := a.platform.DisconnectMember(ctx, a.cfg.GuildID, userID); err != nil {
			return fmt.Errorf("prefs: disconnecting banned user %s: %w", userID, err)
		}
		a.logger.Info("disconnected banned joiner", "user_id", userID, "channel_id", channelID)
		return nil
	}

	state, _ := a.cache.GetCallState(ctx, channelID)
	state.ChannelID = channelID
	state.CurrentOwner = ownerID
	changed := false

	if inList(snap.MutedUsers, userID) {
		if err := a.platform.SetMute(ctx, a.cfg.GuildID, userID, true); err != nil {
			a.warnSkip("muting joiner", userID, channelID, err)
		} else {
			state.MutedUsers = addToList(state.MutedUsers, userID)
			changed = true
		}
	}
	if inList(snap.DeafenedUsers, userID) {
		if err := a.platform.SetDeafen(ctx, a.cfg.GuildID, userID, true); err != nil {
			a.warnSkip("deafening joiner", userID, channelID, err)
		} else {
			state.DeafenedUsers = addToList(state.DeafenedUsers, userID)
			changed = true
		}
	}
	if changed {
		a.cache.SetCallState(ctx, state)
	}

	// Scoped nicknames live only in the full store row.
	prefs, err := a.OwnerPrefsFor(ctx, ownerID)
	if err != nil || prefs == nil {
		return err
	}
	if rec, ok := prefs.RenameFor(userID, channelID); ok {
		if err := a.platform.SetNickname(ctx, a.cfg.GuildID, userID, rec.ScopedNickname); err != nil {
			a.warnSkip("applying scoped nickname", userID, channelID, err)
		}
	}
	return nil
}

// ApplyChannelPrefs applies the owner's channel-level preferences to the
// room: name, user limit, lock and hide. Bans are applied retroactively to
// current members; mute/deafen are not. The call state is rewritten for
// the new owner.
func (a *Applicator) ApplyChannelPrefs(ctx context.Context, channelID, ownerID string) error {
	prefs, err := a.OwnerPrefsFor(ctx, ownerID)
	if err != nil {
		return err
	}

	display := ownerID
	if m, err := a.platform.Member(ctx, a.cfg.GuildID, ownerID); err == nil {
		display = m.DisplayName()
	}

	preferredName := ""
	if prefs != nil {
		preferredName = prefs.PreferredName
	}
	name := a.RoomName(preferredName, display)
	if err := a.platform.RenameChannel(ctx, channelID, name); err != nil {
		a.warnSkip("renaming room", ownerID, channelID, err)
	}

	if prefs != nil {
		if prefs.PreferredLimit != nil {
			if err := a.platform.SetUserLimit(ctx, channelID, *prefs.PreferredLimit); err != nil {
				a.warnSkip("setting user limit", ownerID, channelID, err)
			}
		}
		if prefs.PreferredLocked != nil && *prefs.PreferredLocked {
			if err := a.setEveryoneDeny(ctx, channelID, platform.PermConnect); err != nil {
				a.warnSkip("locking room", ownerID, channelID, err)
			}
		}
		if prefs.PreferredHidden != nil && *prefs.PreferredHidden {
			if err := a.setEveryoneDeny(ctx, channelID, platform.PermViewChannel); err != nil {
				a.warnSkip("hiding room", ownerID, channelID, err)
			}
		}

		if len(prefs.BannedUsers) > 0 {
			members, err := a.platform.ChannelMembers(ctx, a.cfg.GuildID, channelID)
			if err != nil {
				a.warnSkip("listing members for retroactive bans", ownerID, channelID, err)
			} else {
				for _, m := range members {
					if m.UserID != ownerID && prefs.Banned(m.UserID) {
						if err := a.platform.DisconnectMember(ctx, a.cfg.GuildID, m.UserID); err != nil {
							a.warnSkip("disconnecting banned member", m.UserID, channelID, err)
						}
					}
				}
			}
		}
	}

	state := cache.CallState{ChannelID: channelID, CurrentOwner: ownerID}
	if prefs != nil {
		state.MutedUsers = append([]string(nil), prefs.MutedUsers...)
		state.DeafenedUsers = append([]string(nil), prefs.DeafenedUsers...)
		state.KickedUsers = append([]string(nil), prefs.KickedUsers...)
	}
	a.cache.SetCallState(ctx, state)
	return nil
}

// ApplyRenamesToMembers applies the owner's scoped nicknames for this room
// to every current member who has one. Used after ownership transfer.
func (a *Applicator) ApplyRenamesToMembers(ctx context.Context, channelID, ownerID string) {
	prefs, err := a.OwnerPrefsFor(ctx, ownerID)
	if err != nil || prefs == nil || len(prefs.RenamedUsers) == 0 {
		return
	}
	members, err := a.platform.ChannelMembers(ctx, a.cfg.GuildID, channelID)
	if err != nil {
		a.warnSkip("listing members for renames", ownerID, channelID, err)
		return
	}
	for _, m := range members {
		if rec, ok := prefs.RenameFor(m.UserID, channelID); ok {
			if err := a.platform.SetNickname(ctx, a.cfg.GuildID, m.UserID, rec.ScopedNickname); err != nil {
				a.warnSkip("applying scoped nickname", m.UserID, channelID, err)
			}
		}
	}
}

// RestoreNickname undoes any scoped nickname the user carried in the room
// they just left.
func (a *Applicator) RestoreNickname(ctx context.Context, userID, channelID string) {
	byOwner, err := a.store.RenameRecordsForUser(ctx, a.cfg.GuildID, userID)
	if err != nil {
		a.logger.Warn("loading rename records", "user_id", userID, "error", err)
		return
	}
	for _, records := range byOwner {
		for _, rec := range records {
			if rec.ChannelID != channelID {
				continue
			}
			if err := a.platform.SetNickname(ctx, a.cfg.GuildID, userID, rec.OriginalNickname); err != nil {
				a.warnSkip("restoring nickname", userID, channelID, err)
			}
			return
		}
	}
}

// CaptureManualRename persists a hand-made room rename as the owner's
// preferred name, but only when the audit log names an executor holding
// the realm Administrator right. An audit failure captures nothing.
func (a *Applicator) CaptureManualRename(ctx context.Context, channelID, newName string) error {
	if a.cfg.IsSpawnChannel(channelID) || a.cfg.IsExcludedChannel(channelID) {
		return nil
	}
	ownerID := a.roomOwner(ctx, channelID)
	if ownerID == "" || newName == "" {
		return nil
	}

	prefs, err := a.OwnerPrefsFor(ctx, ownerID)
	if err != nil {
		return err
	}
	preferredName := ""
	if prefs != nil {
		preferredName = prefs.PreferredName
	}
	display := ownerID
	if m, err := a.platform.Member(ctx, a.cfg.GuildID, ownerID); err == nil {
		display = m.DisplayName()
	}
	if a.IsGeneratedName(newName, preferredName, display) {
		return nil
	}

	executor, err := a.platform.ChannelRenameExecutor(ctx, a.cfg.GuildID, channelID)
	if err != nil {
		// Fail closed: without a trustworthy executor the rename is not
		// captured.
		a.logger.Warn("audit lookup for rename failed", "channel_id", channelID, "error", err)
		return nil
	}
	admin, err := a.platform.HasAdministrator(ctx, a.cfg.GuildID, executor)
	if err != nil || !admin {
		return nil
	}

	patch := store.PrefsPatch{PreferredName: &newName}
	if err := store.Retry(ctx, a.logger, func() error {
		return a.store.UpsertOwnerPrefs(ctx, ownerID, a.cfg.GuildID, patch)
	}); err != nil {
		return fmt.Errorf("prefs: persisting manual rename: %w", err)
	}
	a.cache.InvalidateUserPrefs(ctx, ownerID, a.cfg.GuildID)
	a.logger.Info("captured manual rename", "channel_id", channelID,
		"owner_id", ownerID, "name", newName, "executor", executor)
	return nil
}

// roomOwner resolves the current owner of the channel, cache first.
func (a *Applicator) roomOwner(ctx context.Context, channelID string) string {
	if rec, ok := a.cache.ChannelOwner(ctx, channelID); ok {
		return rec.UserID
	}
	room, err := a.store.GetChannel(ctx, channelID)
	if err != nil || room.OwnerID == "" {
		return ""
	}
	since := time.Now().UTC()
	if room.OwnerSince != nil {
		since = *room.OwnerSince
	}
	a.cache.SetChannelOwner(ctx, channelID, room.OwnerID, since)
	return room.OwnerID
}

// setEveryoneDeny merges a deny bit into the @everyone overwrite without
// clobbering unrelated bits.
func (a *Applicator) setEveryoneDeny(ctx context.Context, channelID string, bit int64) error {
	ow := platform.Overwrite{ID: a.cfg.GuildID, Type: platform.OverwriteRole, Deny: bit}
	if ch, err := a.platform.Channel(ctx, channelID); err == nil {
		for _, existing := range ch.Overwrites {
			if existing.Type == platform.OverwriteRole && existing.ID == a.cfg.GuildID {
				ow.Allow = existing.Allow &^ bit
				ow.Deny = existing.Deny | bit
				break
			}
		}
	}
	return a.platform.SetOverwrite(ctx, channelID, ow)
}

// warnSkip logs a best-effort failure. Permission problems are expected in
// the wild and never abort the surrounding operation.
func (a *Applicator) warnSkip(action, userID, channelID string, err error) {
	a.logger.Warn(action+" failed", "user_id", userID, "channel_id", channelID, "error", err)
}

func inList(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func addToList(list []string, v string) []string {
	if inList(list, v) {
		return list
	}
	return append(list, v)
}
