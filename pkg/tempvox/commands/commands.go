// Package commands implements the room-owner command surface: rename,
// limit, lock, hide, mute, deafen, kick, ban, nickname scoping, claim,
// transfer and coup. Every command returns a user-facing Result; errors
// never propagate to the caller.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// Result is what the invoker sees.
type Result struct {
	OK      bool
	Message string
}

func ok(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

func refuse(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Invocation identifies who runs a command and on which room.
type Invocation struct {
	UserID    string
	ChannelID string
}

// Service executes commands against the core.
type Service struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	owners   *ownership.Manager
	prefs    *prefs.Applicator
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a Service.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, own *ownership.Manager,
	app *prefs.Applicator, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		cache:    ca,
		platform: plat,
		owners:   own,
		prefs:    app,
		cfg:      cfg,
		logger:   logger.With("component", "commands"),
	}
}

// room loads the channel row and refuses anything that is not a live,
// mutable user room.
func (s *Service) room(ctx context.Context, channelID string) (*store.Room, Result) {
	if s.cfg.IsExcludedChannel(channelID) {
		return nil, refuse("This room is managed by the server staff.")
	}
	room, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, refuse("This is not a managed room.")
		}
		s.logger.Error("loading room", "channel_id", channelID, "error", err)
		return nil, refuse("Something went wrong, try again.")
	}
	if !room.IsUserRoom || !room.Active {
		return nil, refuse("This is not a managed room.")
	}
	return room, Result{OK: true}
}

// requireOwner additionally checks the invoker owns the room.
func (s *Service) requireOwner(ctx context.Context, inv Invocation) (*store.Room, Result) {
	room, res := s.room(ctx, inv.ChannelID)
	if !res.OK {
		return nil, res
	}
	if room.OwnerID != inv.UserID {
		return nil, refuse("Only the room owner can do that.")
	}
	return room, Result{OK: true}
}

// allow consults the per-(user, action) rate limit. Refused actions are
// not performed and not recorded.
func (s *Service) allow(ctx context.Context, userID, action string) bool {
	return s.cache.RateLimitAllow(ctx, userID, action,
		s.cfg.RateLimit.MaxActions, s.cfg.RateLimitWindow())
}

func (s *Service) record(ctx context.Context, ownerID, action, targetID, channelID, reason string) {
	err := s.store.AppendModHistory(ctx, store.ModEntry{
		OwnerID:      ownerID,
		GuildID:      s.cfg.GuildID,
		Action:       action,
		TargetUserID: targetID,
		ChannelID:    channelID,
		Reason:       reason,
		At:           time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("recording moderation history", "action", action, "error", err)
	}
}

// Rename sets the room name and remembers it as the owner's preference.
func (s *Service) Rename(ctx context.Context, inv Invocation, name string) Result {
	if name == "" {
		return refuse("Give the room a name.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, "rename") {
		return refuse("You are renaming too fast, give it a moment.")
	}
	if err := s.platform.RenameChannel(ctx, inv.ChannelID, name); err != nil {
		s.logger.Warn("renaming room", "channel_id", inv.ChannelID, "error", err)
		return refuse("Could not rename the room.")
	}
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{PreferredName: &name}); err != nil {
		s.logger.Warn("saving preferred name", "owner_id", inv.UserID, "error", err)
	}
	return ok("Room renamed to %s.", name)
}

// Limit sets the room's user limit; 0 removes it.
func (s *Service) Limit(ctx context.Context, inv Invocation, limit int) Result {
	if limit < 0 || limit > 99 {
		return refuse("The limit must be between 0 and 99.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, "limit") {
		return refuse("You are changing the limit too fast.")
	}
	if err := s.platform.SetUserLimit(ctx, inv.ChannelID, limit); err != nil {
		s.logger.Warn("setting user limit", "channel_id", inv.ChannelID, "error", err)
		return refuse("Could not change the limit.")
	}
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{PreferredLimit: &limit}); err != nil {
		s.logger.Warn("saving preferred limit", "owner_id", inv.UserID, "error", err)
	}
	if limit == 0 {
		return ok("User limit removed.")
	}
	return ok("User limit set to %d.", limit)
}

// Lock denies Connect to everyone; current members stay.
func (s *Service) Lock(ctx context.Context, inv Invocation) Result {
	return s.setRoomGate(ctx, inv, "lock", platform.PermConnect, true)
}

// Unlock restores Connect for everyone.
func (s *Service) Unlock(ctx context.Context, inv Invocation) Result {
	return s.setRoomGate(ctx, inv, "unlock", platform.PermConnect, false)
}

// Hide denies ViewChannel to everyone.
func (s *Service) Hide(ctx context.Context, inv Invocation) Result {
	return s.setRoomGate(ctx, inv, "hide", platform.PermViewChannel, true)
}

// Unhide restores ViewChannel for everyone.
func (s *Service) Unhide(ctx context.Context, inv Invocation) Result {
	return s.setRoomGate(ctx, inv, "unhide", platform.PermViewChannel, false)
}

func (s *Service) setRoomGate(ctx context.Context, inv Invocation, action string, bit int64, deny bool) Result {
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, action) {
		return refuse("You are doing that too fast.")
	}

	ow := platform.Overwrite{ID: s.cfg.GuildID, Type: platform.OverwriteRole}
	if ch, err := s.platform.Channel(ctx, inv.ChannelID); err == nil {
		for _, existing := range ch.Overwrites {
			if existing.Type == platform.OverwriteRole && existing.ID == s.cfg.GuildID {
				ow = existing
				break
			}
		}
	}
	if deny {
		ow.Allow &^= bit
		ow.Deny |= bit
	} else {
		ow.Deny &^= bit
	}
	if err := s.platform.SetOverwrite(ctx, inv.ChannelID, ow); err != nil {
		s.logger.Warn("updating room gate", "channel_id", inv.ChannelID, "action", action, "error", err)
		return refuse("Could not update the room.")
	}

	var patch store.PrefsPatch
	flag := deny
	switch bit {
	case platform.PermConnect:
		patch.PreferredLocked = &flag
	case platform.PermViewChannel:
		patch.PreferredHidden = &flag
	}
	if err := s.patchPrefs(ctx, inv.UserID, patch); err != nil {
		s.logger.Warn("saving room gate preference", "owner_id", inv.UserID, "error", err)
	}

	switch action {
	case "lock":
		return ok("Room locked.")
	case "unlock":
		return ok("Room unlocked.")
	case "hide":
		return ok("Room hidden.")
	default:
		return ok("Room visible again.")
	}
}

// Mute server-mutes a member and remembers the preference.
func (s *Service) Mute(ctx context.Context, inv Invocation, targetID string) Result {
	return s.setMemberFlag(ctx, inv, targetID, "mute", true)
}

// Unmute lifts a server mute.
func (s *Service) Unmute(ctx context.Context, inv Invocation, targetID string) Result {
	return s.setMemberFlag(ctx, inv, targetID, "unmute", false)
}

// Deafen server-deafens a member and remembers the preference.
func (s *Service) Deafen(ctx context.Context, inv Invocation, targetID string) Result {
	return s.setMemberFlag(ctx, inv, targetID, "deafen", true)
}

// Undeafen lifts a server deafen.
func (s *Service) Undeafen(ctx context.Context, inv Invocation, targetID string) Result {
	return s.setMemberFlag(ctx, inv, targetID, "undeafen", false)
}

func (s *Service) setMemberFlag(ctx context.Context, inv Invocation, targetID, action string, apply bool) Result {
	if targetID == inv.UserID {
		return refuse("You cannot do that to yourself.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, action) {
		return refuse("You are moderating too fast.")
	}

	deafen := action == "deafen" || action == "undeafen"
	var err error
	if deafen {
		err = s.platform.SetDeafen(ctx, s.cfg.GuildID, targetID, apply)
	} else {
		err = s.platform.SetMute(ctx, s.cfg.GuildID, targetID, apply)
	}
	if err != nil {
		s.logger.Warn("setting member flag", "target", targetID, "action", action, "error", err)
		return refuse("Could not %s that member.", action)
	}

	prefs, _ := s.store.GetOwnerPrefs(ctx, inv.UserID, s.cfg.GuildID)
	var list []string
	if prefs != nil {
		if deafen {
			list = prefs.DeafenedUsers
		} else {
			list = prefs.MutedUsers
		}
	}
	if apply {
		list = addToList(list, targetID)
	} else {
		list = removeFromList(list, targetID)
	}
	var patch store.PrefsPatch
	if deafen {
		patch.DeafenedUsers = &list
	} else {
		patch.MutedUsers = &list
	}
	if err := s.patchPrefs(ctx, inv.UserID, patch); err != nil {
		s.logger.Warn("saving member flag preference", "owner_id", inv.UserID, "error", err)
	}

	s.updateCallState(ctx, inv.ChannelID, inv.UserID, func(state *cache.CallState) {
		if deafen {
			if apply {
				state.DeafenedUsers = addToList(state.DeafenedUsers, targetID)
			} else {
				state.DeafenedUsers = removeFromList(state.DeafenedUsers, targetID)
			}
		} else {
			if apply {
				state.MutedUsers = addToList(state.MutedUsers, targetID)
			} else {
				state.MutedUsers = removeFromList(state.MutedUsers, targetID)
			}
		}
	})

	s.record(ctx, inv.UserID, action, targetID, inv.ChannelID, "")
	return ok("Done.")
}

// Kick disconnects a member from the room.
func (s *Service) Kick(ctx context.Context, inv Invocation, targetID, reason string) Result {
	if targetID == inv.UserID {
		return refuse("You cannot kick yourself.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, "kick") {
		return refuse("You are moderating too fast.")
	}
	if err := s.platform.DisconnectMember(ctx, s.cfg.GuildID, targetID); err != nil {
		s.logger.Warn("kicking member", "target", targetID, "error", err)
		return refuse("Could not kick that member.")
	}

	prefs, _ := s.store.GetOwnerPrefs(ctx, inv.UserID, s.cfg.GuildID)
	var kicked []string
	if prefs != nil {
		kicked = prefs.KickedUsers
	}
	kicked = addToList(kicked, targetID)
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{KickedUsers: &kicked}); err != nil {
		s.logger.Warn("saving kick record", "owner_id", inv.UserID, "error", err)
	}

	s.record(ctx, inv.UserID, "kick", targetID, inv.ChannelID, reason)
	return ok("Member kicked.")
}

// Ban keeps a member out of the owner's rooms: they are disconnected now
// and on every future join.
func (s *Service) Ban(ctx context.Context, inv Invocation, targetID, reason string) Result {
	if targetID == inv.UserID {
		return refuse("You cannot ban yourself.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, "ban") {
		return refuse("You are moderating too fast.")
	}

	prefs, _ := s.store.GetOwnerPrefs(ctx, inv.UserID, s.cfg.GuildID)
	var banned []string
	if prefs != nil {
		banned = prefs.BannedUsers
	}
	banned = addToList(banned, targetID)
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{BannedUsers: &banned}); err != nil {
		s.logger.Error("saving ban", "owner_id", inv.UserID, "error", err)
		return refuse("Could not save the ban.")
	}

	if err := s.platform.DisconnectMember(ctx, s.cfg.GuildID, targetID); err != nil {
		s.logger.Warn("disconnecting banned member", "target", targetID, "error", err)
	}

	s.record(ctx, inv.UserID, "ban", targetID, inv.ChannelID, reason)
	return ok("Member banned from your rooms.")
}

// Unban removes a member from the owner's ban list.
func (s *Service) Unban(ctx context.Context, inv Invocation, targetID string) Result {
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	prefs, err := s.store.GetOwnerPrefs(ctx, inv.UserID, s.cfg.GuildID)
	if err != nil || prefs == nil || !prefs.Banned(targetID) {
		return refuse("That member is not banned.")
	}
	banned := removeFromList(prefs.BannedUsers, targetID)
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{BannedUsers: &banned}); err != nil {
		s.logger.Error("saving unban", "owner_id", inv.UserID, "error", err)
		return refuse("Could not save the unban.")
	}
	s.record(ctx, inv.UserID, "unban", targetID, inv.ChannelID, "")
	return ok("Member unbanned.")
}

// RenameUser gives a member a nickname scoped to this room; it is restored
// when they leave.
func (s *Service) RenameUser(ctx context.Context, inv Invocation, targetID, nickname string) Result {
	if nickname == "" {
		return refuse("Give them a nickname.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.allow(ctx, inv.UserID, "rename_user") {
		return refuse("You are renaming too fast.")
	}

	original := ""
	if m, err := s.platform.Member(ctx, s.cfg.GuildID, targetID); err == nil {
		original = m.Nickname
	}
	if err := s.platform.SetNickname(ctx, s.cfg.GuildID, targetID, nickname); err != nil {
		s.logger.Warn("renaming member", "target", targetID, "error", err)
		return refuse("Could not rename that member.")
	}

	prefs, _ := s.store.GetOwnerPrefs(ctx, inv.UserID, s.cfg.GuildID)
	var records []store.RenameRecord
	if prefs != nil {
		for _, r := range prefs.RenamedUsers {
			if r.UserID == targetID && r.ChannelID == inv.ChannelID {
				// Keep the first original nickname across re-renames.
				original = r.OriginalNickname
				continue
			}
			records = append(records, r)
		}
	}
	records = append(records, store.RenameRecord{
		UserID:           targetID,
		OriginalNickname: original,
		ScopedNickname:   nickname,
		ChannelID:        inv.ChannelID,
		RenamedAt:        time.Now().UTC(),
	})
	if err := s.patchPrefs(ctx, inv.UserID, store.PrefsPatch{RenamedUsers: &records}); err != nil {
		s.logger.Warn("saving rename record", "owner_id", inv.UserID, "error", err)
	}

	s.record(ctx, inv.UserID, "rename_user", targetID, inv.ChannelID, nickname)
	return ok("Member renamed to %s for this room.", nickname)
}

// Claim takes ownership of an unowned room the invoker is in.
func (s *Service) Claim(ctx context.Context, inv Invocation) Result {
	room, res := s.room(ctx, inv.ChannelID)
	if !res.OK {
		return res
	}
	if room.OwnerID == inv.UserID {
		return refuse("You already own this room.")
	}
	if room.OwnerID != "" {
		// A recorded owner who is still present keeps the room.
		if members, err := s.platform.ChannelMembers(ctx, s.cfg.GuildID, inv.ChannelID); err == nil {
			for _, m := range members {
				if m.UserID == room.OwnerID {
					return refuse("This room already has an owner.")
				}
			}
		}
	}
	if !s.isMember(ctx, inv.ChannelID, inv.UserID) {
		return refuse("Join the room before claiming it.")
	}

	if err := s.platform.SetOverwrite(ctx, inv.ChannelID, platform.OwnerOverwrite(inv.UserID)); err != nil {
		s.logger.Warn("granting claimed rights", "channel_id", inv.ChannelID, "error", err)
	}
	if err := s.owners.SetOwner(ctx, inv.ChannelID, inv.UserID); err != nil {
		s.logger.Error("claiming room", "channel_id", inv.ChannelID, "error", err)
		return refuse("Could not claim the room.")
	}
	return ok("The room is yours.")
}

// Transfer hands the room to another current member.
func (s *Service) Transfer(ctx context.Context, inv Invocation, targetID string) Result {
	if targetID == inv.UserID {
		return refuse("You already own this room.")
	}
	if _, res := s.requireOwner(ctx, inv); !res.OK {
		return res
	}
	if !s.isMember(ctx, inv.ChannelID, targetID) {
		return refuse("They need to be in the room.")
	}

	if err := s.platform.DeleteOverwrite(ctx, inv.ChannelID, inv.UserID); err != nil {
		s.logger.Warn("removing old owner rights", "channel_id", inv.ChannelID, "error", err)
	}
	if err := s.platform.SetOverwrite(ctx, inv.ChannelID, platform.OwnerOverwrite(targetID)); err != nil {
		s.logger.Warn("granting new owner rights", "channel_id", inv.ChannelID, "error", err)
	}
	if err := s.owners.SetOwner(ctx, inv.ChannelID, targetID); err != nil {
		s.logger.Error("transferring room", "channel_id", inv.ChannelID, "error", err)
		return refuse("Could not transfer the room.")
	}
	s.record(ctx, inv.UserID, "transfer", targetID, inv.ChannelID, "")
	return ok("Room transferred.")
}

// Coup starts or joins a vote to depose the current owner. One coup per
// room; votes are implicit "yes"; a majority of non-bot, non-owner members
// within the window hands the room to the initiator.
func (s *Service) Coup(ctx context.Context, inv Invocation) Result {
	room, res := s.room(ctx, inv.ChannelID)
	if !res.OK {
		return res
	}
	if room.OwnerID == "" {
		return refuse("This room has no owner; use claim instead.")
	}
	if room.OwnerID == inv.UserID {
		return refuse("You cannot coup yourself.")
	}
	if !s.isMember(ctx, inv.ChannelID, inv.UserID) {
		return refuse("Join the room before starting a coup.")
	}

	now := time.Now().UTC()
	session, exists := s.cache.GetCoup(ctx, inv.ChannelID)
	if exists && session.Expired(now) {
		s.cache.DeleteCoup(ctx, inv.ChannelID)
		exists = false
	}
	if exists && session.TargetUserID != room.OwnerID {
		// Ownership changed under the running coup; void it.
		s.cache.DeleteCoup(ctx, inv.ChannelID)
		exists = false
	}

	if !exists {
		session = cache.CoupSession{
			ID:           uuid.NewString(),
			ChannelID:    inv.ChannelID,
			TargetUserID: room.OwnerID,
			InitiatorID:  inv.UserID,
			StartedAt:    now,
			ExpiresAt:    now.Add(s.cfg.CoupWindow()),
		}
	}
	if session.HasVoted(inv.UserID) {
		return refuse("You already voted in this coup.")
	}
	session.Votes = append(session.Votes, cache.CoupVote{VoterID: inv.UserID, At: now})

	needed, eligible := s.coupQuorum(ctx, inv.ChannelID, room.OwnerID)
	if eligible == 0 {
		s.cache.DeleteCoup(ctx, inv.ChannelID)
		return refuse("Nobody is eligible to vote here.")
	}

	if len(session.Votes) >= needed {
		s.cache.DeleteCoup(ctx, inv.ChannelID)
		if err := s.platform.DeleteOverwrite(ctx, inv.ChannelID, room.OwnerID); err != nil {
			s.logger.Warn("removing deposed owner rights", "channel_id", inv.ChannelID, "error", err)
		}
		if err := s.platform.SetOverwrite(ctx, inv.ChannelID, platform.OwnerOverwrite(session.InitiatorID)); err != nil {
			s.logger.Warn("granting coup rights", "channel_id", inv.ChannelID, "error", err)
		}
		if err := s.owners.SetOwner(ctx, inv.ChannelID, session.InitiatorID); err != nil {
			s.logger.Error("executing coup", "channel_id", inv.ChannelID, "error", err)
			return refuse("The coup failed at the last moment.")
		}
		s.record(ctx, session.InitiatorID, "coup", room.OwnerID, inv.ChannelID, session.ID)
		return ok("The coup succeeded. The room has a new owner.")
	}

	s.cache.SetCoup(ctx, session)
	return ok("Vote recorded: %d of %d needed.", len(session.Votes), needed)
}

// coupQuorum returns the majority threshold over non-bot, non-owner
// members and the eligible voter count.
func (s *Service) coupQuorum(ctx context.Context, channelID, ownerID string) (needed, eligible int) {
	members, err := s.platform.ChannelMembers(ctx, s.cfg.GuildID, channelID)
	if err != nil {
		return 1, 1
	}
	for _, m := range members {
		if m.Bot || m.UserID == ownerID {
			continue
		}
		eligible++
	}
	return eligible/2 + 1, eligible
}

func (s *Service) isMember(ctx context.Context, channelID, userID string) bool {
	members, err := s.platform.ChannelMembers(ctx, s.cfg.GuildID, channelID)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// patchPrefs writes a preference patch and invalidates the cached
// snapshot.
func (s *Service) patchPrefs(ctx context.Context, ownerID string, patch store.PrefsPatch) error {
	if err := store.Retry(ctx, s.logger, func() error {
		return s.store.UpsertOwnerPrefs(ctx, ownerID, s.cfg.GuildID, patch)
	}); err != nil {
		return err
	}
	s.cache.InvalidateUserPrefs(ctx, ownerID, s.cfg.GuildID)
	return nil
}

// updateCallState mutates the cached call state for the room.
func (s *Service) updateCallState(ctx context.Context, channelID, ownerID string, mutate func(*cache.CallState)) {
	state, _ := s.cache.GetCallState(ctx, channelID)
	state.ChannelID = channelID
	state.CurrentOwner = ownerID
	mutate(&state)
	s.cache.SetCallState(ctx, state)
}

func addToList(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeFromList(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
