package cache

import (
	"context"
	"sort"
	"time"
)

// TTLs for hot lookups. Ownership and preference entries are re-derivable
// from the store, so expiry only costs a refill.
const (
	ownerTTL   = 12 * time.Hour
	prefsTTL   = 30 * time.Minute
	callTTL    = 12 * time.Hour
	membersTTL = 0 // no expiry; maintained by the voice handler and reconciler
)

// OwnerRecord caches the current owner of a channel.
type OwnerRecord struct {
	SchemaVersion int       `json:"schema_version"`
	ChannelID     string    `json:"channel_id"`
	UserID        string    `json:"user_id"`
	OwnedSince    time.Time `json:"owned_since"`
}

// ChannelOwner returns the cached owner of the channel.
func (c *Cache) ChannelOwner(ctx context.Context, channelID string) (OwnerRecord, bool) {
	key := prefixChannelOwner + channelID
	var rec OwnerRecord
	if !c.getRecord(ctx, key, &rec) {
		return OwnerRecord{}, false
	}
	if !c.versionOK(ctx, key, rec.SchemaVersion) {
		return OwnerRecord{}, false
	}
	return rec, true
}

// SetChannelOwner caches the channel's owner.
func (c *Cache) SetChannelOwner(ctx context.Context, channelID, userID string, since time.Time) {
	rec := OwnerRecord{
		SchemaVersion: SchemaVersion,
		ChannelID:     channelID,
		UserID:        userID,
		OwnedSince:    since.UTC(),
	}
	c.setRecord(ctx, prefixChannelOwner+channelID, rec, ownerTTL)
}

// DeleteChannelOwner drops the cached owner.
func (c *Cache) DeleteChannelOwner(ctx context.Context, channelID string) {
	c.Delete(ctx, prefixChannelOwner+channelID)
}

// PrefsRecord caches a subset of owner preferences for fast joiner checks.
type PrefsRecord struct {
	SchemaVersion int      `json:"schema_version"`
	OwnerID       string   `json:"owner_id"`
	GuildID       string   `json:"guild_id"`
	PreferredName string   `json:"preferred_name,omitempty"`
	BannedUsers   []string `json:"banned_users"`
	MutedUsers    []string `json:"muted_users"`
	DeafenedUsers []string `json:"deafened_users"`
}

// UserPrefs returns the cached preference snapshot for (userID, guildID).
func (c *Cache) UserPrefs(ctx context.Context, userID, guildID string) (PrefsRecord, bool) {
	key := prefixUserPrefs + userID + ":" + guildID
	var rec PrefsRecord
	if !c.getRecord(ctx, key, &rec) {
		return PrefsRecord{}, false
	}
	if !c.versionOK(ctx, key, rec.SchemaVersion) {
		return PrefsRecord{}, false
	}
	return rec, true
}

// SetUserPrefs caches a preference snapshot.
func (c *Cache) SetUserPrefs(ctx context.Context, rec PrefsRecord) {
	rec.SchemaVersion = SchemaVersion
	c.setRecord(ctx, prefixUserPrefs+rec.OwnerID+":"+rec.GuildID, rec, prefsTTL)
}

// InvalidateUserPrefs must be called after any preference write.
func (c *Cache) InvalidateUserPrefs(ctx context.Context, userID, guildID string) {
	c.Delete(ctx, prefixUserPrefs+userID+":"+guildID)
}

// CallState shadows the live-applied subset of owner preferences for the
// current room. The store's owner_prefs row stays authoritative.
type CallState struct {
	SchemaVersion int       `json:"schema_version"`
	ChannelID     string    `json:"channel_id"`
	CurrentOwner  string    `json:"current_owner"`
	MutedUsers    []string  `json:"muted_users"`
	DeafenedUsers []string  `json:"deafened_users"`
	KickedUsers   []string  `json:"kicked_users"`
	LastUpdated   time.Time `json:"last_updated"`
}

// GetCallState returns the cached call state for the channel.
func (c *Cache) GetCallState(ctx context.Context, channelID string) (CallState, bool) {
	key := prefixCallState + channelID
	var rec CallState
	if !c.getRecord(ctx, key, &rec) {
		return CallState{}, false
	}
	if !c.versionOK(ctx, key, rec.SchemaVersion) {
		return CallState{}, false
	}
	return rec, true
}

// SetCallState writes the call state for the channel.
func (c *Cache) SetCallState(ctx context.Context, state CallState) {
	state.SchemaVersion = SchemaVersion
	state.LastUpdated = time.Now().UTC()
	c.setRecord(ctx, prefixCallState+state.ChannelID, state, callTTL)
}

// DeleteCallState drops the call state for the channel.
func (c *Cache) DeleteCallState(ctx context.Context, channelID string) {
	c.Delete(ctx, prefixCallState+channelID)
}

// MemberEntry is one element of a channel's cached member set.
type MemberEntry struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// membersRecord is the stored shape of a channel member set.
type membersRecord struct {
	SchemaVersion int           `json:"schema_version"`
	Members       []MemberEntry `json:"members"`
}

// ChannelMembers returns the cached member set ordered by join time, then
// user ID for stability.
func (c *Cache) ChannelMembers(ctx context.Context, channelID string) ([]MemberEntry, bool) {
	key := prefixChannelMembers + channelID
	var rec membersRecord
	if !c.getRecord(ctx, key, &rec) {
		return nil, false
	}
	if !c.versionOK(ctx, key, rec.SchemaVersion) {
		return nil, false
	}
	sortMembers(rec.Members)
	return rec.Members, true
}

// AddChannelMember inserts or refreshes one member in the set.
func (c *Cache) AddChannelMember(ctx context.Context, channelID, userID string, joinedAt time.Time) {
	key := prefixChannelMembers + channelID
	var rec membersRecord
	c.getRecord(ctx, key, &rec)
	out := rec.Members[:0]
	for _, m := range rec.Members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	out = append(out, MemberEntry{UserID: userID, JoinedAt: joinedAt.UTC()})
	c.setRecord(ctx, key, membersRecord{SchemaVersion: SchemaVersion, Members: out}, membersTTL)
}

// RemoveChannelMember removes one member from the set.
func (c *Cache) RemoveChannelMember(ctx context.Context, channelID, userID string) {
	key := prefixChannelMembers + channelID
	var rec membersRecord
	if !c.getRecord(ctx, key, &rec) {
		return
	}
	out := rec.Members[:0]
	for _, m := range rec.Members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	c.setRecord(ctx, key, membersRecord{SchemaVersion: SchemaVersion, Members: out}, membersTTL)
}

// ReplaceChannelMembers overwrites the whole member set; the reconciler
// uses this to realign the cache with the platform.
func (c *Cache) ReplaceChannelMembers(ctx context.Context, channelID string, members []MemberEntry) {
	for i := range members {
		members[i].JoinedAt = members[i].JoinedAt.UTC()
	}
	c.setRecord(ctx, prefixChannelMembers+channelID,
		membersRecord{SchemaVersion: SchemaVersion, Members: members}, membersTTL)
}

// DeleteChannelMembers drops the member set.
func (c *Cache) DeleteChannelMembers(ctx context.Context, channelID string) {
	c.Delete(ctx, prefixChannelMembers+channelID)
}

func sortMembers(members []MemberEntry) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
