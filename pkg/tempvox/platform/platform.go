// Package platform abstracts every chat-platform call the core issues.
// The Discord implementation lives in this package; tests use the Fake.
package platform

import (
	"context"
	"errors"
	"time"
)

// Error kinds the core reacts to. Everything else is treated as transient
// by the caller's retry policy.
var (
	// ErrPermission means the bot lacks the right for that mutation.
	// Callers log at WARN and skip the sub-step.
	ErrPermission = errors.New("platform: permission denied")

	// ErrNotFound means the room or member vanished mid-flight.
	ErrNotFound = errors.New("platform: not found")
)

// OverwriteType distinguishes role from member permission overwrites.
type OverwriteType int

const (
	OverwriteRole OverwriteType = iota
	OverwriteMember
)

// Overwrite is one permission overwrite on a channel.
type Overwrite struct {
	ID    string
	Type  OverwriteType
	Allow int64
	Deny  int64
}

// ChannelInfo is the live view of a voice channel.
type ChannelInfo struct {
	ID         string
	GuildID    string
	Name       string
	Position   int
	ParentID   string
	UserLimit  int
	Overwrites []Overwrite
}

// MemberInfo is the live view of a guild member.
type MemberInfo struct {
	UserID   string
	Username string
	Nickname string
	// GlobalName is the display name set on the account.
	GlobalName string
	Bot        bool
}

// DisplayName returns the name rooms are titled after: the guild nickname
// if set, else the account display name, else the username.
func (m MemberInfo) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	if m.GlobalName != "" {
		return m.GlobalName
	}
	return m.Username
}

// VoiceMember pairs a member with their voice channel.
type VoiceMember struct {
	Member    MemberInfo
	ChannelID string
}

// Embed is a platform-neutral rich message.
type Embed struct {
	Title       string
	Description string
	Fields      []EmbedField
	Color       int
}

// EmbedField is one titled section of an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// CreateChannelRequest carries everything needed to create a voice room.
type CreateChannelRequest struct {
	GuildID    string
	Name       string
	Position   int
	ParentID   string
	UserLimit  int
	Overwrites []Overwrite
}

// Platform is the full set of calls the core issues against the chat
// platform. Implementations wrap each call in a deadline; timeouts return
// as recoverable errors.
type Platform interface {
	// CreateVoiceChannel creates a voice room and returns its live view.
	CreateVoiceChannel(ctx context.Context, req CreateChannelRequest) (ChannelInfo, error)

	// DeleteChannel removes the channel from the platform.
	DeleteChannel(ctx context.Context, channelID string) error

	// RenameChannel sets the channel name.
	RenameChannel(ctx context.Context, channelID, name string) error

	// SetChannelPosition moves the channel in the listing.
	SetChannelPosition(ctx context.Context, channelID string, position int) error

	// SetUserLimit sets the voice user limit (0 = unlimited).
	SetUserLimit(ctx context.Context, channelID string, limit int) error

	// SetOverwrite creates or edits one permission overwrite.
	SetOverwrite(ctx context.Context, channelID string, ow Overwrite) error

	// DeleteOverwrite removes the overwrite for the target.
	DeleteOverwrite(ctx context.Context, channelID, targetID string) error

	// MoveMember moves a connected member into the channel.
	MoveMember(ctx context.Context, guildID, userID, channelID string) error

	// DisconnectMember drops the member from voice.
	DisconnectMember(ctx context.Context, guildID, userID string) error

	// SetMute server-mutes or unmutes the member.
	SetMute(ctx context.Context, guildID, userID string, muted bool) error

	// SetDeafen server-deafens or undeafens the member.
	SetDeafen(ctx context.Context, guildID, userID string, deafened bool) error

	// SetNickname sets the member's guild nickname ("" clears it).
	SetNickname(ctx context.Context, guildID, userID, nickname string) error

	// SendEmbed posts a rich message to the channel.
	SendEmbed(ctx context.Context, channelID string, embed Embed) error

	// Channel returns the live view of a channel.
	Channel(ctx context.Context, channelID string) (ChannelInfo, error)

	// Member returns the live view of a guild member.
	Member(ctx context.Context, guildID, userID string) (MemberInfo, error)

	// GuildVoiceChannels lists every voice channel in the guild.
	GuildVoiceChannels(ctx context.Context, guildID string) ([]ChannelInfo, error)

	// ChannelMembers lists the members currently connected to the channel.
	ChannelMembers(ctx context.Context, guildID, channelID string) ([]MemberInfo, error)

	// VoiceChannelsFor lists the channels the user is connected to.
	// Discord allows at most one, but drifted gateways have reported more.
	VoiceChannelsFor(ctx context.Context, guildID, userID string) ([]string, error)

	// ChannelRenameExecutor consults the audit log for the most recent
	// rename of the channel and returns the executor's user ID.
	ChannelRenameExecutor(ctx context.Context, guildID, channelID string) (string, error)

	// HasAdministrator reports whether the user holds the realm
	// Administrator right.
	HasAdministrator(ctx context.Context, guildID, userID string) (bool, error)
}

// Call deadlines. Renames get a longer budget because Discord rate-limits
// channel renames aggressively.
const (
	RenameTimeout   = 8 * time.Second
	MutationTimeout = 5 * time.Second
)
