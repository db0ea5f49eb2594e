package platform

import "github.com/bwmarrin/discordgo"

// permStream is the STREAM permission bit (screen share / go live).
const permStream int64 = 1 << 9

// OwnerAllow is the channel-scoped right set granted to a room's owner:
// manage this channel, invite, connect, speak, voice activity, priority
// speaker, stream. Realm-wide rights (move/mute/deafen members, manage
// roles) are deliberately absent.
const OwnerAllow = discordgo.PermissionManageChannels |
	discordgo.PermissionCreateInstantInvite |
	discordgo.PermissionVoiceConnect |
	discordgo.PermissionVoiceSpeak |
	discordgo.PermissionVoiceUseVAD |
	discordgo.PermissionVoicePrioritySpeaker |
	permStream

// Bits consulted when deciding whether a spawn channel is restricted and
// when locking or hiding a room.
const (
	PermConnect     = discordgo.PermissionVoiceConnect
	PermViewChannel = discordgo.PermissionViewChannel
)

// OwnerOverwrite builds the member overwrite seeded for a room creator.
func OwnerOverwrite(userID string) Overwrite {
	return Overwrite{
		ID:    userID,
		Type:  OverwriteMember,
		Allow: OwnerAllow,
	}
}

// DeniesEveryone reports whether the channel denies the given permission
// bit to the @everyone role (whose ID equals the guild ID).
func DeniesEveryone(ch ChannelInfo, guildID string, bit int64) bool {
	for _, ow := range ch.Overwrites {
		if ow.Type == OverwriteRole && ow.ID == guildID && ow.Deny&bit != 0 {
			return true
		}
	}
	return false
}
