package platform

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tempvox/tempvox/pkg/tempvox/dispatch"
)

// Attach registers gateway handlers that convert events for the managed
// guild into typed records and enqueue them. Each callback only builds a
// record and returns; all work happens on the dispatcher's workers.
func (d *Discord) Attach(disp *dispatch.Dispatcher, guildID string) {
	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if e.GuildID != guildID {
			return
		}
		from := ""
		if e.BeforeUpdate != nil {
			from = e.BeforeUpdate.ChannelID
		}
		disp.Enqueue(dispatch.FamilyVoiceState, dispatch.VoiceStateEvent{
			UserID:        e.UserID,
			GuildID:       e.GuildID,
			FromChannelID: from,
			ToChannelID:   e.ChannelID,
			At:            time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelUpdate) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyChannelUpdate, dispatch.ChannelUpdateEvent{
			ChannelID: e.ID,
			GuildID:   e.GuildID,
			Name:      e.Name,
			Position:  e.Position,
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageCreate) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyMessage, dispatch.MessageEvent{
			Kind:      "create",
			MessageID: e.ID,
			ChannelID: e.ChannelID,
			GuildID:   e.GuildID,
			AuthorID:  authorID(e.Author),
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageUpdate) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyMessage, dispatch.MessageEvent{
			Kind:      "update",
			MessageID: e.ID,
			ChannelID: e.ChannelID,
			GuildID:   e.GuildID,
			AuthorID:  authorID(e.Author),
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageDelete) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyMessage, dispatch.MessageEvent{
			Kind:      "delete",
			MessageID: e.ID,
			ChannelID: e.ChannelID,
			GuildID:   e.GuildID,
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyReaction, dispatch.ReactionEvent{
			Kind:      "add",
			MessageID: e.MessageID,
			ChannelID: e.ChannelID,
			GuildID:   e.GuildID,
			UserID:    e.UserID,
			Emoji:     e.Emoji.Name,
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionRemove) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyReaction, dispatch.ReactionEvent{
			Kind:      "remove",
			MessageID: e.MessageID,
			ChannelID: e.ChannelID,
			GuildID:   e.GuildID,
			UserID:    e.UserID,
			Emoji:     e.Emoji.Name,
			At:        time.Now().UTC(),
		})
	})

	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
		if e.GuildID != guildID {
			return
		}
		disp.Enqueue(dispatch.FamilyMemberUpdate, dispatch.MemberUpdateEvent{
			GuildID:  e.GuildID,
			UserID:   authorID(e.User),
			Nickname: e.Nick,
			At:       time.Now().UTC(),
		})
	})
}

func authorID(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
