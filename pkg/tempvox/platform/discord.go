package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord implements Platform over a discordgo session.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewDiscord creates a Discord platform over an opened session.
func NewDiscord(session *discordgo.Session, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		session: session,
		logger:  logger.With("component", "platform"),
	}
}

// Connect creates a session, sets the gateway intents the core consumes
// and opens the WebSocket connection.
func Connect(token string, logger *slog.Logger) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("platform: bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("platform: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("platform: opening gateway: %w", err)
	}

	d := NewDiscord(session, logger)
	user := session.State.User
	d.logger.Info("discord connected", "bot", user.Username, "id", user.ID)
	return d, nil
}

// Close closes the gateway connection.
func (d *Discord) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// Session exposes the underlying session for gateway handler wiring.
func (d *Discord) Session() *discordgo.Session { return d.session }

// mapErr converts discordgo REST errors to the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrPermission, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

// deadline bounds a platform call; callers may pass a tighter ctx.
func deadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func (d *Discord) CreateVoiceChannel(ctx context.Context, req CreateChannelRequest) (ChannelInfo, error) {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()

	overwrites := make([]*discordgo.PermissionOverwrite, 0, len(req.Overwrites))
	for _, ow := range req.Overwrites {
		overwrites = append(overwrites, toDiscordOverwrite(ow))
	}

	ch, err := d.session.GuildChannelCreateComplex(req.GuildID, discordgo.GuildChannelCreateData{
		Name:                 req.Name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		Position:             req.Position,
		ParentID:             req.ParentID,
		UserLimit:            req.UserLimit,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return ChannelInfo{}, mapErr(err)
	}
	return fromDiscordChannel(ch), nil
}

func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	_, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) RenameChannel(ctx context.Context, channelID, name string) error {
	ctx, cancel := deadline(ctx, RenameTimeout)
	defer cancel()
	_, err := d.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{
		Name: name,
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetChannelPosition(ctx context.Context, channelID string, position int) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	_, err := d.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{
		Position: &position,
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetUserLimit(ctx context.Context, channelID string, limit int) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	_, err := d.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{
		UserLimit: limit,
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetOverwrite(ctx context.Context, channelID string, ow Overwrite) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	owType := discordgo.PermissionOverwriteTypeRole
	if ow.Type == OverwriteMember {
		owType = discordgo.PermissionOverwriteTypeMember
	}
	err := d.session.ChannelPermissionSet(channelID, ow.ID, owType, ow.Allow, ow.Deny,
		discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) DeleteOverwrite(ctx context.Context, channelID, targetID string) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.ChannelPermissionDelete(channelID, targetID, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) DisconnectMember(ctx context.Context, guildID, userID string) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.GuildMemberMove(guildID, userID, nil, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetMute(ctx context.Context, guildID, userID string, muted bool) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.GuildMemberMute(guildID, userID, muted, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetDeafen(ctx context.Context, guildID, userID string, deafened bool) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.GuildMemberDeafen(guildID, userID, deafened, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SetNickname(ctx context.Context, guildID, userID, nickname string) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	err := d.session.GuildMemberNickname(guildID, userID, nickname, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) SendEmbed(ctx context.Context, channelID string, embed Embed) error {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()

	fields := make([]*discordgo.MessageEmbedField, 0, len(embed.Fields))
	for _, f := range embed.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	_, err := d.session.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title:       embed.Title,
		Description: embed.Description,
		Fields:      fields,
		Color:       embed.Color,
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (d *Discord) Channel(ctx context.Context, channelID string) (ChannelInfo, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return fromDiscordChannel(ch), nil
	}
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return ChannelInfo{}, mapErr(err)
	}
	return fromDiscordChannel(ch), nil
}

func (d *Discord) Member(ctx context.Context, guildID, userID string) (MemberInfo, error) {
	if m, err := d.session.State.Member(guildID, userID); err == nil {
		return fromDiscordMember(m), nil
	}
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	m, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return MemberInfo{}, mapErr(err)
	}
	return fromDiscordMember(m), nil
}

func (d *Discord) GuildVoiceChannels(ctx context.Context, guildID string) ([]ChannelInfo, error) {
	guild, err := d.session.State.Guild(guildID)
	if err == nil {
		var out []ChannelInfo
		for _, ch := range guild.Channels {
			if ch.Type == discordgo.ChannelTypeGuildVoice {
				out = append(out, fromDiscordChannel(ch))
			}
		}
		return out, nil
	}

	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapErr(err)
	}
	var out []ChannelInfo
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice {
			out = append(out, fromDiscordChannel(ch))
		}
	}
	return out, nil
}

func (d *Discord) ChannelMembers(ctx context.Context, guildID, channelID string) ([]MemberInfo, error) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: guild %s", ErrNotFound, guildID)
	}

	var out []MemberInfo
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		m, err := d.Member(ctx, guildID, vs.UserID)
		if err != nil {
			d.logger.Warn("member lookup failed", "user_id", vs.UserID, "error", err)
			out = append(out, MemberInfo{UserID: vs.UserID})
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *Discord) VoiceChannelsFor(ctx context.Context, guildID, userID string) ([]string, error) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: guild %s", ErrNotFound, guildID)
	}
	var out []string
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			out = append(out, vs.ChannelID)
		}
	}
	return out, nil
}

func (d *Discord) ChannelRenameExecutor(ctx context.Context, guildID, channelID string) (string, error) {
	ctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()

	log, err := d.session.GuildAuditLog(guildID, "", "",
		int(discordgo.AuditLogActionChannelUpdate), 10, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	for _, entry := range log.AuditLogEntries {
		if entry.TargetID == channelID {
			return entry.UserID, nil
		}
	}
	return "", fmt.Errorf("%w: no rename entry for channel %s", ErrNotFound, channelID)
}

func (d *Discord) HasAdministrator(ctx context.Context, guildID, userID string) (bool, error) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		gctx, cancel := deadline(ctx, MutationTimeout)
		defer cancel()
		guild, err = d.session.Guild(guildID, discordgo.WithContext(gctx))
		if err != nil {
			return false, mapErr(err)
		}
	}
	if guild.OwnerID == userID {
		return true, nil
	}

	mctx, cancel := deadline(ctx, MutationTimeout)
	defer cancel()
	member, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(mctx))
	if err != nil {
		return false, mapErr(err)
	}

	rolePerms := make(map[string]int64, len(guild.Roles))
	for _, role := range guild.Roles {
		rolePerms[role.ID] = role.Permissions
	}
	for _, roleID := range member.Roles {
		if rolePerms[roleID]&discordgo.PermissionAdministrator != 0 {
			return true, nil
		}
	}
	return false, nil
}

func toDiscordOverwrite(ow Overwrite) *discordgo.PermissionOverwrite {
	owType := discordgo.PermissionOverwriteTypeRole
	if ow.Type == OverwriteMember {
		owType = discordgo.PermissionOverwriteTypeMember
	}
	return &discordgo.PermissionOverwrite{
		ID:    ow.ID,
		Type:  owType,
		Allow: ow.Allow,
		Deny:  ow.Deny,
	}
}

func fromDiscordChannel(ch *discordgo.Channel) ChannelInfo {
	info := ChannelInfo{
		ID:        ch.ID,
		GuildID:   ch.GuildID,
		Name:      ch.Name,
		Position:  ch.Position,
		ParentID:  ch.ParentID,
		UserLimit: ch.UserLimit,
	}
	for _, ow := range ch.PermissionOverwrites {
		owType := OverwriteRole
		if ow.Type == discordgo.PermissionOverwriteTypeMember {
			owType = OverwriteMember
		}
		info.Overwrites = append(info.Overwrites, Overwrite{
			ID:    ow.ID,
			Type:  owType,
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}
	return info
}

func fromDiscordMember(m *discordgo.Member) MemberInfo {
	info := MemberInfo{Nickname: m.Nick}
	if m.User != nil {
		info.UserID = m.User.ID
		info.Username = m.User.Username
		info.GlobalName = m.User.GlobalName
		info.Bot = m.User.Bot
	}
	return info
}

// Compile-time interface verification.
var _ Platform = (*Discord)(nil)
