package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tempvox/tempvox/pkg/tempvox/config"
)

// interactionTimeout bounds the work behind one slash command. Discord
// expects an acknowledgement within three seconds.
const interactionTimeout = 3 * time.Second

// Gateway registers the slash commands with Discord and routes incoming
// interactions to the Service. Every command acts on the voice room the
// invoker currently sits in.
type Gateway struct {
	svc     *Service
	session *discordgo.Session
	cfg     *config.Config
	logger  *slog.Logger
}

// NewGateway creates a Gateway over an opened session.
func NewGateway(svc *Service, session *discordgo.Session, cfg *config.Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:     svc,
		session: session,
		cfg:     cfg,
		logger:  logger.With("component", "interactions"),
	}
}

func userOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        name,
		Description: description,
		Required:    true,
	}
}

func reasonOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "reason",
		Description: "Why",
	}
}

var commandDefs = []*discordgo.ApplicationCommand{
	{
		Name:        "rename",
		Description: "Rename your room",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: "The new room name",
			Required:    true,
		}},
	},
	{
		Name:        "limit",
		Description: "Set the user limit of your room (0 removes it)",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "count",
			Description: "Maximum members, 0 to 99",
			Required:    true,
		}},
	},
	{Name: "lock", Description: "Stop new members from joining your room"},
	{Name: "unlock", Description: "Let members join your room again"},
	{Name: "hide", Description: "Hide your room from the channel list"},
	{Name: "unhide", Description: "Make your room visible again"},
	{
		Name:        "mute",
		Description: "Server-mute a member of your room",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "Who to mute")},
	},
	{
		Name:        "unmute",
		Description: "Lift a server mute",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "Who to unmute")},
	},
	{
		Name:        "deafen",
		Description: "Server-deafen a member of your room",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "Who to deafen")},
	},
	{
		Name:        "undeafen",
		Description: "Lift a server deafen",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "Who to undeafen")},
	},
	{
		Name:        "kick",
		Description: "Disconnect a member from your room",
		Options: []*discordgo.ApplicationCommandOption{
			userOption("member", "Who to kick"),
			reasonOption(),
		},
	},
	{
		Name:        "ban",
		Description: "Keep a member out of your rooms",
		Options: []*discordgo.ApplicationCommandOption{
			userOption("member", "Who to ban"),
			reasonOption(),
		},
	},
	{
		Name:        "unban",
		Description: "Lift a ban from your rooms",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "Who to unban")},
	},
	{
		Name:        "renameuser",
		Description: "Give a member a nickname for this room",
		Options: []*discordgo.ApplicationCommandOption{
			userOption("member", "Who to rename"),
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "nickname",
				Description: "The nickname, restored when they leave",
				Required:    true,
			},
		},
	},
	{Name: "claim", Description: "Take ownership of an abandoned room"},
	{
		Name:        "transfer",
		Description: "Hand your room to another member",
		Options:     []*discordgo.ApplicationCommandOption{userOption("member", "The new owner")},
	},
	{Name: "coup", Description: "Vote to depose the room owner"},
}

// Register overwrites the guild's slash commands with the current set.
func (g *Gateway) Register() error {
	appID := g.session.State.User.ID
	if _, err := g.session.ApplicationCommandBulkOverwrite(appID, g.cfg.GuildID, commandDefs); err != nil {
		return fmt.Errorf("commands: registering slash commands: %w", err)
	}
	g.logger.Info("slash commands registered", "count", len(commandDefs), "guild_id", g.cfg.GuildID)
	return nil
}

// Attach wires the interaction handler onto the session.
func (g *Gateway) Attach() {
	g.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand || i.GuildID != g.cfg.GuildID {
			return
		}
		if i.Member == nil || i.Member.User == nil {
			return
		}
		g.handle(s, i)
	})
}

func (g *Gateway) handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	userID := i.Member.User.ID

	channelID, ok := g.voiceChannelOf(ctx, userID)
	if !ok {
		g.respond(s, i, Result{Message: "Join a voice room first."})
		return
	}
	inv := Invocation{UserID: userID, ChannelID: channelID}

	var res Result
	switch data.Name {
	case "rename":
		res = g.svc.Rename(ctx, inv, optString(data, "name"))
	case "limit":
		res = g.svc.Limit(ctx, inv, optInt(data, "count"))
	case "lock":
		res = g.svc.Lock(ctx, inv)
	case "unlock":
		res = g.svc.Unlock(ctx, inv)
	case "hide":
		res = g.svc.Hide(ctx, inv)
	case "unhide":
		res = g.svc.Unhide(ctx, inv)
	case "mute":
		res = g.svc.Mute(ctx, inv, optUser(data, "member"))
	case "unmute":
		res = g.svc.Unmute(ctx, inv, optUser(data, "member"))
	case "deafen":
		res = g.svc.Deafen(ctx, inv, optUser(data, "member"))
	case "undeafen":
		res = g.svc.Undeafen(ctx, inv, optUser(data, "member"))
	case "kick":
		res = g.svc.Kick(ctx, inv, optUser(data, "member"), optString(data, "reason"))
	case "ban":
		res = g.svc.Ban(ctx, inv, optUser(data, "member"), optString(data, "reason"))
	case "unban":
		res = g.svc.Unban(ctx, inv, optUser(data, "member"))
	case "renameuser":
		res = g.svc.RenameUser(ctx, inv, optUser(data, "member"), optString(data, "nickname"))
	case "claim":
		res = g.svc.Claim(ctx, inv)
	case "transfer":
		res = g.svc.Transfer(ctx, inv, optUser(data, "member"))
	case "coup":
		res = g.svc.Coup(ctx, inv)
	default:
		g.logger.Warn("unknown slash command", "name", data.Name)
		return
	}

	g.logger.Debug("command handled", "name", data.Name, "user_id", userID,
		"channel_id", channelID, "ok", res.OK)
	g.respond(s, i, res)
}

// voiceChannelOf resolves the voice channel the user currently occupies.
func (g *Gateway) voiceChannelOf(ctx context.Context, userID string) (string, bool) {
	channels, err := g.svc.platform.VoiceChannelsFor(ctx, g.cfg.GuildID, userID)
	if err != nil || len(channels) == 0 {
		return "", false
	}
	return channels[0], true
}

// respond sends the result as an ephemeral reply; only the invoker sees it.
func (g *Gateway) respond(s *discordgo.Session, i *discordgo.InteractionCreate, res Result) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: res.Message,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		g.logger.Warn("responding to interaction", "error", err)
	}
}

func optString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func optInt(data discordgo.ApplicationCommandInteractionData, name string) int {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionInteger {
			return int(opt.IntValue())
		}
	}
	return 0
}

func optUser(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionUser {
			// UserValue(nil) decodes the ID without a REST fetch.
			if u := opt.UserValue(nil); u != nil {
				return u.ID
			}
		}
	}
	return ""
}
