// Package rooms creates user rooms. A single consumer drains a FIFO of
// create requests, spacing successive creates and capping the number of
// live user rooms with a weighted semaphore. When the cap is reached the
// request goes back to the head of the queue and the consumer pauses.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// Request asks for one user room.
type Request struct {
	Member  platform.MemberInfo
	SpawnID string

	// Done, when non-nil, receives the result without blocking the worker.
	Done chan<- Result
}

// Result reports the outcome of a create request.
type Result struct {
	Channel platform.ChannelInfo
	Err     error
}

// Queue is the single-consumer room creation queue for one guild.
type Queue struct {
	store    *store.Store
	cache    *cache.Cache
	platform platform.Platform
	prefs    *prefs.Applicator
	cfg      *config.Config
	logger   *slog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	deque []Request

	sem  *semaphore.Weighted
	held struct {
		sync.Mutex
		n int64
	}

	// settleDelay lets the platform propagate the new channel before
	// preferences are applied. Tests shorten it.
	settleDelay time.Duration

	// pauseDelay is how long the consumer sleeps after hitting the cap.
	pauseDelay time.Duration
}

// New creates a Queue. Run must be started for requests to be served.
func New(st *store.Store, ca *cache.Cache, plat platform.Platform, app *prefs.Applicator, cfg *config.Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:       st,
		cache:       ca,
		platform:    plat,
		prefs:       app,
		cfg:         cfg,
		logger:      logger.With("component", "rooms"),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentRooms)),
		settleDelay: time.Second,
		pauseDelay:  2 * time.Second,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Prime reserves semaphore slots for rooms that already exist, typically
// after a restart. Slots beyond the cap are ignored.
func (q *Queue) Prime(n int) {
	for i := 0; i < n; i++ {
		if !q.sem.TryAcquire(1) {
			return
		}
		q.held.Lock()
		q.held.n++
		q.held.Unlock()
	}
}

// RoomDeleted returns one semaphore slot after a user room is destroyed.
func (q *Queue) RoomDeleted() {
	q.held.Lock()
	defer q.held.Unlock()
	if q.held.n > 0 {
		q.held.n--
		q.sem.Release(1)
	}
}

// Live returns the number of cap slots currently held.
func (q *Queue) Live() int {
	q.held.Lock()
	defer q.held.Unlock()
	return int(q.held.n)
}

// Enqueue appends a create request. Never blocks.
func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	q.deque = append(q.deque, req)
	q.mu.Unlock()
	q.cond.Signal()
}

// requeueHead puts a request back at the front of the queue.
func (q *Queue) requeueHead(req Request) {
	q.mu.Lock()
	q.deque = append([]Request{req}, q.deque...)
	q.mu.Unlock()
}

// pop blocks until a request is available or ctx is done.
func (q *Queue) pop(ctx context.Context) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.deque) == 0 {
		if ctx.Err() != nil {
			return Request{}, false
		}
		q.cond.Wait()
	}
	req := q.deque[0]
	q.deque = q.deque[1:]
	return req, true
}

// Run consumes the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	// Wake the consumer when the context dies so pop can observe it.
	go func() {
		<-ctx.Done()
		q.cond.Broadcast()
	}()

	for {
		req, ok := q.pop(ctx)
		if !ok {
			return
		}

		if !q.sem.TryAcquire(1) {
			q.logger.Warn("user room cap reached, pausing",
				"cap", q.cfg.MaxConcurrentRooms)
			q.requeueHead(req)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pauseDelay):
			}
			continue
		}
		q.held.Lock()
		q.held.n++
		q.held.Unlock()

		ch, err := q.create(ctx, req)
		if err != nil {
			q.RoomDeleted()
			q.logger.Error("creating user room", "user_id", req.Member.UserID, "error", err)
		}
		notify(req.Done, Result{Channel: ch, Err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.RoomCreationDelay()):
		}
	}
}

// create builds one user room end to end.
func (q *Queue) create(ctx context.Context, req Request) (platform.ChannelInfo, error) {
	member := req.Member

	spawn, err := q.platform.Channel(ctx, req.SpawnID)
	if err != nil {
		return platform.ChannelInfo{}, fmt.Errorf("rooms: reading spawn channel %s: %w", req.SpawnID, err)
	}

	preferredName := ""
	if p, err := q.prefs.OwnerPrefsFor(ctx, member.UserID); err == nil && p != nil {
		preferredName = p.PreferredName
	}
	name := q.prefs.RoomName(preferredName, member.DisplayName())

	position := spawn.Position - 1
	if position < 0 {
		position = 0
	}

	overwrites := q.buildOverwrites(spawn, member.UserID)

	ch, err := q.platform.CreateVoiceChannel(ctx, platform.CreateChannelRequest{
		GuildID:    q.cfg.GuildID,
		Name:       name,
		Position:   position,
		ParentID:   spawn.ParentID,
		Overwrites: overwrites,
	})
	if err != nil {
		return platform.ChannelInfo{}, fmt.Errorf("rooms: creating channel for %s: %w", member.UserID, err)
	}

	if err := q.platform.MoveMember(ctx, q.cfg.GuildID, member.UserID, ch.ID); err != nil {
		// The user probably left the spawn channel; the empty room is
		// reclaimed by the reconciler or the next leave event.
		q.logger.Warn("moving creator into room", "user_id", member.UserID,
			"channel_id", ch.ID, "error", err)
	}

	now := time.Now().UTC()
	if err := store.Retry(ctx, q.logger, func() error {
		return q.store.UpsertChannel(ctx, store.Room{
			ID:         ch.ID,
			GuildID:    q.cfg.GuildID,
			Name:       name,
			Position:   position,
			IsUserRoom: true,
			SpawnID:    req.SpawnID,
			OwnerID:    member.UserID,
			OwnerSince: &now,
			Active:     true,
		})
	}); err != nil {
		return ch, fmt.Errorf("rooms: recording channel %s: %w", ch.ID, err)
	}
	q.cache.SetChannelOwner(ctx, ch.ID, member.UserID, now)

	select {
	case <-ctx.Done():
		return ch, ctx.Err()
	case <-time.After(q.settleDelay):
	}

	if err := q.prefs.ApplyChannelPrefs(ctx, ch.ID, member.UserID); err != nil {
		q.logger.Warn("applying creator preferences", "channel_id", ch.ID, "error", err)
	}

	if err := q.platform.SendEmbed(ctx, ch.ID, welcomeEmbed(member.DisplayName())); err != nil {
		q.logger.Warn("posting welcome card", "channel_id", ch.ID, "error", err)
	}

	q.logger.Info("user room created", "channel_id", ch.ID,
		"owner_id", member.UserID, "name", name)
	return ch, nil
}

// buildOverwrites seeds the new room's permissions. The creator gets the
// channel-scoped owner rights. When the spawn channel is restricted (denies
// Connect or ViewChannel to everyone), its overwrites are cloned so the new
// room inherits the same visibility; the owner overwrite is merged last.
func (q *Queue) buildOverwrites(spawn platform.ChannelInfo, ownerID string) []platform.Overwrite {
	var out []platform.Overwrite

	restricted := platform.DeniesEveryone(spawn, q.cfg.GuildID, platform.PermConnect) ||
		platform.DeniesEveryone(spawn, q.cfg.GuildID, platform.PermViewChannel)
	if restricted {
		for _, ow := range spawn.Overwrites {
			if ow.Type == platform.OverwriteMember && ow.ID == ownerID {
				continue
			}
			out = append(out, ow)
		}
	}
	return append(out, platform.OwnerOverwrite(ownerID))
}

func welcomeEmbed(displayName string) platform.Embed {
	return platform.Embed{
		Title:       "Welcome to your room",
		Description: fmt.Sprintf("%s, this room is yours until everyone leaves.", displayName),
		Color:       0x57F287,
		Fields: []platform.EmbedField{
			{Name: "/rename", Value: "Rename the room", Inline: true},
			{Name: "/limit", Value: "Set a user limit", Inline: true},
			{Name: "/lock · /unlock", Value: "Control who can join", Inline: true},
			{Name: "/hide", Value: "Hide the room", Inline: true},
			{Name: "/mute · /deafen", Value: "Quiet a member", Inline: true},
			{Name: "/kick · /ban", Value: "Remove a member", Inline: true},
			{Name: "/transfer", Value: "Hand the room to someone else", Inline: true},
			{Name: "/claim", Value: "Claim an unowned room", Inline: true},
			{Name: "/coup", Value: "Vote out an absent owner", Inline: true},
		},
	}
}

func notify(ch chan<- Result, res Result) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}
