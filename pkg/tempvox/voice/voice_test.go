package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/dispatch"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/rooms"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
	"github.com/tempvox/tempvox/pkg/tempvox/tracker"
)

type fixture struct {
	handler *Handler
	store   *store.Store
	cache   *cache.Cache
	fake    *platform.Fake
	queue   *rooms.Queue
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(store.Config{Backend: store.BackendSQLite, Path: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	ca, err := cache.New(cache.Config{Addr: mr.Addr()}, logger)
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	cfg := config.Default()
	cfg.GuildID = "guild-1"
	cfg.SpawnChannelIDs = []string{"spawn-1"}
	cfg.RoomCreationDelayMs = 0
	if mutate != nil {
		mutate(&cfg)
	}

	fake := platform.NewFake()
	tr := tracker.New(st, ca, &cfg, logger)
	app := prefs.New(st, ca, fake, &cfg, logger)
	own := ownership.New(st, ca, fake, app, &cfg, logger)
	rq := rooms.New(st, ca, fake, app, &cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rq.Run(ctx)

	h := New(st, ca, fake, tr, app, own, rq, &cfg, logger)
	return &fixture{handler: h, store: st, cache: ca, fake: fake, queue: rq, cfg: &cfg}
}

func (f *fixture) voiceEvent(userID, from, to string, at time.Time) {
	f.handler.HandleVoiceState(context.Background(), dispatch.VoiceStateEvent{
		UserID:        userID,
		GuildID:       "guild-1",
		FromChannelID: from,
		ToChannelID:   to,
		At:            at,
	})
}

func (f *fixture) seedUserRoom(t *testing.T, channelID, ownerID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.UpsertChannel(ctx, store.Room{
		ID:         channelID,
		GuildID:    "guild-1",
		Name:       "Room",
		IsUserRoom: true,
		Active:     true,
	}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if ownerID != "" {
		if err := f.store.SetChannelOwner(ctx, channelID, ownerID, "", time.Now().UTC()); err != nil {
			t.Fatalf("SetChannelOwner: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnJoinCreatesOwnedRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.AddChannel(platform.ChannelInfo{ID: "spawn-1", GuildID: "guild-1", Name: "Create a Room", Position: 3})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice", Nickname: "Alice"})
	f.fake.Connect("user-1", "spawn-1")

	f.voiceEvent("user-1", "", "spawn-1", time.Now().UTC())

	var roomID string
	waitFor(t, "creator moved into new room", func() bool {
		ch, in := f.fake.VoiceChannelOf("user-1")
		if in && ch != "spawn-1" {
			roomID = ch
			return true
		}
		return false
	})

	ch, err := f.fake.Channel(ctx, roomID)
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if ch.Name != "Alice's Channel" {
		t.Fatalf("room name = %q, want Alice's Channel", ch.Name)
	}
	if ch.Position != 2 {
		t.Fatalf("position = %d, want 2", ch.Position)
	}

	waitFor(t, "room row recorded", func() bool {
		room, err := f.store.GetChannel(ctx, roomID)
		return err == nil && room.OwnerID == "user-1"
	})

	// The spawn channel itself never gets a session.
	if n, err := f.store.ActiveMemberCount(ctx, "spawn-1"); err != nil || n != 0 {
		t.Fatalf("spawn sessions = %d (err=%v), want 0", n, err)
	}
}

func TestJoinTracksSessionAndAppliesPrefs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-1", "owner-1")

	muted := []string{"user-2"}
	if err := f.store.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{MutedUsers: &muted}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-2", Username: "bob"})
	f.fake.Connect("user-2", "room-1")

	f.voiceEvent("user-2", "", "room-1", time.Now().UTC())

	if n, err := f.store.ActiveMemberCount(ctx, "room-1"); err != nil || n != 1 {
		t.Fatalf("active sessions = %d (err=%v), want 1", n, err)
	}
	if !f.fake.IsMuted("user-2") {
		t.Fatal("muted preference was not applied to the joiner")
	}
}

func TestBannedJoinerDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-1", "owner-1")

	banned := []string{"user-3"}
	if err := f.store.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{BannedUsers: &banned}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-3", Username: "eve"})
	f.fake.Connect("user-3", "room-1")

	at := time.Now().UTC()
	f.voiceEvent("user-3", "", "room-1", at)

	if _, in := f.fake.VoiceChannelOf("user-3"); in {
		t.Fatal("banned joiner should have been disconnected")
	}

	// The platform emits a LEAVE for the disconnect; the session closes then.
	f.voiceEvent("user-3", "room-1", "", at.Add(time.Second))
	if n, _ := f.store.ActiveMemberCount(ctx, "room-1"); n != 0 {
		t.Fatalf("active sessions = %d, want 0 after disconnect leave", n)
	}
}

func TestLeaveDeletesEmptyUserRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-1", "user-1")

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	f.fake.Connect("user-1", "room-1")

	joined := time.Now().UTC().Add(-10 * time.Minute)
	f.voiceEvent("user-1", "", "room-1", joined)

	f.fake.Disconnect("user-1")
	f.voiceEvent("user-1", "room-1", "", joined.Add(10*time.Minute))

	if f.fake.HasChannel("room-1") {
		t.Fatal("empty user room should be deleted on the platform")
	}
	room, err := f.store.GetChannel(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if room.Active {
		t.Fatal("room row should be inactive after deletion")
	}
	if room.OwnerID != "" {
		t.Fatalf("owner = %s, want cleared", room.OwnerID)
	}
	if n, _ := f.store.ActiveMemberCount(ctx, "room-1"); n != 0 {
		t.Fatalf("active sessions = %d, want 0", n)
	}
}

func TestOwnerLeaveTransfersOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-1", "user-1")

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	for _, u := range []struct{ id, name string }{
		{"user-1", "alice"}, {"user-2", "bob"}, {"user-3", "eve"},
	} {
		f.fake.AddMember(platform.MemberInfo{UserID: u.id, Username: u.name})
		f.fake.Connect(u.id, "room-1")
	}

	base := time.Now().UTC().Add(-time.Hour)
	f.voiceEvent("user-1", "", "room-1", base)
	f.voiceEvent("user-2", "", "room-1", base.Add(5*time.Minute))
	f.voiceEvent("user-3", "", "room-1", base.Add(10*time.Minute))

	f.fake.Disconnect("user-1")
	f.voiceEvent("user-1", "room-1", "", base.Add(30*time.Minute))

	room, err := f.store.GetChannel(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if room.OwnerID != "user-2" {
		t.Fatalf("owner = %s, want user-2 (longest-standing member)", room.OwnerID)
	}

	// Owner's session closed with the right duration.
	sessions, err := f.store.AllActiveSessions(ctx, "guild-1")
	if err != nil {
		t.Fatalf("AllActiveSessions: %v", err)
	}
	for _, s := range sessions {
		if s.UserID == "user-1" {
			t.Fatal("leaver still has an open session")
		}
	}
}

func TestMoveBetweenRooms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-a", "user-1")
	f.seedUserRoom(t, "room-b", "owner-b")

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-a", GuildID: "guild-1", Name: "Alpha"})
	f.fake.AddChannel(platform.ChannelInfo{ID: "room-b", GuildID: "guild-1", Name: "Beta"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	f.fake.AddMember(platform.MemberInfo{UserID: "owner-b", Username: "bob"})
	f.fake.Connect("user-1", "room-a")
	f.fake.Connect("owner-b", "room-b")

	joined := time.Now().UTC().Add(-time.Hour)
	f.voiceEvent("user-1", "", "room-a", joined)

	f.fake.Connect("user-1", "room-b")
	f.voiceEvent("user-1", "room-a", "room-b", joined.Add(30*time.Minute))

	open, err := f.store.OpenSessionFor(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionFor: %v", err)
	}
	if open.ChannelID != "room-b" {
		t.Fatalf("open session in %s, want room-b", open.ChannelID)
	}
	if n, _ := f.store.ActiveMemberCount(ctx, "room-a"); n != 0 {
		t.Fatalf("room-a sessions = %d, want 0", n)
	}

	// room-a emptied by the move, so it is deleted.
	if f.fake.HasChannel("room-a") {
		t.Fatal("room-a should be deleted after its last member moved out")
	}
}

func TestBotEventsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	f.fake.AddMember(platform.MemberInfo{UserID: "bot-1", Username: "musicbot", Bot: true})
	f.fake.Connect("bot-1", "room-1")

	f.voiceEvent("bot-1", "", "room-1", time.Now().UTC())
	if n, _ := f.store.ActiveMemberCount(ctx, "room-1"); n != 0 {
		t.Fatalf("bot sessions = %d, want 0", n)
	}
}

func TestSameChannelToggleIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})

	f.voiceEvent("user-1", "room-1", "room-1", time.Now().UTC())
	if n, _ := f.store.ActiveMemberCount(ctx, "room-1"); n != 0 {
		t.Fatalf("toggle opened a session, want none")
	}
}

func TestExcludedRoomTrackedButNeverMutated(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ExcludedChannelIDs = []string{"room-ro"}
	})
	ctx := context.Background()
	f.seedUserRoom(t, "room-ro", "user-1")

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-ro", GuildID: "guild-1", Name: "Lounge"})
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	f.fake.Connect("user-1", "room-ro")

	joined := time.Now().UTC().Add(-time.Hour)
	f.voiceEvent("user-1", "", "room-ro", joined)
	if n, _ := f.store.ActiveMemberCount(ctx, "room-ro"); n != 1 {
		t.Fatal("read-only room must still track sessions")
	}

	f.fake.Disconnect("user-1")
	f.voiceEvent("user-1", "room-ro", "", joined.Add(time.Hour))
	if n, _ := f.store.ActiveMemberCount(ctx, "room-ro"); n != 0 {
		t.Fatal("read-only room session should close on leave")
	}
	if !f.fake.HasChannel("room-ro") {
		t.Fatal("read-only room must never be deleted")
	}
}

func TestRepeatedFailuresForceResync(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxVoiceErrorsBeforeResync = 2
	})
	ctx := context.Background()

	// room-3 looks like an active user room in the store, but every member
	// listing fails, so the leave path keeps erroring.
	f.seedUserRoom(t, "room-3", "user-1")
	f.fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	f.fake.AddChannel(platform.ChannelInfo{ID: "room-2", GuildID: "guild-1", Name: "Actual"})
	f.fake.Connect("user-1", "room-2")
	f.fake.FailOn["ChannelMembers"] = errors.New("gateway hiccup")

	at := time.Now().UTC()
	f.voiceEvent("user-1", "room-3", "", at)
	f.voiceEvent("user-1", "room-3", "", at.Add(time.Second))

	// The second failure crossed the threshold; the resync must have
	// re-derived the session from the platform's view.
	open, err := f.store.OpenSessionFor(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionFor after resync: %v", err)
	}
	if open.ChannelID != "room-2" {
		t.Fatalf("resynced session in %s, want room-2", open.ChannelID)
	}
}

func TestManualRenameCaptured(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedUserRoom(t, "room-1", "owner-1")

	f.fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Hand Picked"})
	f.fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice"})
	f.fake.SetRenameExecutor("room-1", "mod-1")
	f.fake.SetAdmin("mod-1", true)

	f.handler.HandleChannelUpdate(ctx, dispatch.ChannelUpdateEvent{
		ChannelID: "room-1",
		GuildID:   "guild-1",
		Name:      "Hand Picked",
		At:        time.Now().UTC(),
	})

	prefs, err := f.store.GetOwnerPrefs(ctx, "owner-1", "guild-1")
	if err != nil {
		t.Fatalf("GetOwnerPrefs: %v", err)
	}
	if prefs.PreferredName != "Hand Picked" {
		t.Fatalf("preferred name = %q, want Hand Picked", prefs.PreferredName)
	}
}
