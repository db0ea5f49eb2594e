package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

func testReconciler(t *testing.T) (*Reconciler, *store.Store, *cache.Cache, *platform.Fake, *miniredis.Miniredis) {
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

	fake := platform.NewFake()
	app := prefs.New(st, ca, fake, &cfg, logger)
	own := ownership.New(st, ca, fake, app, &cfg, logger)
	return New(st, ca, fake, own, &cfg, logger), st, ca, fake, mr
}

func TestPassOpensMissingSession(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	// The process was offline during a join: the platform has the user,
	// the store does not.
	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	fake.Connect("user-1", "room-1")

	stats, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.SessionsOpened != 1 {
		t.Fatalf("opened = %d, want 1", stats.SessionsOpened)
	}

	users, err := st.ActiveSessionsInChannel(ctx, "room-1")
	if err != nil || len(users) != 1 || users[0] != "user-1" {
		t.Fatalf("active users = %v (err=%v), want [user-1]", users, err)
	}

	// A second pass must not open a duplicate.
	stats, err = r.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats.SessionsOpened != 0 {
		t.Fatalf("second pass opened = %d, want 0", stats.SessionsOpened)
	}
}

func TestPassClosesOrphanedSessions(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	// user-1's session points at a live channel they already left;
	// user-2's session points at a channel that no longer exists.
	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	joined := time.Now().UTC().Add(-time.Hour)
	if err := st.OpenSession(ctx, "user-1", "guild-1", "room-1", "Room", joined); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := st.OpenSession(ctx, "user-2", "guild-1", "room-gone", "Gone", joined); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	stats, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.SessionsClosed != 2 {
		t.Fatalf("closed = %d, want 2", stats.SessionsClosed)
	}

	sessions, err := st.AllActiveSessions(ctx, "guild-1")
	if err != nil {
		t.Fatalf("AllActiveSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("open sessions after pass = %v, want none", sessions)
	}
}

func TestPassSkipsSpawnAndAFKChannels(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	fake.AddChannel(platform.ChannelInfo{ID: "spawn-1", GuildID: "guild-1", Name: "Create a Room"})
	fake.AddChannel(platform.ChannelInfo{ID: "room-afk", GuildID: "guild-1", Name: "AFK Lounge"})
	fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	fake.AddMember(platform.MemberInfo{UserID: "user-2", Username: "bob"})
	fake.Connect("user-1", "spawn-1")
	fake.Connect("user-2", "room-afk")

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sessions, _ := st.AllActiveSessions(ctx, "guild-1"); len(sessions) != 0 {
		t.Fatalf("sessions = %v, want none for spawn/afk channels", sessions)
	}
}

func TestPassIgnoresBots(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	fake.AddMember(platform.MemberInfo{UserID: "bot-1", Username: "musicbot", Bot: true})
	fake.Connect("bot-1", "room-1")

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sessions, _ := st.AllActiveSessions(ctx, "guild-1"); len(sessions) != 0 {
		t.Fatalf("sessions = %v, want none for bots", sessions)
	}
}

func TestPassRepairsOwnership(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	if err := st.UpsertChannel(ctx, store.Room{
		ID:         "room-1",
		GuildID:    "guild-1",
		Name:       "Room",
		IsUserRoom: true,
		OwnerID:    "ghost",
		Active:     true,
	}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	fake.AddMember(platform.MemberInfo{UserID: "user-2", Username: "bob"})
	fake.Connect("user-2", "room-1")

	stats, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.OwnersRepaired != 1 {
		t.Fatalf("owners repaired = %d, want 1", stats.OwnersRepaired)
	}

	room, err := st.GetChannel(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if room.OwnerID != "user-2" {
		t.Fatalf("owner = %s, want user-2", room.OwnerID)
	}
}

func TestPassPreservesChannelRowOwnership(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	since := time.Now().UTC().Add(-time.Hour)
	if err := st.UpsertChannel(ctx, store.Room{
		ID:         "room-1",
		GuildID:    "guild-1",
		Name:       "Old Name",
		IsUserRoom: true,
		SpawnID:    "spawn-1",
		OwnerID:    "user-1",
		OwnerSince: &since,
		Active:     true,
	}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Live Name", Position: 4})
	fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	fake.Connect("user-1", "room-1")

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	room, err := st.GetChannel(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if room.Name != "Live Name" || room.Position != 4 {
		t.Fatalf("row not refreshed: %+v", room)
	}
	if room.OwnerID != "user-1" || !room.IsUserRoom || room.SpawnID != "spawn-1" {
		t.Fatalf("ownership fields clobbered: %+v", room)
	}
}

func TestStartupPurgesCacheAndRepairsSessions(t *testing.T) {
	r, st, _, fake, mr := testReconciler(t)
	ctx := context.Background()

	// Junk left behind by an older deployment.
	mr.Set("channel_owner:room-1", "null")
	mr.Set("channel_owner:undefined", `{"schema_version":1}`)

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Room"})
	fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	fake.Connect("user-1", "room-1")

	if err := r.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	if mr.Exists("channel_owner:room-1") {
		t.Fatal("malformed cache entry survived startup")
	}
	if mr.Exists("channel_owner:undefined") {
		t.Fatal("known-bad key survived startup")
	}

	users, err := st.ActiveSessionsInChannel(ctx, "room-1")
	if err != nil || len(users) != 1 {
		t.Fatalf("active users = %v (err=%v), want one repaired session", users, err)
	}
}

func TestRoundTripDriftRepair(t *testing.T) {
	r, st, _, fake, _ := testReconciler(t)
	ctx := context.Background()

	// Final platform truth: user-1 in room-b, user-2 gone, user-3 in
	// room-a. The store saw only part of the transitions.
	fake.AddChannel(platform.ChannelInfo{ID: "room-a", GuildID: "guild-1", Name: "Alpha"})
	fake.AddChannel(platform.ChannelInfo{ID: "room-b", GuildID: "guild-1", Name: "Beta"})
	fake.AddMember(platform.MemberInfo{UserID: "user-1", Username: "alice"})
	fake.AddMember(platform.MemberInfo{UserID: "user-3", Username: "eve"})
	fake.Connect("user-1", "room-b")
	fake.Connect("user-3", "room-a")

	joined := time.Now().UTC().Add(-time.Hour)
	// Store thinks user-1 is still in room-a and user-2 is in room-b.
	if err := st.OpenSession(ctx, "user-1", "guild-1", "room-a", "Alpha", joined); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := st.OpenSession(ctx, "user-2", "guild-1", "room-b", "Beta", joined); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sessions, err := st.AllActiveSessions(ctx, "guild-1")
	if err != nil {
		t.Fatalf("AllActiveSessions: %v", err)
	}
	got := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if prev, dup := got[s.UserID]; dup {
			t.Fatalf("user %s has open sessions in %s and %s", s.UserID, prev, s.ChannelID)
		}
		got[s.UserID] = s.ChannelID
	}
	want := map[string]string{"user-1": "room-b", "user-3": "room-a"}
	if len(got) != len(want) {
		t.Fatalf("open sessions = %v, want %v", got, want)
	}
	for user, ch := range want {
		if got[user] != ch {
			t.Fatalf("user %s open in %q, want %q", user, got[user], ch)
		}
	}
}
