package tracker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

func testTracker(t *testing.T) (*Tracker, *store.Store, *cache.Cache) {
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
	cfg.AFKChannelIDs = []string{"afk-by-id"}

	return New(st, ca, &cfg, logger), st, ca
}

func TestTrackJoinOpensSessionAndCacheEntry(t *testing.T) {
	tr, st, ca := testTracker(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute)

	if err := tr.TrackJoin(ctx, "user-1", "room-1", "General", at); err != nil {
		t.Fatalf("TrackJoin: %v", err)
	}

	users, err := st.ActiveSessionsInChannel(ctx, "room-1")
	if err != nil {
		t.Fatalf("ActiveSessionsInChannel: %v", err)
	}
	if len(users) != 1 || users[0] != "user-1" {
		t.Fatalf("active users = %v, want [user-1]", users)
	}

	members, ok := ca.ChannelMembers(ctx, "room-1")
	if !ok || len(members) != 1 || members[0].UserID != "user-1" {
		t.Fatalf("cached members = %v (ok=%v), want user-1", members, ok)
	}
}

func TestTrackLeaveClosesSession(t *testing.T) {
	tr, st, ca := testTracker(t)
	ctx := context.Background()
	joined := time.Now().UTC().Add(-90 * time.Second)
	left := joined.Add(90 * time.Second)

	if err := tr.TrackJoin(ctx, "user-1", "room-1", "General", joined); err != nil {
		t.Fatalf("TrackJoin: %v", err)
	}
	if err := tr.TrackLeave(ctx, "user-1", "room-1", "General", left); err != nil {
		t.Fatalf("TrackLeave: %v", err)
	}

	if n, err := st.ActiveMemberCount(ctx, "room-1"); err != nil || n != 0 {
		t.Fatalf("active count = %d (err=%v), want 0", n, err)
	}
	if members, ok := ca.ChannelMembers(ctx, "room-1"); ok && len(members) != 0 {
		t.Fatalf("cache member set = %v, want empty after leave", members)
	}
}

func TestTrackLeaveWithoutSessionIsNoOp(t *testing.T) {
	tr, _, _ := testTracker(t)
	if err := tr.TrackLeave(context.Background(), "ghost", "room-1", "General", time.Now().UTC()); err != nil {
		t.Fatalf("TrackLeave on absent session: %v", err)
	}
}

func TestTrackMoveKeepsSingleOpenSession(t *testing.T) {
	tr, st, _ := testTracker(t)
	ctx := context.Background()
	joined := time.Now().UTC().Add(-time.Hour)
	moved := joined.Add(30 * time.Minute)

	if err := tr.TrackJoin(ctx, "user-1", "room-a", "Alpha", joined); err != nil {
		t.Fatalf("TrackJoin: %v", err)
	}
	if err := tr.TrackMove(ctx, "user-1", "room-a", "Alpha", "room-b", "Beta", moved); err != nil {
		t.Fatalf("TrackMove: %v", err)
	}

	open, err := st.OpenSessionFor(ctx, "user-1", "guild-1")
	if err != nil {
		t.Fatalf("OpenSessionFor: %v", err)
	}
	if open.ChannelID != "room-b" {
		t.Fatalf("open session channel = %s, want room-b", open.ChannelID)
	}
	if n, err := st.ActiveMemberCount(ctx, "room-a"); err != nil || n != 0 {
		t.Fatalf("room-a active count = %d (err=%v), want 0", n, err)
	}
}

func TestDoubleJoinSameChannelIsTolerated(t *testing.T) {
	tr, st, _ := testTracker(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute)

	if err := tr.TrackJoin(ctx, "user-1", "room-1", "General", at); err != nil {
		t.Fatalf("first TrackJoin: %v", err)
	}
	if err := tr.TrackJoin(ctx, "user-1", "room-1", "General", at.Add(time.Second)); err != nil {
		t.Fatalf("duplicate TrackJoin should be tolerated: %v", err)
	}
	if n, err := st.ActiveMemberCount(ctx, "room-1"); err != nil || n != 1 {
		t.Fatalf("active count = %d (err=%v), want 1", n, err)
	}
}

func TestSpawnAndAFKChannelsNotTracked(t *testing.T) {
	tr, st, _ := testTracker(t)
	ctx := context.Background()
	at := time.Now().UTC()

	cases := []struct {
		channelID, name string
	}{
		{"spawn-1", "Create a Room"},
		{"afk-by-id", "Quiet Corner"},
		{"room-9", "AFK Lounge"},
		{"room-10", "away from keyboard"},
	}
	for _, tc := range cases {
		if err := tr.TrackJoin(ctx, "user-1", tc.channelID, tc.name, at); err != nil {
			t.Fatalf("TrackJoin(%s): %v", tc.channelID, err)
		}
		if n, err := st.ActiveMemberCount(ctx, tc.channelID); err != nil || n != 0 {
			t.Fatalf("channel %s (%s) tracked a session, want none", tc.channelID, tc.name)
		}
	}
}

func TestMissingIDsRefused(t *testing.T) {
	tr, _, _ := testTracker(t)
	if err := tr.TrackJoin(context.Background(), "", "room-1", "General", time.Now().UTC()); err == nil {
		t.Fatal("join with empty user id should be refused")
	}
	if err := tr.TrackLeave(context.Background(), "user-1", "", "General", time.Now().UTC()); err == nil {
		t.Fatal("leave with empty channel id should be refused")
	}
}
