package prefs

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
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

func testApplicator(t *testing.T) (*Applicator, *store.Store, *cache.Cache, *platform.Fake) {
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

	fake := platform.NewFake()
	return New(st, ca, fake, &cfg, logger), st, ca, fake
}

func seedRoomWithOwner(t *testing.T, st *store.Store, channelID, ownerID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertChannel(ctx, store.Room{
		ID:         channelID,
		GuildID:    "guild-1",
		Name:       "Room",
		IsUserRoom: true,
		Active:     true,
	}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if err := st.SetChannelOwner(ctx, channelID, ownerID, "", time.Now().UTC()); err != nil {
		t.Fatalf("SetChannelOwner: %v", err)
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }

func TestApplyToJoinerDisconnectsBannedUser(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	banned := []string{"user-2"}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{BannedUsers: &banned}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.Connect("user-2", "room-1")

	if err := app.ApplyToJoiner(ctx, "room-1", "user-2"); err != nil {
		t.Fatalf("ApplyToJoiner: %v", err)
	}
	if _, in := fake.VoiceChannelOf("user-2"); in {
		t.Fatal("banned user should have been disconnected")
	}
	if fake.IsMuted("user-2") {
		t.Fatal("banned user must not also be muted")
	}
}

func TestApplyToJoinerMutesAndDeafens(t *testing.T) {
	app, st, ca, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	muted := []string{"user-2"}
	deafened := []string{"user-2"}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{
		MutedUsers:    &muted,
		DeafenedUsers: &deafened,
	}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.Connect("user-2", "room-1")

	if err := app.ApplyToJoiner(ctx, "room-1", "user-2"); err != nil {
		t.Fatalf("ApplyToJoiner: %v", err)
	}
	if !fake.IsMuted("user-2") || !fake.IsDeafened("user-2") {
		t.Fatal("joiner should be muted and deafened")
	}

	state, ok := ca.GetCallState(ctx, "room-1")
	if !ok {
		t.Fatal("call state should exist after applying preferences")
	}
	if state.CurrentOwner != "owner-1" {
		t.Fatalf("call state owner = %s, want owner-1", state.CurrentOwner)
	}
	if len(state.MutedUsers) != 1 || state.MutedUsers[0] != "user-2" {
		t.Fatalf("call state muted = %v, want [user-2]", state.MutedUsers)
	}
}

func TestApplyToJoinerSkipsOwner(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	banned := []string{"owner-1"}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{BannedUsers: &banned}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}
	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.Connect("owner-1", "room-1")

	if err := app.ApplyToJoiner(ctx, "room-1", "owner-1"); err != nil {
		t.Fatalf("ApplyToJoiner: %v", err)
	}
	if _, in := fake.VoiceChannelOf("owner-1"); !in {
		t.Fatal("owner must never be disconnected from their own room")
	}
}

func TestApplyToJoinerAppliesScopedNickname(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	renames := []store.RenameRecord{{
		UserID:           "user-2",
		OriginalNickname: "Original",
		ScopedNickname:   "Court Jester",
		ChannelID:        "room-1",
		RenamedAt:        time.Now().UTC(),
	}}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{RenamedUsers: &renames}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}
	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.Connect("user-2", "room-1")

	if err := app.ApplyToJoiner(ctx, "room-1", "user-2"); err != nil {
		t.Fatalf("ApplyToJoiner: %v", err)
	}
	if got := fake.NicknameOf("user-2"); got != "Court Jester" {
		t.Fatalf("nickname = %q, want Court Jester", got)
	}
}

func TestApplyChannelPrefsAppliesNameLimitLock(t *testing.T) {
	app, st, ca, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{
		PreferredName:   strPtr("The Lair"),
		PreferredLimit:  intPtr(7),
		PreferredLocked: boolPtr(true),
	}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "old"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice"})

	if err := app.ApplyChannelPrefs(ctx, "room-1", "owner-1"); err != nil {
		t.Fatalf("ApplyChannelPrefs: %v", err)
	}

	ch, err := fake.Channel(ctx, "room-1")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if ch.Name != "The Lair" {
		t.Fatalf("name = %q, want The Lair", ch.Name)
	}
	if ch.UserLimit != 7 {
		t.Fatalf("user limit = %d, want 7", ch.UserLimit)
	}

	locked := false
	for _, ow := range ch.Overwrites {
		if ow.Type == platform.OverwriteRole && ow.ID == "guild-1" && ow.Deny&platform.PermConnect != 0 {
			locked = true
		}
	}
	if !locked {
		t.Fatal("room should deny Connect to everyone when locked")
	}

	state, ok := ca.GetCallState(ctx, "room-1")
	if !ok || state.CurrentOwner != "owner-1" {
		t.Fatalf("call state owner = %q (ok=%v), want owner-1", state.CurrentOwner, ok)
	}
}

func TestApplyChannelPrefsDefaultsRoomName(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "old"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice", Nickname: "Alice"})

	if err := app.ApplyChannelPrefs(ctx, "room-1", "owner-1"); err != nil {
		t.Fatalf("ApplyChannelPrefs: %v", err)
	}
	ch, _ := fake.Channel(ctx, "room-1")
	if ch.Name != "Alice's Channel" {
		t.Fatalf("name = %q, want Alice's Channel", ch.Name)
	}
}

func TestApplyChannelPrefsDisconnectsBannedMembers(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	banned := []string{"user-3"}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{BannedUsers: &banned}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice"})
	fake.Connect("owner-1", "room-1")
	fake.Connect("user-2", "room-1")
	fake.Connect("user-3", "room-1")

	if err := app.ApplyChannelPrefs(ctx, "room-1", "owner-1"); err != nil {
		t.Fatalf("ApplyChannelPrefs: %v", err)
	}
	if _, in := fake.VoiceChannelOf("user-3"); in {
		t.Fatal("banned member should have been disconnected")
	}
	if _, in := fake.VoiceChannelOf("user-2"); !in {
		t.Fatal("unbanned member must stay connected")
	}
}

func TestCaptureManualRenameRequiresAdministrator(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1", Name: "Hand Picked"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice"})
	fake.SetRenameExecutor("room-1", "mod-1")

	// Executor without Administrator: nothing persists.
	if err := app.CaptureManualRename(ctx, "room-1", "Hand Picked"); err != nil {
		t.Fatalf("CaptureManualRename: %v", err)
	}
	if _, err := st.GetOwnerPrefs(ctx, "owner-1", "guild-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("prefs should not exist yet, got err=%v", err)
	}

	// Executor with Administrator: name is captured.
	fake.SetAdmin("mod-1", true)
	if err := app.CaptureManualRename(ctx, "room-1", "Hand Picked"); err != nil {
		t.Fatalf("CaptureManualRename: %v", err)
	}
	prefs, err := st.GetOwnerPrefs(ctx, "owner-1", "guild-1")
	if err != nil {
		t.Fatalf("GetOwnerPrefs: %v", err)
	}
	if prefs.PreferredName != "Hand Picked" {
		t.Fatalf("preferred name = %q, want Hand Picked", prefs.PreferredName)
	}
}

func TestCaptureManualRenameFailsClosedOnAuditError(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice"})
	fake.FailOn["ChannelRenameExecutor"] = errors.New("audit unavailable")

	if err := app.CaptureManualRename(ctx, "room-1", "Sneaky Name"); err != nil {
		t.Fatalf("CaptureManualRename: %v", err)
	}
	if _, err := st.GetOwnerPrefs(ctx, "owner-1", "guild-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("rename must not be captured when the audit lookup fails")
	}
}

func TestCaptureManualRenameIgnoresGeneratedName(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()
	seedRoomWithOwner(t, st, "room-1", "owner-1")

	fake.AddChannel(platform.ChannelInfo{ID: "room-1", GuildID: "guild-1"})
	fake.AddMember(platform.MemberInfo{UserID: "owner-1", Username: "alice", Nickname: "Alice"})
	fake.SetRenameExecutor("room-1", "mod-1")
	fake.SetAdmin("mod-1", true)

	if err := app.CaptureManualRename(ctx, "room-1", "Alice's Channel"); err != nil {
		t.Fatalf("CaptureManualRename: %v", err)
	}
	if _, err := st.GetOwnerPrefs(ctx, "owner-1", "guild-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("template-generated names must never be captured")
	}
	if fake.CallCount("ChannelRenameExecutor") != 0 {
		t.Fatal("generated names should not trigger an audit lookup")
	}
}

func TestRestoreNickname(t *testing.T) {
	app, st, _, fake := testApplicator(t)
	ctx := context.Background()

	renames := []store.RenameRecord{{
		UserID:           "user-2",
		OriginalNickname: "Original",
		ScopedNickname:   "Court Jester",
		ChannelID:        "room-1",
		RenamedAt:        time.Now().UTC(),
	}}
	if err := st.UpsertOwnerPrefs(ctx, "owner-1", "guild-1", store.PrefsPatch{RenamedUsers: &renames}); err != nil {
		t.Fatalf("UpsertOwnerPrefs: %v", err)
	}

	app.RestoreNickname(ctx, "user-2", "room-1")
	if got := fake.NicknameOf("user-2"); got != "Original" {
		t.Fatalf("nickname = %q, want Original", got)
	}
}
