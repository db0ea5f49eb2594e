package store

import "time"

// Session is a single contiguous presence of one user in one room.
// For any (UserID, GuildID) at most one row has LeftAt == nil; the partial
// unique index on voice_sessions enforces this.
type Session struct {
	ID          int64
	UserID      string
	GuildID     string
	ChannelID   string
	ChannelName string
	JoinedAt    time.Time
	LeftAt      *time.Time
	DurationSec *int64
}

// Open reports whether the session has no recorded leave.
func (s *Session) Open() bool { return s.LeftAt == nil }

// Room is the stored view of a voice channel.
type Room struct {
	ID              string
	GuildID         string
	Name            string
	Position        int
	IsUserRoom      bool
	SpawnID         string
	OwnerID         string
	OwnerSince      *time.Time
	PreviousOwnerID string
	Active          bool
	MemberCount     int
	Status          string
	LastStatusChange *time.Time
}

// RenameRecord scopes a nickname to one user in one channel.
type RenameRecord struct {
	UserID           string    `json:"user_id"`
	OriginalNickname string    `json:"original_nickname"`
	ScopedNickname   string    `json:"scoped_nickname"`
	ChannelID        string    `json:"channel_id"`
	RenamedAt        time.Time `json:"renamed_at"`
}

// OwnerPrefs holds per-(owner, guild) moderation and channel preferences.
// They are authoritative; the cached call state only shadows the subset
// applied to the current room.
type OwnerPrefs struct {
	OwnerID        string
	GuildID        string
	PreferredName  string
	PreferredLimit *int
	PreferredLocked *bool
	PreferredHidden *bool
	BannedUsers    []string
	MutedUsers     []string
	DeafenedUsers  []string
	KickedUsers    []string
	RenamedUsers   []RenameRecord
	LastUpdated    time.Time
}

// RenameFor returns the rename record for (userID, channelID), if any.
func (p *OwnerPrefs) RenameFor(userID, channelID string) (RenameRecord, bool) {
	for _, r := range p.RenamedUsers {
		if r.UserID == userID && r.ChannelID == channelID {
			return r, true
		}
	}
	return RenameRecord{}, false
}

// Banned reports whether userID is on the ban list.
func (p *OwnerPrefs) Banned(userID string) bool { return inList(p.BannedUsers, userID) }

// Muted reports whether userID is on the mute list.
func (p *OwnerPrefs) Muted(userID string) bool { return inList(p.MutedUsers, userID) }

// Deafened reports whether userID is on the deafen list.
func (p *OwnerPrefs) Deafened(userID string) bool { return inList(p.DeafenedUsers, userID) }

func inList(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// PrefsPatch is a partial update of OwnerPrefs; nil fields are untouched.
type PrefsPatch struct {
	PreferredName   *string
	PreferredLimit  *int
	PreferredLocked *bool
	PreferredHidden *bool
	BannedUsers     *[]string
	MutedUsers      *[]string
	DeafenedUsers   *[]string
	KickedUsers     *[]string
	RenamedUsers    *[]RenameRecord
}

// ModEntry is one append-only moderation history row.
type ModEntry struct {
	OwnerID      string
	GuildID      string
	Action       string
	TargetUserID string
	ChannelID    string
	Reason       string
	At           time.Time
}

// Member pairs a user with a join time; used for member-count repair.
type Member struct {
	UserID   string
	JoinedAt time.Time
}
