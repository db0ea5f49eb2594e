package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Platform for tests. It tracks channels, voice
// membership and member flags, records every mutation in Calls, and can
// be primed to fail specific operations.
type Fake struct {
	mu sync.Mutex

	nextID    int
	channels  map[string]*ChannelInfo
	members   map[string]MemberInfo            // userID -> member
	voice     map[string]string                // userID -> channelID
	muted     map[string]bool                  // userID -> server mute
	deafened  map[string]bool                  // userID -> server deafen
	nicknames map[string]string                // userID -> nickname
	admins    map[string]bool                  // userID -> administrator
	renames   map[string]string                // channelID -> executor of last rename
	Embeds    map[string][]Embed               // channelID -> sent embeds
	FailOn    map[string]error                 // operation name -> error
	Calls     []string
}

// NewFake creates an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		channels:  make(map[string]*ChannelInfo),
		members:   make(map[string]MemberInfo),
		voice:     make(map[string]string),
		muted:     make(map[string]bool),
		deafened:  make(map[string]bool),
		nicknames: make(map[string]string),
		admins:    make(map[string]bool),
		renames:   make(map[string]string),
		Embeds:    make(map[string][]Embed),
		FailOn:    make(map[string]error),
	}
}

// AddChannel seeds a channel.
func (f *Fake) AddChannel(ch ChannelInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := ch
	f.channels[ch.ID] = &c
}

// AddMember seeds a guild member.
func (f *Fake) AddMember(m MemberInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.UserID] = m
}

// Connect puts a member into a voice channel.
func (f *Fake) Connect(userID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voice[userID] = channelID
}

// Disconnect removes a member from voice.
func (f *Fake) Disconnect(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.voice, userID)
}

// SetAdmin marks a user as holding the Administrator right.
func (f *Fake) SetAdmin(userID string, admin bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admins[userID] = admin
}

// SetRenameExecutor primes the audit-log answer for a channel.
func (f *Fake) SetRenameExecutor(channelID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames[channelID] = userID
}

// VoiceChannelOf returns the channel the user is connected to.
func (f *Fake) VoiceChannelOf(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.voice[userID]
	return ch, ok
}

// IsMuted reports the server-mute flag for the user.
func (f *Fake) IsMuted(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[userID]
}

// IsDeafened reports the server-deafen flag for the user.
func (f *Fake) IsDeafened(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deafened[userID]
}

// NicknameOf returns the fake-side nickname for the user.
func (f *Fake) NicknameOf(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nicknames[userID]
}

// HasChannel reports whether the channel still exists.
func (f *Fake) HasChannel(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[channelID]
	return ok
}

// CallCount returns how many recorded calls match op.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) record(op string) error {
	f.Calls = append(f.Calls, op)
	if err, ok := f.FailOn[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) CreateVoiceChannel(_ context.Context, req CreateChannelRequest) (ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVoiceChannel"); err != nil {
		return ChannelInfo{}, err
	}
	f.nextID++
	ch := ChannelInfo{
		ID:         fmt.Sprintf("fake-%d", f.nextID),
		GuildID:    req.GuildID,
		Name:       req.Name,
		Position:   req.Position,
		ParentID:   req.ParentID,
		UserLimit:  req.UserLimit,
		Overwrites: append([]Overwrite(nil), req.Overwrites...),
	}
	f.channels[ch.ID] = &ch
	return ch, nil
}

func (f *Fake) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteChannel"); err != nil {
		return err
	}
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	delete(f.channels, channelID)
	for user, ch := range f.voice {
		if ch == channelID {
			delete(f.voice, user)
		}
	}
	return nil
}

func (f *Fake) RenameChannel(_ context.Context, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RenameChannel"); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	ch.Name = name
	return nil
}

func (f *Fake) SetChannelPosition(_ context.Context, channelID string, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetChannelPosition"); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	ch.Position = position
	return nil
}

func (f *Fake) SetUserLimit(_ context.Context, channelID string, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetUserLimit"); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	ch.UserLimit = limit
	return nil
}

func (f *Fake) SetOverwrite(_ context.Context, channelID string, ow Overwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetOverwrite"); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	for i, existing := range ch.Overwrites {
		if existing.ID == ow.ID && existing.Type == ow.Type {
			ch.Overwrites[i] = ow
			return nil
		}
	}
	ch.Overwrites = append(ch.Overwrites, ow)
	return nil
}

func (f *Fake) DeleteOverwrite(_ context.Context, channelID, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteOverwrite"); err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	out := ch.Overwrites[:0]
	for _, ow := range ch.Overwrites {
		if ow.ID != targetID {
			out = append(out, ow)
		}
	}
	ch.Overwrites = out
	return nil
}

func (f *Fake) MoveMember(_ context.Context, _, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MoveMember"); err != nil {
		return err
	}
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	f.voice[userID] = channelID
	return nil
}

func (f *Fake) DisconnectMember(_ context.Context, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DisconnectMember"); err != nil {
		return err
	}
	delete(f.voice, userID)
	return nil
}

func (f *Fake) SetMute(_ context.Context, _, userID string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetMute"); err != nil {
		return err
	}
	f.muted[userID] = muted
	return nil
}

func (f *Fake) SetDeafen(_ context.Context, _, userID string, deafened bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetDeafen"); err != nil {
		return err
	}
	f.deafened[userID] = deafened
	return nil
}

func (f *Fake) SetNickname(_ context.Context, _, userID, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetNickname"); err != nil {
		return err
	}
	f.nicknames[userID] = nickname
	return nil
}

func (f *Fake) SendEmbed(_ context.Context, channelID string, embed Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendEmbed"); err != nil {
		return err
	}
	f.Embeds[channelID] = append(f.Embeds[channelID], embed)
	return nil
}

func (f *Fake) Channel(_ context.Context, channelID string) (ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return ChannelInfo{}, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	return *ch, nil
}

func (f *Fake) Member(_ context.Context, _, userID string) (MemberInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return MemberInfo{}, fmt.Errorf("%w: member %s", ErrNotFound, userID)
	}
	return m, nil
}

func (f *Fake) GuildVoiceChannels(_ context.Context, guildID string) ([]ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelInfo
	for _, ch := range f.channels {
		if ch.GuildID == guildID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ChannelMembers(_ context.Context, _, channelID string) ([]MemberInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ChannelMembers"); err != nil {
		return nil, err
	}
	var users []string
	for user, ch := range f.voice {
		if ch == channelID {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	var out []MemberInfo
	for _, u := range users {
		if m, ok := f.members[u]; ok {
			out = append(out, m)
		} else {
			out = append(out, MemberInfo{UserID: u})
		}
	}
	return out, nil
}

func (f *Fake) VoiceChannelsFor(_ context.Context, _, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VoiceChannelsFor"); err != nil {
		return nil, err
	}
	if ch, ok := f.voice[userID]; ok {
		return []string{ch}, nil
	}
	return nil, nil
}

func (f *Fake) ChannelRenameExecutor(_ context.Context, _, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ChannelRenameExecutor"); err != nil {
		return "", err
	}
	if exec, ok := f.renames[channelID]; ok {
		return exec, nil
	}
	return "", fmt.Errorf("%w: no rename entry for channel %s", ErrNotFound, channelID)
}

func (f *Fake) HasAdministrator(_ context.Context, _, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[userID], nil
}

// Compile-time interface verification.
var _ Platform = (*Fake)(nil)
