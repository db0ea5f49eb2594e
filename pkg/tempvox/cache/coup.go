package cache

import (
	"context"
	"time"
)

// CoupVote is one cast vote.
type CoupVote struct {
	VoterID string    `json:"voter_id"`
	At      time.Time `json:"at"`
}

// CoupSession is an in-flight ownership vote for a channel. At most one
// exists per channel; the entry expires with the voting window.
type CoupSession struct {
	SchemaVersion int        `json:"schema_version"`
	ID            string     `json:"id"`
	ChannelID     string     `json:"channel_id"`
	TargetUserID  string     `json:"target_user_id"`
	InitiatorID   string     `json:"initiator_id"`
	Votes         []CoupVote `json:"votes"`
	StartedAt     time.Time  `json:"started_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// HasVoted reports whether userID already cast a vote.
func (s *CoupSession) HasVoted(userID string) bool {
	for _, v := range s.Votes {
		if v.VoterID == userID {
			return true
		}
	}
	return false
}

// Expired reports whether the voting window has passed.
func (s *CoupSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// GetCoup returns the active coup session for the channel.
func (c *Cache) GetCoup(ctx context.Context, channelID string) (CoupSession, bool) {
	key := prefixCoup + channelID
	var rec CoupSession
	if !c.getRecord(ctx, key, &rec) {
		return CoupSession{}, false
	}
	if !c.versionOK(ctx, key, rec.SchemaVersion) {
		return CoupSession{}, false
	}
	return rec, true
}

// SetCoup writes the coup session with TTL bound to the remaining window.
func (c *Cache) SetCoup(ctx context.Context, session CoupSession) {
	session.SchemaVersion = SchemaVersion
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		c.DeleteCoup(ctx, session.ChannelID)
		return
	}
	c.setRecord(ctx, prefixCoup+session.ChannelID, session, ttl)
}

// DeleteCoup removes the coup session for the channel.
func (c *Cache) DeleteCoup(ctx context.Context, channelID string) {
	c.Delete(ctx, prefixCoup+channelID)
}
