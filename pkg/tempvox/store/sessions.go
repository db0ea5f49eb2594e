package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OpenSession inserts a new open session for (userID, guildID) in the given
// channel. Any open session for the same user in a *different* channel is
// closed first, in the same transaction, with leftAt = joinedAt. If an open
// session already exists in the same channel the partial unique index
// rejects the insert and ErrConflict is returned; callers treat that as an
// expected race outcome.
func (s *Store) OpenSession(ctx context.Context, userID, guildID, channelID, channelName string, joinedAt time.Time) error {
	if userID == "" || guildID == "" || channelID == "" {
		return fmt.Errorf("store: open session: missing identifiers")
	}
	joinedAt = joinedAt.UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT id, joined_at FROM voice_sessions
			 WHERE user_id = ? AND guild_id = ? AND left_at IS NULL AND channel_id != ?`),
			userID, guildID, channelID)
		if err != nil {
			return err
		}
		type openRow struct {
			id       int64
			joinedAt time.Time
		}
		var stale []openRow
		for rows.Next() {
			var r openRow
			if err := rows.Scan(&r.id, &r.joinedAt); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range stale {
			leftAt := joinedAt
			if leftAt.Before(r.joinedAt) {
				leftAt = r.joinedAt
			}
			dur := int64(leftAt.Sub(r.joinedAt) / time.Second)
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE voice_sessions SET left_at = ?, duration_sec = ? WHERE id = ?`),
				leftAt, dur, r.id); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO voice_sessions (user_id, guild_id, channel_id, channel_name, joined_at)
			 VALUES (?, ?, ?, ?, ?)`),
			userID, guildID, channelID, channelName, joinedAt)
		return err
	})
}

// CloseSession closes the open session for (userID, channelID) at leftAt,
// computing duration_sec = floor(left_at - joined_at). Closing an already
// closed or missing session is a no-op.
func (s *Store) CloseSession(ctx context.Context, userID, channelID string, leftAt time.Time) error {
	if userID == "" || channelID == "" {
		return fmt.Errorf("store: close session: missing identifiers")
	}
	leftAt = leftAt.UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var joinedAt time.Time
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, joined_at FROM voice_sessions
			 WHERE user_id = ? AND channel_id = ? AND left_at IS NULL`),
			userID, channelID).Scan(&id, &joinedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		// left_at may never precede joined_at.
		if leftAt.Before(joinedAt) {
			leftAt = joinedAt
		}
		dur := int64(leftAt.Sub(joinedAt) / time.Second)
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE voice_sessions SET left_at = ?, duration_sec = ? WHERE id = ?`),
			leftAt, dur, id)
		return err
	})
}

// OpenSessionFor returns the open session for (userID, guildID), or
// ErrNotFound if the user has none.
func (s *Store) OpenSessionFor(ctx context.Context, userID, guildID string) (*Session, error) {
	row := s.queryRow(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at, left_at, duration_sec
		 FROM voice_sessions
		 WHERE user_id = ? AND guild_id = ? AND left_at IS NULL`,
		userID, guildID)
	return scanSession(row)
}

// ActiveSessionsInChannel returns the user IDs with an open session in the
// channel.
func (s *Store) ActiveSessionsInChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT user_id FROM voice_sessions WHERE channel_id = ? AND left_at IS NULL`,
		channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		users = append(users, id)
	}
	return users, classify(rows.Err())
}

// ActiveSessionDetails returns the open sessions in the channel, oldest
// join first. Used for inheritor selection when the cache misses.
func (s *Store) ActiveSessionDetails(ctx context.Context, channelID string) ([]Session, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at, left_at, duration_sec
		 FROM voice_sessions
		 WHERE channel_id = ? AND left_at IS NULL
		 ORDER BY joined_at ASC, user_id ASC`,
		channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// AllActiveSessions returns every open session in the guild.
func (s *Store) AllActiveSessions(ctx context.Context, guildID string) ([]Session, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, guild_id, channel_id, channel_name, joined_at, left_at, duration_sec
		 FROM voice_sessions
		 WHERE guild_id = ? AND left_at IS NULL
		 ORDER BY joined_at ASC`,
		guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveMemberCount returns the number of open sessions in the channel.
func (s *Store) ActiveMemberCount(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM voice_sessions WHERE channel_id = ? AND left_at IS NULL`,
		channelID).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// CloseDuplicateSessions closes all but the most recent open session per
// (user, channel) in the guild and returns the number of rows repaired.
// Duplicates can only arise from rows predating the uniqueness index or
// from direct store tampering.
func (s *Store) CloseDuplicateSessions(ctx context.Context, guildID string, now time.Time) (int, error) {
	sessions, err := s.AllActiveSessions(ctx, guildID)
	if err != nil {
		return 0, err
	}

	type key struct{ user, channel string }
	latest := make(map[key]Session)
	var dupes []Session
	for _, sess := range sessions {
		k := key{sess.UserID, sess.ChannelID}
		prev, seen := latest[k]
		if !seen {
			latest[k] = sess
			continue
		}
		if sess.JoinedAt.After(prev.JoinedAt) {
			dupes = append(dupes, prev)
			latest[k] = sess
		} else {
			dupes = append(dupes, sess)
		}
	}

	now = now.UTC()
	for _, d := range dupes {
		leftAt := now
		if leftAt.Before(d.JoinedAt) {
			leftAt = d.JoinedAt
		}
		dur := int64(leftAt.Sub(d.JoinedAt) / time.Second)
		if _, err := s.exec(ctx,
			`UPDATE voice_sessions SET left_at = ?, duration_sec = ? WHERE id = ? AND left_at IS NULL`,
			leftAt, dur, d.ID); err != nil {
			return 0, err
		}
	}
	return len(dupes), nil
}

// SyncChannelActiveUsers recomputes the canonical open-session list for a
// channel from the live member list: sessions for absent users are closed,
// missing sessions are opened, and the stored member count is refreshed.
func (s *Store) SyncChannelActiveUsers(ctx context.Context, guildID, channelID, channelName string, present []Member, now time.Time) error {
	now = now.UTC()

	active, err := s.ActiveSessionsInChannel(ctx, channelID)
	if err != nil {
		return err
	}
	activeSet := make(map[string]bool, len(active))
	for _, u := range active {
		activeSet[u] = true
	}
	presentSet := make(map[string]bool, len(present))
	for _, m := range present {
		presentSet[m.UserID] = true
	}

	for _, u := range active {
		if !presentSet[u] {
			if err := s.CloseSession(ctx, u, channelID, now); err != nil {
				return err
			}
		}
	}
	for _, m := range present {
		if activeSet[m.UserID] {
			continue
		}
		joined := m.JoinedAt
		if joined.IsZero() {
			joined = now
		}
		err := s.OpenSession(ctx, m.UserID, guildID, channelID, channelName, joined)
		if err != nil && !isConflict(err) {
			return err
		}
	}

	_, err = s.exec(ctx,
		`UPDATE channels SET member_count = ? WHERE discord_id = ?`,
		len(present), channelID)
	return err
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var leftAt sql.NullTime
	var dur sql.NullInt64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.GuildID, &sess.ChannelID,
		&sess.ChannelName, &sess.JoinedAt, &leftAt, &dur)
	if err != nil {
		return nil, classify(err)
	}
	if leftAt.Valid {
		t := leftAt.Time
		sess.LeftAt = &t
	}
	if dur.Valid {
		d := dur.Int64
		sess.DurationSec = &d
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var sess Session
		var leftAt sql.NullTime
		var dur sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.GuildID, &sess.ChannelID,
			&sess.ChannelName, &sess.JoinedAt, &leftAt, &dur); err != nil {
			return nil, classify(err)
		}
		if leftAt.Valid {
			t := leftAt.Time
			sess.LeftAt = &t
		}
		if dur.Valid {
			d := dur.Int64
			sess.DurationSec = &d
		}
		out = append(out, sess)
	}
	return out, classify(rows.Err())
}
