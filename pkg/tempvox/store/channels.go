package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertChannel inserts or refreshes a channel row keyed by discord_id.
func (s *Store) UpsertChannel(ctx context.Context, room Room) error {
	if room.ID == "" || room.GuildID == "" {
		return fmt.Errorf("store: upsert channel: missing identifiers")
	}
	var ownerSince any
	if room.OwnerSince != nil {
		ownerSince = room.OwnerSince.UTC()
	}
	var lastStatus any
	if room.LastStatusChange != nil {
		lastStatus = room.LastStatusChange.UTC()
	}

	_, err := s.exec(ctx,
		`INSERT INTO channels (discord_id, guild_id, name, position, is_user_room, spawn_id,
			owner_id, owner_since, previous_owner_id, active, member_count, status, last_status_change)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (discord_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			name = excluded.name,
			position = excluded.position,
			is_user_room = excluded.is_user_room,
			spawn_id = excluded.spawn_id,
			owner_id = excluded.owner_id,
			owner_since = excluded.owner_since,
			previous_owner_id = excluded.previous_owner_id,
			active = excluded.active,
			member_count = excluded.member_count,
			status = excluded.status,
			last_status_change = excluded.last_status_change`,
		room.ID, room.GuildID, room.Name, room.Position, room.IsUserRoom, room.SpawnID,
		room.OwnerID, ownerSince, room.PreviousOwnerID, room.Active, room.MemberCount,
		room.Status, lastStatus)
	return err
}

// GetChannel returns the channel row for discord_id, or ErrNotFound.
func (s *Store) GetChannel(ctx context.Context, id string) (*Room, error) {
	row := s.queryRow(ctx,
		`SELECT discord_id, guild_id, name, position, is_user_room, spawn_id, owner_id,
			owner_since, previous_owner_id, active, member_count, status, last_status_change
		 FROM channels WHERE discord_id = ?`, id)

	var r Room
	var ownerSince, lastStatus sql.NullTime
	err := row.Scan(&r.ID, &r.GuildID, &r.Name, &r.Position, &r.IsUserRoom, &r.SpawnID,
		&r.OwnerID, &ownerSince, &r.PreviousOwnerID, &r.Active, &r.MemberCount,
		&r.Status, &lastStatus)
	if err != nil {
		return nil, classify(err)
	}
	if ownerSince.Valid {
		t := ownerSince.Time
		r.OwnerSince = &t
	}
	if lastStatus.Valid {
		t := lastStatus.Time
		r.LastStatusChange = &t
	}
	return &r, nil
}

// DeleteChannel marks the channel inactive. The row is kept for audit.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE channels SET active = ?, owner_id = '', owner_since = NULL, member_count = 0
		 WHERE discord_id = ?`,
		false, id)
	return err
}

// SetChannelOwner records the ownership change on the channel row.
func (s *Store) SetChannelOwner(ctx context.Context, channelID, ownerID, previousOwnerID string, since time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE channels SET owner_id = ?, owner_since = ?, previous_owner_id = ?
		 WHERE discord_id = ?`,
		ownerID, since.UTC(), previousOwnerID, channelID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	return nil
}

// ClearChannelOwner removes the recorded owner, keeping previous_owner_id.
func (s *Store) ClearChannelOwner(ctx context.Context, channelID string) error {
	_, err := s.exec(ctx,
		`UPDATE channels SET previous_owner_id = owner_id, owner_id = '', owner_since = NULL
		 WHERE discord_id = ?`,
		channelID)
	return err
}

// UserRoomCount returns the number of active user rooms in the guild.
func (s *Store) UserRoomCount(ctx context.Context, guildID string) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM channels WHERE guild_id = ? AND is_user_room = ? AND active = ?`,
		guildID, true, true).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ActiveUserRooms returns all active user rooms in the guild.
func (s *Store) ActiveUserRooms(ctx context.Context, guildID string) ([]Room, error) {
	rows, err := s.query(ctx,
		`SELECT discord_id, guild_id, name, position, is_user_room, spawn_id, owner_id,
			owner_since, previous_owner_id, active, member_count, status, last_status_change
		 FROM channels WHERE guild_id = ? AND is_user_room = ? AND active = ?`,
		guildID, true, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var ownerSince, lastStatus sql.NullTime
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Position, &r.IsUserRoom, &r.SpawnID,
			&r.OwnerID, &ownerSince, &r.PreviousOwnerID, &r.Active, &r.MemberCount,
			&r.Status, &lastStatus); err != nil {
			return nil, classify(err)
		}
		if ownerSince.Valid {
			t := ownerSince.Time
			r.OwnerSince = &t
		}
		if lastStatus.Valid {
			t := lastStatus.Time
			r.LastStatusChange = &t
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}
