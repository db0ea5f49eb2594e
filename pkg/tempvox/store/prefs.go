package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetOwnerPrefs returns the preferences for (ownerID, guildID), or
// ErrNotFound if the owner has never stored any.
func (s *Store) GetOwnerPrefs(ctx context.Context, ownerID, guildID string) (*OwnerPrefs, error) {
	row := s.queryRow(ctx,
		`SELECT owner_id, guild_id, preferred_name, preferred_limit, preferred_locked,
			preferred_hidden, banned_users, muted_users, deafened_users, kicked_users,
			renamed_users, last_updated
		 FROM owner_prefs WHERE owner_id = ? AND guild_id = ?`,
		ownerID, guildID)
	return scanPrefs(row)
}

// UpsertOwnerPrefs applies a partial update to the owner's preferences,
// creating the row if absent. Only non-nil patch fields are written.
func (s *Store) UpsertOwnerPrefs(ctx context.Context, ownerID, guildID string, patch PrefsPatch) error {
	if ownerID == "" || guildID == "" {
		return fmt.Errorf("store: upsert prefs: missing identifiers")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(
			`SELECT owner_id, guild_id, preferred_name, preferred_limit, preferred_locked,
				preferred_hidden, banned_users, muted_users, deafened_users, kicked_users,
				renamed_users, last_updated
			 FROM owner_prefs WHERE owner_id = ? AND guild_id = ?`),
			ownerID, guildID)

		prefs, err := scanPrefs(row)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			prefs = &OwnerPrefs{OwnerID: ownerID, GuildID: guildID}
		}

		if patch.PreferredName != nil {
			prefs.PreferredName = *patch.PreferredName
		}
		if patch.PreferredLimit != nil {
			prefs.PreferredLimit = patch.PreferredLimit
		}
		if patch.PreferredLocked != nil {
			prefs.PreferredLocked = patch.PreferredLocked
		}
		if patch.PreferredHidden != nil {
			prefs.PreferredHidden = patch.PreferredHidden
		}
		if patch.BannedUsers != nil {
			prefs.BannedUsers = *patch.BannedUsers
		}
		if patch.MutedUsers != nil {
			prefs.MutedUsers = *patch.MutedUsers
		}
		if patch.DeafenedUsers != nil {
			prefs.DeafenedUsers = *patch.DeafenedUsers
		}
		if patch.KickedUsers != nil {
			prefs.KickedUsers = *patch.KickedUsers
		}
		if patch.RenamedUsers != nil {
			prefs.RenamedUsers = *patch.RenamedUsers
		}
		prefs.LastUpdated = time.Now().UTC()

		banned, _ := json.Marshal(emptyIfNil(prefs.BannedUsers))
		muted, _ := json.Marshal(emptyIfNil(prefs.MutedUsers))
		deafened, _ := json.Marshal(emptyIfNil(prefs.DeafenedUsers))
		kicked, _ := json.Marshal(emptyIfNil(prefs.KickedUsers))
		renamed, _ := json.Marshal(emptyRenamesIfNil(prefs.RenamedUsers))

		var limit any
		if prefs.PreferredLimit != nil {
			limit = *prefs.PreferredLimit
		}
		var locked any
		if prefs.PreferredLocked != nil {
			locked = *prefs.PreferredLocked
		}
		var hidden any
		if prefs.PreferredHidden != nil {
			hidden = *prefs.PreferredHidden
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO owner_prefs (owner_id, guild_id, preferred_name, preferred_limit,
				preferred_locked, preferred_hidden, banned_users, muted_users, deafened_users,
				kicked_users, renamed_users, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (owner_id, guild_id) DO UPDATE SET
				preferred_name = excluded.preferred_name,
				preferred_limit = excluded.preferred_limit,
				preferred_locked = excluded.preferred_locked,
				preferred_hidden = excluded.preferred_hidden,
				banned_users = excluded.banned_users,
				muted_users = excluded.muted_users,
				deafened_users = excluded.deafened_users,
				kicked_users = excluded.kicked_users,
				renamed_users = excluded.renamed_users,
				last_updated = excluded.last_updated`),
			prefs.OwnerID, prefs.GuildID, prefs.PreferredName, limit, locked, hidden,
			string(banned), string(muted), string(deafened), string(kicked), string(renamed),
			prefs.LastUpdated)
		return err
	})
}

// RenameRecordsForUser returns every rename record targeting userID across
// all owners in the guild, paired with the owning owner_id.
func (s *Store) RenameRecordsForUser(ctx context.Context, guildID, userID string) (map[string][]RenameRecord, error) {
	// Coarse JSON LIKE filter; exact matching happens after unmarshal.
	rows, err := s.query(ctx,
		`SELECT owner_id, renamed_users FROM owner_prefs
		 WHERE guild_id = ? AND renamed_users LIKE ?`,
		guildID, "%"+userID+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]RenameRecord)
	for rows.Next() {
		var ownerID, raw string
		if err := rows.Scan(&ownerID, &raw); err != nil {
			return nil, classify(err)
		}
		var records []RenameRecord
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			continue
		}
		for _, r := range records {
			if r.UserID == userID {
				out[ownerID] = append(out[ownerID], r)
			}
		}
	}
	return out, classify(rows.Err())
}

// AppendModHistory appends one moderation history row.
func (s *Store) AppendModHistory(ctx context.Context, entry ModEntry) error {
	if entry.OwnerID == "" || entry.GuildID == "" || entry.Action == "" {
		return fmt.Errorf("store: mod history: missing fields")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO mod_history (owner_id, guild_id, action, target_user_id, channel_id, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.OwnerID, entry.GuildID, entry.Action, entry.TargetUserID,
		entry.ChannelID, entry.Reason, at.UTC())
	return err
}

// ModHistoryFor returns the most recent moderation entries for an owner,
// newest first.
func (s *Store) ModHistoryFor(ctx context.Context, ownerID, guildID string, limit int) ([]ModEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT owner_id, guild_id, action, target_user_id, channel_id, reason, at
		 FROM mod_history WHERE owner_id = ? AND guild_id = ?
		 ORDER BY at DESC LIMIT ?`,
		ownerID, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModEntry
	for rows.Next() {
		var e ModEntry
		if err := rows.Scan(&e.OwnerID, &e.GuildID, &e.Action, &e.TargetUserID,
			&e.ChannelID, &e.Reason, &e.At); err != nil {
			return nil, classify(err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func scanPrefs(row *sql.Row) (*OwnerPrefs, error) {
	var p OwnerPrefs
	var limit sql.NullInt64
	var locked, hidden sql.NullBool
	var banned, muted, deafened, kicked, renamed string
	err := row.Scan(&p.OwnerID, &p.GuildID, &p.PreferredName, &limit, &locked, &hidden,
		&banned, &muted, &deafened, &kicked, &renamed, &p.LastUpdated)
	if err != nil {
		return nil, classify(err)
	}
	if limit.Valid {
		v := int(limit.Int64)
		p.PreferredLimit = &v
	}
	if locked.Valid {
		v := locked.Bool
		p.PreferredLocked = &v
	}
	if hidden.Valid {
		v := hidden.Bool
		p.PreferredHidden = &v
	}
	// Lists were stored by this package as JSON arrays; a parse failure
	// means tampering, and an empty list is the safe reading.
	_ = json.Unmarshal([]byte(banned), &p.BannedUsers)
	_ = json.Unmarshal([]byte(muted), &p.MutedUsers)
	_ = json.Unmarshal([]byte(deafened), &p.DeafenedUsers)
	_ = json.Unmarshal([]byte(kicked), &p.KickedUsers)
	_ = json.Unmarshal([]byte(renamed), &p.RenamedUsers)
	return &p, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyRenamesIfNil(v []RenameRecord) []RenameRecord {
	if v == nil {
		return []RenameRecord{}
	}
	return v
}
