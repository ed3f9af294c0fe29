package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or merges a chat record. The unread count is never
// decreased here; unread accounting is the explicit MarkRead operation.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (guid, display_name, identifier, service, is_group, archived, unread_count, last_seq, last_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			identifier = CASE WHEN excluded.identifier != '' THEN excluded.identifier ELSE chats.identifier END,
			service = excluded.service,
			is_group = excluded.is_group,
			archived = excluded.archived,
			unread_count = MAX(chats.unread_count, excluded.unread_count),
			last_seq = MAX(chats.last_seq, excluded.last_seq),
			last_preview = CASE WHEN excluded.last_seq > chats.last_seq THEN excluded.last_preview ELSE chats.last_preview END,
			updated_at = excluded.updated_at`,
		c.GUID, c.DisplayName, c.Identifier, c.Service, c.IsGroup, c.Archived, c.UnreadCount, c.LastSeq, c.LastPreview, now)
	return err
}

// IncrementUnread bumps the unread counter for a chat by one.
func (db *DB) IncrementUnread(guid string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE guid = ?`,
		time.Now().UnixMilli(), guid)
	return err
}

// MarkRead resets the unread counter and marks inbound messages up to and
// including throughSeq as read. It is the only operation that decreases
// unread accounting.
func (db *DB) MarkRead(chatGUID string, throughSeq int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE guid = ?`, now, chatGUID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE messages SET status = ?
		WHERE chat_guid = ? AND seq <= ? AND is_from_me = 0 AND status != ?`,
		MessageRead, chatGUID, throughSeq, MessageRead); err != nil {
		return err
	}
	return tx.Commit()
}

// ListChats returns chats sorted by last known message sequence descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT guid, display_name, identifier, service, is_group, archived, unread_count, last_seq, last_preview
		FROM chats
		ORDER BY last_seq DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.GUID, &c.DisplayName, &c.Identifier, &c.Service, &c.IsGroup, &c.Archived, &c.UnreadCount, &c.LastSeq, &c.LastPreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// AllChatGUIDs returns the GUID of every stored chat, newest first.
func (db *DB) AllChatGUIDs() ([]string, error) {
	rows, err := db.Query(`SELECT guid FROM chats ORDER BY last_seq DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var guids []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		guids = append(guids, g)
	}
	return guids, rows.Err()
}

// GetChat returns a single chat by GUID, or nil if absent.
func (db *DB) GetChat(guid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT guid, display_name, identifier, service, is_group, archived, unread_count, last_seq, last_preview
		FROM chats WHERE guid = ?`, guid).
		Scan(&c.GUID, &c.DisplayName, &c.Identifier, &c.Service, &c.IsGroup, &c.Archived, &c.UnreadCount, &c.LastSeq, &c.LastPreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat removes a chat together with its messages, attachment rows,
// and sync cursor. Used only on explicit unsubscribe.
func (db *DB) DeleteChat(guid string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM attachments WHERE chat_guid = ?`,
		`DELETE FROM messages WHERE chat_guid = ?`,
		`DELETE FROM chats WHERE guid = ?`,
	} {
		if _, err := tx.Exec(q, guid); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM sync_cursors WHERE scope = ?`, ChatScope(guid)); err != nil {
		return err
	}
	return tx.Commit()
}
