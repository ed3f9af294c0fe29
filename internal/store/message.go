package store

import (
	"database/sql"
	"time"
	"unicode/utf8"
)

// upsertMessageSQL merges by (chat_guid, guid). A stored row with a strictly
// newer sequence token wins: the update clause is skipped and the call is a
// no-op, which absorbs reordered duplicate delivery. At equal sequence the
// most recently received version wins on conflicting fields, but an
// identical duplicate is a no-op so RowsAffected reflects visible change.
const upsertMessageSQL = `
	INSERT INTO messages (chat_guid, guid, seq, sender, body, status, is_from_me, pending, date_created, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_guid, guid) DO UPDATE SET
		seq = excluded.seq,
		sender = excluded.sender,
		body = excluded.body,
		status = excluded.status,
		pending = excluded.pending,
		date_created = excluded.date_created
	WHERE excluded.seq > messages.seq
	   OR (excluded.seq = messages.seq AND
	       (excluded.body != messages.body OR excluded.status != messages.status OR excluded.pending != messages.pending))`

// UpsertMessage inserts or merges a message by (chat_guid, guid).
// Returns whether a visible change occurred, for notification fan-out.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(upsertMessageSQL,
		m.ChatGUID, m.GUID, m.Seq, m.Sender, m.Body, m.Status, m.IsFromMe, m.Pending, m.DateCreated, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertMessages applies a page of messages and their attachment references
// in a single transaction. The chat row for each message is ensured before
// its messages so a concurrent reader never observes a message referencing
// a chat it cannot load. Returns how many rows visibly changed.
func (db *DB) UpsertMessages(msgs []*Message, atts []*Attachment) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	changed := 0

	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO chats (guid, last_seq, last_preview, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(guid) DO UPDATE SET
				last_seq = MAX(chats.last_seq, excluded.last_seq),
				last_preview = CASE WHEN excluded.last_seq > chats.last_seq THEN excluded.last_preview ELSE chats.last_preview END,
				updated_at = excluded.updated_at`,
			m.ChatGUID, m.Seq, truncate(m.Body, 100), now); err != nil {
			return 0, err
		}

		res, err := tx.Exec(upsertMessageSQL,
			m.ChatGUID, m.GUID, m.Seq, m.Sender, m.Body, m.Status, m.IsFromMe, m.Pending, m.DateCreated, now)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed++
		}
	}

	for _, a := range atts {
		if err := upsertAttachmentTx(tx, a, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return changed, nil
}

// GetMessage returns a message by chat and GUID, or nil if absent.
func (db *DB) GetMessage(chatGUID, guid string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_guid, guid, seq, sender, body, status, is_from_me, pending, date_created
		FROM messages WHERE chat_guid = ? AND guid = ?`, chatGUID, guid).
		Scan(&m.ID, &m.ChatGUID, &m.GUID, &m.Seq, &m.Sender, &m.Body, &m.Status, &m.IsFromMe, &m.Pending, &m.DateCreated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a chat strictly before beforeSeq
// (or from the newest when beforeSeq <= 0), newest first, using keyset
// pagination by sequence token. Each page is independently requestable.
func (db *DB) ListMessages(chatGUID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = int64(1) << 62
	}
	rows, err := db.Query(`
		SELECT id, chat_guid, guid, seq, sender, body, status, is_from_me, pending, date_created
		FROM messages
		WHERE chat_guid = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`, chatGUID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatGUID, &m.GUID, &m.Seq, &m.Sender, &m.Body, &m.Status, &m.IsFromMe, &m.Pending, &m.DateCreated); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceMessage atomically replaces a provisional message row with its
// authoritative version. Used when a server acknowledgment reconciles an
// optimistic send: the temp GUID disappears and the server row takes over.
func (db *DB) ReplaceMessage(chatGUID, tempGUID string, authoritative *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_guid = ? AND guid = ?`, chatGUID, tempGUID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(upsertMessageSQL,
		authoritative.ChatGUID, authoritative.GUID, authoritative.Seq, authoritative.Sender,
		authoritative.Body, authoritative.Status, authoritative.IsFromMe, authoritative.Pending,
		authoritative.DateCreated, now); err != nil {
		return err
	}
	return tx.Commit()
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
