package store

import "time"

// QueueOutbox adds an optimistic text send to the outbox, keyed by the
// client idempotency token.
func (db *DB) QueueOutbox(token, chatGUID, tempGUID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (token, chat_guid, kind, body, temp_guid, status, created_at, updated_at)
		VALUES (?, ?, 'text', ?, ?, 'queued', ?, ?)`,
		token, chatGUID, body, tempGUID, now, now)
	return err
}

// QueueOutboxAttachment adds an optimistic attachment send. filePath is
// the local file to upload; caption may be empty.
func (db *DB) QueueOutboxAttachment(token, chatGUID, tempGUID, filePath, caption string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (token, chat_guid, kind, body, file_path, temp_guid, status, created_at, updated_at)
		VALUES (?, ?, 'attachment', ?, ?, ?, 'queued', ?, ?)`,
		token, chatGUID, caption, filePath, tempGUID, now, now)
	return err
}

// MarkOutboxSending transitions an entry to 'sending'.
func (db *DB) MarkOutboxSending(token string) error {
	return db.setOutboxStatus(token, OutboxSending, "", "")
}

// MarkOutboxAwaitingAck records that the request was accepted and the entry
// now waits for the server's authoritative event.
func (db *DB) MarkOutboxAwaitingAck(token string) error {
	return db.setOutboxStatus(token, OutboxAwaitingAck, "", "")
}

// MarkOutboxSent records the authoritative server GUID for the send.
func (db *DB) MarkOutboxSent(token, serverGUID string) error {
	return db.setOutboxStatus(token, OutboxSent, "", serverGUID)
}

// MarkOutboxFailed records a failure; the entry is only resent on explicit
// user retry.
func (db *DB) MarkOutboxFailed(token, errMsg string) error {
	return db.setOutboxStatus(token, OutboxFailed, errMsg, "")
}

// RequeueOutbox returns a failed entry to 'queued' for a user-triggered retry.
func (db *DB) RequeueOutbox(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ?
		WHERE token = ? AND status = 'failed'`, now, token)
	return err
}

func (db *DB) setOutboxStatus(token, status, errMsg, serverGUID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, error_message = ?, server_guid = CASE WHEN ? != '' THEN ? ELSE server_guid END, updated_at = ?
		WHERE token = ?`,
		status, errMsg, serverGUID, serverGUID, now, token)
	return err
}

// PendingOutbox returns entries still waiting to be sent, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`SELECT token, chat_guid, kind, body, file_path, temp_guid, status, error_message, server_guid, created_at, updated_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
}

// StaleAwaitingAck returns entries that have waited for a server
// acknowledgment longer than the given duration.
func (db *DB) StaleAwaitingAck(olderThan time.Duration) ([]OutboxEntry, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	return db.listOutbox(`SELECT token, chat_guid, kind, body, file_path, temp_guid, status, error_message, server_guid, created_at, updated_at
		FROM outbox WHERE status = 'awaiting_ack' AND updated_at < ? ORDER BY created_at ASC`, cutoff)
}

// GetOutboxByTempGUID finds the entry whose provisional message GUID matches.
func (db *DB) GetOutboxByTempGUID(tempGUID string) (*OutboxEntry, error) {
	entries, err := db.listOutbox(`SELECT token, chat_guid, kind, body, file_path, temp_guid, status, error_message, server_guid, created_at, updated_at
		FROM outbox WHERE temp_guid = ?`, tempGUID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// GetOutbox returns the entry for an idempotency token, or nil if absent.
func (db *DB) GetOutbox(token string) (*OutboxEntry, error) {
	entries, err := db.listOutbox(`SELECT token, chat_guid, kind, body, file_path, temp_guid, status, error_message, server_guid, created_at, updated_at
		FROM outbox WHERE token = ?`, token)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (db *DB) listOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.Token, &e.ChatGUID, &e.Kind, &e.Body, &e.FilePath, &e.TempGUID, &e.Status, &e.ErrorMessage, &e.ServerGUID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
