package store

import (
	"database/sql"
	"time"
)

func upsertAttachmentTx(tx *sql.Tx, a *Attachment, now int64) error {
	state := a.State
	if state == "" {
		state = AttachmentNotFetched
	}
	// Download state is owned by the fetch pipeline; a re-received
	// reference never resets it.
	_, err := tx.Exec(`
		INSERT INTO attachments (guid, message_guid, chat_guid, transfer_name, mime_type, total_bytes, state, cache_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			transfer_name = excluded.transfer_name,
			mime_type = excluded.mime_type,
			total_bytes = excluded.total_bytes,
			updated_at = excluded.updated_at`,
		a.GUID, a.MessageGUID, a.ChatGUID, a.TransferName, a.MimeType, a.TotalBytes, state, a.CachePath, now)
	return err
}

// UpsertAttachment inserts or merges an attachment reference.
func (db *DB) UpsertAttachment(a *Attachment) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertAttachmentTx(tx, a, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAttachment returns an attachment by GUID, or nil if absent.
func (db *DB) GetAttachment(guid string) (*Attachment, error) {
	var a Attachment
	err := db.QueryRow(`
		SELECT guid, message_guid, chat_guid, transfer_name, mime_type, total_bytes, state, cache_path
		FROM attachments WHERE guid = ?`, guid).
		Scan(&a.GUID, &a.MessageGUID, &a.ChatGUID, &a.TransferName, &a.MimeType, &a.TotalBytes, &a.State, &a.CachePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAttachmentState transitions an attachment's download state, recording
// the cache path when it lands in the cached state.
func (db *DB) SetAttachmentState(guid, state, cachePath string) error {
	_, err := db.Exec(`UPDATE attachments SET state = ?, cache_path = ?, updated_at = ? WHERE guid = ?`,
		state, cachePath, time.Now().UnixMilli(), guid)
	return err
}

// ListAttachmentsByState returns attachments in a given download state,
// oldest first.
func (db *DB) ListAttachmentsByState(state string, limit int) ([]Attachment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT guid, message_guid, chat_guid, transfer_name, mime_type, total_bytes, state, cache_path
		FROM attachments WHERE state = ?
		ORDER BY updated_at ASC
		LIMIT ?`, state, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.GUID, &a.MessageGUID, &a.ChatGUID, &a.TransferName, &a.MimeType, &a.TotalBytes, &a.State, &a.CachePath); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// ListAttachmentsForMessage returns the attachment references of a message.
func (db *DB) ListAttachmentsForMessage(messageGUID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT guid, message_guid, chat_guid, transfer_name, mime_type, total_bytes, state, cache_path
		FROM attachments WHERE message_guid = ?`, messageGUID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.GUID, &a.MessageGUID, &a.ChatGUID, &a.TransferName, &a.MimeType, &a.TotalBytes, &a.State, &a.CachePath); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
