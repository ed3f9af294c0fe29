package store

import (
	"database/sql"
	"time"
)

// GetCursor returns the persisted sync position for a scope, or 0 when the
// scope has never been synced.
func (db *DB) GetCursor(scope string) (int64, error) {
	var seq int64
	err := db.QueryRow(`SELECT seq FROM sync_cursors WHERE scope = ?`, scope).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetCursor advances the sync position for a scope. Cursors are strictly
// monotonic: a value behind the stored one fails with RegressionError and
// leaves the stored cursor untouched.
func (db *DB) SetCursor(scope string, seq int64) error {
	return db.setCursor(scope, seq, false)
}

// ForceSetCursor overwrites the cursor unconditionally. Used only when a
// detected corruption forces a full re-sync of the scope.
func (db *DB) ForceSetCursor(scope string, seq int64) error {
	return db.setCursor(scope, seq, true)
}

func (db *DB) setCursor(scope string, seq int64, force bool) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stored int64
	err = tx.QueryRow(`SELECT seq FROM sync_cursors WHERE scope = ?`, scope).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// First cursor for this scope.
	case err != nil:
		return err
	case seq < stored && !force:
		return &RegressionError{Scope: scope, Stored: stored, New: seq}
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO sync_cursors (scope, seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		scope, seq, now); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteCursor removes the sync position for a scope. Cursor lifetime is
// tied to chat subscription.
func (db *DB) DeleteCursor(scope string) error {
	_, err := db.Exec(`DELETE FROM sync_cursors WHERE scope = ?`, scope)
	return err
}
