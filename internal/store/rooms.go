package store

import (
	"database/sql"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// RoomRow is one persisted room snapshot.
type RoomRow struct {
	ID       id.RoomID
	Snapshot []byte
}

// SaveRoom upserts a room's serialized snapshot.
func (db *DB) SaveRoom(room id.RoomID, snapshot []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		string(room), string(snapshot), now)
	return err
}

// LoadRoom returns a room's snapshot, or nil when the room has never been
// persisted.
func (db *DB) LoadRoom(room id.RoomID) ([]byte, error) {
	var snapshot string
	err := db.QueryRow(`SELECT snapshot FROM rooms WHERE id = ?`, string(room)).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(snapshot), nil
}

// ListRooms returns every persisted room snapshot.
func (db *DB) ListRooms() ([]RoomRow, error) {
	rows, err := db.Query(`SELECT id, snapshot FROM rooms ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []RoomRow
	for rows.Next() {
		var room, snapshot string
		if err := rows.Scan(&room, &snapshot); err != nil {
			return nil, err
		}
		result = append(result, RoomRow{ID: id.RoomID(room), Snapshot: []byte(snapshot)})
	}
	return result, rows.Err()
}

// DeleteRoom removes a room's snapshot, e.g. after leaving the room.
func (db *DB) DeleteRoom(room id.RoomID) error {
	_, err := db.Exec(`DELETE FROM rooms WHERE id = ?`, string(room))
	return err
}
