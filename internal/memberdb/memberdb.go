package memberdb

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"
)

// DB is the members index shared by every room of a session. Each room owns
// one bucket; keys are raw UTF-8 user ids and values are JSON-encoded member
// records. All writes for one sync delta run inside a single caller-owned
// transaction so the delta commits atomically.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if needed) the members index at the given path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open members index: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Update runs fn inside a single read-write transaction. A non-nil error
// from fn rolls back everything written during the delta.
func (d *DB) Update(fn func(tx *bolt.Tx) error) error {
	return d.db.Update(fn)
}

// View runs fn inside a read-only transaction.
func (d *DB) View(fn func(tx *bolt.Tx) error) error {
	return d.db.View(fn)
}

// RoomTx is one room's slice of a members-index transaction.
type RoomTx struct {
	bucket *bolt.Bucket
}

// Room returns the room's bucket handle within tx, creating the bucket when
// tx is writable and it does not exist yet. Within a read-only transaction a
// missing bucket yields a RoomTx that reads as empty.
func Room(tx *bolt.Tx, room id.RoomID) (*RoomTx, error) {
	if !tx.Writable() {
		return &RoomTx{bucket: tx.Bucket([]byte(room))}, nil
	}
	b, err := tx.CreateBucketIfNotExists([]byte(room))
	if err != nil {
		return nil, fmt.Errorf("members bucket for %s: %w", room, err)
	}
	return &RoomTx{bucket: b}, nil
}

// Put writes the serialized member record under the user's id.
func (r *RoomTx) Put(user id.UserID, data []byte) error {
	return r.bucket.Put([]byte(user), data)
}

// Delete removes the user's record. Deleting an absent key is a no-op.
func (r *RoomTx) Delete(user id.UserID) error {
	return r.bucket.Delete([]byte(user))
}

// ForEach cursor-scans every (user, record) pair in the room's bucket.
func (r *RoomTx) ForEach(fn func(user id.UserID, data []byte) error) error {
	if r.bucket == nil {
		return nil
	}
	c := r.bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(id.UserID(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes a room's bucket entirely, e.g. after leaving the room.
func Drop(tx *bolt.Tx, room id.RoomID) error {
	err := tx.DeleteBucket([]byte(room))
	if err == bolt.ErrBucketNotFound {
		return nil
	}
	return err
}
