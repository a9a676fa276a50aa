package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	cursorsBucket = []byte("cursors")
	tokenKey      = []byte("token")
)

// State wraps a bbolt database for persistent client state: the cached
// session token and the per-peer recovery cursors. The message ledger
// itself is in-memory only and never stored here; cursors just bound the
// catch-up fetch a restarted client issues.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it (and its
// directory) if needed.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(cursorsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// Cursor returns the recovery cursor for a peer: the newest confirmed
// message timestamp (unix millis) known at last persist, or 0.
func (s *State) Cursor(peerID string) (int64, error) {
	var ts int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(peerID))
		if v == nil {
			return nil
		}

		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt cursor for peer %s: %w", peerID, err)
		}
		ts = parsed

		return nil
	})

	return ts, err
}

// SetCursor updates the recovery cursor for a peer. Cursors only move
// forward; a stale write is ignored rather than rewinding recovery.
func (s *State) SetCursor(peerID string, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorsBucket)

		if v := b.Get([]byte(peerID)); v != nil {
			if cur, err := strconv.ParseInt(string(v), 10, 64); err == nil && cur >= ts {
				return nil
			}
		}

		return b.Put([]byte(peerID), []byte(strconv.FormatInt(ts, 10)))
	})
}
