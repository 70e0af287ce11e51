package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	activeConvKey   = []byte("active_conversation")
	snapshotsBucket = []byte("snapshots")
)

// State wraps a bbolt database for the small amount of state chat-sync
// keeps between runs: the last opened conversation and the last known
// timeline of each conversation. The snapshot is display state only.
// Nothing unsent is ever stored here.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Buckets are created on open.
func LoadAt(path string) (*State, error) {
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

		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)

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

// ActiveConversation returns the last opened conversation id, or "".
func (s *State) ActiveConversation() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeConvKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetActiveConversation records the conversation the user is viewing.
func (s *State) SetActiveConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(activeConvKey, []byte(id))
	})
}

// LoadSnapshot returns the cached, JSON-encoded timeline for a
// conversation. Returns nil with no error when nothing is cached.
func (s *State) LoadSnapshot(conversationID string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(conversationID))
		if v != nil {
			// bbolt values are only valid for the life of the transaction.
			data = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot for %s: %w", conversationID, err)
	}

	return data, nil
}

// SaveSnapshot replaces the cached timeline for a conversation.
func (s *State) SaveSnapshot(conversationID string, data []byte) error {
	if conversationID == "" {
		return fmt.Errorf("saving snapshot: empty conversation id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(conversationID), data)
	})
}

// DeleteSnapshot removes the cached timeline for a conversation.
func (s *State) DeleteSnapshot(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(conversationID))
	})
}

// CachedConversations lists conversation ids with a cached snapshot.
func (s *State) CachedConversations() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	return ids, nil
}
