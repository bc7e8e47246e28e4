package adapterhub

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// StatusStore persists adapter status snapshots across restarts. Grounded
// on the teacher's omni/internal/storage.BadgerStore Get/Set/Close
// convention, narrowed to what the adapter manager needs.
type StatusStore struct {
	db *badger.DB
}

// OpenStatusStore opens (creating if necessary) a Badger database at dir.
func OpenStatusStore(dir string) (*StatusStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("adapterhub: failed to open status store at %s: %w", dir, err)
	}
	return &StatusStore{db: db}, nil
}

// Close closes the underlying database.
func (s *StatusStore) Close() error {
	return s.db.Close()
}

// Save persists id's status snapshot.
func (s *StatusStore) Save(id string, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("adapterhub: failed to marshal status for %s: %w", id, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), data)
	})
}

// Load reads back id's last persisted status. Returns (Status{}, false, nil)
// if nothing was ever saved for id.
func (s *StatusStore) Load(id string) (Status, bool, error) {
	var status Status
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &status)
		})
	})
	if err != nil {
		return Status{}, false, fmt.Errorf("adapterhub: failed to load status for %s: %w", id, err)
	}
	return status, found, nil
}

// LoadAll returns every persisted adapter id and its last status.
func (s *StatusStore) LoadAll() (map[string]Status, error) {
	out := make(map[string]Status)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var status Status
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &status)
			}); err != nil {
				return err
			}
			out[key] = status
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adapterhub: failed to load all statuses: %w", err)
	}
	return out, nil
}
