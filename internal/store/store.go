// Package store is the durable-storage tier backing the rate limiter's
// write-behind counters, bans and whitelists (spec.md §4.6), the publish
// pipeline's job ledger, and the ACME cert/challenge state (spec.md
// §4.10). A single badger.DB instance provides the "single serialized
// writer, concurrent readers permitted" model spec.md §5 calls for.
package store

import (
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("truthgate/store")

// Store wraps a badger.DB with JSON-valued, prefix-namespaced helpers.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutJSON serializes v and writes it under key, optionally with a TTL.
func (s *Store) PutJSON(key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), b)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// GetJSON reads the value at key into v. Returns (false, nil) on miss.
func (s *Store) GetJSON(key string, v interface{}) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Raw returns the raw bytes at key (used by the certmagic.Storage adapter,
// which owns its own serialization).
func (s *Store) Raw(key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// PutRaw writes raw bytes under key with no serialization.
func (s *Store) PutRaw(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// ListPrefix returns every key under prefix.
func (s *Store) ListPrefix(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// DeletePrefix removes every key under prefix and returns how many keys
// it removed.
func (s *Store) DeletePrefix(prefix string) (int, error) {
	keys, err := s.ListPrefix(prefix)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	return len(keys), err
}

// RunGC triggers badger's value-log garbage collection; safe to call
// periodically from the purge worker.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		log.Debugw("value log gc error", "err", err)
		return err
	}
	return nil
}
