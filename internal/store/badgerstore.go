package store

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/reputation"
)

// Section key prefixes inside the Badger keyspace.
var (
	prefixHistory    = []byte("h/")
	prefixLatest     = []byte("l/")
	prefixGraph      = []byte("g/")
	prefixReputation = []byte("r/")
)

// BadgerStore persists state in an embedded Badger database, one key per
// account or hashed address under a section prefix. Values are JSON.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// SaveIdentity implements Store.
func (s *BadgerStore) SaveIdentity(history map[uuid.UUID][]string, latest map[uuid.UUID]string) error {
	if err := s.replaceSection(prefixHistory, func(wb *badger.WriteBatch) error {
		for account, hashes := range history {
			value, err := json.Marshal(hashes)
			if err != nil {
				return fmt.Errorf("store: encode history row: %w", err)
			}
			if err := wb.Set(sectionKey(prefixHistory, account.String()), value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.replaceSection(prefixLatest, func(wb *badger.WriteBatch) error {
		for account, hashed := range latest {
			if err := wb.Set(sectionKey(prefixLatest, account.String()), []byte(hashed)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadIdentity implements Store.
func (s *BadgerStore) LoadIdentity() (map[uuid.UUID][]string, map[uuid.UUID]string, error) {
	history := make(map[uuid.UUID][]string)
	err := s.scanSection(prefixHistory, func(key string, value []byte) {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in identity data, skipping")
			return
		}
		var hashes []string
		if err := json.Unmarshal(value, &hashes); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("store: bad history row, skipping")
			return
		}
		history[account] = hashes
	})
	if err != nil {
		return nil, nil, err
	}

	latest := make(map[uuid.UUID]string)
	err = s.scanSection(prefixLatest, func(key string, value []byte) {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in latest data, skipping")
			return
		}
		if len(value) > 0 {
			latest[account] = string(value)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return history, latest, nil
}

// SaveGraph implements Store.
func (s *BadgerStore) SaveGraph(adjacency map[uuid.UUID][]uuid.UUID) error {
	return s.replaceSection(prefixGraph, func(wb *badger.WriteBatch) error {
		for account, neighbors := range adjacency {
			list := make([]string, 0, len(neighbors))
			for _, neighbor := range neighbors {
				list = append(list, neighbor.String())
			}
			value, err := json.Marshal(list)
			if err != nil {
				return fmt.Errorf("store: encode graph row: %w", err)
			}
			if err := wb.Set(sectionKey(prefixGraph, account.String()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadGraph implements Store.
func (s *BadgerStore) LoadGraph() (map[uuid.UUID][]uuid.UUID, error) {
	adjacency := make(map[uuid.UUID][]uuid.UUID)
	err := s.scanSection(prefixGraph, func(key string, value []byte) {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in graph data, skipping")
			return
		}
		var raw []string
		if err := json.Unmarshal(value, &raw); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("store: bad graph row, skipping")
			return
		}
		list := make([]uuid.UUID, 0, len(raw))
		for _, item := range raw {
			neighbor, err := uuid.Parse(item)
			if err != nil {
				log.Warn().Str("neighbor", item).Msg("store: invalid neighbor id in graph data, skipping")
				continue
			}
			list = append(list, neighbor)
		}
		if len(list) > 0 {
			adjacency[account] = list
		}
	})
	if err != nil {
		return nil, err
	}
	return adjacency, nil
}

// SaveReputation implements Store.
func (s *BadgerStore) SaveReputation(entries map[string]reputation.Entry) error {
	return s.replaceSection(prefixReputation, func(wb *badger.WriteBatch) error {
		for hashed, entry := range entries {
			value, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("store: encode reputation row: %w", err)
			}
			if err := wb.Set(sectionKey(prefixReputation, hashed), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadReputation implements Store.
func (s *BadgerStore) LoadReputation() (map[string]reputation.Entry, error) {
	entries := make(map[string]reputation.Entry)
	err := s.scanSection(prefixReputation, func(key string, value []byte) {
		var entry reputation.Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("store: bad reputation row, skipping")
			return
		}
		entries[key] = entry
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// replaceSection drops a section's keys and writes the replacement batch.
// Saves are full-section snapshots, so stale rows (e.g. a reset account)
// do not survive.
func (s *BadgerStore) replaceSection(prefix []byte, fill func(wb *badger.WriteBatch) error) error {
	if err := s.db.DropPrefix(prefix); err != nil {
		return fmt.Errorf("store: drop section %s: %w", prefix, err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	if err := fill(wb); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush section %s: %w", prefix, err)
	}
	return nil
}

func (s *BadgerStore) scanSection(prefix []byte, visit func(key string, value []byte)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			if err := item.Value(func(value []byte) error {
				visit(key, value)
				return nil
			}); err != nil {
				return fmt.Errorf("store: read value for %s: %w", key, err)
			}
		}
		return nil
	})
}

func sectionKey(prefix []byte, key string) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	out = append(out, key...)
	return out
}
