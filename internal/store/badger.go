package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	relPrefix  = "rel/"
	sessPrefix = "sess/"
)

// BadgerStore keeps records in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

// OpenBadger opens (or creates) the database under dir.
func OpenBadger(dir string, log *zap.Logger) (*BadgerStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

// PutRelationship writes one relationship record.
func (s *BadgerStore) PutRelationship(rec RelationshipRecord) error {
	return s.put(relPrefix+rec.ChatID, rec)
}

// PutSession writes one session record.
func (s *BadgerStore) PutSession(rec SessionRecord) error {
	return s.put(sessPrefix+rec.ChatID+"/"+rec.File, rec)
}

// DeleteSessions removes all session records for a chat.
func (s *BadgerStore) DeleteSessions(chatID string) error {
	prefix := []byte(sessPrefix + chatID + "/")
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete session %s: %w", key, err)
			}
		}
		return nil
	})
}

// Relationships loads every relationship record.
func (s *BadgerStore) Relationships() ([]RelationshipRecord, error) {
	var out []RelationshipRecord
	err := s.scan(relPrefix, func(val []byte) error {
		var rec RelationshipRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Sessions loads every session record.
func (s *BadgerStore) Sessions() ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.scan(sessPrefix, func(val []byte) error {
		var rec SessionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) put(key string, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) scan(prefix string, visit func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				if err := visit(val); err != nil {
					return fmt.Errorf("decode %s: %w", key, err)
				}
				return nil
			})
			if err != nil {
				if strings.HasPrefix(key, prefix) {
					s.log.Warn("skipping corrupt record", zap.String("key", key), zap.Error(err))
					continue
				}
				return err
			}
		}
		return nil
	})
}
