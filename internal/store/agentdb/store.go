// SPDX-License-Identifier: MIT

// Package agentdb is the durable document store for agent records.
//
// Documents are JSON objects under "agent:<agent_id>" keys. Partial updates
// merge into the stored map inside one transaction, so fields this code does
// not know about survive every read-modify-write cycle.
package agentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/model"
)

const keyPrefix = "agent:"

// Store is a Badger-backed agent document store. Construct it once at the
// composition root and pass the handle down; Close it at shutdown.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	logger.Info().Str("event", "agentdb.opened").Str("path", path).Msg("agent store opened")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the store is usable. Badger has no connection to
// probe; a closed handle is the only failure mode.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("agent store is closed")
	}
	return nil
}

func key(agentID string) []byte { return []byte(keyPrefix + agentID) }

// Insert stores a complete agent document. The document must carry agent_id.
func (s *Store) Insert(ctx context.Context, doc model.Document) error {
	id := doc.String(model.FieldAgentID)
	if id == "" {
		return errors.New("document has no agent_id")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", id, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), buf)
	})
}

// Get returns the agent document, or nil when the id is unknown.
// Not-found is a normal outcome, not an error.
func (s *Store) Get(ctx context.Context, agentID string) (model.Document, error) {
	var doc model.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(agentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return doc, nil
}

// Update merges fields into the stored document within one transaction.
// Returns false when the agent does not exist.
func (s *Store) Update(ctx context.Context, agentID string, fields model.Document) (bool, error) {
	found := true
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(agentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		var doc model.Document
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		for k, v := range fields {
			doc[k] = v
		}
		buf, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return txn.Set(key(agentID), buf)
	})
	if err != nil {
		return false, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return found, nil
}

// Upsert stores the document whether or not the id already exists.
func (s *Store) Upsert(ctx context.Context, doc model.Document) error {
	return s.Insert(ctx, doc)
}

// Delete removes the agent document. Returns false when the id is unknown.
func (s *Store) Delete(ctx context.Context, agentID string) (bool, error) {
	found := true
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(agentID)); errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		} else if err != nil {
			return err
		}
		return txn.Delete(key(agentID))
	})
	if err != nil {
		return false, fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return found, nil
}

// Scan invokes fn for every stored agent document. A document that fails to
// decode is logged and skipped; corruption of one record must not hide the
// rest of the fleet.
func (s *Store) Scan(ctx context.Context, fn func(model.Document) error) error {
	prefix := []byte(keyPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			var doc model.Document
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				s.logger.Error().Err(err).
					Str("event", "agentdb.corrupt_document").
					Str("key", string(item.Key())).
					Msg("skipping undecodable agent document")
				continue
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// All returns every stored agent document.
func (s *Store) All(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := s.Scan(ctx, func(doc model.Document) error {
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// ByName returns all agents with the given (non-unique) name.
func (s *Store) ByName(ctx context.Context, name string) ([]model.Document, error) {
	var docs []model.Document
	err := s.Scan(ctx, func(doc model.Document) error {
		if doc.String(model.FieldAgentName) == name {
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}
