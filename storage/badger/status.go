// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
)

// StatusRepository implements storage.StatusRepository for BadgerDB.
type StatusRepository struct {
	backend *Backend
}

var _ storage.StatusRepository = (*StatusRepository)(nil)

// NewStatusRepository creates a new StatusRepository.
func NewStatusRepository(backend *Backend) *StatusRepository {
	return &StatusRepository{
		backend: backend,
	}
}

// SaveStatus persists the embedding status of an (opinion, model) pair.
// Statuses for opinions that no longer exist are dropped silently.
func (r *StatusRepository) SaveStatus(ctx context.Context, status *core.EmbeddingStatus) error {
	return r.backend.Update(func(tx *badger.Txn) error {
		if _, err := tx.Get(makeOpinionKey(status.OpinionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		status.UpdatedAt = time.Now().UTC()
		key := makeStatusKey(status.OpinionID, status.Model)
		return tx.Set(key, storage.MarshalStatus(status))
	})
}

// LoadStatus retrieves the status of an (opinion, model) pair.
// Returns nil, nil if no status exists.
func (r *StatusRepository) LoadStatus(ctx context.Context, id core.ID, model string) (*core.EmbeddingStatus, error) {
	var status *core.EmbeddingStatus
	err := r.backend.View(func(tx *badger.Txn) error {
		item, err := tx.Get(makeStatusKey(id, model))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			var unmarshalErr error
			status, unmarshalErr = storage.UnmarshalStatus(val)
			return unmarshalErr
		})
	})

	return status, err
}

// ListStatuses returns every status in the given state.
func (r *StatusRepository) ListStatuses(ctx context.Context, state core.EmbeddingState) ([]*core.EmbeddingStatus, error) {
	var statuses []*core.EmbeddingStatus
	err := r.backend.View(func(tx *badger.Txn) error {
		prefix := []byte(statusPrefix + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var status *core.EmbeddingStatus
			err := it.Item().Value(func(val []byte) error {
				var err error
				status, err = storage.UnmarshalStatus(val)
				return err
			})
			if err != nil {
				return err
			}
			if status.State == state {
				statuses = append(statuses, status)
			}
		}
		return nil
	})
	return statuses, err
}
