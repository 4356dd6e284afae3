package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
)

// ChunkRepository implements storage.ChunkRepository for BadgerDB.
type ChunkRepository struct {
	backend *Backend
}

var _ storage.ChunkRepository = (*ChunkRepository)(nil)

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend) *ChunkRepository {
	return &ChunkRepository{backend: backend}
}

// UpsertChunks writes chunks, overwriting any with the same (opinion, model, index).
// The owning opinion is read in the same transaction, so a concurrent delete
// either wins outright or makes this write fail with ErrNotFound.
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks ...*core.Chunk) error {
	for _, chunk := range chunks {
		if err := core.ValidateChunk(chunk); err != nil {
			return err
		}
	}

	return r.backend.Update(func(tx *badger.Txn) error {
		seen := make(map[core.ID]bool)
		now := time.Now().UTC()
		for _, chunk := range chunks {
			if !seen[chunk.OpinionID] {
				if _, err := tx.Get(makeOpinionKey(chunk.OpinionID)); err != nil {
					if errors.Is(err, badger.ErrKeyNotFound) {
						return fmt.Errorf("%w: opinion %d", storage.ErrNotFound, chunk.OpinionID)
					}
					return err
				}
				seen[chunk.OpinionID] = true
			}
			if chunk.InsertedAt.IsZero() {
				chunk.InsertedAt = now
			}
			if err := tx.Set(makeChunkKey(chunk.Key()), storage.MarshalChunk(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChunks returns an opinion's chunks for a model ordered by index.
func (r *ChunkRepository) GetChunks(ctx context.Context, id core.ID, model string) ([]*core.Chunk, error) {
	var chunks []*core.Chunk
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanChunks(tx, makeChunkModelPrefix(id, model), func(chunk *core.Chunk) error {
			chunks = append(chunks, chunk)
			return nil
		})
	})
	return chunks, err
}

// DeleteChunksFrom removes the chunks with index >= from.
func (r *ChunkRepository) DeleteChunksFrom(ctx context.Context, id core.ID, model string, from int) (int, error) {
	var removed int
	err := r.backend.Update(func(tx *badger.Txn) error {
		var err error
		removed, err = deletePrefixMatching(tx, makeChunkModelPrefix(id, model), func(key []byte) bool {
			ck, ok := parseChunkKey(key)
			return ok && ck.Index >= from
		})
		return err
	})
	return removed, err
}

// DeleteChunks removes the chunks with the given keys and returns how many existed.
func (r *ChunkRepository) DeleteChunks(ctx context.Context, keys ...core.ChunkKey) (int, error) {
	var removed int
	err := r.backend.Update(func(tx *badger.Txn) error {
		removed = 0
		for _, key := range keys {
			k := makeChunkKey(key)
			if _, err := tx.Get(k); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := tx.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// DeleteChunksByModel removes every chunk and embedding status for a model.
func (r *ChunkRepository) DeleteChunksByModel(ctx context.Context, model string) (int, error) {
	var removed int
	err := r.backend.Update(func(tx *badger.Txn) error {
		var err error
		removed, err = deletePrefixMatching(tx, []byte(chunkPrefix+":"), func(key []byte) bool {
			ck, ok := parseChunkKey(key)
			return ok && ck.Model == model
		})
		if err != nil {
			return err
		}
		_, err = deletePrefixMatching(tx, []byte(statusPrefix+":"), func(key []byte) bool {
			return string(key[len(statusPrefix)+1+8:]) == model
		})
		return err
	})
	return removed, err
}

// ForEachChunk calls fn for every stored chunk of model, or of all models when model is empty.
func (r *ChunkRepository) ForEachChunk(ctx context.Context, model string, fn func(*core.Chunk) error) error {
	return r.backend.View(func(tx *badger.Txn) error {
		return scanChunks(tx, []byte(chunkPrefix+":"), func(chunk *core.Chunk) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if model != "" && chunk.Model != model {
				return nil
			}
			return fn(chunk)
		})
	})
}

// scanChunks decodes every chunk under prefix in key order.
func scanChunks(tx *badger.Txn, prefix []byte, fn func(*core.Chunk) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		var chunk *core.Chunk
		err := it.Item().Value(func(val []byte) error {
			var err error
			chunk, err = storage.UnmarshalChunk(val)
			return err
		})
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}
