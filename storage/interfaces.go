package storage

import (
	"context"
	"iter"

	"github.com/poiesic/casevault/core"
)

// OpinionRepository is the canonical opinion store.
// Every write recomputes the opinion's lexical vector and postings in the same
// transaction, so readers never observe a record with a stale lexical index.
// Implementations must be thread-safe and support concurrent access.
type OpinionRepository interface {
	// Upsert inserts an opinion or, when one with the same (Source, SourceID)
	// exists, replaces its mutable fields while preserving Id and InsertedAt.
	// Opinions without a SourceID are always inserted.
	// Returns core.ErrInvalidOpinion on validation failure and ErrConflict when
	// the existing record has a different CaseName or Court.
	Upsert(ctx context.Context, opinion *core.Opinion) (*core.Opinion, core.WriteResult, error)

	// Update replaces an opinion by Id. Required fields may change.
	// Returns ErrNotFound if the opinion doesn't exist and ErrConflict if the
	// new external identity belongs to another opinion.
	Update(ctx context.Context, opinion *core.Opinion) (*core.Opinion, core.WriteResult, error)

	// Get retrieves a single opinion by ID.
	// Returns ErrNotFound if the opinion doesn't exist.
	Get(ctx context.Context, id core.ID) (*core.Opinion, error)

	// GetMany retrieves multiple opinions by their IDs.
	// Returns only the opinions that exist (no error for missing opinions).
	GetMany(ctx context.Context, ids ...core.ID) ([]*core.Opinion, error)

	// FindByExternalID looks an opinion up by its dedup key.
	// Returns ErrNotFound if no opinion carries that identity.
	FindByExternalID(ctx context.Context, source, sourceID string) (*core.Opinion, error)

	// Delete removes an opinion and everything derived from it: postings,
	// chunks and embedding status. Returns ErrNotFound if the opinion doesn't exist.
	Delete(ctx context.Context, id core.ID) error

	// List lazily yields opinions matching filter ordered by filing date
	// descending, ties by id descending. Iteration stops at the first error.
	List(ctx context.Context, filter core.Filter) iter.Seq2[*core.Opinion, error]

	// Stats aggregates counts over the opinions matching filter.
	Stats(ctx context.Context, filter core.Filter) (*core.Stats, error)

	// Close releases resources held by the repository.
	Close() error
}

// LexicalIndex searches the postings maintained by the opinion write path.
type LexicalIndex interface {
	// Search returns up to limit opinions matching any query term, ordered by
	// rank descending, ties by filing date descending then id ascending.
	// A query with no matching terms returns an empty slice.
	Search(ctx context.Context, query string, limit int) ([]core.LexicalHit, error)
}

// ChunkRepository stores embedded chunks keyed by (opinion, model, index).
type ChunkRepository interface {
	// UpsertChunks writes chunks, overwriting any with the same key.
	// Returns ErrNotFound if an owning opinion no longer exists.
	UpsertChunks(ctx context.Context, chunks ...*core.Chunk) error

	// GetChunks returns an opinion's chunks for a model ordered by index.
	GetChunks(ctx context.Context, id core.ID, model string) ([]*core.Chunk, error)

	// DeleteChunksFrom removes chunks with index >= from and returns how many were removed.
	DeleteChunksFrom(ctx context.Context, id core.ID, model string, from int) (int, error)

	// DeleteChunks removes individual chunks and returns how many existed.
	DeleteChunks(ctx context.Context, keys ...core.ChunkKey) (int, error)

	// DeleteChunksByModel removes every chunk and status for a model.
	DeleteChunksByModel(ctx context.Context, model string) (int, error)

	// ForEachChunk calls fn for every stored chunk of model, or of all models
	// when model is empty. Iteration stops at the first error fn returns.
	ForEachChunk(ctx context.Context, model string, fn func(*core.Chunk) error) error
}

// StatusRepository records the embedding outcome per (opinion, model).
type StatusRepository interface {
	// SaveStatus persists a status, stamping UpdatedAt.
	SaveStatus(ctx context.Context, status *core.EmbeddingStatus) error

	// LoadStatus retrieves a status.
	// Returns nil, nil if no status exists.
	LoadStatus(ctx context.Context, id core.ID, model string) (*core.EmbeddingStatus, error)

	// ListStatuses returns every status in the given state.
	ListStatuses(ctx context.Context, state core.EmbeddingState) ([]*core.EmbeddingStatus, error)
}
