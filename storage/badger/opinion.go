package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/lexical"
	"github.com/poiesic/casevault/storage"
)

// OpinionRepository implements storage.OpinionRepository for BadgerDB.
// The opinion record, its external-id and date index entries and its lexical
// postings are always written in one transaction.
type OpinionRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
	locks   keyedLocks
	logger  *slog.Logger
}

var _ storage.OpinionRepository = (*OpinionRepository)(nil)

// NewOpinionRepository creates a new OpinionRepository.
func NewOpinionRepository(backend *Backend) (*OpinionRepository, error) {
	idSeq, err := backend.GetSequence(opinionIDSeq)
	if err != nil {
		return nil, err
	}

	return &OpinionRepository{
		backend: backend,
		idSeq:   idSeq,
		logger:  backend.logger.With("repository", "opinion"),
	}, nil
}

// Close releases the ID sequence.
func (r *OpinionRepository) Close() error {
	return r.idSeq.Release()
}

// Upsert inserts an opinion or replaces the one sharing its external identity.
func (r *OpinionRepository) Upsert(ctx context.Context, opinion *core.Opinion) (*core.Opinion, core.WriteResult, error) {
	if err := core.ValidateOpinion(opinion); err != nil {
		return nil, core.WriteResult{}, err
	}
	record := prepare(opinion)

	if record.HasExternalID() {
		defer r.locks.lock("ext\x00" + record.Source + "\x00" + record.SourceID)()
	}

	var result core.WriteResult
	err := r.backend.Update(func(tx *badger.Txn) error {
		result = core.WriteResult{}
		record.Id = 0

		var old *core.Opinion
		if record.HasExternalID() {
			id, err := readExtIndex(tx, record.Source, record.SourceID)
			if err != nil {
				return err
			}
			if id != 0 {
				if old, err = readOpinion(tx, id); err != nil {
					return err
				}
			}
		}

		if old != nil {
			if old.CaseName != record.CaseName || old.Court != record.Court {
				return fmt.Errorf("%w: %s already stored as %q (%s), got %q (%s)", storage.ErrConflict,
					record.ExternalID(), old.CaseName, old.Court, record.CaseName, record.Court)
			}
			record.Id = old.Id
			return r.replace(tx, old, record, &result)
		}
		return r.insert(tx, record, &result)
	})
	if err != nil {
		return nil, core.WriteResult{}, err
	}
	r.logger.Debug("opinion upserted", "id", record.Id, "created", result.Created, "text_changed", result.TextChanged)
	return record, result, nil
}

// Update replaces an opinion by id through the same write path as Upsert.
func (r *OpinionRepository) Update(ctx context.Context, opinion *core.Opinion) (*core.Opinion, core.WriteResult, error) {
	if err := core.ValidateOpinion(opinion); err != nil {
		return nil, core.WriteResult{}, err
	}
	if opinion.Id == 0 {
		return nil, core.WriteResult{}, storage.ErrNotFound
	}
	record := prepare(opinion)
	defer r.locks.lock("id\x00" + strconv.FormatUint(uint64(record.Id), 10))()

	var result core.WriteResult
	err := r.backend.Update(func(tx *badger.Txn) error {
		result = core.WriteResult{}
		old, err := readOpinion(tx, record.Id)
		if err != nil {
			return err
		}
		if old == nil {
			return storage.ErrNotFound
		}
		if record.HasExternalID() {
			owner, err := readExtIndex(tx, record.Source, record.SourceID)
			if err != nil {
				return err
			}
			if owner != 0 && owner != record.Id {
				return fmt.Errorf("%w: %s belongs to opinion %d", storage.ErrConflict, record.ExternalID(), owner)
			}
		}
		return r.replace(tx, old, record, &result)
	})
	if err != nil {
		return nil, core.WriteResult{}, err
	}
	return record, result, nil
}

// prepare copies the caller's opinion into canonical form with a fresh lexical vector.
func prepare(opinion *core.Opinion) *core.Opinion {
	record := *opinion
	core.NormalizeOpinion(&record)
	record.DateFiled = record.DateFiled.Truncate(time.Microsecond)
	record.Lexical = lexical.BuildOpinion(&record)
	return &record
}

func (r *OpinionRepository) insert(tx *badger.Txn, record *core.Opinion, result *core.WriteResult) error {
	nextID, err := r.idSeq.Next()
	if err != nil {
		return err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		if nextID, err = r.idSeq.Next(); err != nil {
			return err
		}
	}
	record.Id = core.ID(nextID)
	record.InsertedAt = time.Now().UTC()
	record.UpdatedAt = record.InsertedAt

	*result = core.WriteResult{Created: true, TextChanged: true}
	return writeOpinion(tx, nil, record)
}

func (r *OpinionRepository) replace(tx *badger.Txn, old, record *core.Opinion, result *core.WriteResult) error {
	record.InsertedAt = old.InsertedAt
	record.UpdatedAt = time.Now().UTC()

	*result = core.WriteResult{TextChanged: lexical.TextChanged(old, record)}
	return writeOpinion(tx, old, record)
}

// writeOpinion stores record and brings every index in line with it.
// old is the previously stored version, or nil on insert.
func writeOpinion(tx *badger.Txn, old, record *core.Opinion) error {
	if old != nil {
		if err := deleteOpinionIndexes(tx, old); err != nil {
			return err
		}
	}

	if err := tx.Set(makeOpinionKey(record.Id), storage.MarshalOpinion(record)); err != nil {
		return err
	}
	if err := tx.Set(makeOpinionDateKey(record.DateFiled, record.Id), nil); err != nil {
		return err
	}
	if record.HasExternalID() {
		if err := tx.Set(makeOpinionExtKey(record.Source, record.SourceID), storage.MarshalID(record.Id)); err != nil {
			return err
		}
	}

	// Postings are rewritten in full so they always carry the current filing date
	for _, tf := range record.Lexical {
		posting := storage.Posting{A: tf.A, B: tf.B, C: tf.C, DateFiled: record.DateFiled}
		if err := tx.Set(makePostingKey(tf.Term, record.Id), storage.MarshalPosting(posting)); err != nil {
			return err
		}
	}
	return nil
}

// deleteOpinionIndexes removes the date, external-id and posting entries of a stored opinion.
func deleteOpinionIndexes(tx *badger.Txn, old *core.Opinion) error {
	if err := tx.Delete(makeOpinionDateKey(old.DateFiled, old.Id)); err != nil {
		return err
	}
	if old.HasExternalID() {
		if err := tx.Delete(makeOpinionExtKey(old.Source, old.SourceID)); err != nil {
			return err
		}
	}
	for _, tf := range old.Lexical {
		if err := tx.Delete(makePostingKey(tf.Term, old.Id)); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a single opinion by ID.
func (r *OpinionRepository) Get(ctx context.Context, id core.ID) (*core.Opinion, error) {
	var result *core.Opinion
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		result, err = readOpinion(tx, id)
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	})
	return result, err
}

// GetMany retrieves multiple opinions by their IDs.
func (r *OpinionRepository) GetMany(ctx context.Context, ids ...core.ID) ([]*core.Opinion, error) {
	var result []*core.Opinion
	err := r.backend.View(func(tx *badger.Txn) error {
		for _, id := range ids {
			opinion, err := readOpinion(tx, id)
			if err != nil {
				return err
			}
			if opinion != nil {
				result = append(result, opinion)
			}
		}
		return nil
	})
	return result, err
}

// FindByExternalID looks an opinion up by (source, sourceID).
func (r *OpinionRepository) FindByExternalID(ctx context.Context, source, sourceID string) (*core.Opinion, error) {
	var result *core.Opinion
	err := r.backend.View(func(tx *badger.Txn) error {
		id, err := readExtIndex(tx, source, sourceID)
		if err != nil {
			return err
		}
		if id != 0 {
			if result, err = readOpinion(tx, id); err != nil {
				return err
			}
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	})
	return result, err
}

// Delete removes an opinion with its postings, chunks and embedding statuses.
func (r *OpinionRepository) Delete(ctx context.Context, id core.ID) error {
	defer r.locks.lock("id\x00" + strconv.FormatUint(uint64(id), 10))()

	return r.backend.Update(func(tx *badger.Txn) error {
		old, err := readOpinion(tx, id)
		if err != nil {
			return err
		}
		if old == nil {
			return storage.ErrNotFound
		}
		if err := deleteOpinionIndexes(tx, old); err != nil {
			return err
		}
		if err := deletePrefix(tx, makeChunkOpinionPrefix(id)); err != nil {
			return err
		}
		if err := deletePrefix(tx, makeStatusOpinionPrefix(id)); err != nil {
			return err
		}
		return tx.Delete(makeOpinionKey(id))
	})
}

// List lazily yields opinions matching filter, newest filing date first.
// Each call to the returned sequence reads from its own snapshot.
func (r *OpinionRepository) List(ctx context.Context, filter core.Filter) iter.Seq2[*core.Opinion, error] {
	return func(yield func(*core.Opinion, error) bool) {
		stopped := false
		err := r.backend.View(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.PrefetchValues = false
			it := tx.NewIterator(opts)
			defer it.Close()

			prefix := []byte(opinionDatePrefix + ":")
			// Reverse seek lands on the last key <= seek; ids start at 1 so To stays exclusive
			seek := append(bytes.Clone(prefix), bytes.Repeat([]byte{0xff}, 16)...)
			if !filter.Dates.To.IsZero() {
				seek = makeOpinionDateKey(filter.Dates.To, 0)
			}

			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				date, id, ok := parseOpinionDateKey(it.Item().Key())
				if !ok {
					continue
				}
				if !filter.Dates.From.IsZero() && date.Before(filter.Dates.From) {
					break
				}
				opinion, err := readOpinion(tx, id)
				if err != nil {
					return err
				}
				if opinion == nil || !filter.Matches(opinion) {
					continue
				}
				if !yield(opinion, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Stats aggregates counts over the opinions matching filter.
func (r *OpinionRepository) Stats(ctx context.Context, filter core.Filter) (*core.Stats, error) {
	stats := &core.Stats{
		ByCategory: make(map[string]int),
		ByCourt:    make(map[string]int),
		ByOutcome:  make(map[string]int),
		ByYear:     make(map[int]int),
	}
	for opinion, err := range r.List(ctx, filter) {
		if err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByCategory[labelOrUnknown(opinion.CaseCategory)]++
		stats.ByCourt[opinion.Court]++
		stats.ByOutcome[labelOrUnknown(opinion.Outcome)]++
		if !opinion.DateFiled.IsZero() {
			stats.ByYear[opinion.DateFiled.Year()]++
		}
	}
	return stats, nil
}

func labelOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Helper methods

// readOpinion reads an opinion from the transaction.
// Returns nil, nil if it doesn't exist.
func readOpinion(tx *badger.Txn, id core.ID) (*core.Opinion, error) {
	item, err := tx.Get(makeOpinionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var opinion *core.Opinion
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		opinion, unmarshalErr = storage.UnmarshalOpinion(val)
		return unmarshalErr
	})
	return opinion, err
}

// readExtIndex resolves an external identity to an id, or 0 when unknown.
func readExtIndex(tx *badger.Txn, source, sourceID string) (core.ID, error) {
	item, err := tx.Get(makeOpinionExtKey(source, sourceID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var id core.ID
	err = item.Value(func(val []byte) error {
		var err error
		id, err = storage.UnmarshalID(val)
		return err
	})
	return id, err
}

// deletePrefix removes every key starting with prefix.
func deletePrefix(tx *badger.Txn, prefix []byte) error {
	_, err := deletePrefixMatching(tx, prefix, nil)
	return err
}

// deletePrefixMatching removes keys starting with prefix for which match
// returns true (all keys when match is nil) and reports how many were removed.
func deletePrefixMatching(tx *badger.Txn, prefix []byte, match func(key []byte) bool) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if match == nil || match(key) {
			keys = append(keys, key)
		}
	}
	it.Close()

	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
