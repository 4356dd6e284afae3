package badger

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/lexical"
	"github.com/poiesic/casevault/storage"
)

// LexicalIndex implements storage.LexicalIndex over the postings written by OpinionRepository.
type LexicalIndex struct {
	backend *Backend
}

var _ storage.LexicalIndex = (*LexicalIndex)(nil)

// NewLexicalIndex creates a new LexicalIndex.
func NewLexicalIndex(backend *Backend) *LexicalIndex {
	return &LexicalIndex{backend: backend}
}

// Search ranks opinions matching any query term.
func (l *LexicalIndex) Search(ctx context.Context, query string, limit int) ([]core.LexicalHit, error) {
	terms := lexical.QueryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []core.LexicalHit{}, nil
	}

	scores := make(map[core.ID]*core.LexicalHit)
	err := l.backend.View(func(tx *badger.Txn) error {
		for _, term := range terms {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := makePostingPrefix(term)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := tx.NewIterator(opts)
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				id := idFromPostingKey(item.Key())
				var posting storage.Posting
				err := item.Value(func(val []byte) error {
					var err error
					posting, err = storage.UnmarshalPosting(val)
					return err
				})
				if err != nil {
					it.Close()
					return err
				}

				hit, ok := scores[id]
				if !ok {
					hit = &core.LexicalHit{OpinionID: id, DateFiled: posting.DateFiled}
					scores[id] = hit
				}
				hit.Rank += lexical.Rank(core.TermFreq{Term: term, A: posting.A, B: posting.B, C: posting.C})
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]core.LexicalHit, 0, len(scores))
	for _, hit := range scores {
		hits = append(hits, *hit)
	}
	slices.SortFunc(hits, compareLexicalHits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// compareLexicalHits orders by rank descending, then filing date descending, then id ascending.
func compareLexicalHits(a, b core.LexicalHit) int {
	if c := cmp.Compare(b.Rank, a.Rank); c != 0 {
		return c
	}
	if c := compareDatesDesc(a.DateFiled, b.DateFiled); c != 0 {
		return c
	}
	return cmp.Compare(a.OpinionID, b.OpinionID)
}

func compareDatesDesc(a, b time.Time) int {
	return b.Compare(a)
}
