package reembed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
)

// OpinionEmbedder chunks and embeds one opinion with one model.
// *ingestion.Pipeline satisfies it.
type OpinionEmbedder interface {
	Embed(ctx context.Context, id core.ID, model string) (*core.EmbeddingStatus, error)
}

// BatchResult counts the outcomes of one or more processed batches.
type BatchResult struct {
	Embedded int // every chunk stored
	Skipped  int // already complete for the current text, or deleted meanwhile
	Pending  int // some chunks failed transiently and were requeued
	Failed   int // some chunks failed permanently
}

func (r *BatchResult) add(o BatchResult) {
	r.Embedded += o.Embedded
	r.Skipped += o.Skipped
	r.Pending += o.Pending
	r.Failed += o.Failed
}

// BatchProcessor embeds batches of opinions with one model.
type BatchProcessor struct {
	embedder    OpinionEmbedder
	statuses    storage.StatusRepository
	model       string
	onlyStale   bool
	concurrency int
}

// NewBatchProcessor creates a new batch processor.
// onlyStale: skip opinions whose stored status is complete for their current text
// concurrency: number of opinions embedded at once
func NewBatchProcessor(embedder OpinionEmbedder, statuses storage.StatusRepository, model string, onlyStale bool, concurrency int) *BatchProcessor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchProcessor{
		embedder:    embedder,
		statuses:    statuses,
		model:       model,
		onlyStale:   onlyStale,
		concurrency: concurrency,
	}
}

// Process embeds every opinion in the batch. An infrastructure error stops
// the batch; per-chunk provider failures are counted instead.
func (bp *BatchProcessor) Process(ctx context.Context, opinions []*core.Opinion) (BatchResult, error) {
	var (
		mu     sync.Mutex
		result BatchResult
	)
	count := func(f func(*BatchResult)) {
		mu.Lock()
		defer mu.Unlock()
		f(&result)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.concurrency)
	for _, opinion := range opinions {
		g.Go(func() error {
			if bp.onlyStale {
				fresh, err := bp.isFresh(gctx, opinion)
				if err != nil {
					return err
				}
				if fresh {
					count(func(r *BatchResult) { r.Skipped++ })
					return nil
				}
			}

			status, err := bp.embedder.Embed(gctx, opinion.Id, bp.model)
			if errors.Is(err, storage.ErrNotFound) {
				count(func(r *BatchResult) { r.Skipped++ })
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to embed opinion %d: %w", opinion.Id, err)
			}

			count(func(r *BatchResult) {
				switch status.State {
				case core.EmbeddingComplete:
					r.Embedded++
				case core.EmbeddingPending:
					r.Pending++
				default:
					r.Failed++
				}
			})
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

func (bp *BatchProcessor) isFresh(ctx context.Context, opinion *core.Opinion) (bool, error) {
	status, err := bp.statuses.LoadStatus(ctx, opinion.Id, bp.model)
	if err != nil {
		return false, err
	}
	return status != nil &&
		status.State == core.EmbeddingComplete &&
		status.Fingerprint == core.Fingerprint(opinion.Text), nil
}
