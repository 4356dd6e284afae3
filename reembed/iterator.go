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

package reembed

import (
	"context"

	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
)

const (
	// DefaultBatchSize is the default number of opinions handed out in each batch
	DefaultBatchSize = 100
)

// OpinionIterator iterates over stored opinions in batches, newest filing first.
type OpinionIterator struct {
	repo      storage.OpinionRepository
	filter    core.Filter
	batchSize int
}

// NewOpinionIterator creates a new opinion iterator.
// batchSize: number of opinions per batch (defaults to DefaultBatchSize when <= 0)
func NewOpinionIterator(repo storage.OpinionRepository, filter core.Filter, batchSize int) *OpinionIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &OpinionIterator{
		repo:      repo,
		filter:    filter,
		batchSize: batchSize,
	}
}

// ForEach streams matching opinions, calling fn for each batch.
// Iteration stops on first error from fn or when all opinions are processed.
// Context cancellation is checked between batches.
func (it *OpinionIterator) ForEach(ctx context.Context, fn func([]*core.Opinion) error) error {
	// Check context before starting
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := make([]*core.Opinion, 0, it.batchSize)
	for opinion, err := range it.repo.List(ctx, it.filter) {
		if err != nil {
			return err
		}
		batch = append(batch, opinion)
		if len(batch) < it.batchSize {
			continue
		}

		if err := fn(batch); err != nil {
			return err
		}
		batch = make([]*core.Opinion, 0, it.batchSize)

		// Check context after each batch
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
