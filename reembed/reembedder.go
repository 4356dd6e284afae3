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
	"fmt"
	"io"
	"time"

	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// Model is the embedding model every opinion is embedded with
	Model string

	// Filter restricts which opinions are reembedded
	Filter core.Filter

	// OnlyStale skips opinions already embedded with Model for their current text
	OnlyStale bool

	// BatchSize is the number of opinions to process in each batch
	BatchSize int

	// Concurrency is the number of opinions embedded at once
	Concurrency int

	// ReportInterval is how often to report progress (number of opinions)
	ReportInterval int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		Concurrency:    4,
		ReportInterval: 100,
	}
}

// Summary reports what a reembedding run did.
type Summary struct {
	BatchResult
	Total   int
	Elapsed time.Duration
}

// Reembedder orchestrates the reembedding of stored opinions with one model.
type Reembedder struct {
	opinions  storage.OpinionRepository
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	iterator  *OpinionIterator
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(
	opinions storage.OpinionRepository,
	statuses storage.StatusRepository,
	embedder OpinionEmbedder,
	config *Config,
	progress io.Writer,
) (*Reembedder, error) {
	if opinions == nil || statuses == nil {
		return nil, ErrRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		return nil, ErrModelRequired
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		opinions:  opinions,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(embedder, statuses, config.Model, config.OnlyStale, config.Concurrency),
		iterator:  NewOpinionIterator(opinions, config.Filter, config.BatchSize),
	}, nil
}

// Run executes the reembedding operation.
// Every opinion matching the filter is embedded with the configured model.
// Progress is reported to the configured writer.
func (r *Reembedder) Run(ctx context.Context) (*Summary, error) {
	stats, err := r.opinions.Stats(ctx, r.config.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count opinions: %w", err)
	}

	if stats.Total == 0 {
		fmt.Fprintf(r.progress, "No opinions found in database (0 opinions)\n")
		return &Summary{}, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d opinions with %s (batch size: %d)\n",
		stats.Total, r.config.Model, r.config.BatchSize)

	progress := newProgressReporter(r.progress, r.config.Model, stats.Total, r.config.ReportInterval)
	err = r.iterator.ForEach(ctx, func(opinions []*core.Opinion) error {
		result, err := r.processor.Process(ctx, opinions)
		progress.batch(len(opinions), result)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		return nil
	})
	summary := progress.done()
	if err != nil {
		return summary, err
	}

	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d opinions in %v: %d embedded, %d up to date, %d pending, %d failed\n",
		summary.Total, summary.Elapsed.Round(time.Second),
		summary.Embedded, summary.Skipped, summary.Pending, summary.Failed)

	return summary, nil
}
