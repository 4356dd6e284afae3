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

package casevault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/casevault/ai"
	"github.com/poiesic/casevault/ai/openai"
	"github.com/poiesic/casevault/ingestion"
	"github.com/poiesic/casevault/search"
	"github.com/poiesic/casevault/storage"
	"github.com/poiesic/casevault/storage/badger"
	"github.com/poiesic/casevault/vector"
)

type Vault struct {
	backend  *badger.Backend
	repos    *badger.Repositories
	index    vector.Index
	provider ai.AIProvider
	pipeline *ingestion.Pipeline
	searcher *search.Searcher
	logger   *slog.Logger
}

// Option configures a Vault.
type Option func(*vaultOptions)

type vaultOptions struct {
	aiConfig        *ai.Config
	provider        ai.AIProvider
	logger          *slog.Logger
	vectorOptions   []vector.Option
	pipelineOptions []ingestion.Option
	searchOptions   []search.Option
	resume          bool
}

// WithAIConfig configures the OpenAI-compatible provider.
func WithAIConfig(config *ai.Config) Option {
	return func(o *vaultOptions) {
		o.aiConfig = config
	}
}

// WithProvider supplies an embedding provider instead of building one from
// the AI config. The Vault closes it on Close.
func WithProvider(provider ai.AIProvider) Option {
	return func(o *vaultOptions) {
		o.provider = provider
	}
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *vaultOptions) {
		o.logger = logger
	}
}

// WithVectorOptions configures the vector index.
func WithVectorOptions(opts ...vector.Option) Option {
	return func(o *vaultOptions) {
		o.vectorOptions = append(o.vectorOptions, opts...)
	}
}

// WithPipelineOptions configures the ingestion pipeline.
func WithPipelineOptions(opts ...ingestion.Option) Option {
	return func(o *vaultOptions) {
		o.pipelineOptions = append(o.pipelineOptions, opts...)
	}
}

// WithSearchOptions configures the searcher.
func WithSearchOptions(opts ...search.Option) Option {
	return func(o *vaultOptions) {
		o.searchOptions = append(o.searchOptions, opts...)
	}
}

// WithResume controls whether pending embedding work found on open is
// queued again. Default: true.
func WithResume(resume bool) Option {
	return func(o *vaultOptions) {
		o.resume = resume
	}
}

// Open opens the opinion store at filePath, or an in-memory store when
// filePath is empty. The vector index is rebuilt from stored chunks and
// pending embedding work is resumed.
func Open(ctx context.Context, filePath string, opts ...Option) (*Vault, error) {
	options := &vaultOptions{
		aiConfig: ai.DefaultConfig(),
		logger:   slog.Default(),
		resume:   true,
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger

	backend, err := badger.OpenBackend(filePath, filePath == "", badger.WithBackendLogger(logger))
	if err != nil {
		return nil, err
	}
	v := &Vault{backend: backend, logger: logger}

	if v.repos, err = badger.NewRepositories(backend); err != nil {
		v.Close()
		return nil, err
	}

	vectorOptions := append([]vector.Option{vector.WithLogger(logger)}, options.vectorOptions...)
	if v.index, err = vector.NewIndex(vectorOptions...); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.index.Rebuild(ctx, v.repos.Chunks); err != nil {
		v.Close()
		return nil, fmt.Errorf("rebuilding vector index: %w", err)
	}
	logger.Info("vector index loaded", "chunks", v.index.Size(""))

	v.provider = options.provider
	if v.provider == nil {
		if v.provider, err = openai.NewProvider(options.aiConfig); err != nil {
			v.Close()
			return nil, err
		}
	}

	pipelineOptions := append([]ingestion.Option{ingestion.WithLogger(logger)}, options.pipelineOptions...)
	v.pipeline, err = ingestion.NewPipeline(v.repos.Opinions, v.repos.Chunks, v.repos.Statuses, v.index, v.provider, pipelineOptions...)
	if err != nil {
		v.Close()
		return nil, err
	}

	searchOptions := append([]search.Option{search.WithLogger(logger)}, options.searchOptions...)
	v.searcher, err = search.NewSearcher(v.repos.Opinions, v.repos.Lexical, v.index, v.provider, searchOptions...)
	if err != nil {
		v.Close()
		return nil, err
	}

	if options.resume {
		n, err := v.pipeline.Resume(ctx)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("resuming embedding work: %w", err)
		}
		if n > 0 {
			logger.Info("resumed pending embedding work", "count", n)
		}
	}
	return v, nil
}

// Close stops the pipeline and releases every resource. Queued embedding
// work that has not started is dropped and resumed on the next Open.
func (v *Vault) Close() error {
	if v.pipeline != nil {
		v.pipeline.Release()
	}
	if v.provider != nil {
		if err := v.provider.Close(); err != nil {
			v.logger.Error("error closing AI provider", "err", err)
		}
	}
	if v.index != nil {
		if err := v.index.Close(); err != nil {
			v.logger.Error("error closing vector index", "err", err)
		}
	}
	if v.repos != nil {
		if err := v.repos.Close(); err != nil {
			v.logger.Error("error closing repositories", "err", err)
			return err
		}
	}
	if err := v.backend.Close(); err != nil {
		v.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

func (v *Vault) Opinions() storage.OpinionRepository {
	return v.repos.Opinions
}

func (v *Vault) Chunks() storage.ChunkRepository {
	return v.repos.Chunks
}

func (v *Vault) Statuses() storage.StatusRepository {
	return v.repos.Statuses
}

func (v *Vault) Index() vector.Index {
	return v.index
}

func (v *Vault) Provider() ai.AIProvider {
	return v.provider
}

func (v *Vault) Pipeline() *ingestion.Pipeline {
	return v.pipeline
}

func (v *Vault) Searcher() *search.Searcher {
	return v.searcher
}

// RebuildIndex reloads the vector index from stored chunks.
func (v *Vault) RebuildIndex(ctx context.Context) (int, error) {
	if err := v.index.Rebuild(ctx, v.repos.Chunks); err != nil {
		return 0, err
	}
	return v.index.Size(""), nil
}
