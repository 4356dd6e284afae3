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

package openai

import (
	"log/slog"
	"sync"

	"github.com/poiesic/casevault/ai"
)

// Provider implements ai.AIProvider using OpenAI-compatible services.
// It lazily creates one embedder per model against the same host.
type Provider struct {
	config    *ai.Config
	mu        sync.Mutex
	embedders map[string]*Embedder
	closed    bool
	logger    *slog.Logger
}

// NewProvider creates a new AI provider with OpenAI-compatible services.
// The config is validated and normalized before use.
//
// Returns ai.AIProvider interface (not *Provider) to enforce abstraction
// and prevent coupling to OpenAI-specific implementation details.
func NewProvider(config *ai.Config) (ai.AIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Create the active model's embedder eagerly so configuration errors surface here
	embedder, err := newEmbedder(config, config.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:    config,
		embedders: map[string]*Embedder{config.EmbeddingModel: embedder},
		logger:    slog.Default().With("component", "openai-provider"),
	}, nil
}

// Embedder returns the embedder for a model, creating it on first use.
func (p *Provider) Embedder(model string) (ai.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ai.ErrProviderClosed
	}
	if e, ok := p.embedders[model]; ok {
		return e, nil
	}
	e, err := newEmbedder(p.config, model)
	if err != nil {
		return nil, err
	}
	p.embedders[model] = e
	return e, nil
}

// DefaultModel returns the active embedding model.
func (p *Provider) DefaultModel() string {
	return p.config.EmbeddingModel
}

// Close releases resources held by the provider.
// The underlying HTTP clients need no explicit cleanup.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug("closing OpenAI provider")
	p.closed = true
	p.embedders = nil
	return nil
}
