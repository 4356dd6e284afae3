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

package mock

import (
	"sync"

	"github.com/poiesic/casevault/ai"
)

// MockProvider is a test double for ai.AIProvider.
// It hands out one MockEmbedder per model.
type MockProvider struct {
	defaultModel string

	mu        sync.Mutex
	embedders map[string]*MockEmbedder
	closed    bool
}

var _ ai.AIProvider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider whose active model is defaultModel.
//
// Returns the concrete type so tests can reach the embedders via GetMockEmbedder().
func NewMockProvider(defaultModel string) *MockProvider {
	return &MockProvider{
		defaultModel: defaultModel,
		embedders:    make(map[string]*MockEmbedder),
	}
}

// NewMockProviderWithEmbedders creates a mock provider with custom mock embedders.
// The first embedder's model becomes the default model.
func NewMockProviderWithEmbedders(embedders ...*MockEmbedder) *MockProvider {
	p := &MockProvider{embedders: make(map[string]*MockEmbedder)}
	for i, e := range embedders {
		if i == 0 {
			p.defaultModel = e.Model()
		}
		p.embedders[e.Model()] = e
	}
	return p
}

// Embedder returns the mock embedder for a model, creating it on first use.
func (p *MockProvider) Embedder(model string) (ai.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ai.ErrProviderClosed
	}
	return p.embedderLocked(model), nil
}

func (p *MockProvider) embedderLocked(model string) *MockEmbedder {
	e, ok := p.embedders[model]
	if !ok {
		e = NewMockEmbedder(model)
		p.embedders[model] = e
	}
	return e
}

// DefaultModel returns the active model.
func (p *MockProvider) DefaultModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultModel
}

// SetDefaultModel switches the active model.
func (p *MockProvider) SetDefaultModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultModel = model
}

// Close marks the provider closed.
func (p *MockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// GetMockEmbedder returns the underlying mock embedder for a model.
// This allows tests to check call counts and inject custom behavior.
func (p *MockProvider) GetMockEmbedder(model string) *MockEmbedder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedderLocked(model)
}
