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

// Package ai provides the embedding provider boundary used by casevault.
//
// The embedding service is an external collaborator. This package defines the
// narrow contract the rest of the module depends on, so storage, ingestion and
// search never import a vendor SDK.
//
// # Design Principles
//
// The package is designed around two interfaces:
//
//   - Embedder: Generates vector embeddings from text with one fixed model
//   - AIProvider: Hands out an Embedder per model identifier
//
// Several models can coexist in the store (model migration), so the provider
// is asked for an embedder by model name rather than holding a single one.
//
// # Errors
//
// Embedders report failures as *ProviderError. Errors are transient unless
// marked Permanent (blank input, unknown model); callers retry transient
// errors with backoff and record permanent ones. Use IsPermanent to classify.
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder) return
// INTERFACE types to enforce abstraction. Test utility constructors
// (mock.NewMockEmbedder) return CONCRETE types to enable assertions and
// behavior injection.
//
// # Usage Example
//
//	config := ai.NewConfig(ai.WithEmbeddingModel("nomic-embed-text"))
//	provider, err := openai.NewProvider(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	embedder, err := provider.Embedder(provider.DefaultModel())
//	vector, err := embedder.EmbedText(ctx, "field sobriety test")
package ai
