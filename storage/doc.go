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

// Package storage provides the storage abstraction layer for casevault.
//
// This package defines repository interfaces that decouple storage implementation
// from business logic, plus the binary record encodings shared by backends.
//
// # Constructor Return Type Pattern
//
// Public constructors in backend packages return these interfaces:
//
//	repos, err := badger.NewRepositories(backend) // fields are storage interfaces
//
// Internal package constructors may return concrete types since they're only
// used within the implementation package.
//
// # Architecture
//
//   - OpinionRepository: canonical opinions, dedup by external identity, listing, stats
//   - LexicalIndex: weighted postings search maintained by the opinion write path
//   - ChunkRepository: embedded chunks keyed by (opinion, model, index)
//   - StatusRepository: per (opinion, model) embedding outcome
//
// The opinion record is the single source of truth. Postings are rewritten in
// the same transaction as the record; chunks and statuses are derived and are
// removed with their opinion.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
