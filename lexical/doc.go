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

// Package lexical derives the weighted token representation of an opinion.
//
// Three fields contribute, each with a fixed weight class:
//
//   - A: case name (highest)
//   - B: summary
//   - C: opinion text (lowest)
//
// Terms are lower-cased tokens reduced to their English Porter2 stem
// (github.com/kljensen/snowball), so documents and queries match across
// inflections. Queries go through the same Terms path as documents.
//
// Build is pure and deterministic. Storage backends call it on every write
// that touches one of the three fields, inside the same transaction as the
// record itself, so the stored vector can never lag behind the record.
//
// Rank scores a stored term frequency against the weight ladder. A query term
// found only in the case name always outranks the same term found once in
// the opinion text.
package lexical
