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

// Package search provides hybrid lexical and semantic retrieval over opinions.
//
// The Searcher type runs two retrievals concurrently for every query:
//   - Lexical search over weighted term postings (case name, summary, text)
//   - Semantic search over chunk embeddings in the vector index
//
// Each list is normalized to [0,1] by its maximum and the two are fused with
// configurable weights. Filters are applied to the fused candidates, which
// are then ranked by fused score, filing date and id.
//
// When the query cannot be embedded or the vector index is unavailable the
// searcher answers from the lexical index alone and marks the response partial.
package search
