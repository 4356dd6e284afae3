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

package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidOpinion indicates an Opinion failed validation.
	ErrInvalidOpinion = errors.New("invalid opinion")

	// ErrEmptyCaseName indicates the CaseName field is empty.
	ErrEmptyCaseName = errors.New("case name cannot be empty")

	// ErrEmptyCourt indicates the Court field is empty.
	ErrEmptyCourt = errors.New("court cannot be empty")

	// ErrSourceRequired indicates a SourceID was given without a Source.
	ErrSourceRequired = errors.New("source is required when source id is set")

	// ErrInvalidChunk indicates a Chunk failed validation.
	ErrInvalidChunk = errors.New("invalid chunk")
)
