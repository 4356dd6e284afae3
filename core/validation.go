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

import (
	"fmt"
	"slices"
	"strings"
)

// ValidateOpinion validates an Opinion according to domain rules.
//
// Validation rules:
//   - CaseName must not be blank
//   - Court must not be blank
//   - Source must be set when SourceID is set
//
// NOT validated (derived or assigned by storage):
//   - Lexical (always recomputed on write)
//   - ID (0 on insert)
func ValidateOpinion(opinion *Opinion) error {
	if opinion == nil {
		return fmt.Errorf("%w: opinion is nil", ErrInvalidOpinion)
	}

	if strings.TrimSpace(opinion.CaseName) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidOpinion, ErrEmptyCaseName)
	}

	if strings.TrimSpace(opinion.Court) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidOpinion, ErrEmptyCourt)
	}

	if opinion.SourceID != "" && strings.TrimSpace(opinion.Source) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidOpinion, ErrSourceRequired)
	}

	return nil
}

// ValidateChunk validates a Chunk before it is stored.
func ValidateChunk(chunk *Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: chunk is nil", ErrInvalidChunk)
	}
	if chunk.OpinionID == 0 {
		return fmt.Errorf("%w: missing opinion id", ErrInvalidChunk)
	}
	if chunk.Model == "" {
		return fmt.Errorf("%w: missing model", ErrInvalidChunk)
	}
	if chunk.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidChunk, chunk.Index)
	}
	if len(chunk.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidChunk)
	}
	return nil
}

// NormalizeOpinion puts an opinion into canonical form in place.
// Required fields are trimmed and every string set is trimmed, de-duplicated
// and sorted so that set order never matters.
func NormalizeOpinion(opinion *Opinion) {
	opinion.Source = strings.TrimSpace(opinion.Source)
	opinion.SourceID = strings.TrimSpace(opinion.SourceID)
	opinion.CaseName = strings.TrimSpace(opinion.CaseName)
	opinion.Court = strings.TrimSpace(opinion.Court)
	opinion.Citations = NormalizeSet(opinion.Citations)
	opinion.Judges = NormalizeSet(opinion.Judges)
	opinion.Statutes = NormalizeSet(opinion.Statutes)
	opinion.Tags = NormalizeSet(opinion.Tags)
	opinion.DateFiled = opinion.DateFiled.UTC()
}

// NormalizeSet trims, drops empty entries, de-duplicates and sorts a string set.
// Returns nil for an empty set.
func NormalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
