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

package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates an embedding was requested for blank text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrProviderClosed indicates the provider was used after Close.
	ErrProviderClosed = errors.New("provider is closed")
)

// ProviderError is returned by embedders when the provider call fails.
// Transient errors are worth retrying; permanent ones (invalid input,
// unknown model) are not.
type ProviderError struct {
	Model     string
	Permanent bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("embedding provider error (%s, model %s): %v", kind, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable provider error.
func Transient(model string, err error) error {
	return &ProviderError{Model: model, Err: err}
}

// Permanent wraps err as a non-retryable provider error.
func Permanent(model string, err error) error {
	return &ProviderError{Model: model, Permanent: true, Err: err}
}

// IsPermanent reports whether err carries a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}
