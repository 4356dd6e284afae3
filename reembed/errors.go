package reembed

import "errors"

var (
	// ErrRepositoryRequired is returned when the opinion or status repository is missing.
	ErrRepositoryRequired = errors.New("opinion and status repositories required")

	// ErrEmbedderRequired is returned when no opinion embedder is provided.
	ErrEmbedderRequired = errors.New("opinion embedder required")

	// ErrModelRequired is returned when Config.Model is empty.
	ErrModelRequired = errors.New("target model required")
)
