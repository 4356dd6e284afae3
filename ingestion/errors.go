package ingestion

import "errors"

var (
	// ErrOpinionRepositoryRequired is returned when an opinion repository is not provided.
	ErrOpinionRepositoryRequired = errors.New("opinion repository required")

	// ErrChunkRepositoryRequired is returned when a chunk repository is not provided.
	ErrChunkRepositoryRequired = errors.New("chunk repository required")

	// ErrStatusRepositoryRequired is returned when a status repository is not provided.
	ErrStatusRepositoryRequired = errors.New("status repository required")

	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrAIProviderRequired is returned when an AI provider is not provided.
	ErrAIProviderRequired = errors.New("AI provider required")

	// ErrInvalidMaxAttempts is returned when maxAttempts is not positive.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrInvalidChunking is returned for a non-positive chunk size or an
	// overlap that is negative or not smaller than the chunk size.
	ErrInvalidChunking = errors.New("invalid chunk size or overlap")

	// ErrPipelineClosed is returned when work is submitted after Release.
	ErrPipelineClosed = errors.New("pipeline is closed")
)
