package ai

import "context"

// Embedder generates vector embeddings from text for semantic similarity search.
// Every Embedder is bound to exactly one model; vectors from different models
// are never comparable.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// Model returns the identifier of the model producing the vectors.
	Model() string

	// EmbedText generates a vector embedding for a single text string.
	// Returns a *ProviderError if the embedding generation fails.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// The returned slice contains embeddings in the same order as the input texts.
	// The whole batch fails if any item fails; callers that need per-item
	// results fall back to EmbedText.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// AIProvider hands out embedders for model identifiers and manages their lifecycle.
type AIProvider interface {
	// Embedder returns the embedder for a model.
	// The returned Embedder is safe for concurrent use.
	Embedder(model string) (Embedder, error)

	// DefaultModel returns the configured active embedding model.
	DefaultModel() string

	// Close releases resources held by the provider and its services.
	// After Close is called, the provider and its services should not be used.
	Close() error
}
