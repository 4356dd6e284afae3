// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder and ai.AIProvider
// for use in unit tests. The mocks allow tests to run without external AI
// service dependencies and enable controlled, deterministic behavior.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	provider := mock.NewMockProvider("test-model")
//	embedder, _ := provider.Embedder("test-model")
//	vector, err := embedder.EmbedText(ctx, "test")
//
//	// Failure injection
//	provider.GetMockEmbedder("test-model").FailOn("poison", errors.New("boom"))
//
//	// Custom behavior injection
//	provider.GetMockEmbedder("test-model").EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
//	    return []float32{0.1, 0.2, 0.3}, nil
//	}
//
// # Default Behavior
//
//   - MockEmbedder: Returns deterministic unit vectors based on text hash
//   - MockProvider: One MockEmbedder per model, created on demand
package mock
