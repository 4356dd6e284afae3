// Package reembed provides functionality for reembedding stored opinions
// with new or updated embedding models.
//
// This package walks opinions in batches, embeds them concurrently through
// the ingestion pipeline, optionally skips opinions already embedded for
// their current text, and reports progress as it goes. Retiring the old
// model afterwards is left to the caller.
package reembed
