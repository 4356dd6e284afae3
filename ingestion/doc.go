// Package ingestion provides pipeline orchestration for storing opinions and
// embedding their text.
//
// The Pipeline type manages the ingestion workflow, including:
//   - Enriching and upserting opinions into storage
//   - Splitting opinion text into overlapping chunks
//   - Embedding chunks asynchronously for every configured model
//   - Mirroring stored chunks into the in-memory vector index
//
// Embedding work runs on a bounded worker pool. The work queue collapses
// duplicate requests for the same opinion and model, and never hands the same
// pair to two workers at once. Chunks that fail transiently are requeued with
// exponential backoff; chunks that fail permanently are recorded in the
// embedding status. Failures never fail the ingestion call itself.
package ingestion
