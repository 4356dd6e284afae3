// Package vector provides the approximate nearest-neighbour index over chunk embeddings.
//
// The index keeps one set of vectors per embedding model.
// Vectors are normalized on insert so cosine similarity is a dot product.
// Until a model holds MinGraphSize vectors every query is an exact scan;
// after that an HNSW graph (github.com/coder/hnsw) answers queries and is
// maintained in place by inserts and deletes. EfSearch is the recall/latency
// knob: raising it explores more candidates per query and approaches exact
// recall.
//
// The index holds no state of its own. Rebuild reconstructs it from the
// chunk table, and it is rebuilt that way every time the store is opened.
//
// # Usage
//
//	idx, err := vector.NewIndex(vector.WithEfSearch(128))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := idx.Rebuild(ctx, repos.Chunks); err != nil {
//	    log.Fatal(err)
//	}
//	hits, err := idx.Query(ctx, queryVector, "nomic-embed-text", 50)
package vector
