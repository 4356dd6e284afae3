package vector

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/poiesic/casevault/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(id core.ID, model string, index int, v ...float32) *core.Chunk {
	return &core.Chunk{OpinionID: id, Model: model, Index: index, Text: "text", Vector: v}
}

func newIndex(t *testing.T, opts ...Option) Index {
	t.Helper()
	idx, err := NewIndex(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

type sliceSource []*core.Chunk

func (s sliceSource) ForEachChunk(ctx context.Context, model string, fn func(*core.Chunk) error) error {
	for _, c := range s {
		if model != "" && c.Model != model {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestNewIndex_InvalidOptions(t *testing.T) {
	_, err := NewIndex(WithConnections(1))
	assert.Error(t, err)
	_, err = NewIndex(WithEfSearch(-1))
	assert.Error(t, err)
	_, err = NewIndex(WithMinGraphSize(0))
	assert.Error(t, err)
}

func TestQuery_ExactScan(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(
		chunk(1, "m", 0, 1, 0),
		chunk(2, "m", 0, 1, 1),
		chunk(3, "m", 0, 0, 1),
		chunk(4, "m", 0, -1, 0),
	))

	hits, err := idx.Query(ctx, []float32{2, 0}, "m", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, core.ID(1), hits[0].Chunk.OpinionID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, core.ID(2), hits[1].Chunk.OpinionID)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	assert.Equal(t, core.ID(3), hits[2].Chunk.OpinionID)
	assert.Equal(t, "text", hits[0].Text)
}

func TestQuery_UnknownModelAndZeroK(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(chunk(1, "m", 0, 1, 0)))

	hits, err := idx.Query(context.Background(), []float32{1, 0}, "other", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Query(context.Background(), []float32{1, 0}, "m", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpsert_OverwritesSameKey(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(chunk(1, "m", 0, 1, 0)))
	require.NoError(t, idx.Upsert(chunk(1, "m", 0, 0, 1)))

	assert.Equal(t, 1, idx.Size("m"))
	hits, err := idx.Query(context.Background(), []float32{0, 1}, "m", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestDimensionMismatch(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(chunk(1, "m", 0, 1, 0)))

	err := idx.Upsert(chunk(2, "m", 0, 1, 0, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Query(context.Background(), []float32{1, 0, 0}, "m", 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// Other models establish their own width
	assert.NoError(t, idx.Upsert(chunk(2, "wide", 0, 1, 0, 0)))
}

func TestDeletes(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(
		chunk(1, "a", 0, 1, 0), chunk(1, "a", 1, 1, 0), chunk(1, "a", 2, 1, 0),
		chunk(1, "b", 0, 1, 0),
		chunk(2, "a", 0, 1, 0),
	))
	assert.Equal(t, 5, idx.Size(""))

	require.NoError(t, idx.DeleteFrom(1, "a", 1))
	assert.Equal(t, 2, idx.Size("a"))

	require.NoError(t, idx.DeleteByOpinion(1))
	assert.Equal(t, 1, idx.Size("a"))
	assert.Equal(t, 0, idx.Size("b"))

	require.NoError(t, idx.DeleteModel("a"))
	assert.Equal(t, 0, idx.Size(""))
}

func TestDelete_Keys(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(
		chunk(1, "a", 0, 1, 0), chunk(1, "a", 1, 0, 1),
		chunk(1, "b", 1, 0, 1),
	))

	require.NoError(t, idx.Delete(
		core.ChunkKey{OpinionID: 1, Model: "a", Index: 1},
		core.ChunkKey{OpinionID: 9, Model: "a", Index: 0},
		core.ChunkKey{OpinionID: 1, Model: "missing", Index: 0},
	))
	assert.Equal(t, 1, idx.Size("a"))
	assert.Equal(t, 1, idx.Size("b"))

	hits, err := idx.Query(context.Background(), []float32{0, 1}, "a", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].Chunk.Index)
}

// recall returns the share of want's chunks present in got.
func recall(want, got []core.VectorHit) float64 {
	if len(want) == 0 {
		return 1
	}
	seen := make(map[core.ChunkKey]bool, len(got))
	for _, h := range got {
		seen[h.Chunk] = true
	}
	found := 0
	for _, h := range want {
		if seen[h.Chunk] {
			found++
		}
	}
	return float64(found) / float64(len(want))
}

func TestGraph_FindsIndexedVectors(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	idx := newIndex(t, WithMinGraphSize(64))

	var chunks []*core.Chunk
	for i := range 300 {
		chunks = append(chunks, chunk(core.ID(i+1), "m", 0, randomVector(r, 16)...))
	}
	require.NoError(t, idx.Upsert(chunks...))

	found := 0
	for _, c := range chunks[:50] {
		hits, err := idx.Query(context.Background(), c.Vector, "m", 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		if hits[0].Chunk.OpinionID == c.OpinionID {
			found++
			assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
		}
	}
	assert.GreaterOrEqual(t, found, 48)
}

func TestGraph_RecallAgainstExactScan(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	var chunks []*core.Chunk
	for i := range 400 {
		chunks = append(chunks, chunk(core.ID(i+1), "m", 0, randomVector(r, 8)...))
	}

	exact := newIndex(t, WithMinGraphSize(10_000))
	graph := newIndex(t, WithMinGraphSize(32), WithEfSearch(200))
	require.NoError(t, exact.Upsert(chunks...))
	require.NoError(t, graph.Upsert(chunks...))

	total := 0.0
	for range 20 {
		q := randomVector(r, 8)
		want, err := exact.Query(context.Background(), q, "m", 10)
		require.NoError(t, err)
		got, err := graph.Query(context.Background(), q, "m", 10)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), 10)
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
		}
		total += recall(want, got)
	}
	assert.GreaterOrEqual(t, total/20, 0.9)
}

func TestGraph_DeletesLeaveResults(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 10))
	idx := newIndex(t, WithMinGraphSize(40))

	var chunks []*core.Chunk
	for i := range 120 {
		chunks = append(chunks, chunk(core.ID(i+1), "m", 0, randomVector(r, 8)...))
	}
	require.NoError(t, idx.Upsert(chunks...))

	for _, c := range chunks[:60] {
		require.NoError(t, idx.DeleteByOpinion(c.OpinionID))
	}
	assert.Equal(t, 60, idx.Size("m"))

	for _, c := range chunks[:10] {
		hits, err := idx.Query(context.Background(), c.Vector, "m", 5)
		require.NoError(t, err)
		for _, h := range hits {
			assert.Greater(t, h.Chunk.OpinionID, core.ID(60), "deleted chunk returned")
		}
	}

	// Falling below half the threshold returns to exact scans
	for _, c := range chunks[60:105] {
		require.NoError(t, idx.DeleteByOpinion(c.OpinionID))
	}
	hits, err := idx.Query(context.Background(), chunks[110].Vector, "m", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks[110].OpinionID, hits[0].Chunk.OpinionID)
}

func TestGraph_Deterministic(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	var chunks []*core.Chunk
	for i := range 100 {
		chunks = append(chunks, chunk(core.ID(i+1), "m", 0, randomVector(r, 8)...))
	}
	q := randomVector(r, 8)

	query := func() []core.VectorHit {
		idx := newIndex(t, WithMinGraphSize(20), WithEfSearch(16))
		require.NoError(t, idx.Rebuild(context.Background(), sliceSource(chunks)))
		hits, err := idx.Query(context.Background(), q, "m", 10)
		require.NoError(t, err)
		return hits
	}
	assert.Equal(t, query(), query())
}

func TestRebuild(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(chunk(99, "m", 0, 0, 1)))

	source := sliceSource{chunk(1, "m", 0, 1, 0), chunk(2, "n", 0, 0, 1, 0)}
	require.NoError(t, idx.Rebuild(context.Background(), source))

	assert.Equal(t, 1, idx.Size("m"))
	assert.Equal(t, 1, idx.Size("n"))
	hits, err := idx.Query(context.Background(), []float32{0, 1}, "m", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, core.ID(1), hits[0].Chunk.OpinionID, "state not in the source is gone")
}

func TestClose(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Upsert(chunk(1, "m", 0, 1, 0)))
	require.NoError(t, idx.Close())

	_, err := idx.Query(context.Background(), []float32{1, 0}, "m", 1)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Upsert(chunk(2, "m", 0, 1, 0)), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.DeleteByOpinion(1), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Rebuild(context.Background(), sliceSource{}), ErrIndexUnavailable)
}

func TestConcurrentAccess(t *testing.T) {
	idx := newIndex(t, WithMinGraphSize(16))
	r := rand.New(rand.NewPCG(7, 8))
	vectors := make([][]float32, 64)
	for i := range vectors {
		vectors[i] = randomVector(r, 8)
	}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := w; i < len(vectors); i += 4 {
				assert.NoError(t, idx.Upsert(chunk(core.ID(i+1), "m", 0, vectors[i]...)))
			}
		}()
		go func() {
			defer wg.Done()
			for i := range 32 {
				_, err := idx.Query(context.Background(), vectors[i], "m", 5)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, idx.Size("m"))
}
