package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/casevault/ai"
	"github.com/poiesic/casevault/ai/mock"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage/badger"
	"github.com/poiesic/casevault/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "test-embed"

type testEnv struct {
	repos    *badger.Repositories
	index    vector.Index
	provider *mock.MockProvider
	pipeline *Pipeline
}

func setupPipeline(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)

	index, err := vector.NewIndex()
	require.NoError(t, err)

	provider := mock.NewMockProvider(testModel)

	base := []Option{
		WithPoolSize(2),
		WithChunking(100, 0),
		WithMaxAttempts(1),
		WithRetryBaseDelay(time.Millisecond),
		WithCallTimeout(time.Second),
		WithRequeueDelay(10 * time.Millisecond),
		WithMaxRequeues(5),
	}
	pipeline, err := NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, index, provider, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		pipeline.Release()
		index.Close()
		repos.Close()
		backend.Close()
	})

	return &testEnv{repos: repos, index: index, provider: provider, pipeline: pipeline}
}

// fiveParagraphs builds text that splits into exactly five chunks at size 100.
func fiveParagraphs(marker string) string {
	paras := make([]string, 5)
	for i := range paras {
		paras[i] = fmt.Sprintf("Paragraph %d discusses the traffic stop and the detention of the driver.", i+1)
	}
	paras[1] = marker + " " + paras[1]
	return strings.Join(paras, "\n\n")
}

func opinion(sourceID, text string) *core.Opinion {
	return &core.Opinion{
		Source:    "courtlistener",
		SourceID:  sourceID,
		CaseName:  "Smith v. State",
		Court:     "texapp",
		DateFiled: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		Text:      text,
	}
}

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer backend.Close()
	defer repos.Close()
	index, err := vector.NewIndex()
	require.NoError(t, err)
	provider := mock.NewMockProvider(testModel)

	_, err = NewPipeline(nil, repos.Chunks, repos.Statuses, index, provider)
	assert.ErrorIs(t, err, ErrOpinionRepositoryRequired)
	_, err = NewPipeline(repos.Opinions, nil, repos.Statuses, index, provider)
	assert.ErrorIs(t, err, ErrChunkRepositoryRequired)
	_, err = NewPipeline(repos.Opinions, repos.Chunks, nil, index, provider)
	assert.ErrorIs(t, err, ErrStatusRepositoryRequired)
	_, err = NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, nil, provider)
	assert.ErrorIs(t, err, ErrVectorIndexRequired)
	_, err = NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, index, nil)
	assert.ErrorIs(t, err, ErrAIProviderRequired)
	_, err = NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, index, provider, WithChunking(10, 10))
	assert.ErrorIs(t, err, ErrInvalidChunking)
}

func TestPipeline_DefaultModels(t *testing.T) {
	env := setupPipeline(t)
	assert.Equal(t, []string{testModel}, env.pipeline.Models())
}

func TestPipeline_IngestEmbedsAndIndexes(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx,
		opinion("1", fiveParagraphs("first")),
		opinion("2", "We affirm the judgment."),
	)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.True(t, r.Result.Created)
	}
	waitIdle(t, env.pipeline)

	first := results[0].Opinion.Id
	chunks, err := env.repos.Chunks.GetChunks(ctx, first, testModel)
	require.NoError(t, err)
	assert.Len(t, chunks, 5)

	status, err := env.repos.Statuses.LoadStatus(ctx, first, testModel)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, core.EmbeddingComplete, status.State)
	assert.Equal(t, 5, status.ChunkCount)
	assert.Equal(t, core.Fingerprint(results[0].Opinion.Text), status.Fingerprint)

	assert.Equal(t, 6, env.index.Size(testModel))
}

func TestPipeline_IngestRejectsInvalidWithoutAbortingBatch(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	bad := opinion("bad", "text")
	bad.CaseName = "  "
	results := env.pipeline.Ingest(ctx, bad, nil, opinion("good", "We affirm."))
	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0].Err, core.ErrInvalidOpinion)
	assert.ErrorIs(t, results[1].Err, core.ErrInvalidOpinion)
	require.NoError(t, results[2].Err)
	assert.NotZero(t, results[2].Opinion.Id)
}

func TestPipeline_IngestEnriches(t *testing.T) {
	env := setupPipeline(t)

	o := opinion("dwi", "Appellant was convicted of driving while intoxicated under Tex. Penal Code § 49.04. We affirm.")
	results := env.pipeline.Ingest(context.Background(), o)
	require.NoError(t, results[0].Err)
	assert.Equal(t, core.CaseCategoryDWI, results[0].Opinion.CaseCategory)
	assert.Equal(t, "affirmed", results[0].Opinion.Outcome)
	assert.Equal(t, []string{"§ 49.04"}, results[0].Opinion.Statutes)
	assert.Empty(t, o.CaseCategory, "caller's opinion is not modified")
}

func TestPipeline_IngestWithoutEnrichment(t *testing.T) {
	env := setupPipeline(t, WithEnrichment(false))

	results := env.pipeline.Ingest(context.Background(), opinion("dwi", "driving while intoxicated. We affirm."))
	require.NoError(t, results[0].Err)
	assert.Empty(t, results[0].Opinion.CaseCategory)
	assert.Empty(t, results[0].Opinion.Outcome)
}

func TestPipeline_ReingestUnchangedSkipsEmbedding(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)
	batches := embedder.BatchCallCount()

	again := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")))
	require.NoError(t, again[0].Err)
	assert.False(t, again[0].Result.Created)
	assert.False(t, again[0].Result.TextChanged)
	assert.Equal(t, results[0].Opinion.Id, again[0].Opinion.Id)
	waitIdle(t, env.pipeline)

	assert.Equal(t, batches, embedder.BatchCallCount(), "unchanged text is not embedded again")
}

func TestPipeline_TextChangeTrimsStaleChunks(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)
	id := results[0].Opinion.Id

	updated := env.pipeline.Ingest(ctx, opinion("1", "On rehearing we reverse."))
	require.NoError(t, updated[0].Err)
	assert.True(t, updated[0].Result.TextChanged)
	waitIdle(t, env.pipeline)

	chunks, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "On rehearing we reverse.", chunks[0].Text)
	assert.Equal(t, 1, env.index.Size(testModel))
}

func TestPipeline_TextChangeDropsChunksThatFailToReembed(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("OLDWORDING")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)
	id := results[0].Opinion.Id
	require.Equal(t, 5, env.index.Size(testModel))

	embedder.FailOn("NEWWORDING", ai.Permanent(testModel, errors.New("input rejected")))
	updated := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("NEWWORDING")))
	require.NoError(t, updated[0].Err)
	waitIdle(t, env.pipeline)

	st, err := env.repos.Statuses.LoadStatus(ctx, id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingFailed, st.State)
	assert.Equal(t, []int{1}, st.FailedChunks)

	chunks, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.NotEqual(t, 1, c.Index)
		assert.NotContains(t, c.Text, "OLDWORDING")
	}
	assert.Equal(t, 4, env.index.Size(testModel))

	oldVector := mock.GenerateDeterministicVector(strings.Split(fiveParagraphs("OLDWORDING"), "\n\n")[1], mock.DefaultDimension)
	hits, err := env.index.Query(ctx, oldVector, testModel, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Text, "OLDWORDING")
	}
}

func TestPipeline_IngestMarksEmbeddingPending(t *testing.T) {
	env := setupPipeline(t, WithRequeueDelay(time.Hour))
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)
	embedder.FailOn("MARKER", errors.New("down"))

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("MARKER")))
	require.NoError(t, results[0].Err)

	st, err := env.repos.Statuses.LoadStatus(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	require.NotNil(t, st, "status is written before the run is queued")
	assert.Equal(t, core.EmbeddingPending, st.State)

	pending, err := env.repos.Statuses.ListStatuses(ctx, core.EmbeddingPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPipeline_EmbedIsIdempotent(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)
	id := results[0].Opinion.Id

	before, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)

	status, err := env.pipeline.Embed(ctx, id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, status.State)
	assert.Equal(t, 2, status.Attempts)

	after, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Text, after[i].Text)
		assert.Equal(t, before[i].Vector, after[i].Vector)
	}
	assert.Equal(t, 5, env.index.Size(testModel))
}

func TestPipeline_EmbedUnknownOpinion(t *testing.T) {
	env := setupPipeline(t)
	_, err := env.pipeline.Embed(context.Background(), 999, testModel)
	assert.Error(t, err)
}

func TestPipeline_EmptyTextHasNoChunks(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx, opinion("1", ""))
	require.NoError(t, results[0].Err)

	status, err := env.pipeline.Embed(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, status.State)
	assert.Zero(t, status.ChunkCount)
}

func TestPipeline_TransientChunkFailureIsRetried(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("MARKER")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)
	id := results[0].Opinion.Id

	embedder.FailOn("MARKER", errors.New("rate limited"))
	status, err := env.pipeline.Embed(ctx, id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingPending, status.State)
	assert.Equal(t, []int{1}, status.FailedChunks)
	assert.Contains(t, status.LastError, "rate limited")

	// Chunks that succeeded are already searchable.
	chunks, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)
	assert.Len(t, chunks, 5, "earlier vector for chunk 2 is kept for unchanged text")

	embedder.FailOn("MARKER", nil)
	waitIdle(t, env.pipeline)

	status, err = env.repos.Statuses.LoadStatus(ctx, id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, status.State)
	assert.Empty(t, status.FailedChunks)
	assert.Equal(t, 5, env.index.Size(testModel))
}

func TestPipeline_FailedChunkDoesNotBlockOthers(t *testing.T) {
	env := setupPipeline(t, WithMaxRequeues(10))
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)
	embedder.FailOn("MARKER", errors.New("upstream unavailable"))

	results := env.pipeline.Ingest(ctx,
		opinion("1", fiveParagraphs("MARKER")),
		opinion("2", fiveParagraphs("fine")),
	)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	// The second opinion completes while the first keeps retrying.
	require.Eventually(t, func() bool {
		st, err := env.repos.Statuses.LoadStatus(ctx, results[1].Opinion.Id, testModel)
		return err == nil && st != nil && st.State == core.EmbeddingComplete
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		chunks, err := env.repos.Chunks.GetChunks(ctx, results[0].Opinion.Id, testModel)
		return err == nil && len(chunks) == 4
	}, 5*time.Second, 5*time.Millisecond)

	embedder.FailOn("MARKER", nil)
	waitIdle(t, env.pipeline)

	chunks, err := env.repos.Chunks.GetChunks(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	assert.Len(t, chunks, 5)
	st, err := env.repos.Statuses.LoadStatus(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, st.State)
}

func TestPipeline_RequeueLimitMarksFailed(t *testing.T) {
	env := setupPipeline(t, WithMaxRequeues(2), WithRequeueDelay(time.Millisecond))
	ctx := context.Background()
	env.provider.GetMockEmbedder(testModel).FailOn("MARKER", errors.New("timeout"))

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("MARKER")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)

	st, err := env.repos.Statuses.LoadStatus(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingFailed, st.State)
	assert.Equal(t, []int{1}, st.FailedChunks)
	assert.Equal(t, 3, st.Attempts)
}

func TestPipeline_PermanentFailureIsNotRetried(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()
	embedder := env.provider.GetMockEmbedder(testModel)
	embedder.FailOn("MARKER", ai.Permanent(testModel, errors.New("input too long")))

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("MARKER")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)

	st, err := env.repos.Statuses.LoadStatus(ctx, results[0].Opinion.Id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingFailed, st.State)
	assert.Equal(t, []int{1}, st.FailedChunks)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 4, env.index.Size(testModel))
}

func TestPipeline_DeleteRemovesEverywhere(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")), opinion("2", "We affirm."))
	waitIdle(t, env.pipeline)
	id := results[0].Opinion.Id

	require.NoError(t, env.pipeline.Delete(ctx, id))

	chunks, err := env.repos.Chunks.GetChunks(ctx, id, testModel)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	st, err := env.repos.Statuses.LoadStatus(ctx, id, testModel)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 1, env.index.Size(testModel))

	hits, err := env.index.Query(ctx, mock.GenerateDeterministicVector("Paragraph 1", mock.DefaultDimension), testModel, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, id, h.Chunk.OpinionID)
	}
}

func TestPipeline_MultipleModelsAndRetire(t *testing.T) {
	env := setupPipeline(t, WithModels("old-model", "new-model"))
	ctx := context.Background()

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("x")))
	require.NoError(t, results[0].Err)
	waitIdle(t, env.pipeline)

	assert.Equal(t, 5, env.index.Size("old-model"))
	assert.Equal(t, 5, env.index.Size("new-model"))

	n, err := env.pipeline.RetireModel(ctx, "old-model")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Zero(t, env.index.Size("old-model"))
	assert.Equal(t, 5, env.index.Size("new-model"))

	st, err := env.repos.Statuses.LoadStatus(ctx, results[0].Opinion.Id, "old-model")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPipeline_Resume(t *testing.T) {
	env := setupPipeline(t, WithEnrichment(false))
	ctx := context.Background()

	stored, _, err := env.repos.Opinions.Upsert(ctx, opinion("1", "We affirm."))
	require.NoError(t, err)
	require.NoError(t, env.repos.Statuses.SaveStatus(ctx, &core.EmbeddingStatus{
		OpinionID: stored.Id,
		Model:     testModel,
		State:     core.EmbeddingPending,
	}))

	n, err := env.pipeline.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitIdle(t, env.pipeline)

	st, err := env.repos.Statuses.LoadStatus(ctx, stored.Id, testModel)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, st.State)
}

func TestPipeline_ReleaseRejectsNewWork(t *testing.T) {
	env := setupPipeline(t)
	env.pipeline.Release()

	assert.ErrorIs(t, env.pipeline.Enqueue(1, testModel), ErrPipelineClosed)
	// Release is safe to call twice.
	env.pipeline.Release()
}

func TestPipeline_WaitHonoursContext(t *testing.T) {
	env := setupPipeline(t, WithRequeueDelay(time.Hour))
	ctx := context.Background()
	env.provider.GetMockEmbedder(testModel).FailOn("MARKER", errors.New("down"))

	results := env.pipeline.Ingest(ctx, opinion("1", fiveParagraphs("MARKER")))
	require.NoError(t, results[0].Err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.pipeline.Wait(waitCtx), context.DeadlineExceeded)
}
