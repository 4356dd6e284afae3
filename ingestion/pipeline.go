package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/casevault/ai"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage"
	"github.com/poiesic/casevault/vector"
)

// Pipeline orchestrates opinion ingestion and the asynchronous chunking and
// embedding of opinion text for every configured model.
type Pipeline struct {
	opinions storage.OpinionRepository
	chunks   storage.ChunkRepository
	statuses storage.StatusRepository
	index    vector.Index
	provider ai.AIProvider
	chunker  *Chunker
	pool     *ants.Pool

	models         []string
	enrich         bool
	chunkSize      int
	chunkOverlap   int
	maxAttempts    int
	retryBaseDelay time.Duration
	callTimeout    time.Duration
	requeueDelay   time.Duration
	maxRequeues    int
	logger         *slog.Logger

	q *workQueue

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ItemResult is the per-opinion outcome of Ingest.
type ItemResult struct {
	Opinion *core.Opinion
	Result  core.WriteResult
	Err     error
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the embedding worker pool size.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		if p.pool != nil {
			p.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithModels sets the models every ingested opinion is embedded with.
// Default is the provider's default model.
func WithModels(models ...string) Option {
	return func(p *Pipeline) error {
		p.models = core.NormalizeSet(models)
		return nil
	}
}

// WithEnrichment toggles filling category, outcome and statutes from the text.
// Default is enabled.
func WithEnrichment(enabled bool) Option {
	return func(p *Pipeline) error {
		p.enrich = enabled
		return nil
	}
}

// WithChunking sets the chunk size and overlap in characters.
// Default is DefaultChunkSize and DefaultChunkOverlap.
func WithChunking(size, overlap int) Option {
	return func(p *Pipeline) error {
		p.chunkSize = size
		p.chunkOverlap = overlap
		return nil
	}
}

// WithMaxAttempts sets the number of provider attempts per chunk within one run.
// Default is 3.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) error {
		if n <= 0 {
			return ErrInvalidMaxAttempts
		}
		p.maxAttempts = n
		return nil
	}
}

// WithRetryBaseDelay sets the first backoff delay between chunk attempts.
// Default is 500ms.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.retryBaseDelay = d
		return nil
	}
}

// WithCallTimeout bounds each provider call. Zero disables the bound.
// Default is 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.callTimeout = d
		return nil
	}
}

// WithRequeueDelay sets the base delay before failed chunks are requeued.
// The delay doubles with every requeue round. Default is 5s.
func WithRequeueDelay(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.requeueDelay = d
		return nil
	}
}

// WithMaxRequeues sets how many times failed chunks are requeued before the
// embedding is marked failed. Default is 5.
func WithMaxRequeues(n int) Option {
	return func(p *Pipeline) error {
		if n < 0 {
			n = 0
		}
		p.maxRequeues = n
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline and starts its dispatcher.
// Release must be called when the pipeline is no longer needed.
func NewPipeline(
	opinions storage.OpinionRepository,
	chunks storage.ChunkRepository,
	statuses storage.StatusRepository,
	index vector.Index,
	provider ai.AIProvider,
	opts ...Option,
) (*Pipeline, error) {
	if opinions == nil {
		return nil, ErrOpinionRepositoryRequired
	}
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if statuses == nil {
		return nil, ErrStatusRepositoryRequired
	}
	if index == nil {
		return nil, ErrVectorIndexRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		opinions:       opinions,
		chunks:         chunks,
		statuses:       statuses,
		index:          index,
		provider:       provider,
		pool:           pool,
		models:         []string{provider.DefaultModel()},
		enrich:         true,
		chunkSize:      DefaultChunkSize,
		chunkOverlap:   DefaultChunkOverlap,
		maxAttempts:    3,
		retryBaseDelay: 500 * time.Millisecond,
		callTimeout:    30 * time.Second,
		requeueDelay:   5 * time.Second,
		maxRequeues:    5,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.pool.Release()
			return nil, optErr
		}
	}

	chunker, err := NewChunker(p.chunkSize, p.chunkOverlap)
	if err != nil {
		p.pool.Release()
		return nil, err
	}
	p.chunker = chunker
	p.logger = p.logger.With("component", "ingestion")
	p.q = newWorkQueue()
	p.ctx, p.cancel = context.WithCancel(context.Background())

	go p.dispatch()
	return p, nil
}

// Models returns the models opinions are embedded with on ingest.
func (p *Pipeline) Models() []string {
	return slices.Clone(p.models)
}

// Chunker returns the chunker used for every embedding run.
func (p *Pipeline) Chunker() *Chunker {
	return p.chunker
}

// Ingest upserts opinions one at a time and schedules embedding for each one
// whose indexed text changed. A failing opinion never aborts the batch; its
// error is reported in the matching ItemResult.
func (p *Pipeline) Ingest(ctx context.Context, opinions ...*core.Opinion) []ItemResult {
	results := make([]ItemResult, len(opinions))
	for i, opinion := range opinions {
		if err := ctx.Err(); err != nil {
			results[i] = ItemResult{Opinion: opinion, Err: err}
			continue
		}
		if opinion != nil && p.enrich {
			enriched := *opinion
			core.Enrich(&enriched)
			opinion = &enriched
		}

		stored, res, err := p.opinions.Upsert(ctx, opinion)
		if err != nil {
			p.logger.Warn("opinion rejected", "index", i, "err", err)
			results[i] = ItemResult{Opinion: opinion, Err: err}
			continue
		}
		results[i] = ItemResult{Opinion: stored, Result: res}

		if res.TextChanged {
			for _, model := range p.models {
				if err := p.markPending(ctx, stored.Id, model); err != nil {
					results[i].Err = err
					continue
				}
				if err := p.enqueue(stored.Id, model, nil, 0, !res.Created); err != nil {
					results[i].Err = err
				}
			}
		}
	}
	return results
}

// Enqueue schedules a full embedding run for an opinion and model.
// Duplicate requests for a pair that is already queued collapse into one;
// a request for a pair that is being processed runs again afterwards.
func (p *Pipeline) Enqueue(id core.ID, model string) error {
	return p.enqueue(id, model, nil, 0, false)
}

// EnqueueStale schedules a run that is skipped when the stored status is
// already complete for the opinion's current text.
func (p *Pipeline) EnqueueStale(id core.ID, model string) error {
	return p.enqueue(id, model, nil, 0, true)
}

func (p *Pipeline) enqueue(id core.ID, model string, only []int, round int, skipFresh bool) error {
	item := &workItem{
		key:       workKey{OpinionID: id, Model: model},
		id:        uuid.New(),
		only:      only,
		round:     round,
		skipFresh: skipFresh,
	}
	if !p.q.push(item) {
		return ErrPipelineClosed
	}
	return nil
}

// markPending records that an embedding run is owed before it is queued, so
// work still queued when the process stops is found again by Resume.
// The previous fingerprint is kept: it describes the chunks still stored.
func (p *Pipeline) markPending(ctx context.Context, id core.ID, model string) error {
	status, err := p.statuses.LoadStatus(ctx, id, model)
	if err != nil {
		return err
	}
	if status == nil {
		status = &core.EmbeddingStatus{OpinionID: id, Model: model}
	}
	status.State = core.EmbeddingPending
	return p.statuses.SaveStatus(ctx, status)
}

// Resume re-enqueues every embedding left pending by an earlier process.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	pending, err := p.statuses.ListStatuses(ctx, core.EmbeddingPending)
	if err != nil {
		return 0, err
	}
	for _, st := range pending {
		if err := p.Enqueue(st.OpinionID, st.Model); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		p.logger.Info("resumed pending embeddings", "count", len(pending))
	}
	return len(pending), nil
}

// Embed chunks and embeds one opinion with one model and waits for the result.
// Chunks that fail transiently are requeued in the background.
func (p *Pipeline) Embed(ctx context.Context, id core.ID, model string) (*core.EmbeddingStatus, error) {
	item := &workItem{key: workKey{OpinionID: id, Model: model}, id: uuid.New()}
	unclaim := p.q.claim(ctx, item.key)
	if unclaim == nil {
		return nil, ctx.Err()
	}
	status, retry, err := p.process(ctx, item)
	unclaim()
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("opinion %d: %w", id, storage.ErrNotFound)
	}
	if len(retry) > 0 {
		p.scheduleRequeue(item, retry)
	}
	return status, nil
}

// Delete removes an opinion with its chunks and statuses from the store,
// then from the vector index.
func (p *Pipeline) Delete(ctx context.Context, id core.ID) error {
	if err := p.opinions.Delete(ctx, id); err != nil {
		return err
	}
	if err := p.index.DeleteByOpinion(id); err != nil {
		p.logger.Warn("vector index delete failed", "opinion", id, "err", err)
	}
	return nil
}

// RetireModel removes every chunk and status of model from the store,
// then from the vector index. Returns the number of chunks removed.
func (p *Pipeline) RetireModel(ctx context.Context, model string) (int, error) {
	n, err := p.chunks.DeleteChunksByModel(ctx, model)
	if err != nil {
		return 0, err
	}
	if err := p.index.DeleteModel(model); err != nil {
		p.logger.Warn("vector index model delete failed", "model", model, "err", err)
	}
	p.logger.Info("retired model", "model", model, "chunks", n)
	return n, nil
}

// Wait blocks until no embedding work is queued, running or awaiting requeue.
func (p *Pipeline) Wait(ctx context.Context) error {
	for {
		idle := p.q.idleChan()
		if idle == nil {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release stops the dispatcher, abandons queued work, waits for running
// work to observe cancellation and releases the worker pool. The pipeline
// should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.q.close() {
		p.cancel()
		<-p.done
		if idle := p.q.idleChan(); idle != nil {
			<-idle
		}
	}
	if p.pool != nil {
		p.pool.Release()
	}
}

func (p *Pipeline) dispatch() {
	defer close(p.done)
	for {
		item, ok := p.q.next(p.ctx)
		if !ok {
			return
		}
		err := p.pool.Submit(func() {
			p.run(item)
		})
		if err != nil {
			p.logger.Error("error submitting embedding work", "work_id", item.id, "err", err)
			p.q.finish(item.key)
		}
	}
}

func (p *Pipeline) run(item *workItem) {
	defer p.q.finish(item.key)

	status, retry, err := p.process(p.ctx, item)
	switch {
	case err != nil && p.ctx.Err() != nil:
		return
	case err != nil:
		p.logger.Error("embedding run failed", "work_id", item.id, "opinion", item.key.OpinionID,
			"model", item.key.Model, "round", item.round, "err", err)
		if item.round < p.maxRequeues {
			p.scheduleRequeue(item, item.only)
		}
		return
	case status == nil:
		return
	}
	if len(retry) > 0 {
		p.scheduleRequeue(item, retry)
	}
}

func (p *Pipeline) scheduleRequeue(item *workItem, only []int) {
	delay := p.requeueDelay << item.round
	next := &workItem{
		key:   item.key,
		id:    uuid.New(),
		only:  only,
		round: item.round + 1,
	}
	p.logger.Debug("requeueing embedding", "work_id", next.id, "opinion", item.key.OpinionID,
		"model", item.key.Model, "chunks", only, "round", next.round, "delay", delay)
	p.q.pushAfter(next, delay)
}

// process runs one embedding pass. It returns a nil status when the opinion
// no longer exists or the run was skipped, and the chunk indices worth
// requeueing after transient failures.
func (p *Pipeline) process(ctx context.Context, item *workItem) (*core.EmbeddingStatus, []int, error) {
	id, model := item.key.OpinionID, item.key.Model
	logger := p.logger.With("work_id", item.id, "opinion", id, "model", model)

	opinion, err := p.opinions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("opinion gone, skipping embedding")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	prev, err := p.statuses.LoadStatus(ctx, id, model)
	if err != nil {
		return nil, nil, err
	}
	fingerprint := core.Fingerprint(opinion.Text)
	if item.skipFresh && prev != nil && prev.State == core.EmbeddingComplete && prev.Fingerprint == fingerprint {
		logger.Debug("embedding up to date, skipping")
		return nil, nil, nil
	}

	texts, err := p.chunker.Chunk(opinion.Text)
	if err != nil {
		return nil, nil, err
	}

	full := item.only == nil || prev == nil || prev.Fingerprint != fingerprint
	indices := item.only
	if full {
		indices = make([]int, len(texts))
		for i := range indices {
			indices[i] = i
		}
	} else {
		indices = slices.DeleteFunc(slices.Clone(indices), func(i int) bool { return i >= len(texts) })
	}

	embedder, err := p.provider.Embedder(model)
	if err != nil {
		return nil, nil, err
	}

	vectors, failures := p.embedChunks(ctx, embedder, texts, indices)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	stored := make([]*core.Chunk, 0, len(vectors))
	for _, i := range indices {
		vec, ok := vectors[i]
		if !ok {
			continue
		}
		stored = append(stored, &core.Chunk{
			OpinionID: id,
			Model:     model,
			Index:     i,
			Text:      texts[i],
			Vector:    vec,
		})
	}

	if len(stored) > 0 {
		if err := p.chunks.UpsertChunks(ctx, stored...); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.Debug("opinion deleted during embedding")
				return nil, nil, nil
			}
			return nil, nil, err
		}
	}
	var stale []core.ChunkKey
	if full {
		if _, err := p.chunks.DeleteChunksFrom(ctx, id, model, len(texts)); err != nil {
			return nil, nil, err
		}
		if len(failures) > 0 {
			if stale, err = p.dropStaleChunks(ctx, id, model, texts, failures); err != nil {
				return nil, nil, err
			}
		}
	}

	p.updateIndex(ctx, logger, id, model, stored, stale, full, len(texts))

	status := &core.EmbeddingStatus{
		OpinionID:   id,
		Model:       model,
		State:       core.EmbeddingComplete,
		Fingerprint: fingerprint,
		ChunkCount:  len(texts),
		Attempts:    1,
	}
	if prev != nil {
		status.Attempts = prev.Attempts + 1
		if !full {
			// Chunks outside this partial run keep their earlier outcome.
			for _, i := range prev.FailedChunks {
				if i < len(texts) && !slices.Contains(indices, i) {
					failures[i] = errors.New(prev.LastError)
				}
			}
		}
	}

	var retry []int
	permanent := false
	for i, ferr := range failures {
		status.FailedChunks = append(status.FailedChunks, i)
		if ai.IsPermanent(ferr) {
			permanent = true
		}
	}
	slices.Sort(status.FailedChunks)
	if n := len(status.FailedChunks); n > 0 {
		status.LastError = failures[status.FailedChunks[n-1]].Error()
	}

	switch {
	case len(failures) == 0:
	case permanent || item.round >= p.maxRequeues:
		status.State = core.EmbeddingFailed
	default:
		status.State = core.EmbeddingPending
		retry = slices.Clone(status.FailedChunks)
	}

	if err := p.statuses.SaveStatus(ctx, status); err != nil {
		return nil, nil, err
	}

	if status.State == core.EmbeddingFailed {
		logger.Warn("embedding failed", "failed_chunks", status.FailedChunks, "err", status.LastError)
	} else {
		logger.Debug("embedding run finished", "state", status.State, "chunks", len(texts),
			"stored", len(stored), "failed", len(failures))
	}
	return status, retry, nil
}

// dropStaleChunks deletes the stored chunks at failed indices whose text no
// longer matches the current chunking. A failed slot whose stored text is
// unchanged keeps its earlier, still valid vector.
func (p *Pipeline) dropStaleChunks(ctx context.Context, id core.ID, model string, texts []string, failures map[int]error) ([]core.ChunkKey, error) {
	existing, err := p.chunks.GetChunks(ctx, id, model)
	if err != nil {
		return nil, err
	}
	var stale []core.ChunkKey
	for _, c := range existing {
		if _, failed := failures[c.Index]; failed && c.Index < len(texts) && c.Text != texts[c.Index] {
			stale = append(stale, c.Key())
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if _, err := p.chunks.DeleteChunks(ctx, stale...); err != nil {
		return nil, err
	}
	return stale, nil
}

// updateIndex mirrors committed chunks into the vector index. It runs only
// after the store commit; index failures are logged because the index is
// rebuilt from the chunk table on open.
func (p *Pipeline) updateIndex(ctx context.Context, logger *slog.Logger, id core.ID, model string, stored []*core.Chunk, stale []core.ChunkKey, full bool, count int) {
	if len(stored) > 0 {
		if err := p.index.Upsert(stored...); err != nil {
			logger.Warn("vector index upsert failed", "err", err)
		}
	}
	if len(stale) > 0 {
		if err := p.index.Delete(stale...); err != nil {
			logger.Warn("vector index stale delete failed", "err", err)
		}
	}
	if full {
		if err := p.index.DeleteFrom(id, model, count); err != nil {
			logger.Warn("vector index trim failed", "err", err)
		}
	}
	// A concurrent Delete may have cleared the index before the upsert above.
	if _, err := p.opinions.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		if err := p.index.DeleteByOpinion(id); err != nil {
			logger.Warn("vector index delete failed", "err", err)
		}
	}
}

// embedChunks embeds texts[i] for every i in indices. One batch call is tried
// first; when it fails each chunk is embedded on its own with retries so a
// single bad chunk cannot sink the rest.
func (p *Pipeline) embedChunks(ctx context.Context, embedder ai.Embedder, texts []string, indices []int) (map[int][]float32, map[int]error) {
	vectors := make(map[int][]float32, len(indices))
	failures := make(map[int]error)
	if len(indices) == 0 {
		return vectors, failures
	}

	batch := make([]string, len(indices))
	for j, i := range indices {
		batch[j] = texts[i]
	}
	var result [][]float32
	err := p.withCallTimeout(ctx, func(callCtx context.Context) error {
		var err error
		result, err = embedder.EmbedTexts(callCtx, batch)
		return err
	})
	if err == nil && len(result) == len(indices) {
		for j, i := range indices {
			vectors[i] = result[j]
		}
		return vectors, failures
	}
	if err == nil {
		err = fmt.Errorf("provider returned %d vectors for %d texts", len(result), len(indices))
	}
	p.logger.Debug("batch embedding failed, embedding chunks individually", "chunks", len(indices), "err", err)

	for _, i := range indices {
		var vec []float32
		err := RetryWithBackoff(ctx, func() error {
			return p.withCallTimeout(ctx, func(callCtx context.Context) error {
				var err error
				vec, err = embedder.EmbedText(callCtx, texts[i])
				return err
			})
		}, p.maxAttempts, p.retryBaseDelay)
		if err != nil {
			if ctx.Err() != nil {
				return vectors, failures
			}
			failures[i] = err
			continue
		}
		vectors[i] = vec
	}
	return vectors, failures
}

func (p *Pipeline) withCallTimeout(ctx context.Context, call func(context.Context) error) error {
	if p.callTimeout <= 0 {
		return call(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return call(callCtx)
}
