package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/casevault/ai"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/lexical"
	"github.com/poiesic/casevault/storage"
	"github.com/poiesic/casevault/vector"
)

// Reasons reported in SearchResponse.Degraded.
const (
	DegradedEmbedding = "query embedding unavailable"
	DegradedIndex     = "vector index unavailable"
)

const (
	// DefaultVectorWeight is the fusion weight of the semantic score.
	DefaultVectorWeight = 0.6
	// DefaultLexicalWeight is the fusion weight of the lexical score.
	DefaultLexicalWeight = 0.4
	// DefaultLimit is used when a query leaves Limit at zero.
	DefaultLimit = 10
	// DefaultMinCandidates is the smallest candidate list fetched from each index.
	DefaultMinCandidates = 50
	// DefaultSnippetLength is the snippet width in characters.
	DefaultSnippetLength = 280
)

const tracerName = "github.com/poiesic/casevault/search"

// Searcher provides hybrid lexical and semantic search over opinions.
type Searcher struct {
	opinions      storage.OpinionRepository
	lexical       storage.LexicalIndex
	index         vector.Index
	provider      ai.AIProvider
	model         string
	vectorWeight  float32
	lexicalWeight float32
	embedTimeout  time.Duration
	minCandidates int
	snippetLength int
	defaultLimit  int
	tracer        trace.Tracer
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithModel sets the embedding model used for queries.
// Default is the provider's default model.
func WithModel(model string) Option {
	return func(s *Searcher) error {
		if model != "" {
			s.model = model
		}
		return nil
	}
}

// WithWeights sets the fusion weights of the vector and lexical scores.
// Default is 0.6 and 0.4.
func WithWeights(vectorWeight, lexicalWeight float32) Option {
	return func(s *Searcher) error {
		if vectorWeight < 0 || lexicalWeight < 0 || vectorWeight+lexicalWeight == 0 {
			return fmt.Errorf("%w: vector %v, lexical %v", ErrInvalidWeights, vectorWeight, lexicalWeight)
		}
		s.vectorWeight = vectorWeight
		s.lexicalWeight = lexicalWeight
		return nil
	}
}

// WithEmbedTimeout bounds the query embedding call. Zero leaves only the
// caller's context in charge. Default is 2s.
func WithEmbedTimeout(d time.Duration) Option {
	return func(s *Searcher) error {
		s.embedTimeout = d
		return nil
	}
}

// WithMinCandidates sets the smallest number of candidates fetched from each
// index; at least four times the limit is always fetched. Default is 50.
func WithMinCandidates(n int) Option {
	return func(s *Searcher) error {
		if n < 1 {
			n = 1
		}
		s.minCandidates = n
		return nil
	}
}

// WithDefaultLimit sets the result count used when a query leaves Limit
// at zero. Default is 10.
func WithDefaultLimit(n int) Option {
	return func(s *Searcher) error {
		if n < 1 {
			return fmt.Errorf("%w: default limit %d", ErrInvalidQuery, n)
		}
		s.defaultLimit = n
		return nil
	}
}

// WithSnippetLength sets the snippet width in characters. Default is 280.
func WithSnippetLength(n int) Option {
	return func(s *Searcher) error {
		if n < 1 {
			n = DefaultSnippetLength
		}
		s.snippetLength = n
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer.
// Default is the tracer of the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Searcher) error {
		if tracer != nil {
			s.tracer = tracer
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(
	opinions storage.OpinionRepository,
	lexicalIndex storage.LexicalIndex,
	index vector.Index,
	provider ai.AIProvider,
	opts ...Option,
) (*Searcher, error) {
	if opinions == nil {
		return nil, ErrOpinionRepositoryRequired
	}
	if lexicalIndex == nil {
		return nil, ErrLexicalIndexRequired
	}
	if index == nil {
		return nil, ErrVectorIndexRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	s := &Searcher{
		opinions:      opinions,
		lexical:       lexicalIndex,
		index:         index,
		provider:      provider,
		model:         provider.DefaultModel(),
		vectorWeight:  DefaultVectorWeight,
		lexicalWeight: DefaultLexicalWeight,
		embedTimeout:  2 * time.Second,
		minCandidates: DefaultMinCandidates,
		snippetLength: DefaultSnippetLength,
		defaultLimit:  DefaultLimit,
		tracer:        otel.Tracer(tracerName),
		logger:        slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// Model returns the embedding model used for queries.
func (s *Searcher) Model() string {
	return s.model
}

// Search runs a hybrid query.
func (s *Searcher) Search(ctx context.Context, query core.Query) (*core.SearchResponse, error) {
	return s.SearchWithMonitor(ctx, query, nil)
}

// vectorResult is the per-opinion aggregate of chunk hits.
type vectorResult struct {
	score   float32
	snippet string
}

// SearchWithMonitor runs a hybrid query with monitoring.
// The monitor receives callbacks at each stage of the search process.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query core.Query, monitor SearchMonitor) (*core.SearchResponse, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit == 0 {
		limit = s.defaultLimit
	}
	candidates := max(4*limit, s.minCandidates)

	ctx, span := s.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.String("search.model", s.model),
		attribute.Int("search.limit", limit),
		attribute.Int("search.candidates", candidates),
	))
	defer span.End()

	monitor.Start(query)

	var (
		lexHits     []core.LexicalHit
		vecHits     []core.VectorHit
		vecErr      error
		degradation string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexHits, err = s.lexicalSearch(gctx, query.Text, candidates)
		return err
	})
	g.Go(func() error {
		vecHits, degradation, vecErr = s.vectorSearch(gctx, query.Text, candidates)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("lexical search failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	monitor.AfterLexicalSearch(lexHits)
	response := &core.SearchResponse{}
	if degradation != "" {
		s.logger.Warn("answering from lexical index only", "reason", degradation, "err", vecErr)
		span.AddEvent("degraded", trace.WithAttributes(attribute.String("reason", degradation)))
		monitor.Degraded(degradation, vecErr)
		response.Partial = true
		response.Degraded = degradation
	} else {
		monitor.AfterVectorSearch(vecHits)
	}

	results, err := s.fuse(ctx, query, lexHits, aggregate(vecHits))
	if err != nil {
		s.logger.Error("error fusing results", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	monitor.AfterFusion(len(lexHits)+len(vecHits), len(results))

	if len(results) > limit {
		results = results[:limit]
	}
	response.Results = results
	span.SetAttributes(
		attribute.Int("search.results", len(results)),
		attribute.Bool("search.partial", response.Partial),
	)
	monitor.Finish(response)
	return response, nil
}

func validateQuery(query core.Query) error {
	if strings.TrimSpace(query.Text) == "" {
		return fmt.Errorf("%w: query text is blank", ErrInvalidQuery)
	}
	if query.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, query.Limit)
	}
	d := query.Filter.Dates
	if !d.From.IsZero() && !d.To.IsZero() && d.From.After(d.To) {
		return fmt.Errorf("%w: date range starts after it ends", ErrInvalidQuery)
	}
	return nil
}

func (s *Searcher) lexicalSearch(ctx context.Context, text string, n int) ([]core.LexicalHit, error) {
	ctx, span := s.tracer.Start(ctx, "search.lexical")
	defer span.End()

	hits, err := s.lexical.Search(ctx, text, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	return hits, nil
}

// vectorSearch embeds the query and fetches the nearest chunks. A non-empty
// reason means the semantic side could not contribute.
func (s *Searcher) vectorSearch(ctx context.Context, text string, n int) ([]core.VectorHit, string, error) {
	ctx, span := s.tracer.Start(ctx, "search.vector")
	defer span.End()

	embedding, err := s.embedQuery(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, DegradedEmbedding)
		return nil, DegradedEmbedding, err
	}

	hits, err := s.index.Query(ctx, embedding, s.model, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, DegradedIndex)
		return nil, DegradedIndex, err
	}
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	return hits, "", nil
}

func (s *Searcher) embedQuery(ctx context.Context, text string) ([]float32, error) {
	embedder, err := s.provider.Embedder(s.model)
	if err != nil {
		return nil, err
	}
	if s.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.embedTimeout)
		defer cancel()
	}
	return embedder.EmbedText(ctx, text)
}

// aggregate keeps the best chunk per opinion. Negative similarities count as 0.
func aggregate(hits []core.VectorHit) map[core.ID]vectorResult {
	best := make(map[core.ID]vectorResult, len(hits))
	for _, hit := range hits {
		score := max(hit.Score, 0)
		current, seen := best[hit.Chunk.OpinionID]
		if !seen || score > current.score {
			best[hit.Chunk.OpinionID] = vectorResult{score: score, snippet: hit.Text}
		}
	}
	return best
}

// fuse normalizes both lists by their maxima, combines them, applies the
// filter and sorts the survivors. Candidates whose fused score is zero are dropped.
func (s *Searcher) fuse(ctx context.Context, query core.Query, lexHits []core.LexicalHit, vecResults map[core.ID]vectorResult) ([]*core.SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "search.fuse")
	defer span.End()

	var lexMax, vecMax float32
	for _, h := range lexHits {
		lexMax = max(lexMax, h.Rank)
	}
	for _, v := range vecResults {
		vecMax = max(vecMax, v.score)
	}

	lexScores := make(map[core.ID]float32, len(lexHits))
	ids := make([]core.ID, 0, len(lexHits)+len(vecResults))
	for _, h := range lexHits {
		if _, seen := lexScores[h.OpinionID]; seen {
			continue
		}
		lexScores[h.OpinionID] = normalize(h.Rank, lexMax)
		ids = append(ids, h.OpinionID)
	}
	for id := range vecResults {
		if _, seen := lexScores[id]; !seen {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []*core.SearchResult{}, nil
	}
	slices.Sort(ids)

	opinions, err := s.opinions.GetMany(ctx, ids...)
	if err != nil {
		return nil, err
	}

	terms := lexical.QueryWords(query.Text)
	results := make([]*core.SearchResult, 0, len(opinions))
	for _, opinion := range opinions {
		if opinion == nil || !query.Filter.Matches(opinion) {
			continue
		}
		l := lexScores[opinion.Id]
		vr, hasVector := vecResults[opinion.Id]
		v := normalize(vr.score, vecMax)

		fused := s.vectorWeight*v + s.lexicalWeight*l
		if fused <= 0 {
			continue
		}
		result := &core.SearchResult{
			Opinion:      opinion.Summarize(),
			Score:        fused,
			LexicalScore: l,
			VectorScore:  v,
		}
		if hasVector && vr.snippet != "" {
			result.Snippet = truncate(vr.snippet, s.snippetLength)
		} else {
			result.Snippet = s.lexicalSnippet(opinion, terms)
		}
		results = append(results, result)
	}

	slices.SortFunc(results, compareResults)
	span.SetAttributes(attribute.Int("search.matched", len(results)))
	return results, nil
}

// compareResults orders by fused score descending, then filing date
// descending, then id ascending.
func compareResults(a, b *core.SearchResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.Opinion.DateFiled.Compare(a.Opinion.DateFiled); c != 0 {
		return c
	}
	return cmp.Compare(a.Opinion.Id, b.Opinion.Id)
}

func (s *Searcher) lexicalSnippet(opinion *core.Opinion, terms []string) string {
	text := opinion.Text
	if strings.TrimSpace(text) == "" {
		text = opinion.Summary
	}
	return snippetAround(text, terms, s.snippetLength)
}

func normalize(score, maximum float32) float32 {
	if maximum <= 0 || score <= 0 {
		return 0
	}
	return score / maximum
}
