package vector

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"

	"github.com/coder/hnsw"
	"github.com/poiesic/casevault/core"
)

// Index is an approximate nearest-neighbour index over chunk vectors, per model.
// Implementations are safe for concurrent use; queries never block each other.
type Index interface {
	// Upsert adds or replaces chunks. Their vectors are normalized on the way in.
	Upsert(chunks ...*core.Chunk) error

	// DeleteByOpinion removes every chunk of an opinion across all models.
	DeleteByOpinion(id core.ID) error

	// DeleteFrom removes an opinion's chunks for model with index >= from.
	DeleteFrom(id core.ID, model string, from int) error

	// Delete removes individual chunks. Unknown keys are ignored.
	Delete(keys ...core.ChunkKey) error

	// DeleteModel drops every chunk of a model.
	DeleteModel(model string) error

	// Query returns up to k chunks of model most similar to vector,
	// ordered by cosine similarity descending.
	Query(ctx context.Context, vector []float32, model string, k int) ([]core.VectorHit, error)

	// Rebuild replaces the index contents with every chunk in source.
	Rebuild(ctx context.Context, source ChunkSource) error

	// Size returns the number of indexed chunks of model, or of all models when model is empty.
	Size(model string) int

	// Close releases the index. Every later call returns ErrIndexUnavailable.
	Close() error
}

// ChunkSource streams stored chunks; model "" means every model.
type ChunkSource interface {
	ForEachChunk(ctx context.Context, model string, fn func(*core.Chunk) error) error
}

type graphIndex struct {
	minGraphSize int
	connections  int
	efSearch     int
	logger       *slog.Logger

	mu     sync.RWMutex
	models map[string]*modelIndex
	closed bool
}

var _ Index = (*graphIndex)(nil)

// NewIndex creates an empty index.
//
// Returns Index interface to keep callers independent of the structure used.
func NewIndex(opts ...Option) (Index, error) {
	idx := &graphIndex{
		minGraphSize: DefaultMinGraphSize,
		connections:  DefaultConnections,
		efSearch:     DefaultEfSearch,
		logger:       slog.Default(),
		models:       make(map[string]*modelIndex),
	}
	for _, opt := range opts {
		if err := opt(idx); err != nil {
			return nil, err
		}
	}
	idx.logger = idx.logger.With("component", "vector-index")
	return idx, nil
}

func (x *graphIndex) newModel() *modelIndex {
	return &modelIndex{
		minGraphSize: x.minGraphSize,
		connections:  x.connections,
		efSearch:     x.efSearch,
		entries:      make(map[core.ChunkKey]*entry),
		nodes:        make(map[uint64]*entry),
		byOpinion:    make(map[core.ID]map[core.ChunkKey]struct{}),
	}
}

func (x *graphIndex) Upsert(chunks ...*core.Chunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	return x.upsertLocked(x.models, chunks)
}

func (x *graphIndex) upsertLocked(models map[string]*modelIndex, chunks []*core.Chunk) error {
	touched := make(map[string]*modelIndex)
	for _, chunk := range chunks {
		m, ok := models[chunk.Model]
		if !ok {
			m = x.newModel()
			models[chunk.Model] = m
		}
		if err := m.put(chunk); err != nil {
			return fmt.Errorf("%w: model %s", err, chunk.Model)
		}
		touched[chunk.Model] = m
	}
	for model, m := range touched {
		if m.maybeBuildGraph() {
			x.logger.Debug("built neighbour graph", "model", model, "vectors", len(m.entries))
		}
	}
	return nil
}

func (x *graphIndex) DeleteByOpinion(id core.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	for _, m := range x.models {
		m.removeOpinion(id, func(core.ChunkKey) bool { return true })
	}
	return nil
}

func (x *graphIndex) DeleteFrom(id core.ID, model string, from int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	if m, ok := x.models[model]; ok {
		m.removeOpinion(id, func(key core.ChunkKey) bool { return key.Index >= from })
	}
	return nil
}

func (x *graphIndex) Delete(keys ...core.ChunkKey) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	for _, key := range keys {
		if m, ok := x.models[key.Model]; ok {
			m.remove(key)
			m.maybeDropGraph()
		}
	}
	return nil
}

func (x *graphIndex) DeleteModel(model string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	delete(x.models, model)
	return nil
}

func (x *graphIndex) Query(ctx context.Context, vector []float32, model string, k int) ([]core.VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrIndexUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := x.models[model]
	if !ok || k <= 0 {
		return []core.VectorHit{}, nil
	}
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, model %s has %d", ErrDimensionMismatch, len(vector), model, m.dim)
	}
	return m.search(Normalize(vector), k), nil
}

func (x *graphIndex) Rebuild(ctx context.Context, source ChunkSource) error {
	x.mu.RLock()
	closed := x.closed
	x.mu.RUnlock()
	if closed {
		return ErrIndexUnavailable
	}

	models := make(map[string]*modelIndex)
	var batch []*core.Chunk
	err := source.ForEachChunk(ctx, "", func(chunk *core.Chunk) error {
		batch = append(batch, chunk)
		return nil
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrIndexUnavailable
	}
	if err := x.upsertLocked(models, batch); err != nil {
		return err
	}
	x.models = models
	x.logger.Info("vector index rebuilt", "chunks", len(batch), "models", len(models))
	return nil
}

func (x *graphIndex) Size(model string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if model != "" {
		if m, ok := x.models[model]; ok {
			return len(m.entries)
		}
		return 0
	}
	total := 0
	for _, m := range x.models {
		total += len(m.entries)
	}
	return total
}

func (x *graphIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.models = nil
	return nil
}

// entry is one indexed chunk.
type entry struct {
	key    core.ChunkKey
	node   uint64
	text   string
	vector []float32 // unit length
}

// modelIndex holds one model's vectors. Below minGraphSize queries scan
// every entry; from there on an HNSW graph answers them.
type modelIndex struct {
	minGraphSize int
	connections  int
	efSearch     int

	dim       int
	entries   map[core.ChunkKey]*entry
	nodes     map[uint64]*entry
	byOpinion map[core.ID]map[core.ChunkKey]struct{}
	nextNode  uint64

	// graph is nil while the model is below minGraphSize
	graph *hnsw.Graph[uint64]
}

func (m *modelIndex) put(chunk *core.Chunk) error {
	if len(chunk.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if len(m.entries) == 0 {
		// An emptied model may come back with a different width
		m.dim = len(chunk.Vector)
		m.graph = nil
	}
	if len(chunk.Vector) != m.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(chunk.Vector), m.dim)
	}

	key := chunk.Key()
	m.remove(key)

	m.nextNode++
	e := &entry{key: key, node: m.nextNode, text: chunk.Text, vector: Normalize(chunk.Vector)}
	m.entries[key] = e
	m.nodes[e.node] = e
	keys, ok := m.byOpinion[key.OpinionID]
	if !ok {
		keys = make(map[core.ChunkKey]struct{})
		m.byOpinion[key.OpinionID] = keys
	}
	keys[key] = struct{}{}

	if m.graph != nil {
		m.graph.Add(hnsw.MakeNode(e.node, e.vector))
	}
	return nil
}

func (m *modelIndex) remove(key core.ChunkKey) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	delete(m.nodes, e.node)
	if m.graph != nil {
		m.graph.Delete(e.node)
	}
	if keys, ok := m.byOpinion[key.OpinionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.byOpinion, key.OpinionID)
		}
	}
}

// removeOpinion drops an opinion's chunks matched by drop.
func (m *modelIndex) removeOpinion(id core.ID, drop func(core.ChunkKey) bool) {
	for key := range m.byOpinion[id] {
		if drop(key) {
			m.remove(key)
		}
	}
	m.maybeDropGraph()
}

// maybeBuildGraph builds the graph once the model reaches minGraphSize.
// Later inserts and deletes maintain it in place.
func (m *modelIndex) maybeBuildGraph() bool {
	if m.graph != nil || len(m.entries) < m.minGraphSize {
		return false
	}

	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = m.connections
	g.EfSearch = m.efSearch
	g.Rng = rand.New(rand.NewSource(graphSeed))

	ordered := m.sortedEntries()
	nodes := make([]hnsw.Node[uint64], len(ordered))
	for i, e := range ordered {
		nodes[i] = hnsw.MakeNode(e.node, e.vector)
	}
	g.Add(nodes...)
	m.graph = g
	return true
}

// maybeDropGraph falls back to exact scans when deletes shrink the model
// below half the build threshold.
func (m *modelIndex) maybeDropGraph() {
	if m.graph != nil && len(m.entries) < m.minGraphSize/2 {
		m.graph = nil
	}
}

// sortedEntries returns entries in key order so graph construction is deterministic.
func (m *modelIndex) sortedEntries() []*entry {
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return compareKeys(a.key, b.key) })
	return out
}

func (m *modelIndex) search(query []float32, k int) []core.VectorHit {
	var hits []core.VectorHit
	consider := func(e *entry) {
		hits = append(hits, core.VectorHit{Chunk: e.key, Text: e.text, Score: Dot(query, e.vector)})
	}

	if m.graph == nil {
		for _, e := range m.entries {
			consider(e)
		}
	} else {
		for _, node := range m.graph.Search(query, k) {
			if e, ok := m.nodes[node.Key]; ok {
				consider(e)
			}
		}
	}

	slices.SortFunc(hits, func(a, b core.VectorHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return compareKeys(a.Chunk, b.Chunk)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	if hits == nil {
		hits = []core.VectorHit{}
	}
	return hits
}

func compareKeys(a, b core.ChunkKey) int {
	if c := cmp.Compare(a.OpinionID, b.OpinionID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Model, b.Model); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}
