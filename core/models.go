package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for stored opinions.
// It is generated from a database sequence and never reused.
type ID uint64

// Fingerprint generates a deterministic 64-bit digest of text using BLAKE2b.
// Identical text always produces the identical fingerprint.
func Fingerprint(text string) uint64 {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// Opinion categories.
const (
	OpinionTypeMajority    = "majority"
	OpinionTypeConcurrence = "concurrence"
	OpinionTypeDissent     = "dissent"
)

// Case categories recognised by the classifier.
const (
	CaseCategoryDWI           = "dwi"
	CaseCategoryParkingTicket = "parking_ticket"
)

// Opinion is one court decision with its metadata and full text.
type Opinion struct {
	Id            ID
	Source        string // Upstream system name, e.g. "courtlistener"
	SourceID      string // Upstream-native identifier; (Source, SourceID) is the dedup key
	CaseName      string
	Court         string
	CourtFullName string
	DateFiled     time.Time
	DocketNumber  string
	Citations     []string
	CaseCategory  string
	OpinionType   string
	Text          string
	Summary       string
	Outcome       string
	Judges        []string
	Statutes      []string
	Tags          []string
	Metadata      map[string]string
	Lexical       LexicalVector // Derived from CaseName, Summary and Text on every write
	InsertedAt    time.Time
	UpdatedAt     time.Time
}

// HasExternalID reports whether the opinion carries a dedup key.
func (o *Opinion) HasExternalID() bool {
	return o.SourceID != ""
}

// ExternalID returns the "(source,sourceID)" tuple used for dedup lookups.
func (o *Opinion) ExternalID() string {
	return "(" + o.Source + "," + o.SourceID + ")"
}

// TermFreq records how often a term occurs in each weighted field.
type TermFreq struct {
	Term string
	A    uint32 // case name
	B    uint32 // summary
	C    uint32 // opinion text
}

// LexicalVector is the weighted token representation of an opinion, sorted by term.
type LexicalVector []TermFreq

// Chunk is one embedded slice of an opinion's text.
type Chunk struct {
	OpinionID  ID
	Model      string
	Index      int
	Text       string
	Vector     []float32
	InsertedAt time.Time
}

// ChunkKey identifies a chunk independent of its contents.
type ChunkKey struct {
	OpinionID ID
	Model     string
	Index     int
}

// Key returns the chunk's identity.
func (c *Chunk) Key() ChunkKey {
	return ChunkKey{OpinionID: c.OpinionID, Model: c.Model, Index: c.Index}
}

// EmbeddingState is the lifecycle state of an (opinion, model) embedding run.
type EmbeddingState int

const (
	// EmbeddingPending means work is queued or being retried.
	EmbeddingPending EmbeddingState = iota + 1
	// EmbeddingComplete means every chunk has a stored vector.
	EmbeddingComplete
	// EmbeddingFailed means at least one chunk failed permanently.
	EmbeddingFailed
)

func (s EmbeddingState) String() string {
	switch s {
	case EmbeddingPending:
		return "pending"
	case EmbeddingComplete:
		return "complete"
	case EmbeddingFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EmbeddingStatus records the outcome of embedding one opinion with one model.
type EmbeddingStatus struct {
	OpinionID    ID
	Model        string
	State        EmbeddingState
	Fingerprint  uint64 // Fingerprint of the text that was chunked
	ChunkCount   int
	FailedChunks []int
	Attempts     int
	LastError    string
	UpdatedAt    time.Time
}

// WriteResult describes what an opinion write changed.
type WriteResult struct {
	Created     bool
	TextChanged bool // CaseName, Summary or Text differ from the previous version
}

// DateRange bounds filing dates. From is inclusive, To is exclusive.
// Zero values leave that side open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls within the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Filter restricts opinion listings and search results. Empty fields match everything.
type Filter struct {
	CaseCategory string
	Court        string
	Outcome      string
	Dates        DateRange
}

// Matches reports whether the opinion satisfies every set criterion.
func (f Filter) Matches(o *Opinion) bool {
	if f.CaseCategory != "" && o.CaseCategory != f.CaseCategory {
		return false
	}
	if f.Court != "" && o.Court != f.Court {
		return false
	}
	if f.Outcome != "" && o.Outcome != f.Outcome {
		return false
	}
	return f.Dates.Contains(o.DateFiled)
}

// Stats aggregates opinion counts.
type Stats struct {
	Total      int
	ByCategory map[string]int
	ByCourt    map[string]int
	ByOutcome  map[string]int
	ByYear     map[int]int
}

// LexicalHit is one lexical search match.
type LexicalHit struct {
	OpinionID ID
	Rank      float32
	DateFiled time.Time
}

// VectorHit is one nearest-neighbour match.
type VectorHit struct {
	Chunk ChunkKey
	Text  string
	Score float32
}

// Query is a hybrid search request.
type Query struct {
	Text   string
	Filter Filter
	Limit  int
}

// OpinionSummary is the subset of opinion fields returned by search.
type OpinionSummary struct {
	Id           ID
	CaseName     string
	Court        string
	DateFiled    time.Time
	DocketNumber string
	Citations    []string
	CaseCategory string
	OpinionType  string
	Outcome      string
	Summary      string
}

// Summarize returns the search-facing view of an opinion.
func (o *Opinion) Summarize() OpinionSummary {
	return OpinionSummary{
		Id:           o.Id,
		CaseName:     o.CaseName,
		Court:        o.Court,
		DateFiled:    o.DateFiled,
		DocketNumber: o.DocketNumber,
		Citations:    o.Citations,
		CaseCategory: o.CaseCategory,
		OpinionType:  o.OpinionType,
		Outcome:      o.Outcome,
		Summary:      o.Summary,
	}
}

// SearchResult is one fused hybrid result.
type SearchResult struct {
	Opinion      OpinionSummary
	Score        float32 // Fused score
	LexicalScore float32 // Normalized lexical component
	VectorScore  float32 // Normalized vector component
	Snippet      string
}

// SearchResponse is the ranked result of a hybrid query.
// Partial is true when only the lexical index contributed.
type SearchResponse struct {
	Results  []*SearchResult
	Partial  bool
	Degraded string // Reason for a partial response, empty otherwise
}
