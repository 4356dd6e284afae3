package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/poiesic/casevault/core"
)

const dateLayout = "2006-01-02"

type opinionJSON struct {
	ID            core.ID           `json:"id,omitempty"`
	Source        string            `json:"source,omitempty"`
	SourceID      string            `json:"source_id,omitempty"`
	CaseName      string            `json:"case_name"`
	Court         string            `json:"court"`
	CourtFullName string            `json:"court_full_name,omitempty"`
	DateFiled     string            `json:"date_filed,omitempty"`
	DocketNumber  string            `json:"docket_number,omitempty"`
	Citations     []string          `json:"citations,omitempty"`
	CaseCategory  string            `json:"case_category,omitempty"`
	OpinionType   string            `json:"opinion_type,omitempty"`
	Text          string            `json:"text,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	Judges        []string          `json:"judges,omitempty"`
	Statutes      []string          `json:"statutes,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	InsertedAt    *time.Time        `json:"inserted_at,omitempty"`
	UpdatedAt     *time.Time        `json:"updated_at,omitempty"`
}

func toOpinionJSON(o *core.Opinion) opinionJSON {
	out := opinionJSON{
		ID:            o.Id,
		Source:        o.Source,
		SourceID:      o.SourceID,
		CaseName:      o.CaseName,
		Court:         o.Court,
		CourtFullName: o.CourtFullName,
		DateFiled:     formatDate(o.DateFiled),
		DocketNumber:  o.DocketNumber,
		Citations:     o.Citations,
		CaseCategory:  o.CaseCategory,
		OpinionType:   o.OpinionType,
		Text:          o.Text,
		Summary:       o.Summary,
		Outcome:       o.Outcome,
		Judges:        o.Judges,
		Statutes:      o.Statutes,
		Tags:          o.Tags,
		Metadata:      o.Metadata,
	}
	if !o.InsertedAt.IsZero() {
		out.InsertedAt = &o.InsertedAt
	}
	if !o.UpdatedAt.IsZero() {
		out.UpdatedAt = &o.UpdatedAt
	}
	return out
}

func (j opinionJSON) toOpinion() (*core.Opinion, error) {
	filed, err := parseDate(j.DateFiled)
	if err != nil {
		return nil, fmt.Errorf("date_filed: %w", err)
	}
	return &core.Opinion{
		Source:        j.Source,
		SourceID:      j.SourceID,
		CaseName:      j.CaseName,
		Court:         j.Court,
		CourtFullName: j.CourtFullName,
		DateFiled:     filed,
		DocketNumber:  j.DocketNumber,
		Citations:     j.Citations,
		CaseCategory:  j.CaseCategory,
		OpinionType:   j.OpinionType,
		Text:          j.Text,
		Summary:       j.Summary,
		Outcome:       j.Outcome,
		Judges:        j.Judges,
		Statutes:      j.Statutes,
		Tags:          j.Tags,
		Metadata:      j.Metadata,
	}, nil
}

type summaryJSON struct {
	ID           core.ID  `json:"id"`
	CaseName     string   `json:"case_name"`
	Court        string   `json:"court"`
	DateFiled    string   `json:"date_filed,omitempty"`
	DocketNumber string   `json:"docket_number,omitempty"`
	Citations    []string `json:"citations,omitempty"`
	CaseCategory string   `json:"case_category,omitempty"`
	OpinionType  string   `json:"opinion_type,omitempty"`
	Outcome      string   `json:"outcome,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

type resultJSON struct {
	summaryJSON
	FusedScore   float32 `json:"fused_score"`
	LexicalScore float32 `json:"lexical_score"`
	VectorScore  float32 `json:"vector_score"`
	Snippet      string  `json:"matched_snippet"`
}

type searchResponseJSON struct {
	Results  []resultJSON `json:"results"`
	Partial  bool         `json:"partial"`
	Degraded string       `json:"degraded,omitempty"`
}

func toSearchResponseJSON(resp *core.SearchResponse) searchResponseJSON {
	out := searchResponseJSON{
		Results:  make([]resultJSON, 0, len(resp.Results)),
		Partial:  resp.Partial,
		Degraded: resp.Degraded,
	}
	for _, r := range resp.Results {
		o := r.Opinion
		out.Results = append(out.Results, resultJSON{
			summaryJSON: summaryJSON{
				ID:           o.Id,
				CaseName:     o.CaseName,
				Court:        o.Court,
				DateFiled:    formatDate(o.DateFiled),
				DocketNumber: o.DocketNumber,
				Citations:    o.Citations,
				CaseCategory: o.CaseCategory,
				OpinionType:  o.OpinionType,
				Outcome:      o.Outcome,
				Summary:      o.Summary,
			},
			FusedScore:   r.Score,
			LexicalScore: r.LexicalScore,
			VectorScore:  r.VectorScore,
			Snippet:      r.Snippet,
		})
	}
	return out
}

type ingestItemJSON struct {
	ID          core.ID `json:"id,omitempty"`
	Created     bool    `json:"created"`
	TextChanged bool    `json:"text_changed"`
	Error       string  `json:"error,omitempty"`
}

type ingestResponseJSON struct {
	Results   []ingestItemJSON `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

type statsJSON struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByCourt    map[string]int `json:"by_court"`
	ByOutcome  map[string]int `json:"by_outcome"`
	ByYear     map[int]int    `json:"by_year"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. Blank is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// DecodeOpinions parses a JSON opinion or array of opinions. Items that
// cannot be converted are nil, with the reason at the same position in errs.
// err is set only when the document itself is malformed.
func DecodeOpinions(data []byte) (opinions []*core.Opinion, errs []error, err error) {
	var items []opinionJSON
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, nil, err
		}
	} else {
		var item opinionJSON
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return nil, nil, err
		}
		items = []opinionJSON{item}
	}

	opinions = make([]*core.Opinion, len(items))
	errs = make([]error, len(items))
	for i, item := range items {
		opinions[i], errs[i] = item.toOpinion()
	}
	return opinions, errs, nil
}
