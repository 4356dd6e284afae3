package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/casevault/ai/mock"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/ingestion"
	"github.com/poiesic/casevault/search"
	"github.com/poiesic/casevault/storage/badger"
	"github.com/poiesic/casevault/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	pipeline *ingestion.Pipeline
}

func setupServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	index, err := vector.NewIndex()
	require.NoError(t, err)
	provider := mock.NewMockProvider("test-embed")

	pipeline, err := ingestion.NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, index, provider,
		ingestion.WithPoolSize(2),
		ingestion.WithChunking(200, 0),
		ingestion.WithRetryBaseDelay(time.Millisecond),
	)
	require.NoError(t, err)
	searcher, err := search.NewSearcher(repos.Opinions, repos.Lexical, index, provider)
	require.NoError(t, err)

	server, err := NewServer(repos.Opinions, pipeline, searcher, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		pipeline.Release()
		index.Close()
		repos.Close()
		backend.Close()
	})
	return &testServer{Server: ts, pipeline: pipeline}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ts.pipeline.Wait(ctx))
}

const smithVState = `{
	"source": "courtlistener",
	"source_id": "cl-1",
	"case_name": "Smith v. State",
	"court": "texapp",
	"date_filed": "2019-03-04",
	"text": "Appellant challenges the breathalyzer calibration records admitted at trial. We affirm."
}`

func TestNewServer_RequiresDependencies(t *testing.T) {
	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer backend.Close()
	defer repos.Close()

	_, err = NewServer(nil, nil, nil)
	assert.ErrorIs(t, err, ErrOpinionRepositoryRequired)
	_, err = NewServer(repos.Opinions, nil, nil)
	assert.ErrorIs(t, err, ErrIngesterRequired)
}

func TestHealthz(t *testing.T) {
	ts := setupServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestIngestGetAndSearch(t *testing.T) {
	ts := setupServer(t)

	resp := ts.do(t, http.MethodPost, "/opinions", smithVState)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ingest := decode[ingestResponseJSON](t, resp)
	require.Len(t, ingest.Results, 1)
	item := ingest.Results[0]
	assert.Empty(t, item.Error)
	assert.True(t, item.Created)
	assert.NotZero(t, item.ID)
	ts.wait(t)

	resp = ts.do(t, http.MethodGet, "/opinions/"+strconv.FormatUint(uint64(item.ID), 10), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[opinionJSON](t, resp)
	assert.Equal(t, "Smith v. State", got.CaseName)
	assert.Equal(t, "2019-03-04", got.DateFiled)
	assert.Equal(t, core.CaseCategoryDWI, got.CaseCategory, "enrichment classifies breathalyzer cases")
	assert.Equal(t, "affirmed", got.Outcome)

	resp = ts.do(t, http.MethodGet, "/search?q=breathalyzer+calibration&court=texapp&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[searchResponseJSON](t, resp)
	require.NotEmpty(t, results.Results)
	top := results.Results[0]
	assert.Equal(t, item.ID, top.ID)
	assert.Greater(t, top.FusedScore, float32(0))
	assert.Contains(t, top.Snippet, "breathalyzer")
	assert.False(t, results.Partial)
}

func TestIngest_BatchReportsPerItemResults(t *testing.T) {
	ts := setupServer(t)
	body := `[
		{"source": "s", "source_id": "1", "case_name": "Doe v. State", "court": "texapp", "text": "Parking ticket appeal."},
		{"source": "s", "source_id": "2", "case_name": "", "court": "texapp", "text": "Missing a case name."},
		{"source": "s", "source_id": "3", "case_name": "Roe v. State", "court": "texapp", "date_filed": "03/04/2019"}
	]`
	resp := ts.do(t, http.MethodPost, "/opinions", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ingestResponseJSON](t, resp)

	require.Len(t, out.Results, 3)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	assert.Empty(t, out.Results[0].Error)
	assert.Contains(t, out.Results[1].Error, "case name")
	assert.Contains(t, out.Results[2].Error, "date_filed")
}

func TestIngest_ReingestIsIdempotent(t *testing.T) {
	ts := setupServer(t)
	first := decode[ingestResponseJSON](t, ts.do(t, http.MethodPost, "/opinions", smithVState))
	second := decode[ingestResponseJSON](t, ts.do(t, http.MethodPost, "/opinions", smithVState))

	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)
	assert.False(t, second.Results[0].Created)
	assert.False(t, second.Results[0].TextChanged)
}

func TestIngest_RejectsBadPayloads(t *testing.T) {
	ts := setupServer(t, WithMaxBatch(2))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", "{", http.StatusBadRequest},
		{"empty array", "[]", http.StatusBadRequest},
		{"too many", `[{"case_name":"a","court":"c"},{"case_name":"b","court":"c"},{"case_name":"c","court":"c"}]`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/opinions", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[errorJSON](t, resp).Error)
		})
	}
}

func TestIngest_BodyLimit(t *testing.T) {
	ts := setupServer(t, WithMaxRequestBytes(64))
	resp := ts.do(t, http.MethodPost, "/opinions", smithVState)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestGetOpinion_Errors(t *testing.T) {
	ts := setupServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/opinions/abc", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/opinions/0", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/opinions/999", "").StatusCode)
}

func TestDeleteOpinion(t *testing.T) {
	ts := setupServer(t)
	out := decode[ingestResponseJSON](t, ts.do(t, http.MethodPost, "/opinions", smithVState))
	id := strconv.FormatUint(uint64(out.Results[0].ID), 10)
	ts.wait(t)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/opinions/"+id, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/opinions/"+id, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/opinions/"+id, "").StatusCode)

	results := decode[searchResponseJSON](t, ts.do(t, http.MethodGet, "/search?q=breathalyzer", ""))
	assert.Empty(t, results.Results)
}

func TestSearch_Validation(t *testing.T) {
	ts := setupServer(t)
	for _, path := range []string{
		"/search",
		"/search?q=dwi&limit=-1",
		"/search?q=dwi&limit=ten",
		"/search?q=dwi&from=yesterday",
		"/search?q=dwi&from=2020-01-01&to=2019-01-01",
	} {
		t.Run(path, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, path, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSearch_DateFilter(t *testing.T) {
	ts := setupServer(t)
	body := `[
		{"source": "s", "source_id": "old", "case_name": "Old v. State", "court": "texapp", "date_filed": "2001-05-01", "text": "Field sobriety test dispute."},
		{"source": "s", "source_id": "new", "case_name": "New v. State", "court": "texapp", "date_filed": "2021-05-01", "text": "Field sobriety test dispute."}
	]`
	ts.do(t, http.MethodPost, "/opinions", body)
	ts.wait(t)

	results := decode[searchResponseJSON](t, ts.do(t, http.MethodGet, "/search?q=sobriety&from=2020-01-01", ""))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "New v. State", results.Results[0].CaseName)
}

func TestStats(t *testing.T) {
	ts := setupServer(t)
	body := `[
		{"source": "s", "source_id": "1", "case_name": "A v. State", "court": "texapp", "date_filed": "2019-01-01", "text": "DWI appeal. We affirm."},
		{"source": "s", "source_id": "2", "case_name": "B v. State", "court": "texcrimapp", "date_filed": "2020-01-01", "text": "DWI appeal. We reverse."},
		{"source": "s", "source_id": "3", "case_name": "C v. City", "court": "texapp", "date_filed": "2020-06-01", "text": "Parking ticket fine."}
	]`
	ts.do(t, http.MethodPost, "/opinions", body)

	stats := decode[statsJSON](t, ts.do(t, http.MethodGet, "/stats", ""))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByCourt["texapp"])
	assert.Equal(t, 2, stats.ByCategory[core.CaseCategoryDWI])
	assert.Equal(t, 2, stats.ByYear[2020])

	filtered := decode[statsJSON](t, ts.do(t, http.MethodGet, "/stats?court=texcrimapp", ""))
	assert.Equal(t, 1, filtered.Total)
}

type failingSearcher struct{ err error }

func (f failingSearcher) Search(context.Context, core.Query) (*core.SearchResponse, error) {
	return nil, f.err
}

func TestSearch_InternalError(t *testing.T) {
	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer backend.Close()
	defer repos.Close()
	index, err := vector.NewIndex()
	require.NoError(t, err)
	defer index.Close()
	pipeline, err := ingestion.NewPipeline(repos.Opinions, repos.Chunks, repos.Statuses, index, mock.NewMockProvider("m"))
	require.NoError(t, err)
	defer pipeline.Release()

	server, err := NewServer(repos.Opinions, pipeline, failingSearcher{err: errors.New("lexical index offline")})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=dwi", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "offline")
}
