package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/search"
	"github.com/poiesic/casevault/storage"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// searchOpinions handles GET /search
func (s *Server) searchOpinions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	filter, err := parseFilter(params.Get)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := core.Query{Text: params.Get("q"), Filter: filter}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}

	resp, err := s.searcher.Search(r.Context(), query)
	if err != nil {
		if errors.Is(err, search.ErrInvalidQuery) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", "request_id", middleware.GetReqID(r.Context()), "err", err)
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if resp.Partial {
		s.logger.Warn("partial search response", "request_id", middleware.GetReqID(r.Context()), "reason", resp.Degraded)
	}
	respondJSON(w, http.StatusOK, toSearchResponseJSON(resp))
}

// getOpinion handles GET /opinions/{opinionID}
func (s *Server) getOpinion(w http.ResponseWriter, r *http.Request) {
	id, ok := opinionID(w, r)
	if !ok {
		return
	}
	opinion, err := s.opinions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "opinion not found")
			return
		}
		s.logger.Error("failed to load opinion", "id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load opinion")
		return
	}
	respondJSON(w, http.StatusOK, toOpinionJSON(opinion))
}

// deleteOpinion handles DELETE /opinions/{opinionID}
func (s *Server) deleteOpinion(w http.ResponseWriter, r *http.Request) {
	id, ok := opinionID(w, r)
	if !ok {
		return
	}
	if err := s.ingester.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "opinion not found")
			return
		}
		s.logger.Error("failed to delete opinion", "id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to delete opinion")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingest handles POST /opinions. The body is a single opinion or an array;
// each item succeeds or fails on its own.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	opinions, itemErrs, err := DecodeOpinions(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if len(opinions) == 0 {
		respondError(w, http.StatusBadRequest, "no opinions in request")
		return
	}
	if len(opinions) > s.maxBatch {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d opinions per request", s.maxBatch))
		return
	}

	resp := ingestResponseJSON{Results: make([]ingestItemJSON, len(opinions))}
	var (
		batch    []*core.Opinion
		position []int
	)
	for i, opinion := range opinions {
		if itemErrs[i] != nil {
			resp.Results[i].Error = itemErrs[i].Error()
			continue
		}
		batch = append(batch, opinion)
		position = append(position, i)
	}

	if len(batch) > 0 {
		for j, result := range s.ingester.Ingest(r.Context(), batch...) {
			out := &resp.Results[position[j]]
			if result.Err != nil {
				out.Error = result.Err.Error()
				continue
			}
			out.ID = result.Opinion.Id
			out.Created = result.Result.Created
			out.TextChanged = result.Result.TextChanged
		}
	}
	for _, item := range resp.Results {
		if item.Error != "" {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	if resp.Failed > 0 {
		s.logger.Warn("ingest request had failures", "succeeded", resp.Succeeded, "failed", resp.Failed)
	}
	respondJSON(w, http.StatusOK, resp)
}

// stats handles GET /stats. It accepts the same filters as /search.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query().Get)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.opinions.Stats(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to compute stats", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, statsJSON{
		Total:      stats.Total,
		ByCategory: stats.ByCategory,
		ByCourt:    stats.ByCourt,
		ByOutcome:  stats.ByOutcome,
		ByYear:     stats.ByYear,
	})
}

func parseFilter(get func(string) string) (core.Filter, error) {
	filter := core.Filter{
		CaseCategory: get("category"),
		Court:        get("court"),
		Outcome:      get("outcome"),
	}
	var err error
	if filter.Dates.From, err = parseDate(get("from")); err != nil {
		return filter, fmt.Errorf("invalid from date %q", get("from"))
	}
	if filter.Dates.To, err = parseDate(get("to")); err != nil {
		return filter, fmt.Errorf("invalid to date %q", get("to"))
	}
	return filter, nil
}

func opinionID(w http.ResponseWriter, r *http.Request) (core.ID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "opinionID"), 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "invalid opinion id")
		return 0, false
	}
	return core.ID(id), true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorJSON{Error: message})
}
