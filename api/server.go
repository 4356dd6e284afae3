// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/ingestion"
	"github.com/poiesic/casevault/storage"
)

var (
	// ErrOpinionRepositoryRequired is returned when NewServer has no opinion repository.
	ErrOpinionRepositoryRequired = errors.New("opinion repository is required")
	// ErrIngesterRequired is returned when NewServer has no ingester.
	ErrIngesterRequired = errors.New("ingester is required")
	// ErrSearcherRequired is returned when NewServer has no searcher.
	ErrSearcherRequired = errors.New("searcher is required")
)

// Searcher runs hybrid queries.
type Searcher interface {
	Search(ctx context.Context, query core.Query) (*core.SearchResponse, error)
}

// Ingester writes and removes opinions along with their derived data.
type Ingester interface {
	Ingest(ctx context.Context, opinions ...*core.Opinion) []ingestion.ItemResult
	Delete(ctx context.Context, id core.ID) error
}

// Server exposes the opinion store and search over HTTP.
type Server struct {
	opinions        storage.OpinionRepository
	ingester        Ingester
	searcher        Searcher
	logger          *slog.Logger
	maxRequestBytes int64
	maxBatch        int
	router          chi.Router
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMaxRequestBytes bounds request bodies.
func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("max request bytes must be positive")
		}
		s.maxRequestBytes = n
		return nil
	}
}

// WithMaxBatch bounds the number of opinions accepted by one POST.
func WithMaxBatch(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("max batch must be positive")
		}
		s.maxBatch = n
		return nil
	}
}

// NewServer builds the HTTP API.
func NewServer(opinions storage.OpinionRepository, ingester Ingester, searcher Searcher, opts ...Option) (*Server, error) {
	if opinions == nil {
		return nil, ErrOpinionRepositoryRequired
	}
	if ingester == nil {
		return nil, ErrIngesterRequired
	}
	if searcher == nil {
		return nil, ErrSearcherRequired
	}
	s := &Server{
		opinions:        opinions,
		ingester:        ingester,
		searcher:        searcher,
		logger:          slog.Default(),
		maxRequestBytes: 32 << 20,
		maxBatch:        500,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "api")
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/search", s.searchOpinions)
	r.Get("/stats", s.stats)
	r.Route("/opinions", func(r chi.Router) {
		r.Post("/", s.ingest)
		r.Route("/{opinionID}", func(r chi.Router) {
			r.Get("/", s.getOpinion)
			r.Delete("/", s.deleteOpinion)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
