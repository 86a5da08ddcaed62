package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/ingest-service/internal/config"
	"github.com/user/ingest-service/internal/ingest"
	"github.com/user/ingest-service/internal/storage"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	config     *config.Config
	router     http.Handler
	httpServer *http.Server
	pipeline   *ingest.Pipeline
	pgStore    *storage.PostgresStore
	gate       *storage.RedisGate
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, p *ingest.Pipeline, ps *storage.PostgresStore, g *storage.RedisGate, l *zap.Logger) *Server {
	s := &Server{
		config:   cfg,
		pipeline: p,
		pgStore:  ps,
		gate:     g,
		logger:   l,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.config.ServerPort),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
