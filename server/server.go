package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/tagsift/tagsift/pkg/auth"
	"github.com/tagsift/tagsift/pkg/classifier"
	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/tag"
)

// ConfigProvider supplies the server settings
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// ItemCache is the slice of the item cache the HTTP API mutates and queries
type ItemCache interface {
	CreateOrUpdateFeed(ctx context.Context, feed domain.Feed) error
	DeleteFeed(ctx context.Context, id int64) error
	FeedExists(ctx context.Context, id int64) (bool, error)
	CreateOrUpdateEntry(ctx context.Context, entry domain.Entry) (id int64, created bool, err error)
	DeleteEntry(ctx context.Context, fullID string) error
	GetEntry(ctx context.Context, fullID string) (domain.Entry, error)
	TokensFor(ctx context.Context, entryID int64) (domain.TokenSet, error)
}

// JobEngine admits and tracks classification jobs
type JobEngine interface {
	Enqueue(reference string, targets []string) (domain.JobStatus, error)
	Job(id string) (domain.JobStatus, bool)
	Delete(id string) error
}

// ClueSource produces ready-to-score models for the synchronous clue endpoint
type ClueSource interface {
	Model(ctx context.Context, url string) (*classifier.Model, *tag.Tag, error)
}

// Server provides the HTTP API: feed and item management, classification job
// control and the clue inspection endpoint
type Server struct {
	config  ConfigProvider
	cache   ItemCache
	engine  JobEngine
	clues   ClueSource
	auth    *auth.Store
	version string
	debug   bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// New creates a server with all the dependencies. A nil auth store disables
// request authentication.
func New(config ConfigProvider, cache ItemCache, eng JobEngine, clues ClueSource, authStore *auth.Store,
	version string, debug bool) *Server {
	s := &Server{
		config:  config,
		cache:   cache,
		engine:  eng,
		clues:   clues,
		auth:    authStore,
		version: version,
		debug:   debug,
		router:  routegroup.New(http.NewServeMux()),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Run starts the HTTP server and blocks until the context is cancelled
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				lgr.Printf("[WARN] http server shutdown: %v", err)
			}
		}
	}()

	lgr.Printf("[INFO] starting http server on %s", listen)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("tagsift", "tagsift", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(5 * 1024 * 1024)) // feed items can carry full article bodies
	s.router.Use(s.authMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /feeds", s.createFeedHandler)
	s.router.HandleFunc("DELETE /feeds/{id}", s.deleteFeedHandler)
	s.router.HandleFunc("POST /feeds/{feed}/feed_items", s.createEntryHandler)
	s.router.HandleFunc("POST /feed_items", s.createEntryHandler)
	s.router.HandleFunc("DELETE /feed_items/{id}", s.deleteEntryHandler)

	s.router.HandleFunc("GET /classifier", s.aboutHandler)
	s.router.Mount("/classifier").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("POST /jobs", s.createJobHandler)
		r.HandleFunc("GET /jobs/{id}", s.getJobHandler)
		r.HandleFunc("DELETE /jobs/{id}", s.deleteJobHandler)
		r.HandleFunc("GET /clues", s.cluesHandler)
	})
}

// authMiddleware requires a valid HMAC signature on mutating requests.
// Read-only requests pass through, as does everything when auth is disabled.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !s.auth.VerifyAny(r) {
			lgr.Printf("[WARN] rejected unsigned %s %s", r.Method, r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
