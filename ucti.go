// Package ucti assembles the threat-intel aggregator: one open SQLite
// database, the post store over it, the search engine with its optional
// result cache, the MISP feed builder and the HTTP handler. The CLI
// commands and the MCP tools all run through a Service.
package ucti

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/dbopen"
	"github.com/hazyhaar/ucti/internal/httpapi"
	"github.com/hazyhaar/ucti/internal/misp"
	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
)

// Service is the assembled aggregator.
type Service struct {
	db      *sql.DB
	store   *store.Store
	cache   *search.Cache
	engine  *search.Engine
	feed    *misp.Builder
	handler *httpapi.Handler
	config  *config.Config
	dirs    config.Dirs
	logger  *slog.Logger
}

// New creates a Service from the loaded configuration. The database
// opens at dirs.DatabasePath() unless WithDB injects one; either way the
// caller must blank-import the SQLite driver. The MISP feed activates
// only when the [misp-org] section is present, the search cache only
// when cache_seconds resolves above zero.
func New(cfg *config.Config, dirs config.Dirs, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{config: cfg, dirs: dirs, logger: logger}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.db == nil {
		db, err := dbopen.Open(dirs.DatabasePath(),
			dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		svc.db = db
	}
	svc.store = store.NewStore(svc.db)

	if ttl := cfg.Server.CacheTTLSeconds(); ttl > 0 {
		svc.cache = search.NewCache(svc.store, dirs.Cache, time.Duration(ttl)*time.Second)
	}
	svc.engine = search.New(svc.store, svc.cache, logger)

	if org := cfg.MISPOrg; org != nil {
		svc.feed = misp.NewBuilder(misp.Org{Name: org.Name, UUID: org.UUID, Email: org.Email})
	}
	svc.handler = httpapi.New(svc.store, svc.engine, svc.feed, logger)

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithDB injects an already-open database instead of opening the one at
// dirs.DatabasePath(). Tests pass dbopen.OpenMemory here.
func WithDB(db *sql.DB) ServiceOption {
	return func(svc *Service) { svc.db = db }
}

// Store returns the post store. The job commands drive the ingest and
// enrichment pipelines through it.
func (svc *Service) Store() *store.Store { return svc.store }

// Engine returns the search engine.
func (svc *Service) Engine() *search.Engine { return svc.engine }

// Cache returns the search-result cache, nil when disabled.
func (svc *Service) Cache() *search.Cache { return svc.cache }

// Handler returns the HTTP surface, ready to serve.
func (svc *Service) Handler() http.Handler { return svc.handler.Router() }

// Close releases the database.
func (svc *Service) Close() error {
	svc.logger.Info("ucti: closed")
	return svc.db.Close()
}
