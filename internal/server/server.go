// Package server serves the local authority's snapshot and changelog over
// HTTP so peers can pull from this instance.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/fkg/internal/canonical"
	"github.com/roach88/fkg/internal/changelog"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/provenance"
	"github.com/roach88/fkg/internal/publish"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/store"
)

// DefaultChangelogLimit caps /changelog responses without a limit.
const DefaultChangelogLimit = 1000

// Identity is what /whoami reports about this instance.
type Identity struct {
	InstanceID    string `json:"instance_id"`
	AuthorityName string `json:"authority_name"`
	Jurisdiction  string `json:"jurisdiction"`
	PublicKey     string `json:"public_key,omitempty"`
	SchemaVersion string `json:"schema_version"`

	AvailableSchemaVersions []string `json:"available_schema_versions"`
	AvailableEntityTypes    []string `json:"available_entity_types"`
}

// Server holds the handlers' dependencies.
type Server struct {
	store     store.Store
	exporter  *publish.Exporter
	validator *schema.Validator
	identity  Identity
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the access and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for the local store. The exporter decides what
// /pkg/latest publishes.
func New(st store.Store, exporter *publish.Exporter, validator *schema.Validator, id Identity, opts ...Option) *Server {
	s := &Server{
		store:     st,
		exporter:  exporter,
		validator: validator,
		identity:  id,
		gatherer:  prometheus.DefaultGatherer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(s.logger))

	r.Get("/pkg/latest", s.handleLatest)
	r.Get("/pkg/manifest", s.handleManifest)
	r.Get("/changelog", s.handleChangelog)
	r.Get("/whoami", s.handleWhoami)
	r.Get("/provenance/{id}", s.handleProvenance)
	r.Get("/sources/{id}", s.handleSource)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// NewHTTPServer builds the listening server with header timeouts set.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	data, _, err := s.exporter.ExportBytes(r.Context())
	if err != nil {
		s.fail(w, r, "export snapshot", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-pkg-latest.zip"`, s.identity.InstanceID))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	enc, err := s.exporter.Encode(r.Context())
	if err != nil {
		s.fail(w, r, "encode snapshot", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(enc.Files[model.FileManifest])
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	limit, err := queryInt(r, "limit", DefaultChangelogLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	events, err := changelog.New(s.store).Collect(r.Context(), since, int(limit))
	if err != nil {
		s.fail(w, r, "list changelog", err)
		return
	}

	var buf bytes.Buffer
	for _, ev := range events {
		line, err := canonical.Marshal(ev)
		if err != nil {
			s.fail(w, r, "encode event", err)
			return
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleWhoami(w http.ResponseWriter, _ *http.Request) {
	id := s.identity
	id.AvailableSchemaVersions = []string{}
	id.AvailableEntityTypes = []string{}
	if s.validator != nil {
		id.AvailableSchemaVersions = s.validator.Versions()
		if types, err := s.validator.EntityTypes(id.SchemaVersion); err == nil {
			id.AvailableEntityTypes = types
		}
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := provenance.ForEntity(r.Context(), s.store, id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "entity not found"})
		return
	}
	if err != nil {
		s.fail(w, r, "build provenance", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "source not found"})
		return
	}
	if err != nil {
		s.fail(w, r, "get source", err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type healthBody struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.LatestSeq(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "degraded", Database: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "healthy", Database: "connected"})
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// fail logs err and answers 500 without leaking its text.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	reqID := RequestIDFrom(r.Context())
	s.logger.ErrorContext(r.Context(), op+" failed", "request_id", reqID, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", RequestID: reqID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
