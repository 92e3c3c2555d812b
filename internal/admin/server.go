// Package admin serves a read-mostly HTTP view of a dispatcher: health,
// metrics, the committed snapshot and the resolution cache, plus a send
// endpoint for feeding messages in.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/canon"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/loader"
	"github.com/roach88/sift/internal/logging"
	"github.com/roach88/sift/internal/snapshot"
)

// Response headers carrying the snapshot a response was read from.
const (
	HeaderSeq    = "X-Sift-Seq"
	HeaderDigest = "X-Sift-Digest"
)

// Server exposes one dispatcher over HTTP.
type Server struct {
	d        *engine.Dispatcher
	metrics  http.Handler
	logger   *slog.Logger
	readOnly bool

	// sendMu serializes POST /send so that one request never queues its
	// batch behind another's transaction.
	sendMu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// ReadOnly disables POST /send.
func ReadOnly() Option {
	return func(s *Server) { s.readOnly = true }
}

// NewHandler returns the HTTP handler for d.
func NewHandler(d *engine.Dispatcher, opts ...Option) http.Handler {
	s := &Server{d: d, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Get("/snapshot", s.snapshot)
	r.Get("/snapshot/{key}", s.snapshotKey)
	r.Get("/records", s.records)
	r.Get("/records/{id}", s.record)
	r.Get("/indexes", s.indexes)
	r.Get("/indexes/{name}/{key}", s.resolve)
	if !s.readOnly {
		r.Post("/send", s.send)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"seq":     s.d.Seq(),
		"pending": s.d.Pending(),
		"chain":   s.d.Chain().Len(),
	})
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	st, seq := s.d.Snapshot()
	s.writeCanonical(w, st, seq, st)
}

func (s *Server) snapshotKey(w http.ResponseWriter, r *http.Request) {
	st, seq := s.d.Snapshot()
	v, ok := st.Get(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such key")
		return
	}
	s.writeCanonical(w, st, seq, v)
}

func (s *Server) records(w http.ResponseWriter, _ *http.Request) {
	st, _ := s.d.Snapshot()
	writeJSON(w, http.StatusOK, cache.IDs(st))
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	st, seq := s.d.Snapshot()
	rec, ok := cache.Lookup(st, chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such record")
		return
	}
	s.writeCanonical(w, st, seq, rec)
}

func (s *Server) indexes(w http.ResponseWriter, _ *http.Request) {
	st, _ := s.d.Snapshot()
	writeJSON(w, http.StatusOK, cache.Names(st))
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	st, seq := s.d.Snapshot()
	rec, ok := cache.Resolve(st, chi.URLParam(r, "name"), chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "no record for key")
		return
	}
	s.writeCanonical(w, st, seq, rec)
}

// send decodes the request body as JSON (or the format named by the
// format query parameter) and sends every message in one batch.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	format := loader.FormatJSON
	if f := r.URL.Query().Get("format"); f != "" {
		var err error
		if format, err = loader.ParseFormat(f); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	msgs, err := loader.Read(r.Body, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// The batch, and anything it queues, is processed even if the client
	// goes away.
	var report engine.SendReport
	ctx := engine.WithSendReport(context.WithoutCancel(r.Context()), &report)
	out, err := s.d.Send(ctx, msgs...)

	status := http.StatusOK
	switch {
	case report.Queued:
		// Behind a transaction started outside this server; it commits
		// when that transaction's sender drains the queue.
		status = http.StatusAccepted
	case err != nil && report.Seq != 0:
		// committed; effects or queued follow-ups failed
		status = http.StatusMultiStatus
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	body := map[string]any{"messages": out}
	if report.Queued {
		body["queued"] = true
		body["pending"] = s.d.Pending()
	} else {
		body["seq"] = report.Seq
	}
	if err != nil {
		body["error"] = err.Error()
	}
	data, merr := canon.Marshal(body)
	if merr != nil {
		writeError(w, http.StatusInternalServerError, merr.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeCanonical(w http.ResponseWriter, st *snapshot.Map, seq int64, v any) {
	data, err := canon.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderSeq, strconv.FormatInt(seq, 10))
	if digest, err := canon.Digest(st); err == nil {
		w.Header().Set(HeaderDigest, digest)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
