package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/metrics"
	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/storage"
	"github.com/pavelanni/flashtest/internal/store"
)

// Exporter builds the export document of a finished session.
type Exporter interface {
	ToExportDocument(ctx context.Context, sess *model.Session) (*model.ExportDocument, error)
}

// Renderer writes an export document as a workbook.
type Renderer interface {
	RenderExport(doc *model.ExportDocument) ([]byte, error)
}

// Handler serves the operator HTTP surface.
type Handler struct {
	store    *store.Store
	exporter Exporter
	renderer Renderer
	archive  storage.BlobStore
}

// Option configures a Handler.
type Option func(*Handler)

// WithArchive serves archived test and result files from b.
func WithArchive(b storage.BlobStore) Option {
	return func(h *Handler) { h.archive = b }
}

// New creates a new Handler.
func New(s *store.Store, exporter Exporter, renderer Renderer, opts ...Option) *Handler {
	h := &Handler{store: s, exporter: exporter, renderer: renderer}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/api/sessions", h.handleListSessions)
	r.Get("/api/sessions/{sessionID}/export", h.handleExport)
	r.Get("/api/archive/*", h.handleArchive)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

type sessionInfo struct {
	ID         string              `json:"id"`
	Test       string              `json:"test"`
	Status     model.SessionStatus `json:"status"`
	StartTime  time.Time           `json:"start_time"`
	FinishTime *time.Time          `json:"finish_time,omitempty"`
	FinishKey  string              `json:"finish_key,omitempty"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	names := make(map[string]string)
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		name, ok := names[s.TestID]
		if !ok {
			t, err := h.store.GetTest(r.Context(), s.TestID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if t != nil {
				name = t.Name
			}
			names[s.TestID] = name
		}
		info := sessionInfo{
			ID:         s.ID,
			Test:       name,
			Status:     s.Status(),
			StartTime:  s.StartTime,
			FinishTime: s.FinishTime,
		}
		if s.FinishTime != nil {
			info.FinishKey = model.FinishKey(*s.FinishTime)
		}
		out = append(out, info)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("encode error", "error", err)
	}
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, i18n.T(r.Context(), "SessionNotFound"), http.StatusNotFound)
		return
	}

	doc, err := h.exporter.ToExportDocument(r.Context(), sess)
	if errors.Is(err, model.ErrStateConflict) {
		http.Error(w, i18n.T(r.Context(), "SessionRunning"), http.StatusConflict)
		return
	}
	if err != nil {
		slog.Error("failed to build export", "session_id", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := h.renderer.RenderExport(doc)
	if err != nil {
		slog.Error("failed to render export", "session_id", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	name := model.ExportFileName(doc.TestName, *sess.FinishTime)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	if _, err := w.Write(data); err != nil {
		slog.Error("write export", "session_id", sessionID, "error", err)
	}
}

// handleArchive downloads an archived file, e.g. /api/archive/results/Quiz_2024-05-01_09-10-00.xlsx.
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if h.archive == nil || !(strings.HasPrefix(key, storage.PrefixTests) || strings.HasPrefix(key, storage.PrefixResults)) {
		http.NotFound(w, r)
		return
	}
	rc, err := h.archive.Get(r.Context(), key)
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("failed to open archived file", "key", key, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		slog.Error("failed to read archived file", "key", key, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(path.Base(key))))
	if _, err := w.Write(data); err != nil {
		slog.Error("write archived file", "key", key, "error", err)
	}
}
