// Package server is the local web front-end for digests, tracked entries and
// the pending-download queue.
package server

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the HTTP server for browsing digests and reviewing downloads.
type Server struct {
	db     *database.DB
	queue  *analyzer.Queue
	pages  map[string]*template.Template
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a new Server. Approve and reject go through the queue's
// transition rules; downloading stays a CLI operation.
func New(db *database.DB, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"join": strings.Join,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so every page can define "title" and
	// "content".
	pageNames := []string{"index.html", "digest.html", "pending.html", "entries.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		db:     db,
		queue:  analyzer.NewQueue(db, nil, logger),
		pages:  pages,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /digest/{id}", s.handleDigest)
	s.mux.HandleFunc("GET /digest/{id}/email", s.handleDigestEmail)
	s.mux.HandleFunc("GET /entries", s.handleEntries)
	s.mux.HandleFunc("GET /pending", s.handlePending)
	s.mux.HandleFunc("POST /pending/approve-all", s.handleApproveAll)
	s.mux.HandleFunc("POST /pending/{id}/{action}", s.handlePendingAction)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	digests, err := s.db.ListDigests(50)
	if err != nil {
		s.serverError(w, "listing digests", err)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		s.serverError(w, "loading stats", err)
		return
	}
	s.render(w, "index.html", map[string]any{
		"Digests": digests,
		"Stats":   stats,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	d, ok := s.digest(w, r)
	if !ok {
		return
	}
	entries, err := s.db.DigestEntriesFor(d.ID)
	if err != nil {
		s.serverError(w, "loading digest entries", err)
		return
	}
	s.render(w, "digest.html", map[string]any{
		"Digest":  d,
		"Entries": entries,
	})
}

// handleDigestEmail serves the stored digest exactly as it was mailed.
func (s *Server) handleDigestEmail(w http.ResponseWriter, r *http.Request) {
	d, ok := s.digest(w, r)
	if !ok {
		return
	}
	html, err := compose.RenderStored(d)
	if err != nil {
		s.serverError(w, "rendering digest", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, html)
}

func (s *Server) digest(w http.ResponseWriter, r *http.Request) (*database.Digest, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return nil, false
	}
	d, err := s.db.GetDigest(id)
	if err != nil {
		s.serverError(w, "loading digest", err)
		return nil, false
	}
	if d == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return d, true
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	f := database.EntryFilter{
		DigestDate: r.URL.Query().Get("date"),
		Status:     database.DownloadStatus(r.URL.Query().Get("status")),
		Limit:      200,
	}
	entries, err := s.db.ListDigestEntries(f)
	if err != nil {
		s.serverError(w, "listing entries", err)
		return
	}
	counts, err := s.db.DigestEntryCounts()
	if err != nil {
		s.serverError(w, "counting entries", err)
		return
	}
	s.render(w, "entries.html", map[string]any{
		"Entries": entries,
		"Counts":  counts,
		"Filter":  f,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	status := database.PendingStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = database.StatusPending
	}
	items, err := s.queue.List(status)
	if err != nil {
		s.serverError(w, "listing pending downloads", err)
		return
	}
	counts, err := s.queue.Stats()
	if err != nil {
		s.serverError(w, "counting pending downloads", err)
		return
	}
	s.render(w, "pending.html", map[string]any{
		"Items":  items,
		"Counts": counts,
		"Status": status,
		"Notice": r.URL.Query().Get("notice"),
	})
}

func (s *Server) handleApproveAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ApproveAll()
	if err != nil {
		s.serverError(w, "approving pending downloads", err)
		return
	}
	redirectNotice(w, r, fmt.Sprintf("Approved %d items", n))
}

func (s *Server) handlePendingAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch r.PathValue("action") {
	case "approve":
		err = s.queue.Approve([]int64{id})
	case "reject":
		err = s.queue.Reject([]int64{id})
	default:
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, database.ErrInvalidTransition) {
		redirectNotice(w, r, err.Error())
		return
	}
	if err != nil {
		s.serverError(w, "updating pending download", err)
		return
	}
	http.Redirect(w, r, "/pending", http.StatusFound)
}

func redirectNotice(w http.ResponseWriter, r *http.Request, notice string) {
	http.Redirect(w, r, "/pending?notice="+url.QueryEscape(notice), http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", "template", name, "err", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func renderMarkdown(text string) template.HTML {
	html, err := compose.MarkdownToHTML(text)
	if err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(html) //nolint: gosec
}

// Serve starts the HTTP server on the given loopback port.
func Serve(db *database.DB, port int, logger *slog.Logger) error {
	srv, err := New(db, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv.logger.Info("server listening", "url", "http://"+addr)
	return http.ListenAndServe(addr, srv.Handler())
}
