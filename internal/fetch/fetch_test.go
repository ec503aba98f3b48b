package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/logging"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>FDA issues draft guidance</title></head>
<body>
<nav><a href="/">Home</a> | <a href="/news">News</a></nav>
<article>
<h1>FDA issues draft guidance on AI-enabled device software functions</h1>
<p>The U.S. Food and Drug Administration today issued draft guidance that provides recommendations
for marketing submissions for devices that include AI-enabled device software functions.</p>
<p>The draft guidance covers documentation of model development, performance validation,
and the information manufacturers should give users about how the device was trained and tested.</p>
<p>Comments on the draft guidance are due within 90 days of publication in the Federal Register.</p>
</article>
<footer>Contact us</footer>
</body></html>`

func TestSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, articleHTML)
		case "/short":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><p>Too short.</p></body></html>")
		case "/doc.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			fmt.Fprint(w, "%PDF-1.7")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewPageFetcher(5*time.Second, "test", 200, logging.NewNop())
	ctx := context.Background()

	text, err := f.Snippet(ctx, srv.URL+"/article")
	if err != nil {
		t.Fatalf("Snippet: %v", err)
	}
	if !strings.Contains(text, "draft guidance") {
		t.Errorf("expected article text, got %q", text)
	}
	if len(text) > 203 || !strings.HasSuffix(text, "...") {
		t.Errorf("expected text truncated to 200 chars, got %d: %q", len(text), text)
	}
	if strings.Contains(text, "Contact us") {
		t.Errorf("expected boilerplate removed, got %q", text)
	}

	if text, err := f.Snippet(ctx, srv.URL+"/short"); err != nil || text != "" {
		t.Errorf("short page: got %q, %v", text, err)
	}
	if text, err := f.Snippet(ctx, srv.URL+"/doc.pdf"); err != nil || text != "" {
		t.Errorf("pdf: got %q, %v", text, err)
	}
}

func TestSnippetSkipsFailedHost(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewPageFetcher(5*time.Second, "test", 0, logging.NewNop())
	if _, err := f.Snippet(context.Background(), srv.URL+"/a"); err == nil {
		t.Fatal("expected error for 403")
	}
	if _, err := f.Snippet(context.Background(), srv.URL+"/b"); !errors.Is(err, ErrHostSkipped) {
		t.Errorf("expected ErrHostSkipped, got %v", err)
	}
	if hits != 1 {
		t.Errorf("expected one request, got %d", hits)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("alpha beta gamma delta", 12); got != "alpha beta..." {
		t.Errorf("got %q", got)
	}
}
