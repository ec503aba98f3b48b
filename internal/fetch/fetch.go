// Package fetch extracts readable page text to give the summarizer more to
// work with than a feed title.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// ErrHostSkipped is returned for URLs on a host that already answered with
// an HTTP error during this fetcher's lifetime.
var ErrHostSkipped = errors.New("host skipped after earlier HTTP error")

const maxPageBytes = 5 << 20

// PageFetcher fetches pages and reduces them to their main text.
type PageFetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
	logger    *slog.Logger

	mu          sync.Mutex
	failedHosts map[string]struct{}
}

// NewPageFetcher creates a fetcher. Extracted text is cut to maxChars.
func NewPageFetcher(timeout time.Duration, userAgent string, maxChars int, logger *slog.Logger) *PageFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:   userAgent,
		maxChars:    maxChars,
		logger:      logger,
		failedHosts: make(map[string]struct{}),
	}
}

// Snippet returns the readable text of the page at rawURL. Pages with too
// little text yield "" and no error.
func (f *PageFetcher) Snippet(ctx context.Context, rawURL string) (string, error) {
	host := textmatch.Host(rawURL)
	if f.skipped(host) {
		return "", ErrHostSkipped
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.markFailed(host)
		f.logger.Debug("page fetch failed, skipping host", "url", rawURL, "status", resp.StatusCode)
		return "", fmt.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", nil
	}

	page, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), page)
	if err != nil {
		return "", nil
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) <= 100 {
		return "", nil
	}
	return truncate(text, f.maxChars), nil
}

func (f *PageFetcher) skipped(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.failedHosts[host]
	return ok
}

func (f *PageFetcher) markFailed(host string) {
	if host == "" {
		return
	}
	f.mu.Lock()
	f.failedHosts[host] = struct{}{}
	f.mu.Unlock()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := strings.LastIndexByte(s[:n], ' ')
	if cut < n/2 {
		cut = n
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
