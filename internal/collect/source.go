package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

// Source yields entries from one feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, w Window) ([]Entry, error)
}

// Expander discovers further sources at fetch time, such as the CSV files
// listed by an aggregator index.
type Expander interface {
	Name() string
	Expand(ctx context.Context) ([]Source, error)
}

// SourceError records a source that could not be fetched.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ParseError describes a row that was skipped.
type ParseError struct {
	Source string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Source, e.Line, e.Reason)
}

type httpError struct {
	StatusCode int
	URL        string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// getBody fetches url and returns the body. Client errors (4xx other than
// 408/429) are marked permanent for retry.
func getBody(ctx context.Context, client *http.Client, url, userAgent string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		herr := &httpError{StatusCode: resp.StatusCode, URL: url}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(herr)
		}
		return nil, herr
	}
	if limit <= 0 {
		limit = 20 << 20
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
