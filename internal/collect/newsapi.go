package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

const newsAPIBaseURL = "https://newsapi.org/v2/everything"

// NewsAPISource searches NewsAPI for regulatory coverage. Each article is
// attributed to its publisher with category "News".
type NewsAPISource struct {
	apiKey   string
	query    string
	pageSize int
	baseURL  string
	client   *http.Client
}

// NewNewsAPISource reads the API key from the configured environment
// variable.
func NewNewsAPISource(cfg config.NewsAPIConfig, client *http.Client) *NewsAPISource {
	return &NewsAPISource{
		apiKey:   os.Getenv(cfg.APIKeyEnv),
		query:    cfg.Query,
		pageSize: cfg.PageSize,
		baseURL:  newsAPIBaseURL,
		client:   client,
	}
}

// IsConfigured returns whether the API key is available.
func (s *NewsAPISource) IsConfigured() bool {
	return s.apiKey != ""
}

func (s *NewsAPISource) Name() string { return "NewsAPI" }

func (s *NewsAPISource) Fetch(ctx context.Context, w Window) ([]Entry, error) {
	if s.apiKey == "" {
		return nil, retry.Permanent(fmt.Errorf("newsapi: no API key configured"))
	}

	pageSize := s.pageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	params := url.Values{
		"q":        {s.query},
		"from":     {w.Start.Format("2006-01-02")},
		"to":       {w.End.Format("2006-01-02")},
		"language": {"en"},
		"pageSize": {strconv.Itoa(pageSize)},
		"sortBy":   {"publishedAt"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		herr := &httpError{StatusCode: resp.StatusCode, URL: s.baseURL}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return nil, retry.Permanent(herr)
		}
		return nil, herr
	}

	var result struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Articles []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
			Content     string `json:"content"`
			Description string `json:"description"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("newsapi decode: %w", err)
	}
	if result.Status != "ok" {
		return nil, retry.Permanent(fmt.Errorf("newsapi status %s: %s", result.Status, result.Message))
	}

	var entries []Entry
	for _, a := range result.Articles {
		if a.URL == "" || a.Title == "" {
			continue
		}
		if a.Title == "[Removed]" || a.URL == "https://removed.com" {
			continue
		}

		var date time.Time
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			date = day(t)
		}

		snippet := a.Description
		if snippet == "" {
			snippet = a.Content
		}

		agency := "NewsAPI"
		if a.Source.Name != "" {
			agency = a.Source.Name
		}

		entries = append(entries, Entry{
			Date:       date,
			RawDate:    a.PublishedAt,
			Agency:     agency,
			Category:   "News",
			Title:      strings.TrimSpace(a.Title),
			Link:       a.URL,
			Snippet:    truncate(strings.TrimSpace(stripHTML(snippet)), 1000),
			Source:     s.Name(),
			DirectLink: true,
		})
	}
	return entries, nil
}
