package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxPageBytes = 5 << 20

func (r *Resolver) newRequest(ctx context.Context, method, raw string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, raw, nil)
	if err != nil {
		return nil, err
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	return req, nil
}

// probe issues a HEAD request, falling back to GET for servers that refuse
// HEAD. The caller closes the body.
func (r *Resolver) probe(ctx context.Context, raw string) (*http.Response, error) {
	resp, err := r.do(ctx, http.MethodHead, raw)
	if err != nil {
		return nil, err
	}
	if !refusesHead(resp.StatusCode) {
		return checkStatus(resp)
	}
	resp.Body.Close()
	resp, err = r.do(ctx, http.MethodGet, raw)
	if err != nil {
		return nil, err
	}
	return checkStatus(resp)
}

func (r *Resolver) do(ctx context.Context, method, raw string) (*http.Response, error) {
	req, err := r.newRequest(ctx, method, raw)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, fmt.Errorf("request timed out")
		}
		return nil, err
	}
	return resp, nil
}

func refusesHead(code int) bool {
	return code == http.StatusMethodNotAllowed || code == http.StatusForbidden || code == http.StatusNotImplemented
}

func checkStatus(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

// pageLinks fetches an HTML page and returns its absolute http(s) links in
// document order without duplicates.
func (r *Resolver) pageLinks(ctx context.Context, page *url.URL) ([]string, error) {
	resp, err := r.do(ctx, http.MethodGet, page.String())
	if err != nil {
		return nil, err
	}
	resp, err = checkStatus(resp)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	base := resp.Request.URL

	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		l := abs.String()
		if !seen[l] {
			seen[l] = true
			links = append(links, l)
		}
	})
	return links, nil
}
