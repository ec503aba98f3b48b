// Package resolver expands links from feeds into document locations and
// decides whether they can be downloaded without a person.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// DocumentType is the inferred format behind a link.
type DocumentType string

const (
	TypePDF     DocumentType = "pdf"
	TypeWord    DocumentType = "word"
	TypeExcel   DocumentType = "excel"
	TypeHTML    DocumentType = "html"
	TypeUnknown DocumentType = "unknown"
)

// IsDocument reports whether t is a downloadable document format.
func (t DocumentType) IsDocument() bool {
	return t == TypePDF || t == TypeWord || t == TypeExcel
}

// Manual review reasons.
const (
	ReasonPaywalled      = "paywalled"
	ReasonSocialRedirect = "social_redirect"
	ReasonUnresolved     = "unresolved"
	ReasonNotDocument    = "not_a_document"
)

// Result describes where a link leads. Network failures are reported in
// Error and never returned as Go errors.
type Result struct {
	Success      bool
	OriginalURL  string
	ResolvedURL  string
	Domain       string
	DocumentType DocumentType
	IsPaid       bool
	NeedsManual  bool
	Social       bool
	Error        string
	Links        []string
}

// Direct reports whether the link is a free document that can be fetched
// as is.
func (r Result) Direct() bool {
	return r.Success && !r.IsPaid && !r.NeedsManual && r.DocumentType.IsDocument()
}

// ManualReason explains why a person must follow up. It is empty for direct
// links.
func (r Result) ManualReason() string {
	switch {
	case r.Direct():
		return ""
	case r.IsPaid:
		return ReasonPaywalled
	case r.Social:
		return ReasonSocialRedirect
	case r.Error != "":
		return ReasonUnresolved
	default:
		return ReasonNotDocument
	}
}

var errRedirectCycle = errors.New("redirect cycle")

// Resolver follows redirects and classifies links.
type Resolver struct {
	cfg    config.Resolver
	client *http.Client
	logger *slog.Logger
}

// New creates a resolver. Redirects are bounded by cfg.MaxRedirects and a
// URL seen twice in one chain is a cycle.
func New(cfg config.Resolver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{cfg: cfg, logger: logger}
	r.client = &http.Client{Timeout: cfg.Timeout, CheckRedirect: r.checkRedirect}
	return r
}

func (r *Resolver) checkRedirect(req *http.Request, via []*http.Request) error {
	limit := r.cfg.MaxRedirects
	if limit <= 0 {
		limit = 10
	}
	if len(via) >= limit {
		return fmt.Errorf("stopped after %d redirects", limit)
	}
	next := req.URL.String()
	for _, prev := range via {
		if prev.URL.String() == next {
			return errRedirectCycle
		}
	}
	return nil
}

// Resolve follows url to its final location and classifies it.
func (r *Resolver) Resolve(ctx context.Context, raw string) Result {
	res := r.resolve(ctx, strings.TrimSpace(raw), 1)
	r.logger.Debug("resolved url", "url", raw, "resolved", res.ResolvedURL,
		"type", res.DocumentType, "manual", res.NeedsManual, "err", res.Error)
	return res
}

func (r *Resolver) resolve(ctx context.Context, raw string, depth int) Result {
	res := Result{OriginalURL: raw, DocumentType: TypeUnknown}
	if raw == "" {
		res.Error = "no URL provided"
		return res
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.Error = "invalid URL"
		return res
	}
	res.Domain = textmatch.Host(raw)

	if r.isPaid(u) {
		res.ResolvedURL = raw
		res.IsPaid = true
		res.NeedsManual = true
		res.DocumentType = typeFromPath(u.Path)
		res.Error = "paid domain - requires purchase"
		return res
	}

	resp, err := r.probe(ctx, raw)
	if err != nil {
		res.NeedsManual = true
		res.Social = r.isSocial(res.Domain)
		if errors.Is(err, errRedirectCycle) {
			res.Error = errRedirectCycle.Error()
		} else {
			res.Error = err.Error()
		}
		return res
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	res.ResolvedURL = final.String()
	res.Domain = textmatch.Host(res.ResolvedURL)
	if r.isPaid(final) {
		res.IsPaid = true
		res.NeedsManual = true
		res.Error = "paid domain - requires purchase"
		return res
	}

	if r.isSocial(res.Domain) && !r.isTrusted(res.Domain) {
		return r.resolveSocial(ctx, res, final, depth)
	}

	res.DocumentType = typeFromPath(final.Path)
	if res.DocumentType == TypeUnknown {
		res.DocumentType = typeFromContentType(resp.Header.Get("Content-Type"))
	}
	res.Success = true
	res.NeedsManual = !res.DocumentType.IsDocument()
	return res
}

// resolveSocial extracts regulatory links from a social or aggregator page.
func (r *Resolver) resolveSocial(ctx context.Context, res Result, page *url.URL, depth int) Result {
	res.Social = true
	links, err := r.pageLinks(ctx, page)
	if err != nil {
		res.NeedsManual = true
		res.Error = err.Error()
		return res
	}

	var regulatory []string
	for _, l := range links {
		if r.isTrusted(textmatch.Host(l)) {
			regulatory = append(regulatory, l)
		}
	}
	if len(regulatory) == 0 {
		limit := r.cfg.MaxManualLinks
		if limit <= 0 {
			limit = 10
		}
		if len(links) > limit {
			links = links[:limit]
		}
		res.NeedsManual = true
		res.Links = links
		res.Error = "no regulatory domain links found in page"
		return res
	}

	best := regulatory[0]
	for _, l := range regulatory {
		if typeFromPath(pathOf(l)) == TypePDF {
			best = l
			break
		}
	}
	if depth <= 0 {
		res.ResolvedURL = best
		res.Domain = textmatch.Host(best)
		res.DocumentType = typeFromPath(pathOf(best))
		res.Links = regulatory
		res.Success = true
		res.NeedsManual = !res.DocumentType.IsDocument()
		return res
	}

	inner := r.resolve(ctx, best, depth-1)
	inner.OriginalURL = res.OriginalURL
	inner.Social = true
	inner.Links = regulatory
	return inner
}

// IsDownloadable is a quick check without network access.
func (r *Resolver) IsDownloadable(raw string) (bool, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, "no URL"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false, "invalid URL"
	}
	host := textmatch.Host(raw)
	switch {
	case r.isPaid(u):
		return false, fmt.Sprintf("paid domain (%s)", host)
	case r.isShortener(host), r.isSocial(host) && !r.isTrusted(host):
		return false, "social media URL - needs resolution"
	case r.isTrusted(host):
		return true, "trusted regulatory domain"
	default:
		return true, "unknown domain - may work"
	}
}

func (r *Resolver) isTrusted(host string) bool {
	return hostIn(host, r.cfg.TrustedDomains)
}

func (r *Resolver) isSocial(host string) bool {
	return hostIn(host, r.cfg.SocialDomains) || r.isShortener(host)
}

func (r *Resolver) isShortener(host string) bool {
	return hostIn(host, r.cfg.ShortenerDomains)
}

// isPaid matches entries of the form "domain" or "domain/path-prefix".
func (r *Resolver) isPaid(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, p := range r.cfg.PaidDomains {
		domain, prefix, _ := strings.Cut(strings.ToLower(p), "/")
		if !textmatch.HostMatches(host, domain) {
			continue
		}
		if prefix == "" || strings.HasPrefix(strings.ToLower(u.Path), "/"+prefix) {
			return true
		}
	}
	return false
}

func hostIn(host string, domains []string) bool {
	if host == "" {
		return false
	}
	for _, d := range domains {
		if textmatch.HostMatches(host, d) {
			return true
		}
	}
	return false
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func typeFromPath(p string) DocumentType {
	switch strings.ToLower(path.Ext(p)) {
	case ".pdf":
		return TypePDF
	case ".doc", ".docx":
		return TypeWord
	case ".xls", ".xlsx":
		return TypeExcel
	case ".htm", ".html":
		return TypeHTML
	}
	return TypeUnknown
}

func typeFromContentType(ct string) DocumentType {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(ct)
	}
	switch {
	case strings.Contains(mt, "pdf"):
		return TypePDF
	case strings.Contains(mt, "msword"), strings.Contains(mt, "wordprocessingml"):
		return TypeWord
	case strings.Contains(mt, "ms-excel"), strings.Contains(mt, "spreadsheetml"):
		return TypeExcel
	case strings.Contains(mt, "html"):
		return TypeHTML
	}
	return TypeUnknown
}

// TypeFromURL infers the document type from the URL's extension alone.
func TypeFromURL(raw string) DocumentType {
	return typeFromPath(pathOf(raw))
}
