package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

// IndexSource discovers the CSV files published by an Index-of-Indexes
// aggregator. The aggregator lists its CSV files in a plain text file and
// publishes two lookup tables: URL.csv maps an issue date to the issue page
// and Agencies.csv maps an agency to its homepage. Both are used as fallback
// links for rows that carry none.
type IndexSource struct {
	baseURL     string
	sourcesFile string
	client      *http.Client
	userAgent   string
	policy      retry.Policy
	logger      *slog.Logger
}

// NewIndexSource creates an expander for the configured aggregator.
func NewIndexSource(cfg config.IndexOfIndexes, client *http.Client, userAgent string, policy retry.Policy, logger *slog.Logger) *IndexSource {
	sourcesFile := cfg.SourcesFile
	if sourcesFile == "" {
		sourcesFile = "csv_sources.txt"
	}
	return &IndexSource{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		sourcesFile: sourcesFile,
		client:      client,
		userAgent:   userAgent,
		policy:      policy,
		logger:      logger,
	}
}

func (s *IndexSource) Name() string { return "Index-of-Indexes" }

// Expand fetches the list of CSV files. The lookup tables are optional.
func (s *IndexSource) Expand(ctx context.Context) ([]Source, error) {
	body, err := s.get(ctx, s.baseURL+"/"+s.sourcesFile)
	if err != nil {
		return nil, fmt.Errorf("fetching source list: %w", err)
	}

	lookups := &indexLookups{
		issues:   s.loadLookup(ctx, "URL.csv"),
		agencies: s.loadLookup(ctx, "Agencies.csv"),
	}

	var sources []Source
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		csvURL := line
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			csvURL = s.baseURL + "/" + strings.TrimLeft(line, "/")
		}
		sources = append(sources, &CSVSource{
			url:       csvURL,
			name:      path.Base(csvURL),
			client:    s.client,
			userAgent: s.userAgent,
			lookups:   lookups,
			logger:    s.logger,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading source list: %w", err)
	}
	return sources, nil
}

func (s *IndexSource) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, s.policy, "fetch "+url, func(ctx context.Context) error {
		b, err := getBody(ctx, s.client, url, s.userAgent, 0)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// loadLookup reads a two-column key,url table. Failures are logged and
// yield an empty table.
func (s *IndexSource) loadLookup(ctx context.Context, name string) map[string]string {
	out := make(map[string]string)
	body, err := s.get(ctx, s.baseURL+"/"+name)
	if err != nil {
		s.logger.Warn("lookup table unavailable", "file", name, "err", err)
		return out
	}
	r := newCSVReader(bytes.NewReader(body))
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Debug("skipping malformed lookup row", "file", name, "err", err)
			continue
		}
		if len(rec) < 2 {
			continue
		}
		key := strings.TrimSpace(rec[0])
		val := strings.TrimSpace(rec[1])
		if key == "" || !strings.HasPrefix(val, "http") {
			continue
		}
		out[lookupKey(key)] = val
	}
	return out
}

type indexLookups struct {
	issues   map[string]string // date -> issue page
	agencies map[string]string // agency -> homepage
}

func (l *indexLookups) issueURL(date time.Time, raw string) string {
	if url, ok := l.issues[lookupKey(raw)]; ok {
		return url
	}
	if date.IsZero() {
		return ""
	}
	return l.issues[date.Format("2006-01-02")]
}

func (l *indexLookups) agencyURL(agency string) string {
	return l.agencies[lookupKey(agency)]
}

func lookupKey(s string) string {
	if t := parseDate(s); !t.IsZero() {
		return t.Format("2006-01-02")
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// CSVSource reads one aggregator CSV file of rows
// Date, Agency, Category, Title[, Link].
type CSVSource struct {
	url       string
	name      string
	client    *http.Client
	userAgent string
	lookups   *indexLookups
	logger    *slog.Logger
}

func (s *CSVSource) Name() string { return s.name }

func (s *CSVSource) Fetch(ctx context.Context, w Window) ([]Entry, error) {
	body, err := getBody(ctx, s.client, s.url, s.userAgent, 0)
	if err != nil {
		return nil, err
	}
	entries, skipped := parseIndexCSV(bytes.NewReader(body), s.name, s.lookups)
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, pe := range skipped {
		logger.Debug("skipped row", "source", pe.Source, "line", pe.Line, "reason", pe.Reason)
	}
	return entries, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// parseIndexCSV parses aggregator rows. Rows with an unparseable date are
// returned with a zero Date so the caller can count them; rows without a
// title or with too few columns are skipped and reported.
func parseIndexCSV(r io.Reader, source string, lookups *indexLookups) ([]Entry, []ParseError) {
	if lookups == nil {
		lookups = &indexLookups{}
	}
	cr := newCSVReader(r)

	var entries []Entry
	var skipped []ParseError
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line, _ := cr.FieldPos(0)
		if err != nil {
			skipped = append(skipped, ParseError{Source: source, Line: line, Reason: err.Error()})
			continue
		}
		if first {
			first = false
			if isHeader(rec) {
				continue
			}
		}
		if len(rec) < 4 {
			skipped = append(skipped, ParseError{Source: source, Line: line, Reason: fmt.Sprintf("expected at least 4 columns, got %d", len(rec))})
			continue
		}

		rawDate := strings.TrimSpace(rec[0])
		agency := strings.TrimSpace(rec[1])
		category := strings.TrimSpace(rec[2])
		title := strings.Join(strings.Fields(rec[3]), " ")
		if title == "" {
			skipped = append(skipped, ParseError{Source: source, Line: line, Reason: "missing title"})
			continue
		}
		var link string
		if len(rec) > 4 {
			link = strings.TrimSpace(rec[4])
		}

		date := parseDate(rawDate)
		direct := link != ""
		if !direct {
			link = lookups.issueURL(date, rawDate)
		}
		if link == "" {
			link = lookups.agencyURL(agency)
		}

		entries = append(entries, Entry{
			Date:       date,
			RawDate:    rawDate,
			Agency:     agency,
			Category:   category,
			Title:      title,
			Link:       link,
			Source:     source,
			DirectLink: direct,
		})
	}
	return entries, skipped
}

func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(rec[0])) {
	case "date", "datum", "fecha":
		return true
	}
	return false
}
