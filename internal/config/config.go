package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources       Sources       `yaml:"sources"`
	Filter        Filter        `yaml:"filter"`
	Resolver      Resolver      `yaml:"resolver"`
	Analyzer      Analyzer      `yaml:"analyzer"`
	Summarization Summarization `yaml:"summarization"`
	Digest        Digest        `yaml:"digest"`
	Mail          Mail          `yaml:"mail"`
	Reply         Reply         `yaml:"reply"`
	Archive       Archive       `yaml:"archive"`
	Schedule      Schedule      `yaml:"schedule"`
	Output        Output        `yaml:"output"`
	Server        Server        `yaml:"server"`
	Logging       Logging       `yaml:"logging"`
}

type Sources struct {
	IndexOfIndexes  IndexOfIndexes `yaml:"index_of_indexes"`
	Feeds           []Feed         `yaml:"feeds"`
	APIs            APIsConfig     `yaml:"apis"`
	Fetch           FetchOptions   `yaml:"fetch"`
	TitleSimilarity float64        `yaml:"title_similarity"`
}

type IndexOfIndexes struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	SourcesFile string `yaml:"sources_file"`
}

type Feed struct {
	URL          string   `yaml:"url"`
	Name         string   `yaml:"name"`
	Agency       string   `yaml:"agency"`
	Category     string   `yaml:"category"`
	MaxItems     int      `yaml:"max_items"`
	RequireTerms []string `yaml:"require_terms"`
}

type APIsConfig struct {
	NewsAPI NewsAPIConfig `yaml:"newsapi"`
}

type NewsAPIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKeyEnv string `yaml:"api_key_env"`
	Query     string `yaml:"query"`
	PageSize  int    `yaml:"page_size"`
}

type FetchOptions struct {
	DaysBack    int           `yaml:"days_back"`
	Timeout     time.Duration `yaml:"timeout"`
	Attempts    int           `yaml:"attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Concurrency int           `yaml:"concurrency"`
	UserAgent   string        `yaml:"user_agent"`
}

type Filter struct {
	IncludeCategories      []string  `yaml:"include_categories"`
	ExcludeCategories      []string  `yaml:"exclude_categories"`
	IncludeKeywords        []string  `yaml:"include_keywords"`
	ExcludeKeywords        []string  `yaml:"exclude_keywords"`
	OverrideTerms          []string  `yaml:"override_terms"`
	DeviceIndicators       []string  `yaml:"device_indicators"`
	RequireDeviceIndicator bool      `yaml:"require_device_indicator"`
	Alerts                 Alerts    `yaml:"alerts"`
	Scoring                Scoring   `yaml:"scoring"`
	Freshness              Freshness `yaml:"freshness"`
}

type Alerts struct {
	Critical []string `yaml:"critical"`
	High     []string `yaml:"high"`
}

type Scoring struct {
	DefaultWeight  float64            `yaml:"default_weight"`
	CategoryWeight float64            `yaml:"category_weight"`
	Weights        map[string]float64 `yaml:"weights"`
	Saturation     float64            `yaml:"saturation"`
	ExcludePenalty float64            `yaml:"exclude_penalty"`
	MinRelevance   float64            `yaml:"min_relevance"`
}

type Freshness struct {
	Enabled             bool     `yaml:"enabled"`
	MaxDocumentAgeYears int      `yaml:"max_document_age_years"`
	NewContentKeywords  []string `yaml:"new_content_keywords"`
	DiscussionKeywords  []string `yaml:"discussion_keywords"`
}

type Resolver struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRedirects     int           `yaml:"max_redirects"`
	MaxManualLinks   int           `yaml:"max_manual_links"`
	UserAgent        string        `yaml:"user_agent"`
	TrustedDomains   []string      `yaml:"trusted_domains"`
	SocialDomains    []string      `yaml:"social_domains"`
	ShortenerDomains []string      `yaml:"shortener_domains"`
	PaidDomains      []string      `yaml:"paid_domains"`
}

type Analyzer struct {
	TitleMatchThreshold float64 `yaml:"title_match_threshold"`
	AmbiguousFloor      float64 `yaml:"ambiguous_floor"`
}

type Summarization struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	OpenAIModel  string `yaml:"openai_model"`
	APIKeyEnv    string `yaml:"api_key_env"`
	MaxTokens    int    `yaml:"max_tokens"`
	Style        string `yaml:"style"`
	Attempts     int    `yaml:"attempts"`
	FetchContent bool   `yaml:"fetch_content"`
	SnippetChars int    `yaml:"snippet_chars"`
}

type Digest struct {
	Recipients    []string   `yaml:"recipients"`
	SubjectPrefix string     `yaml:"subject_prefix"`
	LookbackDays  int        `yaml:"lookback_days"`
	SendAttempts  int        `yaml:"send_attempts"`
	Daily         DigestType `yaml:"daily"`
	Weekly        DigestType `yaml:"weekly"`
	Monthly       DigestType `yaml:"monthly"`
}

type DigestType struct {
	DaysBack         int  `yaml:"days_back"`
	MaxEntries       int  `yaml:"max_entries"`
	HighPriorityOnly bool `yaml:"high_priority_only"`
}

type Mail struct {
	Transport string `yaml:"transport"`
	Inbox     string `yaml:"inbox"`
	From      string `yaml:"from"`
	SMTP      SMTP   `yaml:"smtp"`
	IMAP      IMAP   `yaml:"imap"`
	Gmail     Gmail  `yaml:"gmail"`
}

type SMTP struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

type IMAP struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Mailbox     string `yaml:"mailbox"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

type Gmail struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

type Reply struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollOverlap      time.Duration `yaml:"poll_overlap"`
	SubjectPatterns  []string      `yaml:"subject_patterns"`
	MaxBodyLines     int           `yaml:"max_body_lines"`
	SendConfirmation bool          `yaml:"send_confirmation"`
	ClaimTTL         time.Duration `yaml:"claim_ttl"`
}

type Archive struct {
	Dir              string        `yaml:"dir"`
	Timeout          time.Duration `yaml:"timeout"`
	Attempts         int           `yaml:"attempts"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	MinDocumentBytes int           `yaml:"min_document_bytes"`
}

type Schedule struct {
	DailyTime  string        `yaml:"daily_time"`
	WeeklyDay  string        `yaml:"weekly_day"`
	WeeklyTime string        `yaml:"weekly_time"`
	MonthlyDay int           `yaml:"monthly_day"`
	Tick       time.Duration `yaml:"tick"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for regintel.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "regintel")
}

// DataDir returns the XDG data directory for regintel.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "regintel")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/regintel/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'regintel init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv reads KEY=value pairs from the given .env files into the process
// environment. Missing files are skipped and variables already set win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env", filepath.Join(ConfigDir(), ".env")}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML bytes into a Config, applying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Sources: Sources{
			IndexOfIndexes: IndexOfIndexes{
				Enabled:     true,
				BaseURL:     "https://martincking.github.io/Index-of-Indexes",
				SourcesFile: "csv_sources.txt",
			},
			APIs: APIsConfig{
				NewsAPI: NewsAPIConfig{
					APIKeyEnv: "NEWSAPI_KEY",
					Query:     `"medical device" AND (FDA OR MDR OR MHRA OR guidance)`,
					PageSize:  50,
				},
			},
			Fetch: FetchOptions{
				DaysBack:    7,
				Timeout:     30 * time.Second,
				Attempts:    3,
				Backoff:     2 * time.Second,
				Concurrency: 4,
				UserAgent:   "regintel/1.0 (+regulatory digest)",
			},
			TitleSimilarity: 0.9,
		},
		Filter: Filter{
			RequireDeviceIndicator: true,
			Scoring: Scoring{
				DefaultWeight:  1.0,
				CategoryWeight: 1.0,
				Saturation:     4.0,
				ExcludePenalty: 0.2,
				MinRelevance:   0.1,
			},
			Freshness: Freshness{
				Enabled:             true,
				MaxDocumentAgeYears: 1,
			},
		},
		Resolver: Resolver{
			Timeout:        15 * time.Second,
			MaxRedirects:   10,
			MaxManualLinks: 10,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		},
		Analyzer: Analyzer{
			TitleMatchThreshold: 0.92,
			AmbiguousFloor:      0.75,
		},
		Summarization: Summarization{
			Provider:     "ollama",
			Model:        "qwen2.5:7b",
			OllamaURL:    "http://localhost:11434",
			OpenAIModel:  "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			MaxTokens:    500,
			Style:        "layperson",
			Attempts:     2,
			SnippetChars: 1500,
		},
		Digest: Digest{
			SubjectPrefix: "Regulatory Intelligence",
			LookbackDays:  35,
			SendAttempts:  3,
			Daily:         DigestType{DaysBack: 1, MaxEntries: 10, HighPriorityOnly: true},
			Weekly:        DigestType{DaysBack: 7, MaxEntries: 50},
			Monthly:       DigestType{DaysBack: 31, MaxEntries: 100},
		},
		Mail: Mail{
			Transport: "smtp",
			Inbox:     "imap",
			SMTP: SMTP{
				Host:        "smtp.gmail.com",
				Port:        587,
				UsernameEnv: "SMTP_USERNAME",
				PasswordEnv: "SMTP_PASSWORD",
			},
			IMAP: IMAP{
				Host:        "imap.gmail.com",
				Port:        993,
				Mailbox:     "INBOX",
				UsernameEnv: "IMAP_USERNAME",
				PasswordEnv: "IMAP_PASSWORD",
			},
		},
		Reply: Reply{
			PollInterval:     30 * time.Minute,
			PollOverlap:      24 * time.Hour,
			MaxBodyLines:     10,
			SendConfirmation: true,
			ClaimTTL:         30 * time.Minute,
		},
		Archive: Archive{
			Timeout:          60 * time.Second,
			Attempts:         3,
			MaxDownloadBytes: 100 << 20,
			MinDocumentBytes: 1024,
		},
		Schedule: Schedule{
			DailyTime:  "09:00",
			WeeklyDay:  "monday",
			WeeklyTime: "08:00",
			MonthlyDay: 1,
			Tick:       time.Minute,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseWeekday maps a lowercase English day name to a time.Weekday.
func ParseWeekday(name string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", name)
	}
	return d, nil
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := ParseClock(c.Schedule.DailyTime); err != nil {
		errs = append(errs, fmt.Errorf("schedule.daily_time: %w", err))
	}
	if _, _, err := ParseClock(c.Schedule.WeeklyTime); err != nil {
		errs = append(errs, fmt.Errorf("schedule.weekly_time: %w", err))
	}
	if _, err := ParseWeekday(c.Schedule.WeeklyDay); err != nil {
		errs = append(errs, fmt.Errorf("schedule.weekly_day: %w", err))
	}
	if c.Schedule.MonthlyDay < 1 || c.Schedule.MonthlyDay > 28 {
		errs = append(errs, fmt.Errorf("schedule.monthly_day: must be 1-28, got %d", c.Schedule.MonthlyDay))
	}
	switch c.Mail.Transport {
	case "smtp", "gmail":
	default:
		errs = append(errs, fmt.Errorf("mail.transport: unknown transport %q", c.Mail.Transport))
	}
	switch c.Mail.Inbox {
	case "imap", "gmail":
	default:
		errs = append(errs, fmt.Errorf("mail.inbox: unknown inbox %q", c.Mail.Inbox))
	}
	a := c.Analyzer
	if a.AmbiguousFloor < 0 || a.AmbiguousFloor > a.TitleMatchThreshold || a.TitleMatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("analyzer: need 0 <= ambiguous_floor <= title_match_threshold <= 1, got %.2f/%.2f",
			a.AmbiguousFloor, a.TitleMatchThreshold))
	}
	if c.Filter.Scoring.Saturation <= 0 {
		errs = append(errs, errors.New("filter.scoring.saturation: must be positive"))
	}
	if c.Digest.LookbackDays < 1 {
		errs = append(errs, errors.New("digest.lookback_days: must be at least 1"))
	}
	return errors.Join(errs...)
}

// Type returns the settings for a named digest cadence.
func (d Digest) Type(name string) (DigestType, bool) {
	switch name {
	case "daily":
		return d.Daily, true
	case "weekly":
		return d.Weekly, true
	case "monthly":
		return d.Monthly, true
	}
	return DigestType{}, false
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetArchiveDir returns where imported documents are stored.
func (c *Config) GetArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.GetDataDir(), "archive")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
