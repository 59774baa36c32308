// Package extractor turns remote sources (web pages and video transcripts)
// into plain text ready for chunking.
package extractor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/metrics"
	"github.com/developer-mesh/docmesh/internal/models"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// Kind is the kind of remote source
type Kind string

// Source kinds
const (
	KindWebpage Kind = "webpage"
	KindVideo   Kind = "video"
)

// SourceType maps the kind onto a document source type
func (k Kind) SourceType() models.SourceType {
	if k == KindVideo {
		return models.SourceVideo
	}
	return models.SourceWebpage
}

// Source is a remote location to extract
type Source struct {
	URL  string
	Kind Kind
}

// Result is the outcome of an extraction. On failure Error is set and Text is empty.
type Result struct {
	Title     string
	Text      string
	Excerpt   string
	SourceURL string
	Error     string
}

// Failed reports whether extraction failed
func (r Result) Failed() bool { return r.Error != "" }

// Config holds extractor settings. YouTubeBaseURL is the origin video watch
// pages are fetched from.
type Config struct {
	UserAgent      string
	FetchTimeout   time.Duration
	RobotsTimeout  time.Duration
	MaxBodyBytes   int64
	YouTubeBaseURL string
}

// DefaultConfig returns the standard extractor settings
func DefaultConfig() Config {
	return Config{
		UserAgent:      "DocmeshBot/1.0",
		FetchTimeout:   15 * time.Second,
		RobotsTimeout:  5 * time.Second,
		MaxBodyBytes:   10 << 20,
		YouTubeBaseURL: "https://www.youtube.com",
	}
}

// ConfigFrom maps service configuration onto extractor settings
func ConfigFrom(c config.ExtractorConfig) Config {
	cfg := DefaultConfig()
	if c.UserAgent != "" {
		cfg.UserAgent = c.UserAgent
	}
	if c.FetchTimeout > 0 {
		cfg.FetchTimeout = c.FetchTimeout
	}
	if c.RobotsTimeout > 0 {
		cfg.RobotsTimeout = c.RobotsTimeout
	}
	if c.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = c.MaxBodyBytes
	}
	return cfg
}

// Extractor fetches and cleans remote content
type Extractor struct {
	cfg     Config
	client  *http.Client
	logger  observability.Logger
	metrics *metrics.Metrics
}

// New creates an extractor
func New(cfg Config, logger observability.Logger, m *metrics.Metrics) *Extractor {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.RobotsTimeout <= 0 {
		cfg.RobotsTimeout = def.RobotsTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.YouTubeBaseURL == "" {
		cfg.YouTubeBaseURL = def.YouTubeBaseURL
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Extractor{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  observability.OrNoop(logger).WithPrefix("extractor"),
		metrics: m,
	}
}

// WithHTTPClient replaces the HTTP client
func (e *Extractor) WithHTTPClient(c *http.Client) *Extractor {
	e.client = c
	return e
}

// DetectKind classifies a URL by host
func DetectKind(raw string) Kind {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return KindWebpage
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtube.com", "youtu.be", "youtube-nocookie.com":
		return KindVideo
	}
	return KindWebpage
}

// Extract fetches src and returns its text. It never returns a Go error;
// failures are reported in Result.Error.
func (e *Extractor) Extract(ctx context.Context, src Source) Result {
	if src.Kind == "" {
		src.Kind = DetectKind(src.URL)
	}

	var res Result
	switch src.Kind {
	case KindVideo:
		res = e.extractVideo(ctx, src.URL)
	default:
		res = e.extractWebpage(ctx, src.URL)
	}
	if res.SourceURL == "" {
		res.SourceURL = src.URL
	}

	outcome := "ok"
	if res.Failed() {
		outcome = "error"
		res.Text = ""
		e.logger.Warn("Extraction failed", map[string]interface{}{
			"url":   src.URL,
			"kind":  string(src.Kind),
			"error": res.Error,
		})
	} else {
		e.logger.Info("Extraction succeeded", map[string]interface{}{
			"url":   src.URL,
			"kind":  string(src.Kind),
			"chars": len(res.Text),
		})
	}
	e.metrics.Extractions.WithLabelValues(string(src.Kind), outcome).Inc()
	return res
}

func failure(sourceURL, format string, args ...interface{}) Result {
	return Result{SourceURL: sourceURL, Error: fmt.Sprintf(format, args...)}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func excerptOf(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return strings.TrimSpace(string(r[:max]))
}
