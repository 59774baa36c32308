package extractor

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

const (
	excerptLength = 200
	noiseSelector = "script, style, noscript, nav, header, footer, aside, form, iframe"
)

func (e *Extractor) extractWebpage(ctx context.Context, raw string) Result {
	target, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return failure(raw, "invalid url %q", raw)
	}

	if !e.allowedByRobots(ctx, target) {
		return failure(raw, "fetching %s is disallowed by robots.txt", raw)
	}

	doc, err := e.fetchDocument(ctx, target.String())
	if err != nil {
		return failure(raw, "failed to fetch page: %v", err)
	}

	title := pageTitle(doc)
	if title == "" {
		title = target.Hostname()
	}

	doc.Find(noiseSelector).Remove()

	text := mainContent(doc)
	if text == "" {
		text = collapseWhitespace(doc.Find("body").Text())
	}
	if text == "" {
		return failure(raw, "no readable content at %s", raw)
	}

	excerpt := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	if excerpt == "" {
		excerpt = excerptOf(text, excerptLength)
	}

	return Result{
		Title:     title,
		Text:      text,
		Excerpt:   excerpt,
		SourceURL: raw,
	}
}

// fetchDocument GETs target under the fetch timeout and parses it as HTML
func (e *Extractor) fetchDocument(ctx context.Context, target string) (*goquery.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", e.cfg.FetchTimeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return doc, nil
}

func pageTitle(doc *goquery.Document) string {
	if og := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", "")); og != "" {
		return og
	}
	return collapseWhitespace(doc.Find("title").First().Text())
}

// mainContent picks the element most likely to hold the article body
func mainContent(doc *goquery.Document) string {
	for _, sel := range []string{"article", "main", `[role="main"]`} {
		if text := collapseWhitespace(doc.Find(sel).Text()); text != "" {
			return text
		}
	}

	var (
		best      *goquery.Selection
		bestScore int
	)
	doc.Find("div, section").Each(func(_ int, s *goquery.Selection) {
		if score := contentScore(s); score > bestScore {
			best, bestScore = s, score
		}
	})
	if best == nil {
		return ""
	}
	return collapseWhitespace(best.Text())
}

// contentScore favours paragraph text and penalises link-heavy blocks
func contentScore(s *goquery.Selection) int {
	total := len(collapseWhitespace(s.Text()))
	para := len(collapseWhitespace(s.Find("p").Text()))
	links := len(collapseWhitespace(s.Find("a").Text()))
	return total + para - 2*links
}
