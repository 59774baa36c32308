package extractor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ParseVideoURL returns the YouTube video id of raw
func ParseVideoURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid video url: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "youtube-nocookie.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		}
	default:
		return "", fmt.Errorf("unsupported video platform %q", u.Hostname())
	}

	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return "", errors.New("video id not found in url")
	}
	return id, nil
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

type transcriptXML struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Body  string `xml:",chardata"`
	} `xml:"text"`
}

func (e *Extractor) extractVideo(ctx context.Context, raw string) Result {
	id, err := ParseVideoURL(raw)
	if err != nil {
		return failure(raw, "%v", err)
	}

	watchURL := strings.TrimRight(e.cfg.YouTubeBaseURL, "/") + "/watch?v=" + url.QueryEscape(id)
	page, err := e.fetchBody(ctx, watchURL)
	if err != nil {
		return failure(raw, "failed to fetch video page: %v", err)
	}

	tracks := captionTracks(page)
	if len(tracks) == 0 {
		return failure(raw, "no transcript available for video %s", id)
	}
	track := pickTrack(tracks)

	body, err := e.fetchBody(ctx, track.BaseURL)
	if err != nil {
		return failure(raw, "failed to fetch transcript for video %s: %v", id, err)
	}
	text, err := formatTranscript(body)
	if err != nil {
		return failure(raw, "failed to parse transcript for video %s: %v", id, err)
	}
	if strings.TrimSpace(text) == "" {
		return failure(raw, "no transcript available for video %s", id)
	}

	title := videoTitle(page)
	if title == "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page)); err == nil {
			title = pageTitle(doc)
		}
	}
	if title == "" {
		title = "YouTube video " + id
	}

	return Result{
		Title:     title,
		Text:      text,
		Excerpt:   excerptOf(collapseWhitespace(text), excerptLength),
		SourceURL: raw,
	}
}

func (e *Extractor) fetchBody(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// captionTracks pulls the captionTracks array out of the player JSON
// embedded in a watch page.
func captionTracks(page string) []captionTrack {
	raw := jsonValueAfter(page, `"captionTracks":`)
	if raw == "" {
		return nil
	}
	var tracks []captionTrack
	if err := json.Unmarshal([]byte(raw), &tracks); err != nil {
		return nil
	}
	usable := tracks[:0]
	for _, t := range tracks {
		if t.BaseURL != "" {
			usable = append(usable, t)
		}
	}
	return usable
}

func pickTrack(tracks []captionTrack) captionTrack {
	for _, t := range tracks {
		if t.LanguageCode == "en" || strings.HasPrefix(t.LanguageCode, "en-") {
			return t
		}
	}
	return tracks[0]
}

func videoTitle(page string) string {
	raw := jsonValueAfter(page, `"videoDetails":`)
	if raw == "" {
		return ""
	}
	var details struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return ""
	}
	return strings.TrimSpace(details.Title)
}

// jsonValueAfter returns the JSON array or object that starts right after
// marker, matching brackets and skipping over string literals.
func jsonValueAfter(s, marker string) string {
	i := strings.Index(s, marker)
	if i < 0 {
		return ""
	}
	rest := strings.TrimLeft(s[i+len(marker):], " \t\r\n")
	if rest == "" || (rest[0] != '[' && rest[0] != '{') {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for j := 0; j < len(rest); j++ {
		c := rest[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return rest[:j+1]
			}
		}
	}
	return ""
}

// formatTranscript renders timedtext XML as one "[mm:ss] text" line per segment
func formatTranscript(body string) (string, error) {
	var doc transcriptXML
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range doc.Texts {
		// captions are entity-encoded a second time inside the XML
		text := collapseWhitespace(html.UnescapeString(t.Body))
		if text == "" {
			continue
		}
		start, _ := strconv.ParseFloat(t.Start, 64)
		b.WriteString("[")
		b.WriteString(timestamp(start))
		b.WriteString("] ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func timestamp(seconds float64) string {
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
