package extractor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Rules is the set of path prefixes a robots.txt group disallows for us
type Rules struct {
	Disallow []string
}

// Allowed reports whether path may be fetched
func (r Rules) Allowed(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, prefix := range r.Disallow {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

type robotsGroup struct {
	agents   []string
	disallow []string
}

// ParseRobots reads a robots.txt body and returns the rules that apply to
// agent. The first pass collects groups; the second picks the group whose
// product token equals agent's, falling back to the "*" group.
func ParseRobots(body, agent string) Rules {
	var (
		groups  []*robotsGroup
		current *robotsGroup
		inRules bool
	)

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			// consecutive user-agent lines share one group
			if current == nil || inRules {
				current = &robotsGroup{}
				groups = append(groups, current)
				inRules = false
			}
			current.agents = append(current.agents, agentToken(value))
		case "disallow":
			if current == nil {
				continue
			}
			inRules = true
			if value != "" {
				current.disallow = append(current.disallow, value)
			}
		case "allow", "crawl-delay":
			if current != nil {
				inRules = true
			}
		}
	}

	token := agentToken(agent)
	var wildcard *robotsGroup
	for _, g := range groups {
		for _, a := range g.agents {
			if a == "*" {
				if wildcard == nil {
					wildcard = g
				}
				continue
			}
			if a != "" && a == token {
				return Rules{Disallow: g.disallow}
			}
		}
	}
	if wildcard != nil {
		return Rules{Disallow: wildcard.disallow}
	}
	return Rules{}
}

// agentToken is the lowercased product name of a User-Agent, e.g.
// "docmeshbot" for "DocmeshBot/1.0 (+https://example.com)".
func agentToken(agent string) string {
	agent = strings.ToLower(strings.TrimSpace(agent))
	if i := strings.IndexAny(agent, "/ "); i >= 0 {
		agent = agent[:i]
	}
	return agent
}

// allowedByRobots fetches robots.txt for target's host. Anything short of a
// readable 2xx response counts as permission.
func (e *Extractor) allowedByRobots(ctx context.Context, target *url.URL) bool {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, target.Host)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RobotsTimeout)
	defer cancel()

	fields := map[string]interface{}{"robots_url": robotsURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		e.logger.Warn("Invalid robots.txt request, allowing", fields)
		return true
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		fields["error"] = err.Error()
		e.logger.Warn("Could not fetch robots.txt, allowing", fields)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fields["status"] = resp.StatusCode
		e.logger.Warn("robots.txt not available, allowing", fields)
		return true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		fields["error"] = err.Error()
		e.logger.Warn("Could not read robots.txt, allowing", fields)
		return true
	}

	path := target.EscapedPath()
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return ParseRobots(string(body), e.cfg.UserAgent).Allowed(path)
}
