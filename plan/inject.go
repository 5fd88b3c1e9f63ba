package plan

import (
	"regexp"
	"strings"
)

// Patterns that spot a link worth fetching in a user message.
var (
	bareURLPattern = regexp.MustCompile(`https?://[^\s<>"']+`)
	// bareDomainPattern matches a schemeless domain like "example.com/page".
	bareDomainPattern = regexp.MustCompile(`(?i)\b((?:[a-z0-9-]+\.)+[a-z]{2,})(/[^\s<>"']*)?`)
)

// dynamicPageDomains are sites that render their content with JavaScript; a
// plain GET returns a shell, so injected fetches for them use browser mode.
var dynamicPageDomains = map[string]bool{
	"twitter.com":   true,
	"x.com":         true,
	"instagram.com": true,
	"facebook.com":  true,
	"linkedin.com":  true,
	"reddit.com":    true,
	"youtube.com":   true,
}

// InjectFallbackFetch appends a synthesized web_fetch when the user message
// contains a bare URL or domain and the plan does not already fetch anything.
// It runs only after a successful parse, immediately before enqueue.
func InjectFallbackFetch(p Plan, userText string) Plan {
	if p.HasFetch() {
		return p
	}
	target := detectURL(userText)
	if target == "" {
		return p
	}
	mode := FetchModeHTTP
	if dynamicPageDomains[hostOf(target)] {
		mode = FetchModeBrowser
	}
	p.Actions = append(p.Actions, Action{
		Type:             ActionWebFetch,
		URL:              target,
		Mode:             mode,
		Reason:           "User message references this link; fetching it for context",
		RequiresApproval: true,
	})
	return p
}

// detectURL finds the first URL-looking token in the text, normalizing a bare
// domain to an https URL. Returns "" when nothing qualifies.
func detectURL(text string) string {
	if m := bareURLPattern.FindString(text); m != "" {
		return strings.TrimRight(m, ".,;:!?)")
	}
	if m := bareDomainPattern.FindStringSubmatch(text); len(m) > 1 {
		domain := strings.ToLower(m[1])
		// Skip things that only look like domains (file names, version
		// strings). Require a known public TLD-ish final label length and at
		// least one dot followed by letters.
		if strings.HasSuffix(domain, ".json") || strings.HasSuffix(domain, ".md") ||
			strings.HasSuffix(domain, ".txt") || strings.HasSuffix(domain, ".go") ||
			strings.HasSuffix(domain, ".js") || strings.HasSuffix(domain, ".ts") ||
			strings.HasSuffix(domain, ".py") || strings.HasSuffix(domain, ".yaml") ||
			strings.HasSuffix(domain, ".yml") || strings.HasSuffix(domain, ".local") {
			return ""
		}
		return "https://" + domain + m[2]
	}
	return ""
}

func hostOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.ToLower(rest)
	rest = strings.TrimPrefix(rest, "www.")
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
