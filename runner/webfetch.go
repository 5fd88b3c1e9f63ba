package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/c360studio/nanoclaw/plan"
)

// fetchReadLimit is how much body we pull off the wire before extracting;
// HTML needs headroom beyond the returned FetchBodyLimit.
const fetchReadLimit = 512 * 1024

var excessiveBlankLines = regexp.MustCompile(`\n{3,}`)

// runWebFetch executes a web_fetch action in http or browser mode.
func (e *Executor) runWebFetch(ctx context.Context, a *plan.Action) (string, error) {
	switch a.Mode {
	case plan.FetchModeBrowser:
		return e.fetchBrowser(ctx, a.URL)
	default:
		return e.fetchHTTP(ctx, a.URL)
	}
}

// fetchHTTP performs a single GET with the fixed user agent, following
// redirects, and returns a short metadata header plus the first
// FetchBodyLimit bytes of (extracted) body.
func (e *Executor) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	body, resp, err := e.get(ctx, rawURL)
	if err != nil {
		return "", err
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		if page, perr := e.pages.extract(body); perr == nil {
			text = page.markdown
			if page.title != "" {
				text = "# " + page.title + "\n\n" + text
			}
		}
	}

	header := fmt.Sprintf("url: %s\nstatus: %d\ncontent-type: %s\n\n", rawURL, resp.StatusCode, contentType)
	return header + truncateHead(strings.TrimSpace(text), FetchBodyLimit), nil
}

// fetchBrowser tries the headless driver first, then the readable mirror.
// It never reports success with empty content.
func (e *Executor) fetchBrowser(ctx context.Context, rawURL string) (string, error) {
	if e.browser != nil {
		title, text, err := e.browser.Navigate(ctx, rawURL)
		if err == nil && strings.TrimSpace(text) != "" {
			out := truncateHead(strings.TrimSpace(text), FetchBodyLimit)
			if title != "" {
				out = "# " + title + "\n\n" + out
			}
			return fmt.Sprintf("url: %s\nmode: browser\n\n", rawURL) + out, nil
		}
		if err != nil {
			e.logger.Warn("browser navigation failed, falling back to readable mirror",
				slog.String("url", rawURL), slog.String("error", err.Error()))
		}
	}
	return e.fetchReadable(ctx, rawURL)
}

// fetchReadable fetches a readable rendition of the page: through the
// configured mirror endpoint when present, otherwise the raw page, in both
// cases simplified with readability.
func (e *Executor) fetchReadable(ctx context.Context, rawURL string) (string, error) {
	fetchURL := rawURL
	if e.cfg.ReadableMirrorURL != "" {
		fetchURL = strings.TrimSuffix(e.cfg.ReadableMirrorURL, "/") + "/" + rawURL
	}

	body, resp, err := e.get(ctx, fetchURL)
	if err != nil {
		return "", fmt.Errorf("readable mirror fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("readable mirror returned %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	var text, title string
	if strings.Contains(contentType, "text/html") {
		pageURL, _ := url.Parse(rawURL)
		article, rerr := readability.FromReader(strings.NewReader(string(body)), pageURL)
		if rerr == nil && strings.TrimSpace(article.TextContent) != "" {
			title = article.Title
			text = article.TextContent
		} else if page, perr := e.pages.extract(body); perr == nil {
			title = page.title
			text = page.markdown
		}
	} else {
		text = string(body)
	}

	text = excessiveBlankLines.ReplaceAllString(strings.TrimSpace(text), "\n\n")
	if text == "" {
		return "", fmt.Errorf("no readable content extracted from %s", rawURL)
	}
	out := truncateHead(text, FetchBodyLimit)
	if title != "" {
		out = "# " + title + "\n\n" + out
	}
	return fmt.Sprintf("url: %s\nmode: browser (readable mirror)\n\n", rawURL) + out, nil
}

// get performs one bounded GET. The caller owns interpretation of the status.
func (e *Executor) get(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.FetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,*/*")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchReadLimit))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return body, resp, nil
}

// pageExtractor converts fetched HTML into a title and markdown text.
type pageExtractor struct {
	converter *md.Converter
}

func newPageExtractor() *pageExtractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &pageExtractor{converter: converter}
}

type extractedPage struct {
	title    string
	markdown string
}

func (p *pageExtractor) extract(content []byte) (*extractedPage, error) {
	title := extractHTMLTitle(content)
	markdown, err := p.converter.ConvertString(string(content))
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	markdown = excessiveBlankLines.ReplaceAllString(strings.TrimSpace(markdown), "\n\n")
	return &extractedPage{title: title, markdown: markdown}, nil
}

// extractHTMLTitle pulls the <title> text out of an HTML document.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
