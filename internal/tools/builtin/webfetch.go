package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/internal/tools"
)

// HTMLLoader returns the raw HTML of a page.
type HTMLLoader func(ctx context.Context, target string) (string, error)

// WebFetchOptions configures the web_fetch tool.
type WebFetchOptions struct {
	Client   *http.Client
	Browser  bool // render pages through headless Chrome before extraction
	MaxChars int
	Loader   HTMLLoader // overrides Client/Browser, used by tests
	// Check rejects URLs that may not be fetched. Nil permits everything.
	Check func(rawURL string) error
}

// WebFetch downloads a page and returns its readable article text.
func WebFetch(opts WebFetchOptions) tools.Tool {
	load := opts.Loader
	if load == nil {
		if opts.Browser {
			load = browserHTML
		} else {
			client := opts.Client
			if client == nil {
				client = &http.Client{Timeout: 30 * time.Second}
			}
			load = httpHTML(client)
		}
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = 8000
	}
	return &tools.Func{
		ToolName:        "web_fetch",
		ToolDescription: "Fetch a web page by URL and return its title and main text.",
		Parameters: tools.ObjectSchema(map[string]interface{}{
			"url": tools.Prop("string", "absolute http(s) URL"),
		}, "url"),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			raw, _ := args["url"].(string)
			canonical, err := helpers.CanonicalURL(raw)
			if err != nil {
				return "", fmt.Errorf("invalid url %q: %w", raw, err)
			}
			u, err := url.Parse(canonical)
			if err != nil {
				return "", fmt.Errorf("invalid url %q", raw)
			}
			if opts.Check != nil {
				if err := opts.Check(u.String()); err != nil {
					return "", err
				}
			}
			html, err := load(ctx, u.String())
			if err != nil {
				return "", err
			}
			return extract(html, u, maxChars), nil
		},
	}
}

func extract(html string, u *url.URL, maxChars int) string {
	title := ""
	text := ""
	if article, err := readability.FromReader(strings.NewReader(html), u); err == nil {
		title = strings.TrimSpace(article.Title)
		text = strings.TrimSpace(article.TextContent)
	}
	if text == "" {
		text = helpers.PlainText(html)
	}
	text = strings.Join(strings.Fields(text), " ")
	text = helpers.Truncate(text, maxChars)
	if title == "" {
		return text
	}
	return "Title: " + helpers.PlainText(title) + "\n\n" + text
}

func httpHTML(client *http.Client) HTMLLoader {
	return func(ctx context.Context, target string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", "LinsightAgent/1.0")
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

func browserHTML(ctx context.Context, target string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("LinsightAgent/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", errors.Join(fmt.Errorf("render %s", target), err)
	}
	return html, nil
}
