package chromedp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/forager-labs/forager/tools/web_fetch/models"
)

// Fetch drives a headless browser for targets that need script execution.
// This is the most expensive and most failure-prone fetch path.
type Fetch struct {
	Timeout  time.Duration
	MaxChars int
}

func (f *Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return models.Result{URL: rawURL, Status: 599, CapturedAt: time.Now(), RenderMS: int(time.Since(t0) / time.Millisecond)}, err
	}

	captured := time.Now()
	sum := sha256.Sum256([]byte(html))
	result := models.Result{
		URL:         rawURL,
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      200,
		CapturedAt:  captured,
		RenderMS:    int(time.Since(t0) / time.Millisecond),
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return result, nil
	}
	text := article.TextContent
	if len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}
	result.Title = strings.TrimSpace(article.Title)
	result.Byline = strings.TrimSpace(article.Byline)
	result.Text = strings.TrimSpace(text)
	return result, nil
}

func fetchHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("forager/1.0 (+https://github.com/forager-labs/forager)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
