package structured

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/forager-labs/forager/tools/web_fetch/models"
)

const maxBodyBytes = 4 << 20

// Fetch retrieves a static resource over plain HTTP and extracts readable
// content. No script execution; dynamic targets belong to the chromedp tier.
type Fetch struct {
	Timeout  time.Duration
	MaxChars int
	Client   *http.Client
}

func (f *Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return models.Result{}, err
	}
	req.Header.Set("User-Agent", "forager/1.0 (+https://github.com/forager-labs/forager)")

	resp, err := client.Do(req)
	if err != nil {
		return models.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Result{}, err
	}

	captured := time.Now()
	sum := sha256.Sum256(body)
	result := models.Result{
		URL:         rawURL,
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      resp.StatusCode,
		CapturedAt:  captured,
		RenderMS:    int(time.Since(t0) / time.Millisecond),
	}
	if resp.StatusCode != http.StatusOK {
		return result, nil
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), mustParseURL(rawURL))
	if err != nil {
		// keep the hashable capture even when extraction fails
		result.Text = string(body[:min(len(body), f.MaxChars)])
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

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
