package web_fetch

import (
	"context"
	"errors"
	"time"

	"github.com/forager-labs/forager/tools/web_fetch/chromedp"
	"github.com/forager-labs/forager/tools/web_fetch/models"
	"github.com/forager-labs/forager/tools/web_fetch/structured"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// WebFetcher retrieves one resource and normalizes it into a Result.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	// StructuredFetcherType does a plain HTTP GET and readability pass;
	// suitable for known-shape, static resources.
	StructuredFetcherType FetcherType = "structured"
	// ChromedpFetcherType drives a headless browser for dynamic targets.
	ChromedpFetcherType FetcherType = "chromedp"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch fetcherType {
	case StructuredFetcherType:
		return &structured.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
