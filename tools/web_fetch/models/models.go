package models

import "time"

// Result is the normalized outcome of fetching one resource. ContentHash is
// a sha256 over the raw bytes so the memory layer can dedupe captures.
type Result struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Byline      string    `json:"byline"`
	Text        string    `json:"text"`
	ContentHash string    `json:"content_hash"`
	Status      int       `json:"status"`
	CapturedAt  time.Time `json:"captured_at"`
	RenderMS    int       `json:"render_ms"`
}
