package models

import (
	"errors"
	"time"
)

var (
	// ErrInput marks a crawl request rejected before any work started.
	ErrInput = errors.New("invalid crawl input")

	// ErrPageFetch marks a single page that could not be rendered.
	ErrPageFetch = errors.New("page fetch failed")
)

// PageData is one rendered page.
type PageData struct {
	URL           string
	Title         string
	HTML          string
	TextContent   string
	LoadTime      time.Duration
	OutboundLinks []string
}

// MatchRecord is one keyword occurrence found on a page.
type MatchRecord struct {
	RunID     string    `json:"run_id,omitempty"`
	URL       string    `json:"url"`
	Keyword   string    `json:"keyword"`
	Match     string    `json:"match"`
	Context   string    `json:"context"`
	Timestamp time.Time `json:"timestamp"`
}

// CrawlStatus is a progress snapshot handed to collaborators that poll a run.
type CrawlStatus struct {
	RunID      string    `json:"run_id"`
	SeedURL    string    `json:"seed_url"`
	Keyword    string    `json:"keyword"`
	State      string    `json:"state"`
	Visited    int       `json:"visited"`
	Discovered int       `json:"discovered"`
	Results    int       `json:"results"`
	Failed     int       `json:"failed"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	UpdatedAt  time.Time `json:"updated_at"`
}
