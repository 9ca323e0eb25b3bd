package crawler

import (
	"fmt"

	"keyscout/internal"
)

type URLFilter interface {
	Filter(link string) bool
}

// InDomainFilter keeps http(s) links whose host is exactly the seed host.
// Subdomains and other ports count as different hosts.
type InDomainFilter struct {
	Host string
}

func NewInDomainFilter(startURL string) (*InDomainFilter, error) {
	normalized, err := internal.NormalizeURL(startURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}
	return &InDomainFilter{Host: internal.Host(normalized)}, nil
}

func (filter InDomainFilter) Filter(link string) bool {
	normalized, err := internal.NormalizeURL(link)
	if err != nil {
		return false
	}
	return internal.Host(normalized) == filter.Host
}
