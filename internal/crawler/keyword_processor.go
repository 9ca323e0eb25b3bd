package crawler

import (
	"context"
	"fmt"

	"keyscout/pkg/models"
)

// KeywordProcessor implements engine.Processor: render a page, collect its
// keyword matches and its same-host links.
type KeywordProcessor struct {
	RunID     string
	Renderer  Renderer
	Matcher   *Matcher
	Filter    URLFilter
	DomainMgr *DomainManager
}

func (p *KeywordProcessor) Process(ctx context.Context, url string) ([]models.MatchRecord, []string, error) {
	// 1. Polite wait
	if err := p.DomainMgr.Wait(ctx, url); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", models.ErrPageFetch, url, err)
	}

	// 2. Render
	page, err := p.Renderer.Render(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	// 3. Keyword matches over the text
	records := p.Matcher.FindAll(page.TextContent, url)
	for i := range records {
		records[i].RunID = p.RunID
	}

	// 4. Same-host links only
	links := page.OutboundLinks
	if p.Filter != nil {
		links = make([]string, 0, len(page.OutboundLinks))
		for _, link := range page.OutboundLinks {
			if p.Filter.Filter(link) {
				links = append(links, link)
			}
		}
	}
	return records, links, nil
}
