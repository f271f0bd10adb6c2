package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
)

// Crawler walks remote collections. Peers split items unpredictably across
// items, orderedItems, first and last, so every one of them is visited.
type Crawler struct {
	client           *Client
	defaultItemLimit int
	defaultPageLimit int
	logger           *log.Logger
}

func NewCrawler(client *Client, itemLimit, pageLimit int, logger *log.Logger) *Crawler {
	if itemLimit <= 0 {
		itemLimit = 100
	}
	if pageLimit <= 0 {
		pageLimit = 5
	}
	return &Crawler{
		client:           client,
		defaultItemLimit: itemLimit,
		defaultPageLimit: pageLimit,
		logger:           logger,
	}
}

type crawl struct {
	c         *Crawler
	ctx       context.Context
	as        *Identity
	itemLimit int
	onItem    func(ObjectRef) bool
	seenIds   map[string]struct{}
	visited   map[string]struct{}
	yielded   int
	stopped   bool
}

// Iterate yields the items of coll in document order: the embedded items,
// then the pages reachable from first (at most pageLimit of them, following
// next), then the last page. Structured items are deduplicated by id; bare
// identifiers are always passed through. The crawl stops as soon as onItem
// returns false or itemLimit items have been yielded. Limits <= 0 use the
// crawler defaults. It returns the number of yielded items.
func (c *Crawler) Iterate(ctx context.Context, coll *Collection, itemLimit, pageLimit int, as *Identity, onItem func(ObjectRef) bool) int {
	if itemLimit <= 0 {
		itemLimit = c.defaultItemLimit
	}
	if pageLimit <= 0 {
		pageLimit = c.defaultPageLimit
	}
	cr := &crawl{
		c:         c,
		ctx:       ctx,
		as:        as,
		itemLimit: itemLimit,
		onItem:    onItem,
		seenIds:   map[string]struct{}{},
		visited:   map[string]struct{}{},
	}

	if coll.ID != "" {
		cr.visited[coll.ID] = struct{}{}
	}
	cr.emit(coll.OrderedItems)
	cr.emit(coll.Items)

	// A page handed in directly has no first, only next.
	start := coll.First
	if start.IsZero() {
		start = coll.Next
	}
	pages := 0
	for page := start; !page.IsZero() && pages < pageLimit && !cr.stopped; pages++ {
		p := cr.resolvePage(page)
		if p == nil {
			break
		}
		cr.emit(p.OrderedItems)
		cr.emit(p.Items)
		page = p.Next
	}

	if !coll.Last.IsZero() && !cr.stopped {
		if p := cr.resolvePage(coll.Last); p != nil {
			cr.emit(p.OrderedItems)
			cr.emit(p.Items)
		}
	}
	return cr.yielded
}

// IterateURL fetches the collection at url and iterates it.
func (c *Crawler) IterateURL(ctx context.Context, url string, itemLimit, pageLimit int, as *Identity, onItem func(ObjectRef) bool) (int, error) {
	coll, err := c.fetch(ctx, url, as)
	if err != nil {
		return 0, err
	}
	return c.Iterate(ctx, coll, itemLimit, pageLimit, as, onItem), nil
}

func (c *Crawler) fetch(ctx context.Context, url string, as *Identity) (*Collection, error) {
	body, err := c.client.Get(ctx, url, as)
	if err != nil {
		return nil, err
	}
	var coll Collection
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, fmt.Errorf("%w: malformed collection %s: %v", ErrPermanentPeer, url, err)
	}
	return &coll, nil
}

// resolvePage returns the page document behind ref, or nil when it was
// already visited in this crawl or cannot be loaded.
func (cr *crawl) resolvePage(ref ObjectRef) *Collection {
	if cr.ctx.Err() != nil {
		cr.stopped = true
		return nil
	}
	id := ref.ID()
	if id != "" {
		if _, ok := cr.visited[id]; ok {
			cr.c.logger.Debug("page already visited", "url", id)
			return nil
		}
		cr.visited[id] = struct{}{}
	}

	if ref.IsInline() {
		var page Collection
		if err := ref.Decode(&page); err != nil {
			cr.c.logger.Warn("malformed inline page", "id", id, "err", err)
			return nil
		}
		return &page
	}

	page, err := cr.c.fetch(cr.ctx, id, cr.as)
	if err != nil {
		cr.c.logger.Warn("collection page fetch failed", "url", id, "err", err)
		return nil
	}
	return page
}

func (cr *crawl) emit(items []ObjectRef) {
	for _, item := range items {
		if cr.stopped {
			return
		}
		if item.IsZero() {
			continue
		}
		if item.IsInline() && item.ID() != "" {
			if _, ok := cr.seenIds[item.ID()]; ok {
				continue
			}
			cr.seenIds[item.ID()] = struct{}{}
		}
		cr.yielded++
		if !cr.onItem(item) || cr.yielded >= cr.itemLimit {
			cr.stopped = true
		}
	}
}
