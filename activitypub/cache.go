package activitypub

import "sync"

// Cache holds remote lookups for the lifetime of the process. Entries never
// expire; writers race with last-write-wins.
type Cache interface {
	// Actor returns the actor cached under its URL.
	Actor(url string) (*Actor, bool)
	// ActorByName returns the actor cached under a "name@host" handle.
	ActorByName(name string) (*Actor, bool)
	// PutActor caches a under its id, any extra URL aliases, its
	// inbox-derived handle and the given name aliases.
	PutActor(a *Actor, urlAliases []string, names ...string)
	// WebFinger returns a cached discovery result.
	WebFinger(name string) (*WebFinger, bool)
	PutWebFinger(name string, jrd *WebFinger)
	// ActorURL returns the actor URL discovered for a handle.
	ActorURL(name string) (string, bool)
	// Inbox returns the inbox of the actor known under a handle.
	Inbox(name string) (string, bool)
	// MarkFailed records a negative result for a handle or URL.
	MarkFailed(key string)
	Failed(key string) bool
	// Forget drops the actor cached under url and the negative mark on url,
	// so the next resolution goes to the network.
	Forget(url string)
}

// MemoryCache is the process-wide Cache.
type MemoryCache struct {
	actorsByUrl              sync.Map // url -> *Actor
	actorsByUserName         sync.Map // name@host -> *Actor
	webFingerCacheByUserName sync.Map // name@host -> *WebFinger
	webFingerFailsByUserName sync.Map // name@host or url -> struct{}
	actorUrlsByUserName      sync.Map // name@host -> url
	inboxesByUserName        sync.Map // name@host -> inbox url
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Actor(url string) (*Actor, bool) {
	v, ok := c.actorsByUrl.Load(url)
	if !ok {
		return nil, false
	}
	return v.(*Actor), true
}

func (c *MemoryCache) ActorByName(name string) (*Actor, bool) {
	v, ok := c.actorsByUserName.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Actor), true
}

func (c *MemoryCache) PutActor(a *Actor, urlAliases []string, names ...string) {
	c.actorsByUrl.Store(a.ID, a)
	for _, alias := range urlAliases {
		if alias != "" {
			c.actorsByUrl.Store(alias, a)
		}
	}
	for _, name := range append([]string{a.Handle()}, names...) {
		if name == "" {
			continue
		}
		c.actorsByUserName.Store(name, a)
		c.actorUrlsByUserName.Store(name, a.ID)
		c.inboxesByUserName.Store(name, a.Inbox)
	}
}

func (c *MemoryCache) WebFinger(name string) (*WebFinger, bool) {
	v, ok := c.webFingerCacheByUserName.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*WebFinger), true
}

func (c *MemoryCache) PutWebFinger(name string, jrd *WebFinger) {
	c.webFingerCacheByUserName.Store(name, jrd)
	if href := jrd.SelfHref(); href != "" {
		c.actorUrlsByUserName.Store(name, href)
	}
}

func (c *MemoryCache) ActorURL(name string) (string, bool) {
	v, ok := c.actorUrlsByUserName.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *MemoryCache) Inbox(name string) (string, bool) {
	v, ok := c.inboxesByUserName.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *MemoryCache) MarkFailed(key string) {
	c.webFingerFailsByUserName.Store(key, struct{}{})
}

func (c *MemoryCache) Failed(key string) bool {
	_, ok := c.webFingerFailsByUserName.Load(key)
	return ok
}

func (c *MemoryCache) Forget(url string) {
	if v, ok := c.actorsByUrl.LoadAndDelete(url); ok {
		a := v.(*Actor)
		c.actorsByUrl.Delete(a.ID)
		c.actorsByUserName.Delete(a.Handle())
	}
	c.webFingerFailsByUserName.Delete(url)
}
