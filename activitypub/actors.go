package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

// LocalActors builds actor documents for accounts of this node, so local
// identifiers never cause a network round trip.
type LocalActors interface {
	LocalActor(ctx context.Context, username string) (*Actor, error)
}

// Directory resolves user identifiers to Actor Documents.
type Directory struct {
	client *Client
	cache  Cache
	conf   *util.AppConfig
	local  LocalActors
	logger *log.Logger
}

func NewDirectory(client *Client, cache Cache, conf *util.AppConfig, local LocalActors, logger *log.Logger) *Directory {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Directory{
		client: client,
		cache:  cache,
		conf:   conf,
		local:  local,
		logger: logger,
	}
}

func (d *Directory) Cache() Cache {
	return d.cache
}

// Resolve accepts "name@host" (optionally prefixed with "@" or "acct:"), an
// actor URL, or a bare local username. Remote fetches are signed as the
// given identity. A nil result means the actor is unavailable; the failure
// is remembered and not retried until Refresh.
func (d *Directory) Resolve(ctx context.Context, identifier string, as *Identity) *Actor {
	id := normalizeIdentifier(identifier)
	if id == "" {
		return nil
	}
	if isURL(id) {
		return d.resolveURL(ctx, id, as)
	}
	name, host := splitHandle(id)
	if host == "" || strings.EqualFold(host, d.conf.Conf.SslDomain) {
		return d.resolveLocal(ctx, name)
	}
	return d.resolveHandle(ctx, name+"@"+strings.ToLower(host), as)
}

func (d *Directory) resolveLocal(ctx context.Context, username string) *Actor {
	if d.local == nil || username == "" {
		return nil
	}
	a, err := d.local.LocalActor(ctx, username)
	if err != nil {
		d.logger.Debug("local actor not found", "username", username, "err", err)
		return nil
	}
	return a
}

func (d *Directory) resolveURL(ctx context.Context, actorURL string, as *Identity) *Actor {
	if username := d.conf.LocalUsername(actorURL); username != "" {
		return d.resolveLocal(ctx, username)
	}
	if a, ok := d.cache.Actor(actorURL); ok {
		return a
	}
	if d.cache.Failed(actorURL) {
		d.logger.Debug("actor marked as unavailable", "url", actorURL)
		return nil
	}

	a, err := d.FetchActor(ctx, actorURL, as)
	if err != nil {
		d.logger.Warn("actor fetch failed", "url", actorURL, "err", err)
		d.cache.MarkFailed(actorURL)
		return nil
	}
	d.cache.PutActor(a, []string{actorURL})
	return a
}

func (d *Directory) resolveHandle(ctx context.Context, handle string, as *Identity) *Actor {
	if a, ok := d.cache.ActorByName(handle); ok {
		return a
	}
	if d.cache.Failed(handle) {
		d.logger.Debug("handle marked as unavailable", "handle", handle)
		return nil
	}

	actorURL, err := d.Discover(ctx, handle)
	if err != nil {
		d.logger.Warn("webfinger lookup failed", "handle", handle, "err", err)
		d.cache.MarkFailed(handle)
		return nil
	}
	a := d.resolveURL(ctx, actorURL, as)
	if a == nil {
		d.cache.MarkFailed(handle)
		return nil
	}
	d.cache.PutActor(a, nil, handle)
	return a
}

// Discover maps "name@host" to an actor URL via webfinger.
func (d *Directory) Discover(ctx context.Context, handle string) (string, error) {
	if actorURL, ok := d.cache.ActorURL(handle); ok {
		return actorURL, nil
	}
	_, host := splitHandle(handle)
	if host == "" {
		return "", fmt.Errorf("%w: invalid handle %q", ErrPermanentPeer, handle)
	}

	scheme := "https"
	if d.conf.Conf.Federation.Insecure {
		scheme = "http"
	}
	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", scheme, host, url.QueryEscape("acct:"+handle))
	body, err := d.client.GetJRD(ctx, wfURL)
	if err != nil {
		return "", err
	}

	var jrd WebFinger
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", fmt.Errorf("%w: malformed webfinger document: %v", ErrPermanentPeer, err)
	}
	href := jrd.SelfHref()
	if href == "" {
		return "", fmt.Errorf("%w: webfinger for %s has no self link", ErrPermanentPeer, handle)
	}
	d.cache.PutWebFinger(handle, &jrd)
	return href, nil
}

// FetchActor fetches and validates an actor document without touching the
// cache.
func (d *Directory) FetchActor(ctx context.Context, actorURL string, as *Identity) (*Actor, error) {
	body, err := d.client.Get(ctx, actorURL, as)
	if err != nil {
		return nil, err
	}
	var a Actor
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: malformed actor document: %v", ErrPermanentPeer, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Refresh re-fetches an actor, bypassing and then replacing the cached copy.
func (d *Directory) Refresh(ctx context.Context, actorURL string, as *Identity) *Actor {
	d.cache.Forget(actorURL)
	return d.resolveURL(ctx, actorURL, as)
}

// RemoteAccountFromActor maps an actor document onto the store record.
func RemoteAccountFromActor(a *Actor) *domain.RemoteAccount {
	return &domain.RemoteAccount{
		Username:       a.PreferredUsername,
		Domain:         hostOf(a.ID),
		ActorURI:       a.ID,
		DisplayName:    a.Name,
		Summary:        a.Summary,
		InboxURI:       a.Inbox,
		SharedInboxURI: a.SharedInbox(),
		OutboxURI:      a.Outbox,
		FollowersURI:   a.Followers,
		FollowingURI:   a.Following,
		PublicKeyPem:   a.PublicKey.PublicKeyPem,
		AvatarURL:      a.IconURL(),
		BannerURL:      a.BannerURL(),
		LastFetchedAt:  time.Now().UTC(),
	}
}

func normalizeIdentifier(identifier string) string {
	id := strings.TrimSpace(identifier)
	id = strings.TrimPrefix(id, "acct:")
	return strings.TrimPrefix(id, "@")
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// splitHandle splits "name@host"; host is "" for a bare name.
func splitHandle(handle string) (name, host string) {
	i := strings.LastIndexByte(handle, '@')
	if i < 0 {
		return handle, ""
	}
	return handle[:i], handle[i+1:]
}
