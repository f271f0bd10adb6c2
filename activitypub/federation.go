package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

// Store is the local store collaborator.
type Store interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
	ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	UpsertRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) (*domain.RemoteAccount, error)
	ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error)
	ReadRemoteAccountById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error)
	DeleteRemoteAccount(ctx context.Context, id uuid.UUID) error

	CreateRelationship(ctx context.Context, rel *domain.Relationship) (*domain.Relationship, error)
	ReadRelationship(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Relationship, error)
	ReadRelationshipByURI(ctx context.Context, uri string) (*domain.Relationship, error)
	DeleteRelationship(ctx context.Context, id uuid.UUID) error
	DeleteRelationshipsByAccount(ctx context.Context, accountId uuid.UUID) (int64, error)
	AcceptRelationship(ctx context.Context, id uuid.UUID) error
	ReadFollowerInboxes(ctx context.Context, accountId uuid.UUID) ([]string, error)

	CreateNote(ctx context.Context, note *domain.Note) error
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	ReadNoteByObjectURI(ctx context.Context, uri string) (*domain.Note, error)
	UpdateNoteContent(ctx context.Context, note *domain.Note) error
	TombstoneNote(ctx context.Context, id uuid.UUID) error
	TombstoneNotesByAccount(ctx context.Context, accountId uuid.UUID) (int64, error)

	CreateAnnotation(ctx context.Context, a *domain.Annotation) error
	DeleteAnnotation(ctx context.Context, uri string, accountId, noteId uuid.UUID, kind domain.AnnotationKind) error

	CreateActivity(ctx context.Context, activity *domain.Activity) error
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	MarkActivityProcessed(ctx context.Context, id uuid.UUID, objectURI string) error

	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error

	CountRemoteAccounts(ctx context.Context) (int, error)
	CountRelationships(ctx context.Context) (map[domain.RelationshipKind]int, error)
	CountNotes(ctx context.Context) (local int, remote int, err error)
	CountActivities(ctx context.Context) (inbound int, outbound int, err error)
	CountDeliveries(ctx context.Context) (int, error)
}

// KeyStore is the key store collaborator.
type KeyStore interface {
	PrivateKeyFor(ctx context.Context, accountId uuid.UUID) (string, error)
}

type Options struct {
	Logger     *log.Logger
	Cache      Cache
	HTTPClient *http.Client
	Now        func() time.Time
}

// Engine wires the federation components together and owns the background
// task pool.
type Engine struct {
	Directory    *Directory
	Crawler      *Crawler
	Materializer *Materializer
	Composer     *Composer

	conf   *util.AppConfig
	store  Store
	keys   KeyStore
	client *Client
	tasks  *Scheduler
	logger *log.Logger
	now    func() time.Time

	inbound    atomic.Int64
	deliveryMu sync.Mutex
	stopWorker context.CancelFunc
}

func NewEngine(conf *util.AppConfig, store Store, keys KeyStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = util.Log()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fed := conf.Conf.Federation

	e := &Engine{
		conf:   conf,
		store:  store,
		keys:   keys,
		logger: logger,
		now:    now,
	}
	e.client = NewClient(opts.HTTPClient, time.Duration(fed.HttpTimeoutSec)*time.Second, now, logger.WithPrefix("http"))
	e.tasks = NewScheduler(fed.Workers, logger.WithPrefix("tasks"))
	e.Directory = NewDirectory(e.client, opts.Cache, conf, e, logger.WithPrefix("directory"))
	e.Crawler = NewCrawler(e.client, fed.CrawlItemLimit, fed.CrawlPageLimit, logger.WithPrefix("crawler"))
	e.Materializer = NewMaterializer(store, e.Directory, e.client, conf, logger.WithPrefix("materializer"))
	e.Composer = NewComposer(conf, now)
	return e
}

// Wait blocks until all background tasks submitted so far have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Close stops the delivery worker and cancels pending background tasks.
func (e *Engine) Close() {
	if e.stopWorker != nil {
		e.stopWorker()
	}
	e.tasks.Close()
}

// InboundCount is the number of inbound requests seen by HandleInbound.
func (e *Engine) InboundCount() int64 {
	return e.inbound.Load()
}

// LocalActor builds the actor document of a local account.
func (e *Engine) LocalActor(ctx context.Context, username string) (*Actor, error) {
	acc, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return LocalActorDocument(e.conf, acc), nil
}

// LocalActorDocument renders acc as an actor document.
func LocalActorDocument(conf *util.AppConfig, acc *domain.Account) *Actor {
	actorURL := conf.ActorURL(acc.Username)
	actorType := TypePerson
	if acc.Username == conf.Conf.Federation.SystemUser {
		actorType = TypeApplication
	}
	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}
	a := &Actor{
		Context:           []any{ActivityStreamsContext, SecurityContext},
		ID:                actorURL,
		Type:              actorType,
		PreferredUsername: acc.Username,
		Name:              name,
		Summary:           acc.Summary,
		URL:               actorURL,
		Inbox:             conf.InboxURL(acc.Username),
		Outbox:            conf.OutboxURL(acc.Username),
		Followers:         conf.FollowersURL(acc.Username),
		Following:         conf.FollowingURL(acc.Username),
		Endpoints:         &Endpoints{SharedInbox: conf.SharedInboxURL()},
		PublicKey: PublicKey{
			ID:           conf.KeyID(acc.Username),
			Owner:        actorURL,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
	if !acc.CreatedAt.IsZero() {
		a.Published = acc.CreatedAt.UTC().Format(time.RFC3339)
	}
	if acc.AvatarURL != "" {
		a.Icon = &Image{Type: "Image", URL: acc.AvatarURL}
	}
	if acc.BannerURL != "" {
		a.Image = &Image{Type: "Image", URL: acc.BannerURL}
	}
	return a
}

// IdentityFor loads the signing identity of a local user.
func (e *Engine) IdentityFor(ctx context.Context, username string) (*Identity, error) {
	acc, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get local account %s: %w", username, err)
	}
	return e.identityForAccount(ctx, acc)
}

func (e *Engine) identityForAccount(ctx context.Context, acc *domain.Account) (*Identity, error) {
	pemKey, err := e.keys.PrivateKeyFor(ctx, acc.Id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, acc.Username)
		}
		return nil, fmt.Errorf("failed to load key of %s: %w", acc.Username, err)
	}
	key, err := ParsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPrivateKey, acc.Username, err)
	}
	return &Identity{
		AccountId:  acc.Id,
		Username:   acc.Username,
		ActorURI:   e.conf.ActorURL(acc.Username),
		KeyID:      e.conf.KeyID(acc.Username),
		PrivateKey: key,
	}, nil
}

// SystemIdentity signs fetches that no local user asked for. Without a
// system account those fetches go out unsigned.
func (e *Engine) SystemIdentity(ctx context.Context) *Identity {
	id, err := e.IdentityFor(ctx, e.conf.Conf.Federation.SystemUser)
	if err != nil {
		e.logger.Debug("no system identity, fetching unsigned", "err", err)
		return nil
	}
	return id
}

// ImportActor stores (or refreshes) the foreign account record of a.
func (e *Engine) ImportActor(ctx context.Context, a *Actor) (*domain.RemoteAccount, error) {
	ra, err := e.store.UpsertRemoteAccount(ctx, RemoteAccountFromActor(a))
	if err != nil {
		return nil, fmt.Errorf("failed to import actor %s: %w", a.ID, err)
	}
	return ra, nil
}

// Stats is a snapshot for operational visibility.
type Stats struct {
	InboundRequests    int64 `json:"inboundRequests"`
	RemoteAccounts     int   `json:"remoteAccounts"`
	Follows            int   `json:"follows"`
	Blocks             int   `json:"blocks"`
	LocalNotes         int   `json:"localNotes"`
	RemoteNotes        int   `json:"remoteNotes"`
	InboundActivities  int   `json:"inboundActivities"`
	OutboundActivities int   `json:"outboundActivities"`
	PendingDeliveries  int   `json:"pendingDeliveries"`
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{InboundRequests: e.InboundCount()}
	var err error
	if s.RemoteAccounts, err = e.store.CountRemoteAccounts(ctx); err != nil {
		return nil, fmt.Errorf("failed to count remote accounts: %w", err)
	}
	rels, err := e.store.CountRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count relationships: %w", err)
	}
	s.Follows = rels[domain.RelationshipFollow]
	s.Blocks = rels[domain.RelationshipBlock]
	if s.LocalNotes, s.RemoteNotes, err = e.store.CountNotes(ctx); err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}
	if s.InboundActivities, s.OutboundActivities, err = e.store.CountActivities(ctx); err != nil {
		return nil, fmt.Errorf("failed to count activities: %w", err)
	}
	if s.PendingDeliveries, err = e.store.CountDeliveries(ctx); err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return s, nil
}
