package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount is the local record of a foreign actor, imported on demand.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	FollowingURI   string
	PublicKeyPem   string
	AvatarURL      string
	BannerURL      string
	LastFetchedAt  time.Time
}

// Handle returns "username@domain".
func (ra *RemoteAccount) Handle() string {
	return ra.Username + "@" + ra.Domain
}

// DeliveryInbox prefers the shared inbox of the account's server.
func (ra *RemoteAccount) DeliveryInbox() string {
	if ra.SharedInboxURI != "" {
		return ra.SharedInboxURI
	}
	return ra.InboxURI
}

type RelationshipKind string

const (
	RelationshipFollow RelationshipKind = "follow"
	RelationshipBlock  RelationshipKind = "block"
)

// Relationship is the edge (AccountId -> TargetAccountId). Either side can be
// a local Account or a RemoteAccount. There is at most one relationship per
// pair, so a follow and a block never coexist.
type Relationship struct {
	Id              uuid.UUID
	Seq             int64 // insertion order, used as the paging cursor
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	Kind            RelationshipKind
	URI             string // ActivityPub activity URI (empty for local edges)
	Accepted        bool
	IsLocal         bool
	CreatedAt       time.Time
}

type AnnotationKind string

const (
	AnnotationLike     AnnotationKind = "like"
	AnnotationAnnounce AnnotationKind = "announce"
)

// Annotation records a Like or Announce on a local note.
type Annotation struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	Kind      AnnotationKind
	URI       string
	CreatedAt time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID // local account whose key signs the delivery
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
