package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	VisibilityPublic    = "public"
	VisibilityUnlisted  = "unlisted"
	VisibilityFollowers = "followers"
	VisibilityDirect    = "direct"
)

// Note is a content record. Local notes belong to an Account, materialized
// remote notes to a RemoteAccount and carry the originating ObjectURI.
type Note struct {
	Id             uuid.UUID
	Seq            int64
	AccountId      uuid.UUID
	CreatedBy      string
	Message        string // plain text
	Content        string // HTML as received or rendered
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
	Visibility     string
	InReplyToURI   string
	ObjectURI      string
	Local          bool
	Sensitive      bool
	ContentWarning string
	Attachments    []Attachment
	Mentions       []string // actor URIs addressed directly
}

// Attachment is media metadata copied from a remote object. Binary content is
// never fetched.
type Attachment struct {
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

func (note *Note) Tombstoned() bool {
	return note.DeletedAt != nil
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}
