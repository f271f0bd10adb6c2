package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"

	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ContentTypeJRD      = "application/jrd+json"
)

// ActivityType is the "type" tag of an Activity Envelope.
type ActivityType string

const (
	TypeCreate   ActivityType = "Create"
	TypeUpdate   ActivityType = "Update"
	TypeDelete   ActivityType = "Delete"
	TypeFollow   ActivityType = "Follow"
	TypeUndo     ActivityType = "Undo"
	TypeAccept   ActivityType = "Accept"
	TypeAnnounce ActivityType = "Announce"
	TypeLike     ActivityType = "Like"
	TypeBlock    ActivityType = "Block"
)

// Object types
const (
	TypeNote                  = "Note"
	TypeArticle               = "Article"
	TypeTombstone             = "Tombstone"
	TypePerson                = "Person"
	TypeService               = "Service"
	TypeApplication           = "Application"
	TypeGroup                 = "Group"
	TypeOrganization          = "Organization"
	TypeCollection            = "Collection"
	TypeOrderedCollection     = "OrderedCollection"
	TypeCollectionPage        = "CollectionPage"
	TypeOrderedCollectionPage = "OrderedCollectionPage"
	TypeMention               = "Mention"
)

// IsActorType reports whether t names one of the actor object types.
func IsActorType(t string) bool {
	switch t {
	case TypePerson, TypeService, TypeApplication, TypeGroup, TypeOrganization:
		return true
	}
	return false
}

// IsNoteType reports whether t is materialized as a note.
func IsNoteType(t string) bool {
	return t == TypeNote || t == TypeArticle
}

var errNotInline = errors.New("object reference is not inline")

// ObjectRef is either a bare identifier or an embedded document. Peers use
// both forms for the same property, so every consumer goes through ID() and
// Decode() rather than inspecting raw JSON.
type ObjectRef struct {
	id     string
	typ    string
	inline json.RawMessage
}

// IDRef references an object by its identifier.
func IDRef(id string) ObjectRef {
	return ObjectRef{id: id}
}

// InlineRef embeds v as a document.
func InlineRef(v any) (ObjectRef, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("failed to marshal inline object: %w", err)
	}
	var ref ObjectRef
	if err := ref.UnmarshalJSON(data); err != nil {
		return ObjectRef{}, err
	}
	return ref, nil
}

// ID returns the identifier of the referenced object, or "" for an inline
// document without one.
func (r ObjectRef) ID() string { return r.id }

// Type returns the "type" of an inline document, or "" for a bare identifier.
func (r ObjectRef) Type() string { return r.typ }

func (r ObjectRef) IsInline() bool { return len(r.inline) > 0 }

func (r ObjectRef) IsZero() bool { return r.id == "" && len(r.inline) == 0 }

// Raw returns the embedded document as received.
func (r ObjectRef) Raw() json.RawMessage { return r.inline }

// Decode unmarshals the embedded document into v.
func (r ObjectRef) Decode(v any) error {
	if !r.IsInline() {
		return errNotInline
	}
	return json.Unmarshal(r.inline, v)
}

func (r ObjectRef) MarshalJSON() ([]byte, error) {
	if r.IsInline() {
		return r.inline, nil
	}
	if r.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.id)
}

type objectHeader struct {
	ID   string          `json:"id"`
	Href string          `json:"href"`
	Type json.RawMessage `json:"type"`
}

func (r *ObjectRef) UnmarshalJSON(data []byte) error {
	*r = ObjectRef{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case 'n':
		return nil
	case '"':
		return json.Unmarshal(data, &r.id)
	case '[':
		// Some peers wrap single references in an array; the first entry wins.
		var items []ObjectRef
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if len(items) > 0 {
			*r = items[0]
		}
		return nil
	case '{':
		var hdr objectHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			return fmt.Errorf("malformed embedded object: %w", err)
		}
		r.id = hdr.ID
		if r.id == "" {
			r.id = hdr.Href
		}
		r.typ = firstType(hdr.Type)
		r.inline = append(json.RawMessage(nil), data...)
		return nil
	}
	return fmt.Errorf("unexpected object reference: %.32s", data)
}

// firstType reads "type" which may be a string or a list of strings.
func firstType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// OneOrMany decodes a property that peers send either as a single value or as
// an array of values.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var list []T
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*o = list
		return nil
	}
	var single T
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*o = OneOrMany[T]{single}
	return nil
}

// Audience is a list of recipient URLs (to, cc).
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	var refs OneOrMany[ObjectRef]
	if err := refs.UnmarshalJSON(data); err != nil {
		return err
	}
	out := make(Audience, 0, len(refs))
	for _, ref := range refs {
		if id := ref.ID(); id != "" {
			out = append(out, id)
		}
	}
	*a = out
	return nil
}

// Contains reports whether the audience addresses uri. The public collection
// also matches its compact forms.
func (a Audience) Contains(uri string) bool {
	for _, v := range a {
		if v == uri {
			return true
		}
		if uri == PublicCollection && (v == "Public" || v == "as:Public") {
			return true
		}
	}
	return false
}

// Envelope is an Activity Envelope.
type Envelope struct {
	Context   any          `json:"@context,omitempty"`
	ID        string       `json:"id,omitempty"`
	Type      ActivityType `json:"type"`
	Actor     ObjectRef    `json:"actor,omitzero"`
	Object    ObjectRef    `json:"object,omitzero"`
	To        Audience     `json:"to,omitempty"`
	Cc        Audience     `json:"cc,omitempty"`
	Published string       `json:"published,omitempty"`
}

// ParseEnvelope decodes a raw inbound payload. A payload without a type or an
// actor is not an activity.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("activity has no type")
	}
	if env.Actor.ID() == "" {
		return nil, errors.New("activity has no actor")
	}
	return &env, nil
}

// Embedded returns the envelope without its @context, for use as the object
// of another activity.
func (e Envelope) Embedded() Envelope {
	e.Context = nil
	return e
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	type plain PublicKey
	var keys OneOrMany[plain]
	if err := keys.UnmarshalJSON(data); err != nil {
		return err
	}
	*k = PublicKey{}
	if len(keys) > 0 {
		*k = PublicKey(keys[0])
	}
	return nil
}

// Image is an icon or header image. Peers send an Image object, a list of
// them, or a bare URL.
type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

func (i *Image) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*i = Image{}
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &i.URL)
	case '[':
		var list []Image
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*i = list[0]
		}
		return nil
	case '{':
		var raw struct {
			Type      string    `json:"type"`
			MediaType string    `json:"mediaType"`
			URL       ObjectRef `json:"url"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*i = Image{Type: raw.Type, MediaType: raw.MediaType, URL: raw.URL.ID()}
		return nil
	}
	return nil
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Actor is an Actor Document.
type Actor struct {
	Context                   any        `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	PreferredUsername         string     `json:"preferredUsername"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	URL                       string     `json:"url,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	PublicKey                 PublicKey  `json:"publicKey"`
	Icon                      *Image     `json:"icon,omitempty"`
	Image                     *Image     `json:"image,omitempty"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
	Published                 string     `json:"published,omitempty"`
}

func (a *Actor) UnmarshalJSON(data []byte) error {
	type plain Actor
	var raw struct {
		plain
		URL ObjectRef `json:"url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Actor(raw.plain)
	a.URL = raw.URL.ID()
	return nil
}

func (a *Actor) SharedInbox() string {
	if a.Endpoints != nil {
		return a.Endpoints.SharedInbox
	}
	return ""
}

func (a *Actor) IconURL() string {
	if a.Icon != nil {
		return a.Icon.URL
	}
	return ""
}

func (a *Actor) BannerURL() string {
	if a.Image != nil {
		return a.Image.URL
	}
	return ""
}

// Handle returns "preferredUsername@host", where host is taken from the
// inbox URL.
func (a *Actor) Handle() string {
	return a.PreferredUsername + "@" + hostOf(a.Inbox)
}

// Validate checks the fields every consumer relies on.
func (a *Actor) Validate() error {
	if a.ID == "" || a.Inbox == "" || a.PublicKey.PublicKeyPem == "" {
		return fmt.Errorf("%w: actor missing required fields", ErrPermanentPeer)
	}
	return nil
}

// Attachment is media metadata on a note.
type Attachment struct {
	Type      string    `json:"type,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	URL       ObjectRef `json:"url,omitzero"`
	Name      string    `json:"name,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
}

// Tag is a mention or hashtag on a note.
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// Note is a Note (or Article) document.
type Note struct {
	Context      any                   `json:"@context,omitempty"`
	ID           string                `json:"id"`
	Type         string                `json:"type"`
	AttributedTo ObjectRef             `json:"attributedTo,omitzero"`
	Content      string                `json:"content"`
	Summary      string                `json:"summary,omitempty"`
	Sensitive    bool                  `json:"sensitive,omitempty"`
	InReplyTo    ObjectRef             `json:"inReplyTo,omitzero"`
	Published    string                `json:"published,omitempty"`
	Updated      string                `json:"updated,omitempty"`
	URL          string                `json:"url,omitempty"`
	To           Audience              `json:"to,omitempty"`
	Cc           Audience              `json:"cc,omitempty"`
	Attachment   OneOrMany[Attachment] `json:"attachment,omitempty"`
	Tag          OneOrMany[Tag]        `json:"tag,omitempty"`
	Replies      string                `json:"replies,omitempty"`
}

func (n *Note) UnmarshalJSON(data []byte) error {
	type plain Note
	var raw struct {
		plain
		URL     ObjectRef `json:"url"`
		Replies ObjectRef `json:"replies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Note(raw.plain)
	n.URL = raw.URL.ID()
	n.Replies = raw.Replies.ID()
	return nil
}

// Collection covers Collection, OrderedCollection and their page types.
type Collection struct {
	Context      any                  `json:"@context,omitempty"`
	ID           string               `json:"id,omitempty"`
	Type         string               `json:"type"`
	TotalItems   *int                 `json:"totalItems,omitempty"`
	First        ObjectRef            `json:"first,omitzero"`
	Last         ObjectRef            `json:"last,omitzero"`
	Next         ObjectRef            `json:"next,omitzero"`
	Prev         ObjectRef            `json:"prev,omitzero"`
	PartOf       string               `json:"partOf,omitempty"`
	Items        OneOrMany[ObjectRef] `json:"items,omitempty"`
	OrderedItems OneOrMany[ObjectRef] `json:"orderedItems,omitempty"`
}

// WebFinger is a JRD document.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// SelfHref returns the actor URL advertised by the rel=self link.
func (w *WebFinger) SelfHref() string {
	for _, l := range w.Links {
		if l.Rel != "self" || l.Href == "" {
			continue
		}
		if l.Type == "" || strings.HasPrefix(l.Type, ContentTypeActivity) || strings.HasPrefix(l.Type, "application/ld+json") {
			return l.Href
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// stripFragment turns a key id like "https://a/u/bob#main-key" into the
// actor URL.
func stripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
