package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// Materializer turns remote Note objects into local note records. An object
// id is stored at most once.
type Materializer struct {
	store     Store
	directory *Directory
	client    *Client
	conf      *util.AppConfig
	logger    *log.Logger
}

func NewMaterializer(store Store, directory *Directory, client *Client, conf *util.AppConfig, logger *log.Logger) *Materializer {
	return &Materializer{
		store:     store,
		directory: directory,
		client:    client,
		conf:      conf,
		logger:    logger,
	}
}

// Materialize returns the local record of the object behind ref, creating it
// from the inline copy or a fetch when it is not known yet. Only Note and
// Article objects are accepted.
func (m *Materializer) Materialize(ctx context.Context, ref ObjectRef, as *Identity) (*domain.Note, error) {
	id := ref.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: object without id", ErrUnsupportedPayload)
	}
	if nodeId := m.conf.LocalNoteId(id); nodeId != "" {
		return m.localNote(ctx, nodeId)
	}
	if existing, err := m.existing(ctx, id); existing != nil || err != nil {
		return existing, err
	}

	n, err := m.Load(ctx, ref, as)
	if err != nil {
		return nil, err
	}
	if ref.IsInline() && hostOf(n.ID) != hostOf(n.AttributedTo.ID()) {
		// An embedded copy only speaks for its author's host.
		if n, err = m.Load(ctx, IDRef(id), as); err != nil {
			return nil, err
		}
	}
	if !IsNoteType(n.Type) {
		return nil, fmt.Errorf("%w: object type %s", ErrUnsupportedPayload, n.Type)
	}
	if n.ID != id {
		// The peer redirected us to the canonical id.
		if existing, err := m.existing(ctx, n.ID); existing != nil || err != nil {
			return existing, err
		}
	}

	authorURL := n.AttributedTo.ID()
	if authorURL == "" {
		return nil, fmt.Errorf("%w: note %s has no author", ErrUnsupportedPayload, n.ID)
	}
	if m.conf.LocalUsername(authorURL) != "" {
		return nil, fmt.Errorf("%w: remote copy of local note %s", ErrUnsupportedPayload, n.ID)
	}
	author, err := m.author(ctx, authorURL, as)
	if err != nil {
		return nil, err
	}

	note := m.noteFromDocument(n, author)
	if err := m.store.CreateNote(ctx, note); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return m.store.ReadNoteByObjectURI(ctx, n.ID)
		}
		return nil, fmt.Errorf("failed to store note %s: %w", n.ID, err)
	}
	m.logger.Debug("materialized note", "object", n.ID, "author", author.Handle())
	note.CreatedBy = author.Handle()
	return note, nil
}

func (m *Materializer) existing(ctx context.Context, objectURI string) (*domain.Note, error) {
	note, err := m.store.ReadNoteByObjectURI(ctx, objectURI)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up note %s: %w", objectURI, err)
	}
	return note, nil
}

func (m *Materializer) localNote(ctx context.Context, nodeId string) (*domain.Note, error) {
	id, err := uuid.Parse(nodeId)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid local note id %q", ErrUnsupportedPayload, nodeId)
	}
	return m.store.ReadNoteById(ctx, id)
}

// author returns the stored account of a note's author, importing it first
// when it is not known.
func (m *Materializer) author(ctx context.Context, actorURL string, as *Identity) (*domain.RemoteAccount, error) {
	ra, err := m.store.ReadRemoteAccountByURI(ctx, actorURL)
	if err == nil {
		return ra, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	a := m.directory.Resolve(ctx, actorURL, as)
	if a == nil {
		return nil, fmt.Errorf("%w: author %s unavailable", ErrPermanentPeer, actorURL)
	}
	ra, err = m.store.UpsertRemoteAccount(ctx, RemoteAccountFromActor(a))
	if err != nil {
		return nil, fmt.Errorf("failed to import author %s: %w", actorURL, err)
	}
	return ra, nil
}

// Load decodes the inline object of ref, or fetches it when ref is a bare id.
func (m *Materializer) Load(ctx context.Context, ref ObjectRef, as *Identity) (*Note, error) {
	var n Note
	if ref.IsInline() {
		if err := ref.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: malformed object: %v", ErrUnsupportedPayload, err)
		}
	} else {
		body, err := m.client.Get(ctx, ref.ID(), as)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("%w: malformed object %s: %v", ErrPermanentPeer, ref.ID(), err)
		}
	}
	if n.ID == "" {
		n.ID = ref.ID()
	}
	return &n, nil
}

func (m *Materializer) noteFromDocument(n *Note, author *domain.RemoteAccount) *domain.Note {
	note := &domain.Note{
		AccountId:      author.Id,
		Message:        htmlToText(n.Content),
		Content:        n.Content,
		CreatedAt:      parseTime(n.Published, time.Now()),
		Visibility:     visibilityOf(n.To, n.Cc, author.FollowersURI),
		InReplyToURI:   n.InReplyTo.ID(),
		ObjectURI:      n.ID,
		Sensitive:      n.Sensitive,
		ContentWarning: n.Summary,
	}
	if n.Updated != "" {
		edited := parseTime(n.Updated, note.CreatedAt)
		note.EditedAt = &edited
	}
	for _, a := range n.Attachment {
		url := a.URL.ID()
		if url == "" {
			continue
		}
		note.Attachments = append(note.Attachments, domain.Attachment{
			MediaType: a.MediaType,
			URL:       url,
			Name:      a.Name,
			Width:     a.Width,
			Height:    a.Height,
		})
	}
	for _, t := range n.Tag {
		if t.Type == TypeMention && t.Href != "" {
			note.Mentions = append(note.Mentions, t.Href)
		}
	}
	return note
}

// visibilityOf derives a visibility level from the addressing of an object.
func visibilityOf(to, cc Audience, followersURL string) string {
	switch {
	case to.Contains(PublicCollection):
		return domain.VisibilityPublic
	case cc.Contains(PublicCollection):
		return domain.VisibilityUnlisted
	case len(to) == 0 && len(cc) == 0:
		return domain.VisibilityPublic
	case followersURL != "" && (to.Contains(followersURL) || cc.Contains(followersURL)):
		return domain.VisibilityFollowers
	default:
		return domain.VisibilityDirect
	}
}

// htmlToText flattens note HTML into plain text. Paragraphs become blank
// lines and <br> a newline.
func htmlToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "br":
				b.WriteByte('\n')
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "p":
				b.WriteString("\n\n")
			case "script", "style":
				if skip > 0 {
					skip--
				}
			}
		}
	}
}
