package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// Composer builds outbound activities of local actors.
type Composer struct {
	conf  *util.AppConfig
	newID func() string
	now   func() time.Time
}

func NewComposer(conf *util.AppConfig, now func() time.Time) *Composer {
	return &Composer{
		conf:  conf,
		newID: uuid.NewString,
		now:   now,
	}
}

func (c *Composer) activityID() string {
	return c.conf.ActivityURL(c.newID())
}

func (c *Composer) published() string {
	return c.now().UTC().Format(time.RFC3339)
}

func embed(v any) ObjectRef {
	ref, err := InlineRef(v)
	if err != nil {
		panic(fmt.Sprintf("activitypub: cannot embed %T: %v", v, err))
	}
	return ref
}

// ComputeAudience addresses an object of actorURL with the given visibility.
// Public objects go to the public collection and cc followers; unlisted ones
// swap the two; followers-only drops the public collection; direct objects
// only reach the recipients.
func (c *Composer) ComputeAudience(actorURL, visibility string, recipients []string) (to, cc Audience) {
	username := c.conf.LocalUsername(actorURL)
	followers := c.conf.FollowersURL(username)
	add := func(list Audience, uris ...string) Audience {
		for _, uri := range uris {
			if uri == "" || uri == actorURL || to.Contains(uri) || cc.Contains(uri) || list.Contains(uri) {
				continue
			}
			list = append(list, uri)
		}
		return list
	}

	switch visibility {
	case domain.VisibilityUnlisted:
		to = add(to, followers)
		cc = add(cc, PublicCollection)
		cc = add(cc, recipients...)
	case domain.VisibilityFollowers:
		to = add(to, followers)
		cc = add(cc, recipients...)
	case domain.VisibilityDirect:
		to = add(to, recipients...)
	default:
		to = add(to, PublicCollection)
		cc = add(cc, followers)
		cc = add(cc, recipients...)
	}
	return to, cc
}

// NoteDocument renders a local note as a Note object.
func (c *Composer) NoteDocument(acc *domain.Account, note *domain.Note) *Note {
	actorURL := c.conf.ActorURL(acc.Username)
	noteURL := c.conf.NoteURL(note.Id.String())
	to, cc := c.ComputeAudience(actorURL, note.Visibility, note.Mentions)

	n := &Note{
		ID:           noteURL,
		Type:         TypeNote,
		AttributedTo: IDRef(actorURL),
		Content:      note.Content,
		Summary:      note.ContentWarning,
		Sensitive:    note.Sensitive,
		Published:    note.CreatedAt.UTC().Format(time.RFC3339),
		URL:          noteURL,
		To:           to,
		Cc:           cc,
		Replies:      c.conf.RepliesURL(note.Id.String()),
	}
	if n.Content == "" {
		n.Content = renderContent(note.Message)
	}
	if note.InReplyToURI != "" {
		n.InReplyTo = IDRef(note.InReplyToURI)
	}
	if note.EditedAt != nil {
		n.Updated = note.EditedAt.UTC().Format(time.RFC3339)
	}
	for _, m := range note.Mentions {
		n.Tag = append(n.Tag, Tag{Type: TypeMention, Href: m})
	}
	for _, a := range note.Attachments {
		n.Attachment = append(n.Attachment, Attachment{
			Type:      "Document",
			MediaType: a.MediaType,
			URL:       IDRef(a.URL),
			Name:      a.Name,
			Width:     a.Width,
			Height:    a.Height,
		})
	}
	return n
}

func (c *Composer) wrap(t ActivityType, actorURL string, object ObjectRef, to, cc Audience) *Envelope {
	return &Envelope{
		Context:   ActivityStreamsContext,
		ID:        c.activityID(),
		Type:      t,
		Actor:     IDRef(actorURL),
		Object:    object,
		To:        to,
		Cc:        cc,
		Published: c.published(),
	}
}

func (c *Composer) Create(acc *domain.Account, note *domain.Note) *Envelope {
	n := c.NoteDocument(acc, note)
	return c.wrap(TypeCreate, c.conf.ActorURL(acc.Username), embed(n), n.To, n.Cc)
}

func (c *Composer) Update(acc *domain.Account, note *domain.Note) *Envelope {
	n := c.NoteDocument(acc, note)
	return c.wrap(TypeUpdate, c.conf.ActorURL(acc.Username), embed(n), n.To, n.Cc)
}

// Delete replaces a note by a Tombstone, addressed like the note was.
func (c *Composer) Delete(acc *domain.Account, note *domain.Note) *Envelope {
	actorURL := c.conf.ActorURL(acc.Username)
	to, cc := c.ComputeAudience(actorURL, note.Visibility, note.Mentions)
	tombstone := struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}{ID: c.conf.NoteURL(note.Id.String()), Type: TypeTombstone}
	return c.wrap(TypeDelete, actorURL, embed(tombstone), to, cc)
}

func (c *Composer) Announce(actorURL, objectURL, ownerURL string) *Envelope {
	username := c.conf.LocalUsername(actorURL)
	cc := Audience{c.conf.FollowersURL(username)}
	if ownerURL != "" {
		cc = append(cc, ownerURL)
	}
	return c.wrap(TypeAnnounce, actorURL, IDRef(objectURL), Audience{PublicCollection}, cc)
}

func (c *Composer) Like(actorURL, objectURL, ownerURL string) *Envelope {
	var to Audience
	if ownerURL != "" {
		to = Audience{ownerURL}
	}
	return c.wrap(TypeLike, actorURL, IDRef(objectURL), to, nil)
}

func (c *Composer) Follow(actorURL, targetURL string) *Envelope {
	return c.wrap(TypeFollow, actorURL, IDRef(targetURL), Audience{targetURL}, nil)
}

func (c *Composer) Block(actorURL, targetURL string) *Envelope {
	return c.wrap(TypeBlock, actorURL, IDRef(targetURL), Audience{targetURL}, nil)
}

// Undo retracts an earlier activity of actorURL, embedding it.
func (c *Composer) Undo(actorURL string, inner Envelope) *Envelope {
	to := inner.To
	if len(to) == 0 && inner.Object.ID() != "" {
		to = Audience{inner.Object.ID()}
	}
	return c.wrap(TypeUndo, actorURL, embed(inner.Embedded()), to, inner.Cc)
}

// Accept acknowledges inner, which is embedded in full so the peer can match
// it against its own record.
func (c *Composer) Accept(actorURL string, inner *Envelope) *Envelope {
	return c.wrap(TypeAccept, actorURL, embed(inner.Embedded()), Audience{inner.Actor.ID()}, nil)
}

// renderContent turns a plain text message into note HTML.
func renderContent(message string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(message), "\n\n") {
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, l := range lines {
			lines[i] = html.EscapeString(l)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// PublishOptions carries the optional parts of a new note.
type PublishOptions struct {
	Visibility     string
	InReplyTo      string
	Mentions       []string
	Sensitive      bool
	ContentWarning string
}

// Publish stores a new note of a local user and delivers it to its audience.
// Mentions are handles or actor URLs; unresolvable ones are skipped.
func (e *Engine) Publish(ctx context.Context, username, message string, opts PublishOptions) (*domain.Note, error) {
	acc, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get local account %s: %w", username, err)
	}
	id, err := e.identityForAccount(ctx, acc)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("message is empty")
	}

	var mentions, inboxes []string
	for _, m := range opts.Mentions {
		a := e.Directory.Resolve(ctx, m, id)
		if a == nil {
			e.logger.Warn("Skipping unresolvable mention", "mention", m)
			continue
		}
		mentions = append(mentions, a.ID)
		if e.conf.LocalUsername(a.ID) == "" {
			inboxes = append(inboxes, a.Inbox)
		}
	}

	visibility := opts.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	note := &domain.Note{
		AccountId:      acc.Id,
		Message:        message,
		Content:        renderContent(message),
		CreatedAt:      e.now().UTC(),
		Visibility:     visibility,
		InReplyToURI:   opts.InReplyTo,
		Local:          true,
		Sensitive:      opts.Sensitive,
		ContentWarning: opts.ContentWarning,
		Mentions:       mentions,
	}
	if err := e.store.CreateNote(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to create note: %w", err)
	}
	note.CreatedBy = acc.Username

	if parent := e.parentInbox(ctx, opts.InReplyTo); parent != "" {
		inboxes = append(inboxes, parent)
	}
	if visibility != domain.VisibilityDirect {
		followers, err := e.store.ReadFollowerInboxes(ctx, acc.Id)
		if err != nil {
			return note, fmt.Errorf("failed to read followers: %w", err)
		}
		inboxes = append(inboxes, followers...)
	}
	if err := e.enqueue(ctx, acc.Id, inboxes, e.Composer.Create(acc, note)); err != nil {
		return note, err
	}
	e.logger.Info("Published note", "account", username, "note", note.Id, "recipients", len(inboxes))
	return note, nil
}

// parentInbox is the inbox of the author of a remote note being replied to.
func (e *Engine) parentInbox(ctx context.Context, inReplyTo string) string {
	if inReplyTo == "" || e.conf.LocalNoteId(inReplyTo) != "" {
		return ""
	}
	parent, err := e.store.ReadNoteByObjectURI(ctx, inReplyTo)
	if err != nil {
		return ""
	}
	owner, err := e.store.ReadRemoteAccountById(ctx, parent.AccountId)
	if err != nil {
		return ""
	}
	return owner.DeliveryInbox()
}

// ownNote loads a live note of the given local account.
func (e *Engine) ownNote(ctx context.Context, acc *domain.Account, noteId uuid.UUID) (*domain.Note, error) {
	note, err := e.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return nil, err
	}
	if note.AccountId != acc.Id || !note.Local || note.Tombstoned() {
		return nil, fmt.Errorf("note %s: %w", noteId, domain.ErrNotFound)
	}
	return note, nil
}

// noteInboxes is the delivery set of an existing local note.
func (e *Engine) noteInboxes(ctx context.Context, acc *domain.Account, note *domain.Note) ([]string, error) {
	var inboxes []string
	for _, m := range note.Mentions {
		if e.conf.LocalUsername(m) != "" {
			continue
		}
		if ra, err := e.store.ReadRemoteAccountByURI(ctx, m); err == nil {
			inboxes = append(inboxes, ra.InboxURI)
		}
	}
	if parent := e.parentInbox(ctx, note.InReplyToURI); parent != "" {
		inboxes = append(inboxes, parent)
	}
	if note.Visibility != domain.VisibilityDirect {
		followers, err := e.store.ReadFollowerInboxes(ctx, acc.Id)
		if err != nil {
			return nil, fmt.Errorf("failed to read followers: %w", err)
		}
		inboxes = append(inboxes, followers...)
	}
	return inboxes, nil
}

// Edit changes the text of a local note and delivers an Update.
func (e *Engine) Edit(ctx context.Context, username string, noteId uuid.UUID, message string) (*domain.Note, error) {
	acc, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to get local account %s: %w", username, err)
	}
	note, err := e.ownNote(ctx, acc, noteId)
	if err != nil {
		return nil, err
	}
	edited := e.now().UTC()
	note.Message = message
	note.Content = renderContent(message)
	note.EditedAt = &edited
	if err := e.store.UpdateNoteContent(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to update note: %w", err)
	}
	inboxes, err := e.noteInboxes(ctx, acc, note)
	if err != nil {
		return note, err
	}
	return note, e.enqueue(ctx, acc.Id, inboxes, e.Composer.Update(acc, note))
}

// Retract deletes a local note and delivers the Delete.
func (e *Engine) Retract(ctx context.Context, username string, noteId uuid.UUID) error {
	acc, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to get local account %s: %w", username, err)
	}
	note, err := e.ownNote(ctx, acc, noteId)
	if err != nil {
		return err
	}
	inboxes, err := e.noteInboxes(ctx, acc, note)
	if err != nil {
		return err
	}
	if err := e.store.TombstoneNote(ctx, note.Id); err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return e.enqueue(ctx, acc.Id, inboxes, e.Composer.Delete(acc, note))
}

// React likes or boosts a note, materializing it first when it is remote.
func (e *Engine) React(ctx context.Context, username string, kind domain.AnnotationKind, objectURL string) error {
	id, err := e.IdentityFor(ctx, username)
	if err != nil {
		return err
	}
	note, err := e.Materializer.Materialize(ctx, IDRef(objectURL), id)
	if err != nil {
		return err
	}

	var ownerURL, ownerInbox string
	if note.Local {
		acc, err := e.store.ReadAccById(ctx, note.AccountId)
		if err != nil {
			return err
		}
		ownerURL = e.conf.ActorURL(acc.Username)
	} else {
		owner, err := e.store.ReadRemoteAccountById(ctx, note.AccountId)
		if err != nil {
			return fmt.Errorf("failed to read note owner: %w", err)
		}
		ownerURL, ownerInbox = owner.ActorURI, owner.DeliveryInbox()
	}

	var env *Envelope
	inboxes := []string{ownerInbox}
	switch kind {
	case domain.AnnotationAnnounce:
		env = e.Composer.Announce(id.ActorURI, objectURL, ownerURL)
		followers, err := e.store.ReadFollowerInboxes(ctx, id.AccountId)
		if err != nil {
			return fmt.Errorf("failed to read followers: %w", err)
		}
		inboxes = append(inboxes, followers...)
	default:
		env = e.Composer.Like(id.ActorURI, objectURL, ownerURL)
	}
	return e.enqueue(ctx, id.AccountId, inboxes, env)
}

// ImportOutbox materializes the notes found in the outbox of a remote actor.
// It returns the number of notes stored.
func (e *Engine) ImportOutbox(ctx context.Context, identifier string, limit int) (int, error) {
	system := e.SystemIdentity(ctx)
	a := e.Directory.Resolve(ctx, identifier, system)
	if a == nil {
		return 0, fmt.Errorf("%w: could not resolve %s", ErrPermanentPeer, identifier)
	}
	if a.Outbox == "" {
		return 0, fmt.Errorf("%w: %s has no outbox", ErrUnsupportedPayload, identifier)
	}
	if _, err := e.ImportActor(ctx, a); err != nil {
		return 0, err
	}

	stored := 0
	_, err := e.Crawler.IterateURL(ctx, a.Outbox, limit, 0, system, func(item ObjectRef) bool {
		ref := item
		if ActivityType(item.Type()) == TypeCreate {
			var env Envelope
			if err := item.Decode(&env); err != nil {
				return true
			}
			ref = env.Object
		} else if item.IsInline() && !IsNoteType(item.Type()) {
			return true
		}
		if _, err := e.Materializer.Materialize(ctx, ref, system); err != nil {
			e.logger.Debug("skipping outbox item", "item", item.ID(), "err", err)
			return true
		}
		stored++
		return true
	})
	if err != nil {
		return stored, err
	}
	e.logger.Info("Imported outbox", "actor", a.ID, "notes", stored)
	return stored, nil
}

// enqueue records an outbound activity and queues it once per distinct inbox.
func (e *Engine) enqueue(ctx context.Context, accountId uuid.UUID, inboxes []string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	e.logOutbound(ctx, env, body)

	seen := map[string]struct{}{}
	queued := 0
	for _, inbox := range inboxes {
		if inbox == "" {
			continue
		}
		if _, ok := seen[inbox]; ok {
			continue
		}
		seen[inbox] = struct{}{}
		item := &domain.DeliveryQueueItem{
			AccountId:    accountId,
			InboxURI:     inbox,
			ActivityJSON: string(body),
			NextRetryAt:  e.now().UTC(),
			CreatedAt:    e.now().UTC(),
		}
		if err := e.store.EnqueueDelivery(ctx, item); err != nil {
			return fmt.Errorf("failed to queue delivery to %s: %w", inbox, err)
		}
		queued++
	}
	if queued > 0 {
		e.tasks.Submit("delivery", func(ctx context.Context) {
			e.ProcessDeliveryQueue(ctx)
		})
	}
	return nil
}

func (e *Engine) logOutbound(ctx context.Context, env *Envelope, body []byte) {
	record := &domain.Activity{
		ActivityURI:  env.ID,
		ActivityType: string(env.Type),
		ActorURI:     env.Actor.ID(),
		ObjectURI:    env.Object.ID(),
		RawJSON:      string(body),
		Processed:    true,
		Local:        true,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.CreateActivity(ctx, record); err != nil {
		e.logger.Warn("Failed to record outbound activity", "id", env.ID, "err", err)
	}
}
