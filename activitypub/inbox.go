package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// InboundRequest is a POST to an inbox as handed over by the HTTP layer.
type InboundRequest struct {
	Method     string
	RequestURI string
	Host       string
	Header     http.Header
	Body       []byte
	// Username is the inbox owner, "" for the shared inbox.
	Username string
}

// InboundResult is what the HTTP layer answers to the peer.
type InboundResult struct {
	Status int
	Reason string
}

func (in *InboundRequest) httpRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.ParseRequestURI(in.RequestURI)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request uri: %v", ErrAuthentication, err)
	}
	method := in.Method
	if method == "" {
		method = http.MethodPost
	}
	req := &http.Request{
		Method: method,
		URL:    u,
		Host:   in.Host,
		Header: in.Header.Clone(),
	}
	return req.WithContext(ctx), nil
}

// HandleInbound is the single entry point for inbound federation traffic. It
// answers 400 for a payload that is not an activity, 401 when the signature
// cannot be verified, and 200 for everything else, whatever the outcome of
// processing.
func (e *Engine) HandleInbound(ctx context.Context, in *InboundRequest) InboundResult {
	e.inbound.Add(1)

	env, err := ParseEnvelope(in.Body)
	if err != nil {
		e.logger.Warn("Inbox: invalid activity", "err", err)
		return InboundResult{Status: http.StatusBadRequest, Reason: "Invalid activity"}
	}
	logger := e.logger.With("type", env.Type, "actor", env.Actor.ID(), "id", env.ID)

	actor, err := e.authenticate(ctx, in, env)
	if err != nil {
		logger.Warn("Inbox: rejected", "err", err)
		return InboundResult{Status: http.StatusUnauthorized, Reason: "Invalid signature"}
	}
	logger.Info("Inbox: received activity")

	record, done := e.logActivity(ctx, env, in.Body)
	if done {
		logger.Debug("Inbox: activity already processed")
		return InboundResult{Status: http.StatusOK, Reason: "Already processed"}
	}

	err = e.dispatch(ctx, env, actor)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupportedPayload):
		logger.Info("Inbox: dropped", "reason", err)
	default:
		logger.Error("Inbox: processing failed", "err", err)
	}

	if record != nil && (err == nil || errors.Is(err, ErrUnsupportedPayload)) {
		if err := e.store.MarkActivityProcessed(ctx, record.Id, env.Object.ID()); err != nil {
			logger.Warn("Inbox: failed to mark activity processed", "err", err)
		}
	}
	return InboundResult{Status: http.StatusOK, Reason: "OK"}
}

// authenticate verifies the request signature against the key of the
// claimed actor. A failed verification against a cached actor is retried
// once with a fresh copy in case the peer rotated its key.
func (e *Engine) authenticate(ctx context.Context, in *InboundRequest, env *Envelope) (*Actor, error) {
	params, err := ParseSignature(in.Header)
	if err != nil {
		return nil, err
	}
	req, err := in.httpRequest(ctx)
	if err != nil {
		return nil, err
	}

	actorID := env.Actor.ID()
	system := e.SystemIdentity(ctx)
	actor := e.Directory.Resolve(ctx, actorID, system)
	fromStore := false
	if actor == nil {
		// Deleted accounts are gone from their server but still sign their Delete.
		ra, err := e.store.ReadRemoteAccountByURI(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("%w: actor %s unavailable", ErrAuthentication, actorID)
		}
		actor = actorFromRemoteAccount(ra)
		fromStore = true
	}
	if actor.ID != actorID {
		return nil, fmt.Errorf("%w: actor id mismatch %s != %s", ErrAuthentication, actor.ID, actorID)
	}
	if params.KeyID != actor.PublicKey.ID && stripFragment(params.KeyID) != actor.ID {
		return nil, fmt.Errorf("%w: key %s does not belong to %s", ErrAuthentication, params.KeyID, actorID)
	}

	skew := time.Duration(e.conf.Conf.Federation.ClockSkewSec) * time.Second
	err = VerifyRequest(req, in.Body, actor.PublicKey.PublicKeyPem, e.now(), skew)
	if err == nil {
		return actor, nil
	}
	if fromStore || e.conf.LocalUsername(actorID) != "" {
		return nil, err
	}

	fresh := e.Directory.Refresh(ctx, actorID, system)
	if fresh == nil || fresh.PublicKey.PublicKeyPem == actor.PublicKey.PublicKeyPem {
		return nil, err
	}
	if err := VerifyRequest(req, in.Body, fresh.PublicKey.PublicKeyPem, e.now(), skew); err != nil {
		return nil, err
	}
	return fresh, nil
}

func actorFromRemoteAccount(ra *domain.RemoteAccount) *Actor {
	a := &Actor{
		ID:                ra.ActorURI,
		Type:              TypePerson,
		PreferredUsername: ra.Username,
		Name:              ra.DisplayName,
		Inbox:             ra.InboxURI,
		Outbox:            ra.OutboxURI,
		PublicKey:         PublicKey{ID: ra.ActorURI + "#main-key", Owner: ra.ActorURI, PublicKeyPem: ra.PublicKeyPem},
	}
	if ra.SharedInboxURI != "" {
		a.Endpoints = &Endpoints{SharedInbox: ra.SharedInboxURI}
	}
	return a
}

// logActivity records an inbound activity by id. It reports done when the
// same activity was already processed.
func (e *Engine) logActivity(ctx context.Context, env *Envelope, raw []byte) (*domain.Activity, bool) {
	if env.ID == "" {
		return nil, false
	}
	record := &domain.Activity{
		ActivityURI:  env.ID,
		ActivityType: string(env.Type),
		ActorURI:     env.Actor.ID(),
		ObjectURI:    env.Object.ID(),
		RawJSON:      string(raw),
		CreatedAt:    e.now().UTC(),
	}
	err := e.store.CreateActivity(ctx, record)
	if err == nil {
		return record, false
	}
	if errors.Is(err, domain.ErrDuplicate) {
		existing, rerr := e.store.ReadActivityByURI(ctx, env.ID)
		if rerr == nil {
			return existing, existing.Processed
		}
	}
	// Don't fail the request, we'll process it anyway
	e.logger.Warn("Inbox: failed to store activity", "id", env.ID, "err", err)
	return nil, false
}

func (e *Engine) dispatch(ctx context.Context, env *Envelope, actor *Actor) error {
	switch env.Type {
	case TypeFollow:
		return e.handleFollow(ctx, env, actor)
	case TypeUndo:
		return e.handleUndo(ctx, env, actor)
	case TypeAccept:
		return e.handleAccept(ctx, env, actor)
	case TypeCreate:
		return e.handleCreate(ctx, env, actor)
	case TypeUpdate:
		return e.handleUpdate(ctx, env, actor)
	case TypeDelete:
		return e.handleDelete(ctx, env, actor)
	case TypeLike, TypeAnnounce:
		return e.handleAnnotation(ctx, env, actor)
	default:
		return fmt.Errorf("%w: activity type %s", ErrUnsupportedPayload, env.Type)
	}
}

// decodeInner reads an embedded activity and checks that it was performed by
// the same actor as the wrapping one.
func decodeInner(ref ObjectRef, actor *Actor) (*Envelope, error) {
	var inner Envelope
	if err := ref.Decode(&inner); err != nil {
		return nil, fmt.Errorf("%w: malformed embedded activity: %v", ErrUnsupportedPayload, err)
	}
	if id := inner.Actor.ID(); id != "" && id != actor.ID {
		return nil, fmt.Errorf("%w: %s cannot act on an activity of %s", ErrAuthentication, actor.ID, id)
	}
	return &inner, nil
}

func (e *Engine) handleUndo(ctx context.Context, env *Envelope, actor *Actor) error {
	obj := env.Object
	if !obj.IsInline() {
		// Bare id: find out what it referred to.
		if _, err := e.store.ReadRelationshipByURI(ctx, obj.ID()); err == nil {
			return e.handleUndoFollow(ctx, env, actor)
		}
		ra, err := e.store.ReadRemoteAccountByURI(ctx, actor.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: undo from unknown actor %s", ErrUnsupportedPayload, actor.ID)
		}
		if err != nil {
			return err
		}
		err = e.store.DeleteAnnotation(ctx, obj.ID(), ra.Id, uuid.Nil, "")
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: undo of unknown activity %s", ErrUnsupportedPayload, obj.ID())
		}
		return err
	}

	switch ActivityType(obj.Type()) {
	case TypeFollow:
		return e.handleUndoFollow(ctx, env, actor)
	case TypeLike, TypeAnnounce:
		return e.handleUndoAnnotation(ctx, env, actor)
	default:
		return fmt.Errorf("%w: undo of %s", ErrUnsupportedPayload, obj.Type())
	}
}

func (e *Engine) handleCreate(ctx context.Context, env *Envelope, actor *Actor) error {
	obj := env.Object
	if obj.IsInline() && !IsNoteType(obj.Type()) {
		return fmt.Errorf("%w: object type %s", ErrUnsupportedPayload, obj.Type())
	}
	ref := obj
	if obj.IsInline() {
		var n Note
		if err := obj.Decode(&n); err != nil {
			return fmt.Errorf("%w: malformed note: %v", ErrUnsupportedPayload, err)
		}
		if n.AttributedTo.ID() != actor.ID || hostOf(obj.ID()) != hostOf(actor.ID) {
			// Someone else's note, or one claiming an id on another host:
			// trust only the copy served by its origin.
			ref = IDRef(obj.ID())
		}
	}

	note, err := e.Materializer.Materialize(ctx, ref, e.SystemIdentity(ctx))
	if err != nil {
		return err
	}
	e.logger.Info("Inbox: stored note", "object", note.ObjectURI, "from", note.CreatedBy)
	return nil
}

func (e *Engine) handleUpdate(ctx context.Context, env *Envelope, actor *Actor) error {
	obj := env.Object
	if obj.ID() == actor.ID || IsActorType(obj.Type()) {
		if obj.ID() != actor.ID {
			return fmt.Errorf("%w: %s cannot update actor %s", ErrAuthentication, actor.ID, obj.ID())
		}
		return e.refreshActor(ctx, actor.ID)
	}
	if obj.IsInline() && !IsNoteType(obj.Type()) {
		return fmt.Errorf("%w: update of %s", ErrUnsupportedPayload, obj.Type())
	}

	existing, err := e.store.ReadNoteByObjectURI(ctx, obj.ID())
	if errors.Is(err, domain.ErrNotFound) {
		return e.handleCreate(ctx, env, actor)
	}
	if err != nil {
		return err
	}
	if err := e.checkOwner(ctx, existing, actor); err != nil {
		return err
	}
	if existing.Tombstoned() {
		return fmt.Errorf("%w: update of deleted note %s", ErrUnsupportedPayload, obj.ID())
	}

	system := e.SystemIdentity(ctx)
	n, err := e.Materializer.Load(ctx, obj, system)
	if err != nil {
		return err
	}
	existing.Content = n.Content
	existing.Message = htmlToText(n.Content)
	existing.Sensitive = n.Sensitive
	existing.ContentWarning = n.Summary
	editedAt := parseTime(n.Updated, e.now())
	existing.EditedAt = &editedAt
	if err := e.store.UpdateNoteContent(ctx, existing); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	e.logger.Info("Inbox: updated note", "object", existing.ObjectURI)
	return nil
}

// refreshActor re-fetches a known actor and stores the new copy.
func (e *Engine) refreshActor(ctx context.Context, actorURI string) error {
	fresh := e.Directory.Refresh(ctx, actorURI, e.SystemIdentity(ctx))
	if fresh == nil {
		return fmt.Errorf("%w: actor %s unavailable", ErrTransientNetwork, actorURI)
	}
	if _, err := e.store.ReadRemoteAccountByURI(ctx, actorURI); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := e.ImportActor(ctx, fresh)
	return err
}

func (e *Engine) checkOwner(ctx context.Context, note *domain.Note, actor *Actor) error {
	owner, err := e.store.ReadRemoteAccountById(ctx, note.AccountId)
	if err != nil {
		return fmt.Errorf("failed to read owner of %s: %w", note.ObjectURI, err)
	}
	if owner.ActorURI != actor.ID {
		return fmt.Errorf("%w: %s does not own %s", ErrAuthentication, actor.ID, note.ObjectURI)
	}
	return nil
}

func (e *Engine) handleDelete(ctx context.Context, env *Envelope, actor *Actor) error {
	objectID := env.Object.ID()
	if objectID == "" {
		return fmt.Errorf("%w: delete without object id", ErrUnsupportedPayload)
	}
	if objectID == actor.ID {
		return e.deleteActor(ctx, actor.ID)
	}

	note, err := e.store.ReadNoteByObjectURI(ctx, objectID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Debug("Inbox: nothing to delete", "object", objectID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.checkOwner(ctx, note, actor); err != nil {
		return err
	}
	if err := e.store.TombstoneNote(ctx, note.Id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	e.logger.Info("Inbox: deleted note", "object", objectID)
	return nil
}

// deleteActor forgets a remote actor that deleted its account.
func (e *Engine) deleteActor(ctx context.Context, actorURI string) error {
	e.Directory.Cache().Forget(actorURI)
	ra, err := e.store.ReadRemoteAccountByURI(ctx, actorURI)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rels, err := e.store.DeleteRelationshipsByAccount(ctx, ra.Id)
	if err != nil {
		return fmt.Errorf("failed to delete relationships: %w", err)
	}
	notes, err := e.store.TombstoneNotesByAccount(ctx, ra.Id)
	if err != nil {
		return fmt.Errorf("failed to delete notes: %w", err)
	}
	if err := e.store.DeleteRemoteAccount(ctx, ra.Id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete remote account: %w", err)
	}
	e.logger.Info("Inbox: deleted actor", "actor", actorURI, "relationships", rels, "notes", notes)
	return nil
}

// localNoteFor returns the live local note addressed by objectURL.
func (e *Engine) localNoteFor(ctx context.Context, objectURL string) (*domain.Note, error) {
	noteId, err := uuid.Parse(e.conf.LocalNoteId(objectURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a local note", ErrUnsupportedPayload, objectURL)
	}
	note, err := e.store.ReadNoteById(ctx, noteId)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && (!note.Local || note.Tombstoned())) {
		return nil, fmt.Errorf("%w: unknown local note %s", ErrUnsupportedPayload, objectURL)
	}
	return note, err
}

func annotationKind(t ActivityType) domain.AnnotationKind {
	if t == TypeAnnounce {
		return domain.AnnotationAnnounce
	}
	return domain.AnnotationLike
}

func (e *Engine) handleAnnotation(ctx context.Context, env *Envelope, actor *Actor) error {
	note, err := e.localNoteFor(ctx, env.Object.ID())
	if err != nil {
		return err
	}
	ra, err := e.ImportActor(ctx, actor)
	if err != nil {
		return err
	}
	annotation := &domain.Annotation{
		AccountId: ra.Id,
		NoteId:    note.Id,
		Kind:      annotationKind(env.Type),
		URI:       env.ID,
	}
	if err := e.store.CreateAnnotation(ctx, annotation); err != nil {
		return fmt.Errorf("failed to store %s: %w", env.Type, err)
	}
	e.logger.Info("Inbox: recorded annotation", "kind", annotation.Kind, "note", note.Id, "from", ra.Handle())
	return nil
}

func (e *Engine) handleUndoAnnotation(ctx context.Context, env *Envelope, actor *Actor) error {
	inner, err := decodeInner(env.Object, actor)
	if err != nil {
		return err
	}
	note, err := e.localNoteFor(ctx, inner.Object.ID())
	if err != nil {
		return err
	}
	ra, err := e.store.ReadRemoteAccountByURI(ctx, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = e.store.DeleteAnnotation(ctx, inner.ID, ra.Id, note.Id, annotationKind(inner.Type))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to remove %s: %w", inner.Type, err)
	}
	return nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback.UTC()
}
