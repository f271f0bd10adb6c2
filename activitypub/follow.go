package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// handleFollow records an inbound Follow as pending and schedules the Accept.
// The relationship only becomes accepted once the Accept was delivered.
func (e *Engine) handleFollow(ctx context.Context, env *Envelope, follower *Actor) error {
	target := env.Object.ID()
	username := e.conf.LocalUsername(target)
	if username == "" {
		return fmt.Errorf("%w: follow target %s is not local", ErrUnsupportedPayload, target)
	}
	local, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to get local account %s: %w", username, err)
	}
	remote, err := e.ImportActor(ctx, follower)
	if err != nil {
		return err
	}

	back, err := e.store.ReadRelationship(ctx, local.Id, remote.Id)
	switch {
	case err == nil && back.Kind == domain.RelationshipBlock:
		return fmt.Errorf("%w: %s is blocked by %s", ErrUnsupportedPayload, remote.Handle(), username)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("failed to read relationship: %w", err)
	}

	// An earlier edge of the same pair, a block included, is replaced.
	rel := &domain.Relationship{
		AccountId:       remote.Id,
		TargetAccountId: local.Id,
		Kind:            domain.RelationshipFollow,
		URI:             env.ID,
		CreatedAt:       e.now().UTC(),
	}
	prev, err := e.store.CreateRelationship(ctx, rel)
	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	if prev != nil {
		e.logger.Info("Inbox: replaced existing relationship", "kind", prev.Kind, "uri", prev.URI, "reason", ErrLocalStateConflict)
	}
	e.logger.Info("Inbox: follow request", "follower", remote.Handle(), "target", username)

	accept := e.Composer.Accept(e.conf.ActorURL(username), env)
	relId := rel.Id
	e.scheduleAccept(username, follower.Inbox, accept, func(ctx context.Context) {
		if err := e.store.AcceptRelationship(ctx, relId); err != nil {
			e.logger.Debug("follow gone before it was accepted", "relationship", relId, "err", err)
		}
	})
	return nil
}

// handleUndoFollow removes the follow an Undo refers to and acknowledges it.
// When no such follow exists nothing is sent.
func (e *Engine) handleUndoFollow(ctx context.Context, undo *Envelope, actor *Actor) error {
	remote, err := e.store.ReadRemoteAccountByURI(ctx, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Debug("Inbox: undo from unknown actor", "actor", actor.ID)
		return nil
	}
	if err != nil {
		return err
	}

	rel, err := e.findFollow(ctx, undo.Object, actor, remote)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Debug("Inbox: nothing to undo", "object", undo.Object.ID())
		return nil
	}
	if err != nil {
		return err
	}
	if rel.AccountId != remote.Id {
		return fmt.Errorf("%w: %s does not own follow %s", ErrAuthentication, actor.ID, rel.URI)
	}
	if rel.Kind != domain.RelationshipFollow {
		return fmt.Errorf("%w: undo of %s relationship", ErrUnsupportedPayload, rel.Kind)
	}

	local, err := e.store.ReadAccById(ctx, rel.TargetAccountId)
	if err != nil {
		return fmt.Errorf("failed to get followed account: %w", err)
	}
	if err := e.store.DeleteRelationship(ctx, rel.Id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	e.logger.Info("Inbox: unfollow", "follower", remote.Handle(), "target", local.Username)

	accept := e.Composer.Accept(e.conf.ActorURL(local.Username), undo)
	e.scheduleAccept(local.Username, actor.Inbox, accept, nil)
	return nil
}

// findFollow locates the inbound follow referenced by object, first by its
// id and then by the follower/target pair of an embedded Follow.
func (e *Engine) findFollow(ctx context.Context, object ObjectRef, actor *Actor, remote *domain.RemoteAccount) (*domain.Relationship, error) {
	if id := object.ID(); id != "" {
		rel, err := e.store.ReadRelationshipByURI(ctx, id)
		if !errors.Is(err, domain.ErrNotFound) {
			return rel, err
		}
	}
	if !object.IsInline() {
		return nil, domain.ErrNotFound
	}
	follow, err := decodeInner(object, actor)
	if err != nil {
		return nil, err
	}
	username := e.conf.LocalUsername(follow.Object.ID())
	if username == "" {
		return nil, domain.ErrNotFound
	}
	local, err := e.store.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return e.store.ReadRelationship(ctx, remote.Id, local.Id)
}

// handleAccept completes an outbound follow once the peer accepted it.
func (e *Engine) handleAccept(ctx context.Context, env *Envelope, actor *Actor) error {
	obj := env.Object
	if obj.IsInline() && ActivityType(obj.Type()) != TypeFollow {
		return fmt.Errorf("%w: accept of %s", ErrUnsupportedPayload, obj.Type())
	}
	remote, err := e.store.ReadRemoteAccountByURI(ctx, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: accept from unknown actor %s", ErrUnsupportedPayload, actor.ID)
	}
	if err != nil {
		return err
	}

	rel, err := e.store.ReadRelationshipByURI(ctx, obj.ID())
	if errors.Is(err, domain.ErrNotFound) && obj.IsInline() {
		var follow Envelope
		if derr := obj.Decode(&follow); derr == nil {
			if username := e.conf.LocalUsername(follow.Actor.ID()); username != "" {
				if local, lerr := e.store.ReadAccByUsername(ctx, username); lerr == nil {
					rel, err = e.store.ReadRelationship(ctx, local.Id, remote.Id)
				}
			}
		}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: accept for unknown follow %s", ErrUnsupportedPayload, obj.ID())
	}
	if err != nil {
		return err
	}
	if !rel.IsLocal || rel.TargetAccountId != remote.Id || rel.Kind != domain.RelationshipFollow {
		return fmt.Errorf("%w: %s cannot accept %s", ErrAuthentication, actor.ID, rel.URI)
	}
	if err := e.store.AcceptRelationship(ctx, rel.Id); err != nil {
		return fmt.Errorf("failed to accept relationship: %w", err)
	}
	e.logger.Info("Inbox: follow accepted", "by", remote.Handle())
	return nil
}

// scheduleAccept sends accept to inbox after the configured delay, so the
// peer has stored its own Follow before our answer arrives. Failures are
// logged and not retried. onSent runs only after a successful delivery.
func (e *Engine) scheduleAccept(username, inbox string, accept *Envelope, onSent func(ctx context.Context)) {
	delay := time.Duration(e.conf.Conf.Federation.AcceptDelayMs) * time.Millisecond
	e.tasks.SubmitAfter("accept", delay, func(ctx context.Context) {
		id, err := e.IdentityFor(ctx, username)
		if err != nil {
			e.logger.Error("Cannot sign Accept", "account", username, "err", err)
			return
		}
		body, err := json.Marshal(accept)
		if err != nil {
			e.logger.Error("Failed to marshal Accept", "err", err)
			return
		}
		if err := e.client.Post(ctx, inbox, body, id); err != nil {
			e.logger.Warn("Accept delivery failed", "inbox", inbox, "err", err)
			return
		}
		e.logOutbound(ctx, accept, body)
		e.logger.Info("Sent Accept", "inbox", inbox, "object", accept.Object.ID())
		if onSent != nil {
			onSent(ctx)
		}
	})
}

// Follow asks target to accept a follow from a local user. Following another
// local account takes effect immediately.
func (e *Engine) Follow(ctx context.Context, username, target string) (*domain.Relationship, error) {
	id, err := e.IdentityFor(ctx, username)
	if err != nil {
		return nil, err
	}
	a := e.Directory.Resolve(ctx, target, id)
	if a == nil {
		return nil, fmt.Errorf("%w: could not resolve %s", ErrPermanentPeer, target)
	}
	if a.ID == id.ActorURI {
		return nil, fmt.Errorf("%w: cannot follow yourself", ErrLocalStateConflict)
	}

	if localName := e.conf.LocalUsername(a.ID); localName != "" {
		other, err := e.store.ReadAccByUsername(ctx, localName)
		if err != nil {
			return nil, err
		}
		rel := &domain.Relationship{
			AccountId:       id.AccountId,
			TargetAccountId: other.Id,
			Kind:            domain.RelationshipFollow,
			Accepted:        true,
			IsLocal:         true,
			CreatedAt:       e.now().UTC(),
		}
		if _, err := e.store.CreateRelationship(ctx, rel); err != nil {
			return nil, fmt.Errorf("failed to create relationship: %w", err)
		}
		return rel, nil
	}

	remote, err := e.ImportActor(ctx, a)
	if err != nil {
		return nil, err
	}
	follow := e.Composer.Follow(id.ActorURI, a.ID)
	rel := &domain.Relationship{
		AccountId:       id.AccountId,
		TargetAccountId: remote.Id,
		Kind:            domain.RelationshipFollow,
		URI:             follow.ID,
		IsLocal:         true,
		CreatedAt:       e.now().UTC(),
	}
	if _, err := e.store.CreateRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	if err := e.enqueue(ctx, id.AccountId, []string{a.Inbox}, follow); err != nil {
		return nil, err
	}
	e.logger.Info("Follow requested", "account", username, "target", remote.Handle())
	return rel, nil
}

// Unfollow removes a follow of target and tells the peer.
func (e *Engine) Unfollow(ctx context.Context, username, target string) error {
	id, a, rel, err := e.outboundRelationship(ctx, username, target, domain.RelationshipFollow)
	if err != nil {
		return err
	}
	if err := e.store.DeleteRelationship(ctx, rel.Id); err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if e.conf.LocalUsername(a.ID) != "" {
		return nil
	}
	follow := Envelope{ID: rel.URI, Type: TypeFollow, Actor: IDRef(id.ActorURI), Object: IDRef(a.ID)}
	return e.enqueue(ctx, id.AccountId, []string{a.Inbox}, e.Composer.Undo(id.ActorURI, follow))
}

// Block blocks target for a local user. Follows in both directions are
// dropped.
func (e *Engine) Block(ctx context.Context, username, target string) (*domain.Relationship, error) {
	id, err := e.IdentityFor(ctx, username)
	if err != nil {
		return nil, err
	}
	a := e.Directory.Resolve(ctx, target, id)
	if a == nil {
		return nil, fmt.Errorf("%w: could not resolve %s", ErrPermanentPeer, target)
	}
	if e.conf.LocalUsername(a.ID) != "" {
		return nil, fmt.Errorf("%w: local accounts cannot be blocked over federation", ErrUnsupportedPayload)
	}
	remote, err := e.ImportActor(ctx, a)
	if err != nil {
		return nil, err
	}

	block := e.Composer.Block(id.ActorURI, a.ID)
	rel := &domain.Relationship{
		AccountId:       id.AccountId,
		TargetAccountId: remote.Id,
		Kind:            domain.RelationshipBlock,
		URI:             block.ID,
		Accepted:        true,
		IsLocal:         true,
		CreatedAt:       e.now().UTC(),
	}
	if _, err := e.store.CreateRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	if back, err := e.store.ReadRelationship(ctx, remote.Id, id.AccountId); err == nil && back.Kind == domain.RelationshipFollow {
		if err := e.store.DeleteRelationship(ctx, back.Id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to remove follower: %w", err)
		}
	}
	if err := e.enqueue(ctx, id.AccountId, []string{a.Inbox}, block); err != nil {
		return nil, err
	}
	e.logger.Info("Blocked", "account", username, "target", remote.Handle())
	return rel, nil
}

// Unblock lifts a block of target.
func (e *Engine) Unblock(ctx context.Context, username, target string) error {
	id, a, rel, err := e.outboundRelationship(ctx, username, target, domain.RelationshipBlock)
	if err != nil {
		return err
	}
	if err := e.store.DeleteRelationship(ctx, rel.Id); err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	block := Envelope{ID: rel.URI, Type: TypeBlock, Actor: IDRef(id.ActorURI), Object: IDRef(a.ID)}
	return e.enqueue(ctx, id.AccountId, []string{a.Inbox}, e.Composer.Undo(id.ActorURI, block))
}

// outboundRelationship finds the relationship of the given kind from a local
// user to target.
func (e *Engine) outboundRelationship(ctx context.Context, username, target string, kind domain.RelationshipKind) (*Identity, *Actor, *domain.Relationship, error) {
	id, err := e.IdentityFor(ctx, username)
	if err != nil {
		return nil, nil, nil, err
	}
	a := e.Directory.Resolve(ctx, target, id)
	if a == nil {
		return nil, nil, nil, fmt.Errorf("%w: could not resolve %s", ErrPermanentPeer, target)
	}

	var targetId uuid.UUID
	if localName := e.conf.LocalUsername(a.ID); localName != "" {
		other, err := e.store.ReadAccByUsername(ctx, localName)
		if err != nil {
			return nil, nil, nil, err
		}
		targetId = other.Id
	} else {
		remote, err := e.store.ReadRemoteAccountByURI(ctx, a.ID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("no %s relationship with %s: %w", kind, target, err)
		}
		targetId = remote.Id
	}

	rel, err := e.store.ReadRelationship(ctx, id.AccountId, targetId)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("no %s relationship with %s: %w", kind, target, err)
	}
	if rel.Kind != kind {
		return nil, nil, nil, fmt.Errorf("no %s relationship with %s: %w", kind, target, domain.ErrNotFound)
	}
	return id, a, rel, nil
}
