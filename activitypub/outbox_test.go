package activitypub

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAudience(t *testing.T) {
	env := newTestEnv(t)
	c := env.engine.Composer
	actor := env.conf.ActorURL("alice")
	followers := env.conf.FollowersURL("alice")
	bob := "https://example.com/users/bob"

	tests := []struct {
		visibility string
		to, cc     Audience
	}{
		{domain.VisibilityPublic, Audience{PublicCollection}, Audience{followers, bob}},
		{domain.VisibilityUnlisted, Audience{followers}, Audience{PublicCollection, bob}},
		{domain.VisibilityFollowers, Audience{followers}, Audience{bob}},
		{domain.VisibilityDirect, Audience{bob}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.visibility, func(t *testing.T) {
			// duplicates and the actor itself are dropped
			to, cc := c.ComputeAudience(actor, tt.visibility, []string{bob, actor, bob})
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.cc, cc)
		})
	}
}

func TestComposerUsesEngineClock(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	engine := NewEngine(env.conf, env.store, env.store, Options{
		Logger: util.NewTestLogger(io.Discard),
		Now:    func() time.Time { return fixed },
	})
	t.Cleanup(engine.Close)

	note := &domain.Note{AccountId: env.alice.Id, Message: "clocked", Visibility: domain.VisibilityPublic, CreatedAt: fixed}
	create := engine.Composer.Create(env.alice, note)
	assert.Equal(t, "2024-05-01T10:30:00Z", create.Published)

	follow := &Envelope{ID: "https://example.com/f/1", Type: TypeFollow, Actor: IDRef("https://example.com/users/bob")}
	assert.Equal(t, "2024-05-01T10:30:00Z", engine.Composer.Accept(env.conf.ActorURL("alice"), follow).Published)
}

func TestComposerAcceptEmbedsActivity(t *testing.T) {
	env := newTestEnv(t)
	follow := &Envelope{
		Context: ActivityStreamsContext,
		ID:      "https://example.com/f/1",
		Type:    TypeFollow,
		Actor:   IDRef("https://example.com/users/bob"),
		Object:  IDRef(env.conf.ActorURL("alice")),
	}

	accept := env.engine.Composer.Accept(env.conf.ActorURL("alice"), follow)
	assert.Equal(t, TypeAccept, accept.Type)
	assert.Equal(t, Audience{"https://example.com/users/bob"}, accept.To)
	assert.Contains(t, accept.ID, env.conf.ActivityURL(""))
	require.True(t, accept.Object.IsInline())

	var inner Envelope
	require.NoError(t, accept.Object.Decode(&inner))
	assert.Nil(t, inner.Context)
	assert.Equal(t, follow.ID, inner.ID)
	assert.Equal(t, follow.Object.ID(), inner.Object.ID())

	undo := env.engine.Composer.Undo(env.conf.ActorURL("alice"), Envelope{ID: "https://local.test/f/9", Type: TypeFollow, Object: IDRef("https://example.com/users/bob")})
	assert.Equal(t, Audience{"https://example.com/users/bob"}, undo.To)
	assert.Equal(t, "https://local.test/f/9", undo.Object.ID())
	assert.NotEqual(t, accept.ID, undo.ID)
}

func TestRenderContent(t *testing.T) {
	assert.Equal(t, "<p>a &lt;b&gt;<br>c</p><p>d</p>", renderContent("a <b>\nc\n\nd\n"))
	assert.Equal(t, "", renderContent("   "))
	assert.Equal(t, "one\n\ntwo", htmlToText(renderContent("one\n\ntwo")))
}

// followedBy makes p an accepted follower of alice.
func followedBy(t *testing.T, env *testEnv, p *peer, id string) {
	t.Helper()
	require.Equal(t, http.StatusOK, env.deliver(p, "alice", p.Activity(id, TypeFollow, env.conf.ActorURL("alice"))).Status)
	env.engine.Wait()
	rel, err := env.store.ReadRelationshipByURI(env.ctx, p.URL(id))
	require.NoError(t, err)
	require.True(t, rel.Accepted)
}

func receivedOfType(p *peer, typ ActivityType) []*Envelope {
	var out []*Envelope
	for _, env := range p.Received() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func TestPublishDeliversToFollowers(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	followedBy(t, env, bob, "/f/1")

	note, err := env.engine.Publish(env.ctx, "alice", "hello <world>", PublishOptions{})
	require.NoError(t, err)
	assert.True(t, note.Local)
	assert.Equal(t, domain.VisibilityPublic, note.Visibility)
	env.settle()

	creates := receivedOfType(bob, TypeCreate)
	require.Len(t, creates, 1)
	create := creates[0]
	assert.Equal(t, env.conf.ActorURL("alice"), create.Actor.ID())
	assert.True(t, create.To.Contains(PublicCollection))
	assert.True(t, create.Cc.Contains(env.conf.FollowersURL("alice")))

	var n Note
	require.NoError(t, create.Object.Decode(&n))
	assert.Equal(t, env.conf.NoteURL(note.Id.String()), n.ID)
	assert.Equal(t, "<p>hello &lt;world&gt;</p>", n.Content)
	assert.Equal(t, env.conf.ActorURL("alice"), n.AttributedTo.ID())

	pending, err := env.store.CountDeliveries(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	_, err = env.engine.Publish(env.ctx, "alice", "  ", PublishOptions{})
	assert.Error(t, err)
}

func TestPublishDirectSkipsFollowers(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	carol := newPeer(t, "carol")
	followedBy(t, env, carol, "/f/1")

	note, err := env.engine.Publish(env.ctx, "alice", "psst", PublishOptions{
		Visibility: domain.VisibilityDirect,
		Mentions:   []string{bob.Handle(), "nobody@" + bob.Host()},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ActorURL()}, note.Mentions)
	env.settle()

	creates := receivedOfType(bob, TypeCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, Audience{bob.ActorURL()}, creates[0].To)
	assert.Empty(t, creates[0].Cc)
	assert.Empty(t, receivedOfType(carol, TypeCreate))
}

func TestReplyReachesParentAuthor(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	require.Equal(t, http.StatusOK, env.deliver(bob, "", bob.Activity("/c/1", TypeCreate, bob.Note("/notes/1", "<p>question?</p>"))).Status)

	reply, err := env.engine.Publish(env.ctx, "alice", "answer", PublishOptions{InReplyTo: bob.URL("/notes/1")})
	require.NoError(t, err)
	env.settle()

	creates := receivedOfType(bob, TypeCreate)
	require.Len(t, creates, 1)
	var n Note
	require.NoError(t, creates[0].Object.Decode(&n))
	assert.Equal(t, bob.URL("/notes/1"), n.InReplyTo.ID())

	replies, err := env.store.CountReplies(env.ctx, bob.URL("/notes/1"))
	require.NoError(t, err)
	assert.Equal(t, 1, replies)
	assert.Equal(t, bob.URL("/notes/1"), reply.InReplyToURI)
}

func TestEditAndRetract(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	followedBy(t, env, bob, "/f/1")

	note, err := env.engine.Publish(env.ctx, "alice", "draft", PublishOptions{})
	require.NoError(t, err)
	edited, err := env.engine.Edit(env.ctx, "alice", note.Id, "final")
	require.NoError(t, err)
	require.NotNil(t, edited.EditedAt)
	env.settle()

	updates := receivedOfType(bob, TypeUpdate)
	require.Len(t, updates, 1)
	var n Note
	require.NoError(t, updates[0].Object.Decode(&n))
	assert.Equal(t, "<p>final</p>", n.Content)
	assert.NotEmpty(t, n.Updated)

	require.NoError(t, env.engine.Retract(env.ctx, "alice", note.Id))
	env.settle()
	deletes := receivedOfType(bob, TypeDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, TypeTombstone, deletes[0].Object.Type())
	assert.Equal(t, env.conf.NoteURL(note.Id.String()), deletes[0].Object.ID())

	stored, err := env.store.ReadNoteById(env.ctx, note.Id)
	require.NoError(t, err)
	assert.True(t, stored.Tombstoned())

	// a deleted note can neither be edited nor deleted again
	_, err = env.engine.Edit(env.ctx, "alice", note.Id, "again")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, env.engine.Retract(env.ctx, "alice", note.Id), domain.ErrNotFound)

	// nor by somebody else
	other, err := env.engine.Publish(env.ctx, "alice", "mine", PublishOptions{})
	require.NoError(t, err)
	env.createLocal("mallory", 3)
	assert.ErrorIs(t, env.engine.Retract(env.ctx, "mallory", other.Id), domain.ErrNotFound)
}

func TestReactToRemoteNote(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	carol := newPeer(t, "carol")
	followedBy(t, env, carol, "/f/1")
	bob.Serve("/notes/1", bob.Note("/notes/1", "<p>like me</p>"))

	require.NoError(t, env.engine.React(env.ctx, "alice", domain.AnnotationLike, bob.URL("/notes/1")))
	require.NoError(t, env.engine.React(env.ctx, "alice", domain.AnnotationAnnounce, bob.URL("/notes/1")))
	env.settle()

	likes := receivedOfType(bob, TypeLike)
	require.Len(t, likes, 1)
	assert.Equal(t, bob.URL("/notes/1"), likes[0].Object.ID())
	assert.Len(t, receivedOfType(bob, TypeAnnounce), 1)

	// the boost reaches alice's followers, the like does not
	assert.Len(t, receivedOfType(carol, TypeAnnounce), 1)
	assert.Empty(t, receivedOfType(carol, TypeLike))

	_, err := env.store.ReadNoteByObjectURI(env.ctx, bob.URL("/notes/1"))
	assert.NoError(t, err)
	assert.Equal(t, 1, bob.Hits("/notes/1"))
}

func TestImportOutbox(t *testing.T) {
	env := newTestEnv(t)
	bob := newPeer(t, "bob")
	create := bob.Activity("/c/1", TypeCreate, bob.Note("/notes/1", "<p>one</p>"))
	delete(create, "@context")
	bob.Serve("/notes/2", bob.Note("/notes/2", "<p>two</p>"))
	bob.Serve("/users/bob/outbox", map[string]any{
		"id":         bob.URL("/users/bob/outbox"),
		"type":       "OrderedCollection",
		"totalItems": 4,
		"first": map[string]any{
			"type": "OrderedCollectionPage",
			"orderedItems": []any{
				create,
				bob.URL("/notes/2"),
				bob.Activity("/boost/1", TypeAnnounce, "https://elsewhere.example/n/1"),
				bob.URL("/notes/gone"),
			},
		},
	})

	n, err := env.engine.ImportOutbox(env.ctx, bob.Handle(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, remote, err := env.store.CountNotes(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remote)

	// running it again stores nothing new
	n, err = env.engine.ImportOutbox(env.ctx, bob.ActorURL(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, remote, err = env.store.CountNotes(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remote)

	_, err = env.engine.ImportOutbox(env.ctx, "nobody@"+bob.Host(), 0)
	assert.ErrorIs(t, err, ErrPermanentPeer)
}
