package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
)

func TestActorEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.get("/ap/u/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.ContentTypeActivity) {
		t.Errorf("Expected activity content type, got '%s'", w.Header().Get("Content-Type"))
	}
	actor := decode(t, w)
	if actor["id"] != "https://local.test/ap/u/alice" || actor["type"] != "Person" {
		t.Errorf("Unexpected actor id/type: %v / %v", actor["id"], actor["type"])
	}
	if actor["inbox"] != "https://local.test/ap/inbox/alice" {
		t.Errorf("Unexpected inbox %v", actor["inbox"])
	}
	key, _ := actor["publicKey"].(map[string]any)
	if key["id"] != ts.conf.KeyID("alice") || key["publicKeyPem"] != ts.alice.WebPublicKey {
		t.Errorf("Unexpected public key %v", key)
	}

	if w := ts.get("/ap/u/nobody"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", w.Code)
	}
}

func TestNoteEndpoint(t *testing.T) {
	ts := newTestServer(t)
	public, err := ts.engine.Publish(ts.ctx, "alice", "hello world", activitypub.PublishOptions{})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	direct, err := ts.engine.Publish(ts.ctx, "alice", "psst", activitypub.PublishOptions{Visibility: domain.VisibilityDirect})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	w := ts.get("/ap/n/" + public.Id.String())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	note := decode(t, w)
	if note["type"] != "Note" || note["id"] != ts.conf.NoteURL(public.Id.String()) {
		t.Errorf("Unexpected note %v", note)
	}
	if note["@context"] != activitypub.ActivityStreamsContext {
		t.Errorf("Expected a standalone document with @context, got %v", note["@context"])
	}
	if note["attributedTo"] != ts.conf.ActorURL("alice") {
		t.Errorf("Unexpected author %v", note["attributedTo"])
	}

	if w := ts.get("/ap/n/" + direct.Id.String()); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a direct note, got %d", w.Code)
	}
	if w := ts.get("/ap/n/garbage"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an invalid id, got %d", w.Code)
	}

	if err := ts.engine.Retract(ts.ctx, "alice", public.Id); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	w = ts.get("/ap/n/" + public.Id.String())
	if w.Code != http.StatusGone {
		t.Fatalf("Expected 410 after retraction, got %d", w.Code)
	}
	tomb := decode(t, w)
	if tomb["type"] != "Tombstone" || tomb["id"] != ts.conf.NoteURL(public.Id.String()) {
		t.Errorf("Unexpected tombstone %v", tomb)
	}
	if tomb["deleted"] == nil {
		t.Error("Tombstone should carry the deletion time")
	}
}

func TestFollowersCollection(t *testing.T) {
	ts := newTestServer(t)
	for i := range itemsPerPage + 1 {
		ts.remoteFollower(fmt.Sprintf("user%02d", i))
	}
	followersURL := ts.conf.FollowersURL("alice")

	summary := decode(t, ts.get("/ap/followers/alice"))
	if summary["totalItems"] != float64(itemsPerPage+1) {
		t.Errorf("Expected %d followers, got %v", itemsPerPage+1, summary["totalItems"])
	}
	if summary["first"] != followersURL+"?page=true" {
		t.Errorf("Unexpected first link %v", summary["first"])
	}

	page := decode(t, ts.get("/ap/followers/alice?page=true"))
	items, _ := page["orderedItems"].([]any)
	if len(items) != itemsPerPage {
		t.Fatalf("Expected %d items, got %d", itemsPerPage, len(items))
	}
	if items[0] != "https://remote.example/users/user00" {
		t.Errorf("Expected followers in follow order, got %v", items[0])
	}
	next, _ := page["next"].(string)
	if !strings.HasPrefix(next, followersURL+"?page=true&min_id=") {
		t.Fatalf("Unexpected next link %q", next)
	}

	rest := decode(t, ts.get(strings.TrimPrefix(next, "https://local.test")))
	restItems, _ := rest["orderedItems"].([]any)
	if len(restItems) != 1 || restItems[0] != "https://remote.example/users/user20" {
		t.Errorf("Expected the last follower on the second page, got %v", restItems)
	}
	if _, ok := rest["next"]; ok {
		t.Error("Last page must not have a next link")
	}

	if w := ts.get("/ap/followers/nobody"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", w.Code)
	}
}

func TestFollowingCollection(t *testing.T) {
	ts := newTestServer(t)
	ra, err := ts.store.UpsertRemoteAccount(ts.ctx, &domain.RemoteAccount{
		Username: "carol",
		Domain:   "remote.example",
		ActorURI: "https://remote.example/users/carol",
		InboxURI: "https://remote.example/users/carol/inbox",
	})
	if err != nil {
		t.Fatalf("Failed to store remote account: %v", err)
	}
	rel := &domain.Relationship{
		AccountId:       ts.alice.Id,
		TargetAccountId: ra.Id,
		Kind:            domain.RelationshipFollow,
		URI:             "https://local.test/follows/1",
		CreatedAt:       time.Now(),
	}
	if _, err := ts.store.CreateRelationship(ts.ctx, rel); err != nil {
		t.Fatalf("Failed to create relationship: %v", err)
	}

	// pending follows are not listed
	if summary := decode(t, ts.get("/ap/following/alice")); summary["totalItems"] != float64(0) {
		t.Errorf("Expected no accepted follows, got %v", summary["totalItems"])
	}

	if err := ts.store.AcceptRelationship(ts.ctx, rel.Id); err != nil {
		t.Fatalf("Failed to accept relationship: %v", err)
	}
	page := decode(t, ts.get("/ap/following/alice?page=true"))
	items, _ := page["orderedItems"].([]any)
	if len(items) != 1 || items[0] != ra.ActorURI {
		t.Errorf("Expected carol, got %v", items)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.remoteFollower("dave")
	if _, err := ts.engine.Publish(ts.ctx, "alice", "counted", activitypub.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	w := ts.get("/api/federation/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stats activitypub.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.RemoteAccounts != 1 || stats.Follows != 1 || stats.LocalNotes != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.OutboundActivities != 1 {
		t.Errorf("Expected the Create to be recorded, got %d outbound", stats.OutboundActivities)
	}
}

func TestInboxRejections(t *testing.T) {
	ts := newTestServer(t)
	follow := []byte(`{"@context":"https://www.w3.org/ns/activitystreams","id":"https://remote.example/f/1","type":"Follow","actor":"https://remote.example/users/eve","object":"https://local.test/ap/u/alice"}`)

	tests := []struct {
		name   string
		target string
		body   []byte
		status int
	}{
		{"not an activity", "/ap/inbox/alice", []byte("garbage"), http.StatusBadRequest},
		{"unsigned", "/ap/inbox/alice", follow, http.StatusUnauthorized},
		{"unsigned shared inbox", "/ap/inbox", follow, http.StatusUnauthorized},
		{"unknown user", "/ap/inbox/nobody", follow, http.StatusNotFound},
		{"oversized body", "/ap/inbox/alice", bytes.Repeat([]byte("x"), maxActivityBytes+1), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{"Content-Type": {activitypub.ContentTypeActivity}}
			w := ts.do(http.MethodPost, tt.target, tt.body, header)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d (%s)", tt.status, w.Code, w.Body.String())
			}
			if body := decode(t, w); body["error"] == nil {
				t.Errorf("Expected an error body, got %v", body)
			}
		})
	}
}

func TestInboxSignedFollow(t *testing.T) {
	ts := newTestServer(t)
	peer := newRemotePeer(t)

	body, _ := json.Marshal(map[string]any{
		"@context": activitypub.ActivityStreamsContext,
		"id":       peer.actorURL() + "/follows/1",
		"type":     "Follow",
		"actor":    peer.actorURL(),
		"object":   ts.conf.ActorURL("alice"),
	})
	header := peer.signedPost(t, "https://local.test/ap/inbox/alice", body, time.Now())

	w := ts.do(http.MethodPost, "/ap/inbox/alice", body, header)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (%s)", w.Code, w.Body.String())
	}
	ts.engine.Wait()

	if peer.receivedCount() != 1 {
		t.Fatalf("Expected one Accept at the peer, got %d", peer.receivedCount())
	}
	var accept map[string]any
	peer.mu.Lock()
	err := json.Unmarshal(peer.received[0], &accept)
	peer.mu.Unlock()
	if err != nil || accept["type"] != "Accept" {
		t.Errorf("Expected an Accept, got %v (%v)", accept, err)
	}

	n, err := ts.store.CountFollowers(ts.ctx, ts.alice.Id)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 accepted follower, got %d (%v)", n, err)
	}

	// replay
	w = ts.do(http.MethodPost, "/ap/inbox/alice", body, header)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on replay, got %d", w.Code)
	}
	if got := decode(t, w); got["status"] != "Already processed" {
		t.Errorf("Expected duplicate to be skipped, got %v", got)
	}
}

func TestFederationDisabled(t *testing.T) {
	ts := newTestServer(t)
	ts.conf.Conf.WithAp = false
	ts.router = NewServer(ts.conf, ts.engine, ts.store, nil).Handler()

	for _, path := range []string{"/ap/u/alice", "/ap/outbox/alice", "/ap/followers/alice"} {
		if w := ts.get(path); w.Code != http.StatusNotFound {
			t.Errorf("Expected %s to be disabled, got %d", path, w.Code)
		}
	}
	if w := ts.do(http.MethodPost, "/ap/inbox/alice", []byte("{}"), nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected the inbox to be disabled, got %d", w.Code)
	}
	if w := ts.get("/.well-known/webfinger?resource=acct:alice@local.test"); w.Code != http.StatusOK {
		t.Errorf("Expected webfinger to stay available, got %d", w.Code)
	}
}
