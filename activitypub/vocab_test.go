package activitypub

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestActorUnmarshal(t *testing.T) {
	jsonData := `{
		"@context": ["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"],
		"id": "https://mastodon.social/users/alice",
		"type": "Person",
		"preferredUsername": "alice",
		"name": "Alice Example",
		"summary": "Just a test user",
		"url": {"type": "Link", "href": "https://mastodon.social/@alice"},
		"inbox": "https://mastodon.social/users/alice/inbox",
		"outbox": "https://mastodon.social/users/alice/outbox",
		"endpoints": {"sharedInbox": "https://mastodon.social/inbox"},
		"icon": [{
			"type": "Image",
			"mediaType": "image/png",
			"url": "https://mastodon.social/avatars/alice.png"
		}],
		"image": "https://mastodon.social/headers/alice.png",
		"publicKey": [{
			"id": "https://mastodon.social/users/alice#main-key",
			"owner": "https://mastodon.social/users/alice",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nMIIBIjANBg...\n-----END PUBLIC KEY-----"
		}]
	}`

	var actor Actor
	if err := json.Unmarshal([]byte(jsonData), &actor); err != nil {
		t.Fatalf("Failed to unmarshal actor: %v", err)
	}

	if actor.ID != "https://mastodon.social/users/alice" {
		t.Errorf("Expected ID 'https://mastodon.social/users/alice', got '%s'", actor.ID)
	}
	if actor.URL != "https://mastodon.social/@alice" {
		t.Errorf("Expected URL from link object, got '%s'", actor.URL)
	}
	if actor.SharedInbox() != "https://mastodon.social/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", actor.SharedInbox())
	}
	if actor.IconURL() != "https://mastodon.social/avatars/alice.png" {
		t.Errorf("Expected icon URL, got '%s'", actor.IconURL())
	}
	if actor.BannerURL() != "https://mastodon.social/headers/alice.png" {
		t.Errorf("Expected banner URL, got '%s'", actor.BannerURL())
	}
	if !strings.Contains(actor.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY") {
		t.Error("PublicKeyPem should contain PEM header")
	}
	if actor.Handle() != "alice@mastodon.social" {
		t.Errorf("Expected handle 'alice@mastodon.social', got '%s'", actor.Handle())
	}
	if err := actor.Validate(); err != nil {
		t.Errorf("Expected valid actor, got %v", err)
	}
}

func TestActorValidate(t *testing.T) {
	tests := []struct {
		name  string
		actor Actor
		valid bool
	}{
		{"complete", Actor{ID: "https://a/u/x", Inbox: "https://a/u/x/inbox", PublicKey: PublicKey{PublicKeyPem: "pem"}}, true},
		{"missing id", Actor{Inbox: "https://a/u/x/inbox", PublicKey: PublicKey{PublicKeyPem: "pem"}}, false},
		{"missing inbox", Actor{ID: "https://a/u/x", PublicKey: PublicKey{PublicKeyPem: "pem"}}, false},
		{"missing key", Actor{ID: "https://a/u/x", Inbox: "https://a/u/x/inbox"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.actor.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestObjectRefForms(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantID   string
		wantType string
		inline   bool
	}{
		{"string", `"https://example.com/notes/1"`, "https://example.com/notes/1", "", false},
		{"object", `{"id":"https://example.com/notes/1","type":"Note"}`, "https://example.com/notes/1", "Note", true},
		{"type list", `{"id":"https://example.com/notes/1","type":["Note","Page"]}`, "https://example.com/notes/1", "Note", true},
		{"link", `{"type":"Link","href":"https://example.com/x"}`, "https://example.com/x", "Link", true},
		{"array", `["https://example.com/a","https://example.com/b"]`, "https://example.com/a", "", false},
		{"null", `null`, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ref ObjectRef
			if err := json.Unmarshal([]byte(tt.json), &ref); err != nil {
				t.Fatalf("Failed to unmarshal: %v", err)
			}
			if ref.ID() != tt.wantID {
				t.Errorf("Expected id '%s', got '%s'", tt.wantID, ref.ID())
			}
			if ref.Type() != tt.wantType {
				t.Errorf("Expected type '%s', got '%s'", tt.wantType, ref.Type())
			}
			if ref.IsInline() != tt.inline {
				t.Errorf("Expected inline=%v", tt.inline)
			}
		})
	}

	var ref ObjectRef
	if err := json.Unmarshal([]byte(`42`), &ref); err == nil {
		t.Error("Expected error for numeric object reference")
	}
}

func TestObjectRefMarshalKeepsInlineDocument(t *testing.T) {
	raw := `{"id":"https://example.com/f/1","type":"Follow","actor":"https://example.com/u/bob","object":"https://local.test/u/alice"}`
	var ref ObjectRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	out, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(out) != raw {
		t.Errorf("Expected inline document to be kept verbatim, got %s", out)
	}

	out, _ = json.Marshal(IDRef("https://example.com/x"))
	if string(out) != `"https://example.com/x"` {
		t.Errorf("Expected bare id, got %s", out)
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://example.com/activities/456",
		"type": "Undo",
		"actor": {"id": "https://example.com/users/alice", "type": "Person"},
		"object": {
			"id": "https://example.com/activities/123",
			"type": "Follow",
			"actor": "https://example.com/users/alice",
			"object": "https://local.test/ap/u/bob"
		},
		"to": "https://local.test/ap/u/bob"
	}`))
	if err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	if env.Type != TypeUndo {
		t.Errorf("Expected Undo, got %s", env.Type)
	}
	if env.Actor.ID() != "https://example.com/users/alice" {
		t.Errorf("Expected actor id from embedded actor, got '%s'", env.Actor.ID())
	}
	if env.Object.Type() != string(TypeFollow) {
		t.Errorf("Expected embedded Follow, got '%s'", env.Object.Type())
	}
	if len(env.To) != 1 || env.To[0] != "https://local.test/ap/u/bob" {
		t.Errorf("Expected single to entry, got %v", env.To)
	}

	var inner Envelope
	if err := env.Object.Decode(&inner); err != nil {
		t.Fatalf("Failed to decode inner activity: %v", err)
	}
	if inner.Object.ID() != "https://local.test/ap/u/bob" {
		t.Errorf("Expected inner object, got '%s'", inner.Object.ID())
	}
}

func TestParseEnvelopeRejectsNonActivities(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"id":"https://example.com/1","actor":"https://example.com/u/a"}`,
		`{"id":"https://example.com/1","type":"Create"}`,
	}
	for _, in := range inputs {
		if _, err := ParseEnvelope([]byte(in)); err == nil {
			t.Errorf("Expected error for %s", in)
		}
	}
}

func TestAudienceContainsPublicForms(t *testing.T) {
	for _, raw := range []string{
		`"https://www.w3.org/ns/activitystreams#Public"`,
		`["as:Public"]`,
		`["Public", "https://example.com/followers"]`,
	} {
		var a Audience
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", raw, err)
		}
		if !a.Contains(PublicCollection) {
			t.Errorf("Expected %s to address the public collection", raw)
		}
	}
}

func TestNoteUnmarshalVariants(t *testing.T) {
	var n Note
	err := json.Unmarshal([]byte(`{
		"id": "https://example.com/notes/1",
		"type": "Note",
		"attributedTo": [{"type": "Person", "id": "https://example.com/users/bob"}],
		"content": "<p>hi</p>",
		"url": {"type": "Link", "href": "https://example.com/@bob/1"},
		"replies": {"id": "https://example.com/notes/1/replies", "type": "Collection"},
		"attachment": {"type": "Document", "mediaType": "image/png", "url": "https://example.com/a.png"},
		"tag": [{"type": "Mention", "href": "https://local.test/ap/u/alice", "name": "@alice"}]
	}`), &n)
	if err != nil {
		t.Fatalf("Failed to unmarshal note: %v", err)
	}
	if n.AttributedTo.ID() != "https://example.com/users/bob" {
		t.Errorf("Expected author from list, got '%s'", n.AttributedTo.ID())
	}
	if n.URL != "https://example.com/@bob/1" {
		t.Errorf("Expected url from link, got '%s'", n.URL)
	}
	if n.Replies != "https://example.com/notes/1/replies" {
		t.Errorf("Expected replies id, got '%s'", n.Replies)
	}
	if len(n.Attachment) != 1 || n.Attachment[0].URL.ID() != "https://example.com/a.png" {
		t.Errorf("Expected single attachment, got %+v", n.Attachment)
	}
	if len(n.Tag) != 1 || n.Tag[0].Type != TypeMention {
		t.Errorf("Expected mention tag, got %+v", n.Tag)
	}
}

func TestCollectionUnmarshal(t *testing.T) {
	var c Collection
	err := json.Unmarshal([]byte(`{
		"id": "https://example.com/users/bob/outbox",
		"type": "OrderedCollection",
		"totalItems": 3,
		"first": {"id": "https://example.com/users/bob/outbox?page=1", "type": "OrderedCollectionPage", "orderedItems": ["https://example.com/1"]},
		"last": "https://example.com/users/bob/outbox?page=9"
	}`), &c)
	if err != nil {
		t.Fatalf("Failed to unmarshal collection: %v", err)
	}
	if c.TotalItems == nil || *c.TotalItems != 3 {
		t.Errorf("Expected totalItems 3")
	}
	if !c.First.IsInline() {
		t.Error("Expected inline first page")
	}
	if c.Last.ID() != "https://example.com/users/bob/outbox?page=9" {
		t.Errorf("Expected last page id, got '%s'", c.Last.ID())
	}
}

func TestWebFingerSelfHref(t *testing.T) {
	jrd := WebFinger{Links: []WebFingerLink{
		{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://example.com/@bob"},
		{Rel: "self", Type: ContentTypeLD, Href: "https://example.com/users/bob"},
	}}
	if got := jrd.SelfHref(); got != "https://example.com/users/bob" {
		t.Errorf("Expected self link, got '%s'", got)
	}
	if (&WebFinger{}).SelfHref() != "" {
		t.Error("Expected no self link")
	}
}
