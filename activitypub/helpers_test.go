package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeys     []*util.RsaKeyPair
	testKeysErr  error
)

// testKeyPair returns one of a few 2048-bit key pairs shared by all tests.
func testKeyPair(t *testing.T, i int) *util.RsaKeyPair {
	t.Helper()
	testKeysOnce.Do(func() {
		for range 4 {
			kp, err := util.GeneratePemKeypairBits(2048)
			if err != nil {
				testKeysErr = err
				return
			}
			testKeys = append(testKeys, kp)
		}
	})
	require.NoError(t, testKeysErr)
	return testKeys[i%len(testKeys)]
}

// peer is a fake remote server hosting a single actor.
type peer struct {
	t    *testing.T
	name string
	srv  *httptest.Server

	mu          sync.Mutex
	key         *rsa.PrivateKey
	publicPem   string
	actorStatus int
	docs        map[string][]byte
	hits        map[string]int
	received    [][]byte
	inboxStatus int
}

func newPeer(t *testing.T, name string) *peer {
	t.Helper()
	p := &peer{
		t:    t,
		name: name,
		docs: map[string][]byte{},
		hits: map[string]int{},
	}
	p.useKey(1)
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) useKey(i int) {
	kp := testKeyPair(p.t, i)
	key, err := ParsePrivateKey(kp.Private)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.publicPem = kp.Public
}

func (p *peer) URL(path string) string { return p.srv.URL + path }
func (p *peer) Host() string           { return strings.TrimPrefix(p.srv.URL, "http://") }
func (p *peer) Handle() string         { return p.name + "@" + p.Host() }
func (p *peer) ActorURL() string       { return p.URL("/users/" + p.name) }
func (p *peer) InboxURL() string       { return p.ActorURL() + "/inbox" }
func (p *peer) KeyID() string          { return p.ActorURL() + "#main-key" }

func (p *peer) actorDocument() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"@context":          []any{ActivityStreamsContext, SecurityContext},
		"id":                p.ActorURL(),
		"type":              "Person",
		"preferredUsername": p.name,
		"name":              strings.ToUpper(p.name[:1]) + p.name[1:],
		"inbox":             p.InboxURL(),
		"outbox":            p.ActorURL() + "/outbox",
		"followers":         p.ActorURL() + "/followers",
		"endpoints":         map[string]any{"sharedInbox": p.URL("/inbox")},
		"publicKey": map[string]any{
			"id":           p.KeyID(),
			"owner":        p.ActorURL(),
			"publicKeyPem": p.publicPem,
		},
	}
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.hits[r.URL.Path]++
	actorStatus, inboxStatus := p.actorStatus, p.inboxStatus
	doc, hasDoc := p.docs[r.URL.Path]
	p.mu.Unlock()

	switch {
	case r.URL.Path == "/.well-known/webfinger":
		if r.URL.Query().Get("resource") != "acct:"+p.Handle() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ContentTypeJRD)
		json.NewEncoder(w).Encode(WebFinger{
			Subject: "acct:" + p.Handle(),
			Links:   []WebFingerLink{{Rel: "self", Type: ContentTypeActivity, Href: p.ActorURL()}},
		})
	case r.Method == http.MethodPost && (r.URL.Path == "/users/"+p.name+"/inbox" || r.URL.Path == "/inbox"):
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.received = append(p.received, body)
		p.mu.Unlock()
		if inboxStatus != 0 {
			w.WriteHeader(inboxStatus)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case r.URL.Path == "/users/"+p.name:
		if actorStatus != 0 {
			w.WriteHeader(actorStatus)
			return
		}
		w.Header().Set("Content-Type", ContentTypeActivity)
		json.NewEncoder(w).Encode(p.actorDocument())
	case hasDoc:
		w.Header().Set("Content-Type", ContentTypeActivity)
		w.Write(doc)
	default:
		http.NotFound(w, r)
	}
}

// Serve publishes doc at path.
func (p *peer) Serve(path string, doc any) {
	data, err := json.Marshal(doc)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[path] = data
}

func (p *peer) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *peer) SetActorStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actorStatus = code
}

func (p *peer) SetInboxStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboxStatus = code
}

// Received returns the activities posted to the peer so far.
func (p *peer) Received() []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Envelope
	for _, raw := range p.received {
		env, err := ParseEnvelope(raw)
		require.NoError(p.t, err)
		out = append(out, env)
	}
	return out
}

// SignedPost builds an inbound request to target carrying body, signed by
// the peer's actor at the given time.
func (p *peer) SignedPost(target string, body []byte, at time.Time) *InboundRequest {
	p.t.Helper()
	u, err := url.Parse(target)
	require.NoError(p.t, err)
	p.mu.Lock()
	key := p.key
	p.mu.Unlock()
	header, err := Sign(http.MethodPost, target, key, p.KeyID(), body, at)
	require.NoError(p.t, err)
	header.Set("Content-Type", ContentTypeActivity)
	return &InboundRequest{
		Method:     http.MethodPost,
		RequestURI: u.RequestURI(),
		Host:       u.Host,
		Header:     header,
		Body:       body,
	}
}

// Activity builds an activity of the peer's actor.
func (p *peer) Activity(id string, typ ActivityType, object any) map[string]any {
	return map[string]any{
		"@context": ActivityStreamsContext,
		"id":       p.URL(id),
		"type":     string(typ),
		"actor":    p.ActorURL(),
		"object":   object,
	}
}

// Note builds a public note of the peer's actor.
func (p *peer) Note(id, content string) map[string]any {
	return map[string]any{
		"id":           p.URL(id),
		"type":         "Note",
		"attributedTo": p.ActorURL(),
		"content":      content,
		"published":    "2024-05-01T10:00:00Z",
		"to":           []string{PublicCollection},
		"cc":           []string{p.ActorURL() + "/followers"},
	}
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	conf   *util.AppConfig
	store  *db.DB
	engine *Engine
	alice  *domain.Account
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.test"
	conf.Conf.Federation.Insecure = true
	conf.Conf.Federation.AcceptDelayMs = 10
	conf.Conf.Federation.Workers = 4
	conf.ApplyDefaults()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := NewEngine(conf, store, store, Options{Logger: util.NewTestLogger(io.Discard)})
	t.Cleanup(engine.Close)

	env := &testEnv{
		t:      t,
		ctx:    context.Background(),
		conf:   conf,
		store:  store,
		engine: engine,
	}
	env.alice = env.createLocal("alice", 0)
	return env
}

func (env *testEnv) createLocal(username string, key int) *domain.Account {
	env.t.Helper()
	acc, err := env.store.CreateAccount(env.ctx, username, testKeyPair(env.t, key))
	require.NoError(env.t, err)
	return acc
}

// deliver posts activity from p to the inbox of a local user and returns
// the result.
func (env *testEnv) deliver(p *peer, username string, activity any) InboundResult {
	env.t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(env.t, err)
	req := p.SignedPost(env.conf.InboxURL(username), body, time.Now())
	req.Username = username
	return env.engine.HandleInbound(env.ctx, req)
}

// settle waits for background work and drains the delivery queue.
func (env *testEnv) settle() {
	env.engine.Wait()
	env.engine.ProcessDeliveryQueue(env.ctx)
	env.engine.Wait()
}
