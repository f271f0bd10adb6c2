package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

var (
	keysOnce sync.Once
	keys     []*util.RsaKeyPair
)

func testKeys(t *testing.T) []*util.RsaKeyPair {
	t.Helper()
	keysOnce.Do(func() {
		for range 2 {
			kp, err := util.GeneratePemKeypairBits(2048)
			if err != nil {
				t.Fatalf("Failed to generate key: %v", err)
			}
			keys = append(keys, kp)
		}
	})
	return keys
}

type testServer struct {
	t      *testing.T
	ctx    context.Context
	conf   *util.AppConfig
	store  *db.DB
	engine *activitypub.Engine
	router *gin.Engine
	alice  *domain.Account
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.test"
	conf.Conf.WithAp = true
	conf.Conf.Federation.Insecure = true
	conf.Conf.Federation.AcceptDelayMs = 1
	conf.ApplyDefaults()

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := util.NewTestLogger(io.Discard)
	engine := activitypub.NewEngine(conf, store, store, activitypub.Options{Logger: logger})
	t.Cleanup(engine.Close)

	ts := &testServer{
		t:      t,
		ctx:    context.Background(),
		conf:   conf,
		store:  store,
		engine: engine,
		router: NewServer(conf, engine, store, logger).Handler(),
	}
	ts.alice, err = store.CreateAccount(ts.ctx, "alice", testKeys(t)[0])
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	return ts
}

// do performs a request against the router.
func (ts *testServer) do(method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Host = ts.conf.Conf.SslDomain
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(target string) *httptest.ResponseRecorder {
	return ts.do(http.MethodGet, target, nil, nil)
}

// decode unmarshals the JSON body of w into a map.
func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

// remoteFollower stores a foreign account that follows alice.
func (ts *testServer) remoteFollower(name string) *domain.RemoteAccount {
	ts.t.Helper()
	ra, err := ts.store.UpsertRemoteAccount(ts.ctx, &domain.RemoteAccount{
		Username: name,
		Domain:   "remote.example",
		ActorURI: "https://remote.example/users/" + name,
		InboxURI: "https://remote.example/users/" + name + "/inbox",
	})
	if err != nil {
		ts.t.Fatalf("Failed to store remote account: %v", err)
	}
	rel := &domain.Relationship{
		AccountId:       ra.Id,
		TargetAccountId: ts.alice.Id,
		Kind:            domain.RelationshipFollow,
		URI:             "https://remote.example/follows/" + name,
		CreatedAt:       time.Now(),
	}
	if _, err := ts.store.CreateRelationship(ts.ctx, rel); err != nil {
		ts.t.Fatalf("Failed to create relationship: %v", err)
	}
	if err := ts.store.AcceptRelationship(ts.ctx, rel.Id); err != nil {
		ts.t.Fatalf("Failed to accept relationship: %v", err)
	}
	return ra
}

// remotePeer is a minimal foreign server with one actor.
type remotePeer struct {
	srv      *httptest.Server
	key      *util.RsaKeyPair
	mu       sync.Mutex
	received [][]byte
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	p := &remotePeer{key: testKeys(t)[1]}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			p.mu.Lock()
			p.received = append(p.received, body)
			p.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/users/bob":
			w.Header().Set("Content-Type", activitypub.ContentTypeActivity)
			json.NewEncoder(w).Encode(map[string]any{
				"@context":          activitypub.ActivityStreamsContext,
				"id":                p.actorURL(),
				"type":              "Person",
				"preferredUsername": "bob",
				"inbox":             p.actorURL() + "/inbox",
				"publicKey": map[string]any{
					"id":           p.actorURL() + "#main-key",
					"owner":        p.actorURL(),
					"publicKeyPem": p.key.Public,
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *remotePeer) actorURL() string { return p.srv.URL + "/users/bob" }

func (p *remotePeer) receivedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

// signedPost signs body for target on behalf of the peer's actor.
func (p *remotePeer) signedPost(t *testing.T, target string, body []byte, at time.Time) http.Header {
	t.Helper()
	key, err := activitypub.ParsePrivateKey(p.key.Private)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	header, err := activitypub.Sign(http.MethodPost, target, key, p.actorURL()+"#main-key", body, at)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	header.Set("Content-Type", activitypub.ContentTypeActivity)
	return header
}
