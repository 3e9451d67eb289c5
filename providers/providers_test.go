package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
)

type mockProvider struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string

	mu       sync.Mutex
	keysJSON []byte

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64

	omitJWKSURI bool
	jwksStatus  int
	jwksBody    []byte
}

func newMockProvider(t *testing.T, keysJSON []byte) *mockProvider {
	t.Helper()
	m := &mockProvider{jwksPath: "/keys", keysJSON: keysJSON}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		m.discoveryHits.Add(1)
		meta := map[string]any{
			"issuer":                 m.issuer,
			"authorization_endpoint": m.issuer + "/oauth2/auth",
			"token_endpoint":         m.issuer + "/oauth2/token",
		}
		if !m.omitJWKSURI {
			meta["jwks_uri"] = m.issuer + m.jwksPath
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		m.jwksHits.Add(1)
		if m.jwksStatus != 0 {
			w.WriteHeader(m.jwksStatus)
			_, _ = w.Write(m.jwksBody)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		m.mu.Lock()
		defer m.mu.Unlock()
		_, _ = w.Write(m.keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockProvider) setKeys(keysJSON []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keysJSON = keysJSON
}

func (m *mockProvider) Close() { m.srv.Close() }

func genJWKS(t *testing.T, kid string) []byte {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func TestCache_ResolveHappyPath(t *testing.T) {
	m := newMockProvider(t, genJWKS(t, "k1"))
	defer m.Close()

	c := NewCache()
	ctx := context.Background()

	entry, err := c.Resolve(ctx, m.issuer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Metadata.Issuer != m.issuer {
		t.Fatalf("want issuer %s, got %s", m.issuer, entry.Metadata.Issuer)
	}
	if len(entry.Keys.Keys) != 1 || entry.Keys.Keys[0].KeyID != "k1" {
		t.Fatalf("unexpected keys: %+v", entry.Keys)
	}

	// Second resolve is served from cache.
	if _, err := c.Resolve(ctx, m.issuer); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if got := m.discoveryHits.Load(); got != 1 {
		t.Fatalf("want 1 discovery fetch, got %d", got)
	}
	if got := m.jwksHits.Load(); got != 1 {
		t.Fatalf("want 1 jwks fetch, got %d", got)
	}
}

func TestCache_MissingJWKSURI(t *testing.T) {
	m := newMockProvider(t, genJWKS(t, "k1"))
	defer m.Close()
	m.omitJWKSURI = true

	c := NewCache()
	_, err := c.Resolve(context.Background(), m.issuer)
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("want ResolveError, got %v", err)
	}
	if re.Kind != KindIncomplete {
		t.Fatalf("want KindIncomplete, got %s", re.Kind)
	}
}

func TestCache_JWKSErrorKinds(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		m := newMockProvider(t, genJWKS(t, "k1"))
		defer m.Close()
		m.jwksStatus = http.StatusInternalServerError

		c := NewCache()
		_, err := c.Resolve(context.Background(), m.issuer)
		var re *ResolveError
		if !errors.As(err, &re) || re.Kind != KindStatus {
			t.Fatalf("want KindStatus, got %v", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		m := newMockProvider(t, genJWKS(t, "k1"))
		defer m.Close()
		m.jwksStatus = http.StatusOK
		m.jwksBody = []byte("not json")

		c := NewCache()
		_, err := c.Resolve(context.Background(), m.issuer)
		var re *ResolveError
		if !errors.As(err, &re) || re.Kind != KindMalformed {
			t.Fatalf("want KindMalformed, got %v", err)
		}
	})
}

func TestCache_RotateReplacesAtomically(t *testing.T) {
	m := newMockProvider(t, genJWKS(t, "k1"))
	defer m.Close()

	c := NewCache()
	ctx := context.Background()

	old, err := c.Resolve(ctx, m.issuer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	m.setKeys(genJWKS(t, "k2"))
	fresh, err := c.Rotate(ctx, m.issuer)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if fresh.Keys.Keys[0].KeyID != "k2" {
		t.Fatalf("want rotated key k2, got %s", fresh.Keys.Keys[0].KeyID)
	}

	// The reader's prior snapshot is untouched.
	if old.Keys.Keys[0].KeyID != "k1" {
		t.Fatalf("old entry mutated: %s", old.Keys.Keys[0].KeyID)
	}

	// Rotation reuses the cached discovery document.
	if got := m.discoveryHits.Load(); got != 1 {
		t.Fatalf("want 1 discovery fetch, got %d", got)
	}
	if got := m.jwksHits.Load(); got != 2 {
		t.Fatalf("want 2 jwks fetches, got %d", got)
	}

	next, err := c.Resolve(ctx, m.issuer)
	if err != nil {
		t.Fatalf("resolve after rotate: %v", err)
	}
	if next.Keys.Keys[0].KeyID != "k2" {
		t.Fatalf("cache did not publish rotated entry")
	}
}

func TestCache_SingleFlight(t *testing.T) {
	m := newMockProvider(t, genJWKS(t, "k1"))
	defer m.Close()

	c := NewCache()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Resolve(ctx, m.issuer)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if got := m.discoveryHits.Load(); got != 1 {
		t.Fatalf("want exactly 1 discovery fetch, got %d", got)
	}
	if got := m.jwksHits.Load(); got != 1 {
		t.Fatalf("want exactly 1 jwks fetch, got %d", got)
	}
}

func TestCache_SnapshotRoundTrip(t *testing.T) {
	m := newMockProvider(t, genJWKS(t, "k1"))

	c := NewCache()
	ctx := context.Background()
	if _, err := c.Resolve(ctx, m.issuer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	snap, err := c.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// The serialized form round-trips through JSON.
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var restoredSnap Snapshot
	if err := json.Unmarshal(b, &restoredSnap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	// Kill the provider: the restored cache must answer without network I/O.
	issuer := m.issuer
	m.Close()

	restored := NewCacheFromSnapshot(&restoredSnap)
	entry, err := restored.Resolve(ctx, issuer)
	if err != nil {
		t.Fatalf("resolve from snapshot: %v", err)
	}
	if len(entry.Keys.Keys) != 1 || entry.Keys.Keys[0].KeyID != "k1" {
		t.Fatalf("restored entry lost keys: %+v", entry.Keys)
	}
	if entry.Metadata.JWKSURI == "" {
		t.Fatalf("restored entry lost metadata")
	}
}
