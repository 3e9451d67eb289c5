// Package providers maintains the mapping from OAuth 2.0 issuer URLs to the
// provider metadata and JSON Web Key Sets needed to verify access token
// signatures. Entries are discovered lazily via OpenID Connect discovery,
// cached for the life of the process, and can be force-rotated when a signing
// key cannot be matched. The cache can be serialized and restored so a
// process can warm-start without network I/O.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// ErrorKind classifies a ResolveError.
type ErrorKind int

const (
	// KindDiscovery covers failures of the OIDC discovery request itself
	// (network, status, or malformed discovery document).
	KindDiscovery ErrorKind = iota
	// KindNetwork is a transport-level failure fetching the JWK Set.
	KindNetwork
	// KindStatus is a non-2xx response fetching the JWK Set.
	KindStatus
	// KindMalformed is a JWK Set body that does not parse as JSON.
	KindMalformed
	// KindIncomplete is a discovery document missing jwks_uri.
	KindIncomplete
)

func (k ErrorKind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	case KindIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// ResolveError is the single error surface of the cache. The pipeline treats
// every kind the same way (the token cannot be validated); the kind exists
// for logging and operator diagnostics.
type ResolveError struct {
	Kind   ErrorKind
	Issuer string
	err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("providers: %s resolving %s: %v", e.Kind, e.Issuer, e.err)
}

func (e *ResolveError) Unwrap() error { return e.err }

// Metadata is the OIDC discovery document projected to the fields this
// library consumes. Additional discovery fields are dropped.
type Metadata struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
}

// Entry pairs a provider's metadata with its current JWK Set. Entries are
// immutable once published: rotation installs a replacement rather than
// mutating an entry a reader may still hold.
type Entry struct {
	Metadata  Metadata           `json:"metadata"`
	Keys      jose.JSONWebKeySet `json:"jwks"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// Snapshot is the serialized form of a Cache. It round-trips through JSON;
// callers should otherwise treat it as opaque.
type Snapshot struct {
	Providers map[string]*Entry `json:"providers"`
}

// Cache resolves issuer URLs to provider entries. Issuer keys are compared
// byte-exact; the cache performs no normalisation. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
	client  *http.Client
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHTTPClient sets the HTTP client used for discovery and JWKS fetches.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) { c.client = client }
}

// NewCache returns an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[string]*Entry), client: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCacheFromSnapshot returns a cache primed with the snapshot's entries.
// Restored entries are served as-is until a miss or rotation refetches them.
func NewCacheFromSnapshot(snap *Snapshot, opts ...CacheOption) *Cache {
	c := NewCache(opts...)
	if snap != nil {
		for iss, entry := range snap.Providers {
			if entry != nil {
				c.entries[iss] = entry
			}
		}
	}
	return c
}

// Serialize captures the current entries. The returned snapshot shares no
// mutable state with the cache.
func (c *Cache) Serialize() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &Snapshot{Providers: make(map[string]*Entry, len(c.entries))}
	for iss, entry := range c.entries {
		// Entries are immutable after publication so sharing the pointer in a
		// freshly built map is sound; round-trip through JSON to decouple the
		// snapshot from the live cache entirely.
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("providers: serialize %s: %w", iss, err)
		}
		var dup Entry
		if err := json.Unmarshal(b, &dup); err != nil {
			return nil, fmt.Errorf("providers: serialize %s: %w", iss, err)
		}
		snap.Providers[iss] = &dup
	}
	return snap, nil
}

// Resolve returns the cached entry for iss, performing discovery and a JWKS
// fetch on first use. Concurrent first-time resolutions of the same issuer
// coalesce into a single fetch.
func (c *Cache) Resolve(ctx context.Context, iss string) (*Entry, error) {
	c.mu.RLock()
	entry := c.entries[iss]
	c.mu.RUnlock()
	if entry != nil {
		return entry, nil
	}

	v, err, _ := c.group.Do("resolve\x00"+iss, func() (any, error) {
		// Re-check under the flight: a concurrent resolve may have stored the
		// entry between our miss and the flight starting.
		c.mu.RLock()
		entry := c.entries[iss]
		c.mu.RUnlock()
		if entry != nil {
			return entry, nil
		}
		return c.fetch(ctx, iss, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Rotate forces a refetch of the issuer's JWK Set, reusing the cached
// discovery document when present. The replacement entry is installed
// atomically; readers holding the prior entry observe no mutation.
// Concurrent rotations for the same issuer coalesce.
func (c *Cache) Rotate(ctx context.Context, iss string) (*Entry, error) {
	v, err, _ := c.group.Do("rotate\x00"+iss, func() (any, error) {
		c.mu.RLock()
		prior := c.entries[iss]
		c.mu.RUnlock()
		var md *Metadata
		if prior != nil {
			mdCopy := prior.Metadata
			md = &mdCopy
		}
		return c.fetch(ctx, iss, md)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// fetch performs discovery (unless metadata is supplied) and a JWKS fetch,
// then publishes the resulting entry.
func (c *Cache) fetch(ctx context.Context, iss string, md *Metadata) (*Entry, error) {
	if md == nil {
		discovered, err := c.discover(ctx, iss)
		if err != nil {
			return nil, err
		}
		md = discovered
	}
	if md.JWKSURI == "" {
		return nil, &ResolveError{Kind: KindIncomplete, Issuer: iss, err: errors.New("discovery document has no jwks_uri")}
	}

	keys, err := c.fetchKeys(ctx, iss, md.JWKSURI)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Metadata: *md, Keys: *keys, FetchedAt: time.Now()}
	c.mu.Lock()
	c.entries[iss] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *Cache) discover(ctx context.Context, iss string) (*Metadata, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.client), iss)
	if err != nil {
		return nil, &ResolveError{Kind: KindDiscovery, Issuer: iss, err: err}
	}
	var md Metadata
	if err := provider.Claims(&md); err != nil {
		return nil, &ResolveError{Kind: KindDiscovery, Issuer: iss, err: err}
	}
	return &md, nil
}

func (c *Cache) fetchKeys(ctx context.Context, iss string, jwksURI string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, &ResolveError{Kind: KindNetwork, Issuer: iss, err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ResolveError{Kind: KindNetwork, Issuer: iss, err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResolveError{Kind: KindStatus, Issuer: iss, err: fmt.Errorf("jwks fetch returned %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResolveError{Kind: KindNetwork, Issuer: iss, err: err}
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, &ResolveError{Kind: KindMalformed, Issuer: iss, err: err}
	}
	return &keys, nil
}
