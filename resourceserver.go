package resourceserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/oauth-resource-go/internal/logctx"
	"github.com/ggoodman/oauth-resource-go/providers"
	"github.com/joeshaw/envdecode"
)

// ResourceServer validates OAuth 2.0 bearer credentials for HTTP endpoints.
// It owns the provider cache shared by every middleware built from it; all
// other validation state is per-request.
type ResourceServer struct {
	cache        *providers.Cache
	log          *slog.Logger
	baseURL      *url.URL
	defaultRealm string
}

type serverConfig struct {
	logger     *slog.Logger
	baseURL    string
	realm      string
	httpClient *http.Client
}

// ServerOption configures a ResourceServer.
type ServerOption func(*serverConfig)

// WithLogger sets the logger used by middlewares. Records are enriched with
// request- and auth-scoped context attributes.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = logger }
}

// WithBaseURL sets the server's canonical base URI (scheme and host). It is
// used to reconstruct the expected htu target of DPoP proofs. Without it,
// the target is built from the https scheme, the request Host, and the
// request path.
func WithBaseURL(baseURL string) ServerOption {
	return func(c *serverConfig) { c.baseURL = baseURL }
}

// WithDefaultRealm sets the realm used by middlewares that do not configure
// one via WithRealm.
func WithDefaultRealm(realm string) ServerOption {
	return func(c *serverConfig) { c.realm = realm }
}

// WithProviderHTTPClient sets the HTTP client used for OIDC discovery and
// JWKS fetches.
func WithProviderHTTPClient(client *http.Client) ServerOption {
	return func(c *serverConfig) { c.httpClient = client }
}

// New creates a resource server with an empty provider cache.
func New(opts ...ServerOption) (*ResourceServer, error) {
	return build(nil, opts)
}

// FromSerialized returns a server primed with previously serialized provider
// entries. Restored entries are used as-is until a miss or rotation triggers
// a refetch.
func FromSerialized(snap *providers.Snapshot, opts ...ServerOption) (*ResourceServer, error) {
	return build(snap, opts)
}

func build(snap *providers.Snapshot, opts []ServerOption) (*ResourceServer, error) {
	cfg := &serverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var baseURL *url.URL
	if cfg.baseURL != "" {
		u, err := url.Parse(cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", cfg.baseURL, err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
		baseURL = u
	}

	var cacheOpts []providers.CacheOption
	if cfg.httpClient != nil {
		cacheOpts = append(cacheOpts, providers.WithHTTPClient(cfg.httpClient))
	}
	var cache *providers.Cache
	if snap != nil {
		cache = providers.NewCacheFromSnapshot(snap, cacheOpts...)
	} else {
		cache = providers.NewCache(cacheOpts...)
	}

	return &ResourceServer{
		cache:        cache,
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		baseURL:      baseURL,
		defaultRealm: cfg.realm,
	}, nil
}

// Serialize captures the provider cache so a future process can warm-start
// via FromSerialized.
func (rs *ResourceServer) Serialize() (*providers.Snapshot, error) {
	return rs.cache.Serialize()
}

// Config is the environment-driven server configuration consumed by
// NewFromEnv.
type Config struct {
	// BaseURL is the canonical base URI of this server. ENV: RESOURCE_SERVER_BASE_URL
	BaseURL string `env:"RESOURCE_SERVER_BASE_URL"`
	// Realm is the default challenge realm. ENV: RESOURCE_SERVER_REALM
	Realm string `env:"RESOURCE_SERVER_REALM"`
}

// NewFromEnv builds a server using envdecode to populate Config. Additional
// options are applied after the environment-derived ones.
func NewFromEnv(opts ...ServerOption) (*ResourceServer, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	base := []ServerOption{}
	if cfg.BaseURL != "" {
		base = append(base, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Realm != "" {
		base = append(base, WithDefaultRealm(cfg.Realm))
	}
	return New(append(base, opts...)...)
}
