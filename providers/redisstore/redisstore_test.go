package redisstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/ggoodman/oauth-resource-go/providers"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available.
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	s, err := New(Config{Client: client, Key: "test:providers:snapshot"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Missing key is a cold start, not an error.
	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if snap != nil {
		t.Fatalf("want nil snapshot for missing key")
	}

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	want := &providers.Snapshot{Providers: map[string]*providers.Entry{
		"https://issuer.test": {
			Metadata:  providers.Metadata{Issuer: "https://issuer.test", JWKSURI: "https://issuer.test/keys"},
			Keys:      jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}},
			FetchedAt: time.Now().UTC().Truncate(time.Second),
		},
	}}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entry := got.Providers["https://issuer.test"]
	if entry == nil || entry.Metadata.JWKSURI != "https://issuer.test/keys" {
		t.Fatalf("snapshot lost in round-trip: %+v", got)
	}
	if len(entry.Keys.Keys) != 1 || entry.Keys.Keys[0].KeyID != "k1" {
		t.Fatalf("keys lost: %+v", entry.Keys)
	}
}
