package resourceserver

import "testing"

func TestBuildChallenge(t *testing.T) {
	cases := []struct {
		name   string
		scheme string
		realm  string
		params map[string]string
		want   string
	}{
		{
			name:   "bare scheme",
			scheme: "Bearer",
			want:   "Bearer",
		},
		{
			name:   "realm only",
			scheme: "Bearer",
			realm:  "api",
			want:   `Bearer realm="api"`,
		},
		{
			name:   "error with description",
			scheme: "Bearer",
			realm:  "api",
			params: map[string]string{"error": "invalid_token", "error_description": "token is expired"},
			want:   `Bearer realm="api", error="invalid_token", error_description="token is expired"`,
		},
		{
			name:   "dpop scheme",
			scheme: "DPoP",
			params: map[string]string{"error": "invalid_token"},
			want:   `DPoP error="invalid_token"`,
		},
		{
			name:   "embedded quotes are escaped",
			scheme: "Bearer",
			params: map[string]string{"error": "invalid_token", "error_description": `bad "aud" value`},
			want:   `Bearer error="invalid_token", error_description="bad \"aud\" value"`,
		},
		{
			name:   "scope parameter",
			scheme: "Bearer",
			realm:  "api",
			params: map[string]string{"error": "insufficient_scope", "scope": "read write"},
			want:   `Bearer realm="api", error="insufficient_scope", scope="read write"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := buildChallenge(tc.scheme, tc.realm, tc.params); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestTokenTypeChallengeScheme(t *testing.T) {
	if got := tokenTypeBearer.challengeScheme(); got != "Bearer" {
		t.Fatalf("bearer scheme: %q", got)
	}
	if got := tokenTypeDPoP.challengeScheme(); got != "DPoP" {
		t.Fatalf("dpop scheme: %q", got)
	}
}
