package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveDirectKey(t *testing.T) {
	c := New(nil, nil)

	t.Run("missing key", func(t *testing.T) {
		_, err := c.Resolve(context.Background(), Options{Strategy: StrategyDirectKey})
		var authErr *AuthenticationError
		if err == nil {
			t.Fatal("expected error")
		}
		if !asAuthError(err, &authErr) || authErr.Reason != ReasonMissingAPIKey {
			t.Fatalf("expected ReasonMissingAPIKey, got %v", err)
		}
	})

	t.Run("present key", func(t *testing.T) {
		creds, err := c.Resolve(context.Background(), Options{Strategy: StrategyDirectKey, APIKey: "sk-test"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		h := creds.Headers()
		if h["x-goog-api-key"] != "sk-test" {
			t.Fatalf("expected api key header, got %v", h)
		}
	})
}

func TestResolveCloudPlatformAccessTokenOverride(t *testing.T) {
	c := New(nil, nil)
	creds, err := c.Resolve(context.Background(), Options{Strategy: StrategyCloudPlatform, AccessToken: "override-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Headers()["Authorization"] != "Bearer override-token" {
		t.Fatalf("expected bearer override, got %v", creds.Headers())
	}
}

func TestResolveCloudPlatformMalformedJSON(t *testing.T) {
	c := New(nil, nil)
	_, err := c.Resolve(context.Background(), Options{
		Strategy:           StrategyCloudPlatform,
		ServiceAccountJSON: `{not valid json`,
	})
	var authErr *AuthenticationError
	if !asAuthError(err, &authErr) || authErr.Reason != ReasonMalformedJSON {
		t.Fatalf("expected ReasonMalformedJSON, got %v", err)
	}
}

func TestResolveCloudPlatformMissingFile(t *testing.T) {
	c := New(nil, nil)
	_, err := c.Resolve(context.Background(), Options{
		Strategy:           StrategyCloudPlatform,
		ServiceAccountPath: "/nonexistent/path/sa.json",
	})
	var authErr *AuthenticationError
	if !asAuthError(err, &authErr) || authErr.Reason != ReasonMissingCredentialsFile {
		t.Fatalf("expected ReasonMissingCredentialsFile, got %v", err)
	}
}

func TestServiceAccountExchangeAndCache(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "exchanged-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	priv := testPrivateKeyPEM(t)
	saJSON, _ := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "svc@example.iam.gserviceaccount.com",
		"private_key":  priv,
		"token_uri":    srv.URL,
	})

	c := New(srv.Client(), nil)
	opts := Options{Strategy: StrategyCloudPlatform, ServiceAccountJSON: string(saJSON)}

	creds1, err := c.Resolve(context.Background(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds1.BearerToken != "exchanged-token" {
		t.Fatalf("expected exchanged token, got %q", creds1.BearerToken)
	}

	// Second resolve within the refresh window must hit the cache, not
	// the token endpoint again.
	if _, err := c.Resolve(context.Background(), opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected exactly 1 token-endpoint hit, got %d", hits)
	}

	// ForceRefresh bypasses the cache.
	opts.ForceRefresh = true
	if _, err := c.Resolve(context.Background(), opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected 2 token-endpoint hits after ForceRefresh, got %d", hits)
	}
}

func asAuthError(err error, target **AuthenticationError) bool {
	ae, ok := err.(*AuthenticationError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// testPrivateKeyPEM generates a fresh RSA key and PEM-encodes it in PKCS#1
// form, the shape jwt.ParseRSAPrivateKeyFromPEM expects.
func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}
