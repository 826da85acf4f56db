/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Multi-strategy auth coordinator: direct API-key
             header injection, or cloud-platform bearer tokens
             sourced from an inline/on-disk service-account JSON
             (signed and exchanged here, RS256 over the account's
             private key) or the on-VM metadata server. Tokens are
             cached per credential fingerprint and refreshed five
             minutes before expiry.
Root Cause:  Every outbound request needs credentials resolved
             the same way regardless of which strategy a caller's
             profile selects, with each failure mode surfaced as
             a distinct, inspectable reason rather than one
             opaque library error.
Context:     Called once per request by the client's generate,
             embed, count-tokens and stream methods before they
             enter the rate-limit manager, so an authentication
             failure never touches the token budget or a permit.
Suitability: L3 — credential search order and token-cache
             correctness are the load-bearing parts.
──────────────────────────────────────────────────────────────
*/

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/google"

	"github.com/nshkrdotcom/gemini-ex-sub004/internal/keylock"
)

// Strategy selects how the coordinator resolves credentials.
type Strategy string

const (
	StrategyDirectKey     Strategy = "direct-key"
	StrategyCloudPlatform Strategy = "cloud-platform"
)

// refreshSkew is how far ahead of expiry a cached token is refreshed.
const refreshSkew = 5 * time.Minute

const defaultTokenURI = "https://oauth2.googleapis.com/token"

const scopeGenerativeLanguage = "https://www.googleapis.com/auth/cloud-platform"

// Reason identifies why credential resolution failed.
type Reason string

const (
	ReasonMissingAPIKey             Reason = "missing_api_key"
	ReasonMissingCredentialsFile    Reason = "missing_credentials_file"
	ReasonMalformedJSON             Reason = "malformed_service_account_json"
	ReasonMetadataServerUnreachable Reason = "metadata_server_unreachable"
	ReasonSigningFailed             Reason = "signing_failed"
	ReasonTokenExchangeFailed       Reason = "token_exchange_failed"
)

// AuthenticationError is the one error type this package returns;
// Reason lets callers branch without string matching.
type AuthenticationError struct {
	Reason Reason
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Options is the per-request auth overlay; it mirrors the config fields
// that select and parameterize a strategy.
type Options struct {
	Strategy           Strategy
	APIKey             string
	ProjectID          string
	Location           string
	ServiceAccountPath string
	ServiceAccountJSON string
	QuotaProjectID     string
	AccessToken        string // pre-supplied bearer token override
	ForceRefresh       bool
}

// Credentials is what the transport collaborator needs to authenticate
// one request.
type Credentials struct {
	Strategy       Strategy
	APIKey         string
	BearerToken    string
	ProjectID      string
	QuotaProjectID string
	ExpiresAt      time.Time
}

// Headers returns the HTTP headers a transport should attach.
func (c *Credentials) Headers() map[string]string {
	h := make(map[string]string, 2)
	switch c.Strategy {
	case StrategyDirectKey:
		h["x-goog-api-key"] = c.APIKey
	case StrategyCloudPlatform:
		h["Authorization"] = "Bearer " + c.BearerToken
	}
	if c.QuotaProjectID != "" {
		h["x-goog-user-project"] = c.QuotaProjectID
	}
	return h
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func (t cachedToken) freshAt(now time.Time) bool {
	return !t.expiresAt.IsZero() && now.Add(refreshSkew).Before(t.expiresAt)
}

// Coordinator resolves per-request credentials and caches cloud-platform
// bearer tokens.
type Coordinator struct {
	httpClient *http.Client
	locks      *keylock.Map

	mu    sync.RWMutex
	cache map[string]cachedToken

	redis *redis.Client // optional shared cache across a process fleet
}

// New creates a Coordinator. redisClient may be nil (in-process cache only).
func New(httpClient *http.Client, redisClient *redis.Client) *Coordinator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Coordinator{
		httpClient: httpClient,
		locks:      keylock.New(),
		cache:      make(map[string]cachedToken),
		redis:      redisClient,
	}
}

// Resolve returns Credentials for opts, or an *AuthenticationError.
func (c *Coordinator) Resolve(ctx context.Context, opts Options) (*Credentials, error) {
	switch opts.Strategy {
	case StrategyCloudPlatform:
		return c.resolveCloudPlatform(ctx, opts)
	case StrategyDirectKey, "":
		if opts.APIKey == "" {
			return nil, &AuthenticationError{Reason: ReasonMissingAPIKey}
		}
		return &Credentials{Strategy: StrategyDirectKey, APIKey: opts.APIKey, ProjectID: opts.ProjectID}, nil
	default:
		return nil, &AuthenticationError{Reason: ReasonMissingAPIKey, Err: fmt.Errorf("unknown auth strategy %q", opts.Strategy)}
	}
}

func (c *Coordinator) resolveCloudPlatform(ctx context.Context, opts Options) (*Credentials, error) {
	if opts.AccessToken != "" {
		return &Credentials{
			Strategy:       StrategyCloudPlatform,
			BearerToken:    opts.AccessToken,
			ProjectID:      opts.ProjectID,
			QuotaProjectID: opts.QuotaProjectID,
		}, nil
	}

	fp := fingerprint(opts)
	if !opts.ForceRefresh {
		if tok, ok := c.lookupCache(ctx, fp); ok {
			return toCredentials(tok, opts), nil
		}
	}

	unlock := c.locks.Lock(fp)
	defer unlock()

	if !opts.ForceRefresh {
		if tok, ok := c.lookupCache(ctx, fp); ok {
			return toCredentials(tok, opts), nil
		}
	}

	saJSON, err := discoverServiceAccount(opts)
	if err != nil {
		return nil, err
	}

	var tok cachedToken
	if saJSON != nil {
		tok, err = c.exchangeServiceAccount(ctx, saJSON)
	} else {
		tok, err = c.fetchMetadataServerToken(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.storeCache(ctx, fp, tok)
	return toCredentials(tok, opts), nil
}

func toCredentials(tok cachedToken, opts Options) *Credentials {
	return &Credentials{
		Strategy:       StrategyCloudPlatform,
		BearerToken:    tok.token,
		ProjectID:      opts.ProjectID,
		QuotaProjectID: opts.QuotaProjectID,
		ExpiresAt:      tok.expiresAt,
	}
}

func fingerprint(opts Options) string {
	h := sha256.New()
	io.WriteString(h, string(opts.ServiceAccountPath))
	io.WriteString(h, opts.ServiceAccountJSON)
	io.WriteString(h, opts.ProjectID)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Coordinator) lookupCache(ctx context.Context, fp string) (cachedToken, bool) {
	now := time.Now()
	c.mu.RLock()
	tok, ok := c.cache[fp]
	c.mu.RUnlock()
	if ok && tok.freshAt(now) {
		return tok, true
	}
	if c.redis == nil {
		return cachedToken{}, false
	}
	val, err := c.redis.Get(ctx, redisKey(fp)).Result()
	if err != nil || val == "" {
		return cachedToken{}, false
	}
	var shared struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at_unix"`
	}
	if json.Unmarshal([]byte(val), &shared) != nil {
		return cachedToken{}, false
	}
	tok = cachedToken{token: shared.Token, expiresAt: time.Unix(shared.ExpiresAt, 0)}
	if !tok.freshAt(now) {
		return cachedToken{}, false
	}
	c.mu.Lock()
	c.cache[fp] = tok
	c.mu.Unlock()
	return tok, true
}

func (c *Coordinator) storeCache(ctx context.Context, fp string, tok cachedToken) {
	c.mu.Lock()
	c.cache[fp] = tok
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at_unix"`
	}{Token: tok.token, ExpiresAt: tok.expiresAt.Unix()})
	ttl := time.Until(tok.expiresAt)
	if ttl <= 0 {
		return
	}
	c.redis.Set(ctx, redisKey(fp), payload, ttl)
}

func redisKey(fp string) string { return "gemini:auth-token:" + fp }

type serviceAccountKey struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// discoverServiceAccount finds and parses a service-account JSON per the
// search order: inline JSON overlay, then an explicit path or the
// GOOGLE_APPLICATION_CREDENTIALS environment variable. Returns
// (nil, nil) when neither is present so the caller falls through to the
// metadata server.
func discoverServiceAccount(opts Options) (*serviceAccountKey, error) {
	raw := []byte(opts.ServiceAccountJSON)
	if len(raw) == 0 {
		path := opts.ServiceAccountPath
		if path == "" {
			path = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &AuthenticationError{Reason: ReasonMissingCredentialsFile, Err: err}
		}
		raw = data
	}

	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, &AuthenticationError{Reason: ReasonMalformedJSON, Err: err}
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, &AuthenticationError{Reason: ReasonMalformedJSON, Err: fmt.Errorf("missing client_email or private_key")}
	}
	return &key, nil
}

// exchangeServiceAccount self-signs a JWT assertion (RS256) and exchanges
// it for a bearer token at the account's token endpoint.
func (c *Coordinator) exchangeServiceAccount(ctx context.Context, sa *serviceAccountKey) (cachedToken, error) {
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonSigningFailed, Err: err}
	}

	tokenURI := sa.TokenURI
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": scopeGenerativeLanguage,
		"aud":   tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privKey)
	if err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonSigningFailed, Err: err}
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonTokenExchangeFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonTokenExchangeFailed, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, &AuthenticationError{Reason: ReasonTokenExchangeFailed, Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonTokenExchangeFailed, Err: err}
	}
	return cachedToken{token: parsed.AccessToken, expiresAt: now.Add(time.Duration(parsed.ExpiresIn) * time.Second)}, nil
}

// fetchMetadataServerToken sources a bearer token from the on-VM metadata
// server via golang.org/x/oauth2/google's compute token source, the last
// strategy in the ADC search order.
func (c *Coordinator) fetchMetadataServerToken(ctx context.Context) (cachedToken, error) {
	ts := google.ComputeTokenSource("")
	tok, err := ts.Token()
	if err != nil {
		return cachedToken{}, &AuthenticationError{Reason: ReasonMetadataServerUnreachable, Err: err}
	}
	return cachedToken{token: tok.AccessToken, expiresAt: tok.Expiry}, nil
}
