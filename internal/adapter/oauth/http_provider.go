package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
)

const (
	maxResponseBytes = 1 << 20
	jwksTTL          = time.Hour
)

var errUpstream = errors.New("provider upstream error")

var idTokenAlgorithms = []gojose.SignatureAlgorithm{gojose.RS256, gojose.ES256, gojose.PS256, gojose.EdDSA}

// HTTPProvider speaks plain OAuth2 / OIDC against configured endpoints.
type HTTPProvider struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	now        func() time.Time

	jwksMu      sync.Mutex
	jwks        *gojose.JSONWebKeySet
	jwksFetched time.Time
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider builds a provider for cfg. A nil client gets a 10s
// timeout client.
func NewHTTPProvider(cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	st := gobreaker.Settings{
		Name:        "oauth-" + cfg.ID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Provider-rejected requests are the caller's problem, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errUpstream)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: client,
		breaker:    gobreaker.NewCircuitBreaker(st),
		logger:     logger,
		now:        time.Now,
	}
}

func (p *HTTPProvider) ID() ProviderID { return ProviderID(p.cfg.ID) }

// CreateAuthorizationURL builds the authorization redirect with state and,
// for PKCE providers, the S256 challenge.
func (p *HTTPProvider) CreateAuthorizationURL(_ context.Context, in domainoauth.AuthorizationURLInput) (*url.URL, error) {
	u, err := url.Parse(p.cfg.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	scopes := append(append([]string(nil), p.cfg.Scopes...), in.Scopes...)

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", in.RedirectURI)
	q.Set("state", in.State)
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(dedupe(scopes), " "))
	}
	if p.cfg.PKCE && in.CodeVerifier != "" {
		q.Set("code_challenge", CodeChallenge(in.CodeVerifier))
		q.Set("code_challenge_method", "S256")
	}
	if in.LoginHint != "" {
		q.Set("login_hint", in.LoginHint)
	}
	if p.ID() == ProviderGoogle {
		q.Set("access_type", "offline")
		q.Set("include_granted_scopes", "true")
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// ValidateAuthorizationCode exchanges an authorization code for tokens.
func (p *HTTPProvider) ValidateAuthorizationCode(ctx context.Context, in domainoauth.CodeExchangeInput) (*domainoauth.Tokens, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", in.Code)
	data.Set("redirect_uri", in.RedirectURI)
	if p.cfg.PKCE && strings.TrimSpace(in.CodeVerifier) != "" {
		data.Set("code_verifier", in.CodeVerifier)
	}
	return p.tokenRequest(ctx, data)
}

// RefreshAccessToken trades a refresh token for fresh tokens.
func (p *HTTPProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*domainoauth.Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token missing")
	}
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return p.tokenRequest(ctx, data)
}

func (p *HTTPProvider) tokenRequest(ctx context.Context, data url.Values) (*domainoauth.Tokens, error) {
	if strings.TrimSpace(p.cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	basic := p.cfg.Authentication == "basic"
	if !basic {
		data.Set("client_id", p.cfg.ClientID)
		if p.cfg.ClientSecret != "" {
			data.Set("client_secret", p.cfg.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basic {
		req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
	}

	raw, err := p.doJSON(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	if e := stringValue(raw["error"]); e != "" {
		return nil, fmt.Errorf("token request rejected: %s", e)
	}
	access := stringValue(raw["access_token"])
	if access == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return parseTokens(raw, p.now()), nil
}

// GetUserInfo prefers a verified id_token and falls back to the userinfo
// endpoint.
func (p *HTTPProvider) GetUserInfo(ctx context.Context, tokens domainoauth.Tokens) (*domainoauth.UserInfoResult, error) {
	if tokens.IDToken != "" && p.cfg.JWKSURL != "" {
		claims, err := p.verifiedClaims(ctx, tokens.IDToken, "")
		if err == nil {
			return profileFromClaims(claims), nil
		}
		p.logger.Debug("id token rejected, falling back to userinfo", zap.String("provider", p.cfg.ID), zap.Error(err))
	}
	if strings.TrimSpace(p.cfg.UserInfoURL) == "" {
		return nil, nil
	}
	raw, err := p.getJSON(ctx, p.cfg.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	return profileFromClaims(raw), nil
}

// VerifyIDToken checks signature, issuer, audience, expiry and, when
// given, the nonce of an OIDC id_token.
func (p *HTTPProvider) VerifyIDToken(ctx context.Context, idToken, nonce string) (bool, error) {
	if p.cfg.JWKSURL == "" {
		return false, domainoauth.ErrUnsupported
	}
	if _, err := p.verifiedClaims(ctx, idToken, nonce); err != nil {
		if errors.Is(err, domainoauth.ErrTokenInvalid) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *HTTPProvider) verifiedClaims(ctx context.Context, idToken, nonce string) (map[string]any, error) {
	parsed, err := gojwt.ParseSigned(idToken, idTokenAlgorithms)
	if err != nil {
		return nil, domainoauth.ErrTokenInvalid
	}
	kid := ""
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}
	keys, err := p.keySet(ctx, kid)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		var std gojwt.Claims
		extra := map[string]any{}
		if err := parsed.Claims(key.Public().Key, &std, &extra); err != nil {
			continue
		}
		expected := gojwt.Expected{AnyAudience: gojwt.Audience{p.cfg.ClientID}, Time: p.now()}
		if p.cfg.Issuer != "" {
			expected.Issuer = p.cfg.Issuer
		}
		if err := std.ValidateWithLeeway(expected, gojwt.DefaultLeeway); err != nil {
			return nil, domainoauth.ErrTokenInvalid
		}
		if nonce != "" && stringValue(extra["nonce"]) != nonce {
			return nil, domainoauth.ErrTokenInvalid
		}
		return extra, nil
	}
	return nil, domainoauth.ErrTokenInvalid
}

// keySet returns the JWKS keys matching kid, refetching once when the kid
// is unknown to the cached set.
func (p *HTTPProvider) keySet(ctx context.Context, kid string) ([]gojose.JSONWebKey, error) {
	p.jwksMu.Lock()
	defer p.jwksMu.Unlock()

	lookup := func() []gojose.JSONWebKey {
		if p.jwks == nil {
			return nil
		}
		if kid == "" {
			return p.jwks.Keys
		}
		return p.jwks.Key(kid)
	}

	if keys := lookup(); len(keys) > 0 && p.now().Sub(p.jwksFetched) < jwksTTL {
		return keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	body, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	var set gojose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	p.jwks = &set
	p.jwksFetched = p.now()
	return lookup(), nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	return p.doJSON(req)
}

func (p *HTTPProvider) doJSON(req *http.Request) (map[string]any, error) {
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := decodeJSON(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

// do runs req through the circuit breaker. 5xx responses and transport
// errors count as upstream failures; other non-2xx statuses do not.
func (p *HTTPProvider) do(req *http.Request) ([]byte, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		resp, err := p.httpClient.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errUpstream, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", errUpstream, err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status=%d", errUpstream, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("request failed: status=%d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// CodeChallenge is the PKCE S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func parseTokens(raw map[string]any, now time.Time) *domainoauth.Tokens {
	tokens := &domainoauth.Tokens{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		IDToken:      stringValue(raw["id_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Raw:          raw,
	}
	if scope := stringValue(raw["scope"]); scope != "" {
		tokens.Scopes = strings.FieldsFunc(scope, func(r rune) bool { return r == ' ' || r == ',' })
	}
	if exp := int64Value(raw["expires_in"]); exp > 0 {
		at := now.Add(time.Duration(exp) * time.Second)
		tokens.AccessTokenExpiresAt = &at
	}
	if exp := int64Value(raw["refresh_token_expires_in"]); exp > 0 {
		at := now.Add(time.Duration(exp) * time.Second)
		tokens.RefreshTokenExpiresAt = &at
	}
	return tokens
}

func profileFromClaims(raw map[string]any) *domainoauth.UserInfoResult {
	return &domainoauth.UserInfoResult{
		User: domainoauth.UserInfo{
			ID:            stringValue(coalesce(raw["sub"], raw["id"])),
			Email:         stringValue(coalesce(raw["email"], raw["mail"])),
			Name:          stringValue(coalesce(raw["name"], raw["displayName"], raw["login"])),
			Image:         stringValue(coalesce(raw["picture"], raw["avatar_url"])),
			EmailVerified: boolValue(raw["email_verified"]),
		},
		Data: raw,
	}
}

func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func boolValue(input any) bool {
	switch v := input.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
