// Package oauth holds the outbound identity-provider integrations behind a
// single capability interface.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
)

// ProviderID names a supported provider kind.
type ProviderID string

const (
	ProviderGoogle  ProviderID = "google"
	ProviderGitHub  ProviderID = "github"
	ProviderGeneric ProviderID = "generic"
)

// Provider is the uniform capability set of an identity provider. Methods a
// provider cannot serve return domainoauth.ErrUnsupported.
type Provider interface {
	ID() ProviderID
	CreateAuthorizationURL(ctx context.Context, in domainoauth.AuthorizationURLInput) (*url.URL, error)
	ValidateAuthorizationCode(ctx context.Context, in domainoauth.CodeExchangeInput) (*domainoauth.Tokens, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domainoauth.Tokens, error)
	// GetUserInfo returns nil, nil when the provider yields no profile.
	GetUserInfo(ctx context.Context, tokens domainoauth.Tokens) (*domainoauth.UserInfoResult, error)
	VerifyIDToken(ctx context.Context, idToken, nonce string) (bool, error)
}

// Unsupported can be embedded to default every capability to
// ErrUnsupported.
type Unsupported struct{}

func (Unsupported) CreateAuthorizationURL(context.Context, domainoauth.AuthorizationURLInput) (*url.URL, error) {
	return nil, domainoauth.ErrUnsupported
}

func (Unsupported) ValidateAuthorizationCode(context.Context, domainoauth.CodeExchangeInput) (*domainoauth.Tokens, error) {
	return nil, domainoauth.ErrUnsupported
}

func (Unsupported) RefreshAccessToken(context.Context, string) (*domainoauth.Tokens, error) {
	return nil, domainoauth.ErrUnsupported
}

func (Unsupported) GetUserInfo(context.Context, domainoauth.Tokens) (*domainoauth.UserInfoResult, error) {
	return nil, domainoauth.ErrUnsupported
}

func (Unsupported) VerifyIDToken(context.Context, string, string) (bool, error) {
	return false, domainoauth.ErrUnsupported
}

// Registry resolves providers by id.
type Registry struct {
	providers map[ProviderID]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// NewRegistryFromConfig builds an HTTP provider per configured entry.
func NewRegistryFromConfig(cfgs []config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Registry, error) {
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.AuthURL == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("provider %s: auth and token urls are required", cfg.ID)
		}
		switch ProviderID(cfg.ID) {
		case ProviderGitHub:
			providers = append(providers, NewGitHubProvider(cfg, client, logger))
		default:
			providers = append(providers, NewHTTPProvider(cfg, client, logger))
		}
	}
	return NewRegistry(providers...), nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, error) {
	if r == nil {
		return nil, domainoauth.ErrProviderNotFound
	}
	p, ok := r.providers[ProviderID(id)]
	if !ok {
		return nil, domainoauth.ErrProviderNotFound
	}
	return p, nil
}

// IDs lists the registered provider ids in order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
