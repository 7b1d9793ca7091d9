package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	domainoauth "github.com/smallbiznis/valora-session/internal/domain/oauth"
)

// GitHubProvider adds the emails lookup GitHub needs to report a verified
// primary address.
type GitHubProvider struct {
	*HTTPProvider
}

var _ Provider = (*GitHubProvider)(nil)

// NewGitHubProvider builds the GitHub provider.
func NewGitHubProvider(cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) *GitHubProvider {
	return &GitHubProvider{HTTPProvider: NewHTTPProvider(cfg, client, logger)}
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *GitHubProvider) GetUserInfo(ctx context.Context, tokens domainoauth.Tokens) (*domainoauth.UserInfoResult, error) {
	raw, err := p.getJSON(ctx, p.cfg.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("github user: %w", err)
	}
	info := profileFromClaims(raw)

	emails, err := p.emails(ctx, tokens.AccessToken)
	if err != nil {
		p.logger.Warn("github emails lookup failed", zap.Error(err))
	}
	for _, e := range emails {
		if info.User.Email == "" && e.Primary {
			info.User.Email = e.Email
		}
		if strings.EqualFold(e.Email, info.User.Email) {
			info.User.EmailVerified = e.Verified
		}
	}
	if info.User.Email == "" {
		return nil, nil
	}
	return info, nil
}

func (p *GitHubProvider) emails(ctx context.Context, accessToken string) ([]githubEmail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.cfg.UserInfoURL, "/")+"/emails", nil)
	if err != nil {
		return nil, fmt.Errorf("build emails request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	var out []githubEmail
	if err := decodeJSON(body, &out); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}
	return out, nil
}
