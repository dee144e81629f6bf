package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const opTokenAuthorize = "auth.token.authorize"

// ErrTokenExpired indicates that a JWT bearer token is past its exp claim.
var ErrTokenExpired = errors.New("auth: token expired")

// TokenProviderConfig configures bearer-token authorization (Cognito user pools, OIDC).
type TokenProviderConfig struct {
	Token       string
	TokenSource func(ctx context.Context) (string, error)
	Clock       func() time.Time
}

// TokenProvider authorizes with a bearer token. Tokens that parse as JWTs are
// checked for expiry before use; opaque tokens pass through.
type TokenProvider struct {
	source func(ctx context.Context) (string, error)
	clock  func() time.Time
	parser *jwt.Parser
}

// NewTokenProvider validates the configuration and constructs the provider.
func NewTokenProvider(cfg TokenProviderConfig) (*TokenProvider, error) {
	source := cfg.TokenSource
	if source == nil {
		token := strings.TrimSpace(cfg.Token)
		if token == "" {
			return nil, model.NewError(model.ErrConfiguration, opNewProvider, "missing_token", errMissingToken)
		}
		source = func(context.Context) (string, error) { return token, nil }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenProvider{source: source, clock: clock, parser: jwt.NewParser()}, nil
}

// Authorize returns {host, Authorization}.
func (p *TokenProvider) Authorize(ctx context.Context, request Request) (map[string]string, error) {
	host, err := hostOf(request)
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opTokenAuthorize, "missing_host", err)
	}
	token, err := p.source(ctx)
	if err != nil {
		return nil, model.NewError(model.ErrTransient, opTokenAuthorize, "token_unavailable", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.NewError(model.ErrConfiguration, opTokenAuthorize, "empty_token", errMissingToken)
	}
	if err := p.checkExpiry(token); err != nil {
		return nil, model.NewError(model.ErrTransient, opTokenAuthorize, "token_expired", err)
	}
	return map[string]string{
		"host":          host,
		"Authorization": token,
	}, nil
}

func (p *TokenProvider) checkExpiry(token string) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := p.parser.ParseUnverified(strings.TrimPrefix(token, "Bearer "), claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	if !p.clock().Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
