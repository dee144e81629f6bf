package auth

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
)

const opAPIKeyAuthorize = "auth.api_key.authorize"

// APIKeyProvider authorizes with a static API key.
type APIKeyProvider struct {
	key   string
	clock func() time.Time
}

// NewAPIKeyProvider validates the key and constructs the provider.
func NewAPIKeyProvider(key string, clock func() time.Time) (*APIKeyProvider, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, model.NewError(model.ErrConfiguration, opNewProvider, "missing_api_key", errMissingAPIKey)
	}
	if clock == nil {
		clock = time.Now
	}
	return &APIKeyProvider{key: trimmed, clock: clock}, nil
}

// Authorize returns {host, x-amz-date, x-api-key}.
func (p *APIKeyProvider) Authorize(_ context.Context, request Request) (map[string]string, error) {
	host, err := hostOf(request)
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opAPIKeyAuthorize, "missing_host", err)
	}
	return map[string]string{
		"host":       host,
		"x-amz-date": p.clock().UTC().Format(amzDateFormat),
		"x-api-key":  p.key,
	}, nil
}
