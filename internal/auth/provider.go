package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
)

// Type names an authorization scheme for the remote GraphQL endpoint.
type Type string

const (
	TypeAPIKey Type = "api_key"
	TypeIAM    Type = "iam"
	TypeToken  Type = "token"
)

const (
	opNewProvider = "auth.new_provider"
	amzDateFormat = "20060102T150405Z"
)

var (
	errUnsupportedType   = errors.New("unsupported authorization type")
	errMissingAPIKey     = errors.New("api key must be provided")
	errMissingToken      = errors.New("token or token source must be provided")
	errMissingRegion     = errors.New("region must be provided")
	errMissingCredential = errors.New("aws credentials provider must be provided")
	errMissingURL        = errors.New("request url must be provided")
)

// Request describes the HTTP call being authorized. Subscription handshakes and
// start messages authorize a synthetic POST to the GraphQL endpoint.
type Request struct {
	Method string
	URL    *url.URL
	Body   []byte
}

// Provider produces the headers that authorize a request. The same map is sent
// as HTTP headers and as the websocket authorization extension.
type Provider interface {
	Authorize(ctx context.Context, request Request) (map[string]string, error)
}

// ProviderConfig selects and configures one scheme.
type ProviderConfig struct {
	Type        Type
	APIKey      string
	Token       string
	TokenSource func(ctx context.Context) (string, error)
	Region      string
	Credentials aws.CredentialsProvider
	Clock       func() time.Time
}

// NewProvider builds the provider for cfg.Type and rejects unsupported or
// incomplete configurations with model.ErrConfiguration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	switch Type(strings.ToLower(strings.TrimSpace(string(cfg.Type)))) {
	case TypeAPIKey:
		provider, err = NewAPIKeyProvider(cfg.APIKey, cfg.Clock)
	case TypeIAM:
		provider, err = NewIAMProvider(IAMProviderConfig{
			Region:      cfg.Region,
			Credentials: cfg.Credentials,
			Clock:       cfg.Clock,
		})
	case TypeToken:
		provider, err = NewTokenProvider(TokenProviderConfig{
			Token:       cfg.Token,
			TokenSource: cfg.TokenSource,
			Clock:       cfg.Clock,
		})
	default:
		return nil, model.NewError(model.ErrConfiguration, opNewProvider, "unsupported_type",
			fmt.Errorf("%w: %q", errUnsupportedType, cfg.Type))
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}

func hostOf(request Request) (string, error) {
	if request.URL == nil || request.URL.Host == "" {
		return "", errMissingURL
	}
	return request.URL.Host, nil
}
