package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	opIAMAuthorize    = "auth.iam.authorize"
	appSyncService    = "appsync"
	iamAccept         = "application/json, text/javascript"
	iamContentType    = "application/json; charset=UTF-8"
	iamContentEncoder = "amz-1.0"
)

// IAMProviderConfig configures SigV4 request signing.
type IAMProviderConfig struct {
	Region      string
	Credentials aws.CredentialsProvider
	Signer      *v4.Signer
	Clock       func() time.Time
}

// IAMProvider signs requests with AWS Signature Version 4 for AppSync.
type IAMProvider struct {
	region      string
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	clock       func() time.Time
}

// NewIAMProvider validates the configuration and constructs the provider.
func NewIAMProvider(cfg IAMProviderConfig) (*IAMProvider, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, model.NewError(model.ErrConfiguration, opNewProvider, "missing_region", errMissingRegion)
	}
	if cfg.Credentials == nil {
		return nil, model.NewError(model.ErrConfiguration, opNewProvider, "missing_credentials", errMissingCredential)
	}
	signer := cfg.Signer
	if signer == nil {
		signer = v4.NewSigner()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &IAMProvider{
		region:      region,
		credentials: cfg.Credentials,
		signer:      signer,
		clock:       clock,
	}, nil
}

// Authorize signs a POST of request.Body to request.URL and returns every
// signed header.
func (p *IAMProvider) Authorize(ctx context.Context, request Request) (map[string]string, error) {
	host, err := hostOf(request)
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opIAMAuthorize, "missing_host", err)
	}
	method := request.Method
	if method == "" {
		method = http.MethodPost
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, request.URL.String(), bytes.NewReader(request.Body))
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, opIAMAuthorize, "request_build_failed", err)
	}
	httpRequest.Header.Set("accept", iamAccept)
	httpRequest.Header.Set("content-encoding", iamContentEncoder)
	httpRequest.Header.Set("content-type", iamContentType)

	credentials, err := p.credentials.Retrieve(ctx)
	if err != nil {
		return nil, model.NewError(model.ErrTransient, opIAMAuthorize, "credentials_unavailable", err)
	}

	digest := sha256.Sum256(request.Body)
	payloadHash := hex.EncodeToString(digest[:])
	if err := p.signer.SignHTTP(ctx, credentials, httpRequest, payloadHash, appSyncService, p.region, p.clock().UTC()); err != nil {
		return nil, model.NewError(model.ErrProtocol, opIAMAuthorize, "sign_failed", err)
	}

	headers := map[string]string{
		"accept":           iamAccept,
		"content-encoding": iamContentEncoder,
		"content-type":     iamContentType,
		"host":             host,
		"x-amz-date":       httpRequest.Header.Get("X-Amz-Date"),
		"Authorization":    httpRequest.Header.Get("Authorization"),
	}
	if token := httpRequest.Header.Get("X-Amz-Security-Token"); token != "" {
		headers["X-Amz-Security-Token"] = token
	}
	return headers, nil
}
