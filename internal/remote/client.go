package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"go.uber.org/zap"
)

const (
	opClientNew = "remote.client.new"
	opCreate    = "remote.create"
	opUpdate    = "remote.update"
	opDelete    = "remote.delete"
	opSync      = "remote.sync"

	defaultPageLimit   = 1000
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 16 << 20
)

var (
	errMissingEndpoint   = errors.New("graphql endpoint is required")
	errInvalidEndpoint   = errors.New("graphql endpoint must be an absolute http(s) url")
	errMissingAuthorizer = errors.New("authorization provider is required")
	errMissingSchemas    = errors.New("at least one schema is required")
	errUnknownModel      = errors.New("model is not managed by this client")
	errEmptyResponse     = errors.New("response carries no data for the requested field")

	// conflictErrorTypes are the errorType values AppSync uses for version mismatches.
	conflictErrorTypes = map[string]struct{}{
		"ConflictUnhandled":               {},
		"ConditionalCheckFailedException": {},
	}

	noOpLogger = zap.NewNop()
)

// SyncResult summarizes one paged delta sync.
type SyncResult struct {
	StartedAt time.Time
	Items     int
	Pages     int
}

// Endpoint is the remote model store: versioned mutations and paged delta sync.
type Endpoint interface {
	Create(ctx context.Context, item model.Model) (model.ModelWithMetadata, error)
	Update(ctx context.Context, item model.Model, version int64) (model.ModelWithMetadata, error)
	Delete(ctx context.Context, name model.ModelName, id model.ItemID, version int64) (model.ModelWithMetadata, error)
	Sync(ctx context.Context, name model.ModelName, lastSync time.Time, handle func(model.ModelWithMetadata) error) (SyncResult, error)
}

var _ Endpoint = (*GraphQLClient)(nil)

// ClientConfig wires a GraphQLClient.
type ClientConfig struct {
	Endpoint   string
	Authorizer auth.Provider
	HTTPClient *http.Client
	Schemas    []Schema
	PageLimit  int
	Logger     *zap.Logger
}

// GraphQLClient performs versioned mutations and delta syncs against an
// AppSync-compatible GraphQL endpoint.
type GraphQLClient struct {
	endpoint   *url.URL
	authorizer auth.Provider
	httpClient *http.Client
	schemas    map[model.ModelName]Schema
	pageLimit  int
	logger     *zap.Logger
}

// NewGraphQLClient validates the configuration and constructs a client.
func NewGraphQLClient(cfg ClientConfig) (*GraphQLClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, model.NewError(model.ErrConfiguration, opClientNew, "missing_endpoint", errMissingEndpoint)
	}
	endpoint, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, model.NewError(model.ErrConfiguration, opClientNew, "invalid_endpoint",
			fmt.Errorf("%w: %q", errInvalidEndpoint, cfg.Endpoint))
	}
	if cfg.Authorizer == nil {
		return nil, model.NewError(model.ErrConfiguration, opClientNew, "missing_authorizer", errMissingAuthorizer)
	}
	if len(cfg.Schemas) == 0 {
		return nil, model.NewError(model.ErrConfiguration, opClientNew, "missing_schemas", errMissingSchemas)
	}
	schemas := make(map[model.ModelName]Schema, len(cfg.Schemas))
	for _, schema := range cfg.Schemas {
		schemas[schema.Name] = schema
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GraphQLClient{
		endpoint:   endpoint,
		authorizer: cfg.Authorizer,
		httpClient: httpClient,
		schemas:    schemas,
		pageLimit:  pageLimit,
		logger:     logger,
	}, nil
}

// Endpoint returns the GraphQL endpoint URL.
func (c *GraphQLClient) Endpoint() *url.URL {
	copied := *c.endpoint
	return &copied
}

// Create publishes a new model instance.
func (c *GraphQLClient) Create(ctx context.Context, item model.Model) (model.ModelWithMetadata, error) {
	return c.mutate(ctx, opCreate, model.ChangeTypeCreate, item, nil)
}

// Update publishes a change guarded by the last known version.
func (c *GraphQLClient) Update(ctx context.Context, item model.Model, version int64) (model.ModelWithMetadata, error) {
	return c.mutate(ctx, opUpdate, model.ChangeTypeUpdate, item, &version)
}

// Delete publishes a deletion guarded by the last known version.
func (c *GraphQLClient) Delete(ctx context.Context, name model.ModelName, id model.ItemID, version int64) (model.ModelWithMetadata, error) {
	return c.mutate(ctx, opDelete, model.ChangeTypeDelete, model.Model{ID: id, Name: name}, &version)
}

func (c *GraphQLClient) mutate(ctx context.Context, operation string, changeType model.ChangeType, item model.Model, version *int64) (model.ModelWithMetadata, error) {
	schema, ok := c.schemas[item.Name]
	if !ok {
		return model.ModelWithMetadata{}, model.NewError(model.ErrConfiguration, operation, "unknown_model",
			fmt.Errorf("%w: %s", errUnknownModel, item.Name))
	}

	var input map[string]any
	if changeType == model.ChangeTypeDelete {
		input = map[string]any{fieldID: item.ID.String()}
		if version != nil {
			input[fieldVersion] = *version
		}
	} else {
		encoded, err := encodeInput(item, version)
		if err != nil {
			return model.ModelWithMetadata{}, model.NewError(nil, operation, "invalid_payload", err)
		}
		input = encoded
	}

	field := schema.MutationField(changeType)
	raw, err := c.execute(ctx, operation, schema.MutationDocument(changeType), map[string]any{"input": input}, field)
	if err != nil {
		return model.ModelWithMetadata{}, err
	}
	return schema.DecodeItem(raw)
}

// Sync pages through every item of the model type changed since lastSync
// (all items when lastSync is zero) and hands each one to handle. A handler
// error stops the sync and is returned.
func (c *GraphQLClient) Sync(ctx context.Context, name model.ModelName, lastSync time.Time, handle func(model.ModelWithMetadata) error) (SyncResult, error) {
	schema, ok := c.schemas[name]
	if !ok {
		return SyncResult{}, model.NewError(model.ErrConfiguration, opSync, "unknown_model",
			fmt.Errorf("%w: %s", errUnknownModel, name))
	}

	var (
		result    SyncResult
		nextToken *string
	)
	for {
		variables := map[string]any{
			"limit":     c.pageLimit,
			"nextToken": nextToken,
			"lastSync":  nil,
		}
		if !lastSync.IsZero() {
			variables["lastSync"] = lastSync.UnixMilli()
		}

		raw, err := c.execute(ctx, opSync, schema.SyncDocument(), variables, schema.SyncField())
		if err != nil {
			return result, err
		}
		var page struct {
			Items     []json.RawMessage `json:"items"`
			NextToken *string           `json:"nextToken"`
			StartedAt int64             `json:"startedAt"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return result, model.NewError(model.ErrProtocol, opSync, "malformed_page", err)
		}
		result.Pages++
		if result.StartedAt.IsZero() && page.StartedAt > 0 {
			result.StartedAt = time.UnixMilli(page.StartedAt).UTC()
		}

		for _, rawItem := range page.Items {
			if len(bytes.TrimSpace(rawItem)) == 0 || bytes.Equal(bytes.TrimSpace(rawItem), []byte("null")) {
				continue
			}
			item, err := schema.DecodeItem(rawItem)
			if err != nil {
				return result, err
			}
			if err := handle(item); err != nil {
				return result, model.NewError(nil, opSync, "apply_failed", err)
			}
			result.Items++
		}

		if page.NextToken == nil || *page.NextToken == "" {
			break
		}
		nextToken = page.NextToken
	}

	c.logger.Debug("remote sync completed",
		zap.String("model", name.String()),
		zap.Int("items", result.Items),
		zap.Int("pages", result.Pages))
	return result, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type graphQLError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

func (c *GraphQLClient) execute(ctx context.Context, operation, document string, variables map[string]any, field string) (json.RawMessage, error) {
	body, err := json.Marshal(graphQLRequest{Query: document, Variables: variables})
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, operation, "request_encode_failed", err)
	}

	headers, err := c.authorizer.Authorize(ctx, auth.Request{Method: http.MethodPost, URL: c.endpoint, Body: body})
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.ErrProtocol, operation, "request_build_failed", err)
	}
	for name, value := range headers {
		if strings.EqualFold(name, "host") {
			continue
		}
		request.Header.Set(name, value)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, model.NewError(model.ErrTransient, operation, "request_failed", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewError(model.ErrTransient, operation, "response_read_failed", err)
	}

	switch {
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= http.StatusInternalServerError:
		return nil, model.NewError(model.ErrTransient, operation, "server_unavailable",
			fmt.Errorf("status %d", response.StatusCode))
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, model.NewError(model.ErrProtocol, operation, "unauthorized",
			fmt.Errorf("status %d", response.StatusCode))
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, model.NewError(model.ErrProtocol, operation, "malformed_response",
			fmt.Errorf("status %d: %w", response.StatusCode, err))
	}

	if len(decoded.Errors) > 0 {
		return nil, classifyErrors(operation, decoded.Errors)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return nil, model.NewError(model.ErrProtocol, operation, "unexpected_status",
			fmt.Errorf("status %d", response.StatusCode))
	}

	raw, ok := decoded.Data[field]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, model.NewError(model.ErrProtocol, operation, "empty_response", errEmptyResponse)
	}
	return raw, nil
}

func classifyErrors(operation string, errs []graphQLError) error {
	messages := make([]string, 0, len(errs))
	conflict := false
	for _, graphErr := range errs {
		if _, ok := conflictErrorTypes[graphErr.ErrorType]; ok {
			conflict = true
		}
		if graphErr.ErrorType != "" {
			messages = append(messages, fmt.Sprintf("%s: %s", graphErr.ErrorType, graphErr.Message))
		} else {
			messages = append(messages, graphErr.Message)
		}
	}
	cause := errors.New(strings.Join(messages, "; "))
	if conflict {
		return model.NewError(model.ErrConflict, operation, "version_conflict", cause)
	}
	return model.NewError(model.ErrTransient, operation, "remote_rejected", cause)
}
