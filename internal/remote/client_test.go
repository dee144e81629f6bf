package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Query     string                     `json:"query"`
	Variables map[string]json.RawMessage `json:"variables"`
	APIKey    string                     `json:"-"`
}

type fakeGraphQLServer struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses []func(http.ResponseWriter)
}

func (f *fakeGraphQLServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var captured capturedRequest
	_ = json.NewDecoder(request.Body).Decode(&captured)
	captured.APIKey = request.Header.Get("x-api-key")

	f.mu.Lock()
	index := len(f.requests)
	f.requests = append(f.requests, captured)
	respond := f.responses[len(f.responses)-1]
	if index < len(f.responses) {
		respond = f.responses[index]
	}
	f.mu.Unlock()
	respond(writer)
}

func (f *fakeGraphQLServer) captured() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

func jsonResponse(status int, body string) func(http.ResponseWriter) {
	return func(writer http.ResponseWriter) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, responses ...func(http.ResponseWriter)) (*GraphQLClient, *fakeGraphQLServer) {
	t.Helper()
	fake := &fakeGraphQLServer{responses: responses}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	authorizer, err := auth.NewAPIKeyProvider("test-key", nil)
	require.NoError(t, err)
	schema, err := NewSchema("Todo", []string{"title", "done"})
	require.NoError(t, err)

	client, err := NewGraphQLClient(ClientConfig{
		Endpoint:   server.URL + "/graphql",
		Authorizer: authorizer,
		Schemas:    []Schema{schema},
		PageLimit:  2,
	})
	require.NoError(t, err)
	return client, fake
}

func mustModel(t *testing.T, id, payload string) model.Model {
	t.Helper()
	item, err := model.NewModel("Todo", id, json.RawMessage(payload))
	require.NoError(t, err)
	return item
}

func TestNewGraphQLClientValidatesConfiguration(t *testing.T) {
	authorizer, err := auth.NewAPIKeyProvider("k", nil)
	require.NoError(t, err)
	schema, err := NewSchema("Todo", nil)
	require.NoError(t, err)

	testCases := []ClientConfig{
		{Authorizer: authorizer, Schemas: []Schema{schema}},
		{Endpoint: "ftp://example.com", Authorizer: authorizer, Schemas: []Schema{schema}},
		{Endpoint: "https://example.com/graphql", Schemas: []Schema{schema}},
		{Endpoint: "https://example.com/graphql", Authorizer: authorizer},
	}
	for _, testCase := range testCases {
		_, err := NewGraphQLClient(testCase)
		assert.ErrorIs(t, err, model.ErrConfiguration)
	}
}

func TestCreateDecodesMetadata(t *testing.T) {
	client, fake := newTestClient(t, jsonResponse(http.StatusOK,
		`{"data":{"createTodo":{"id":"t1","title":"milk","done":false,"_version":1,"_deleted":null,"_lastChangedAt":1700000000000}}}`))

	result, err := client.Create(context.Background(), mustModel(t, "t1", `{"title":"milk","done":false}`))
	require.NoError(t, err)

	require.NotNil(t, result.Model)
	assert.Equal(t, model.ItemID("t1"), result.Model.ID)
	assert.JSONEq(t, `{"title":"milk","done":false}`, string(result.Model.Payload))
	assert.Equal(t, model.ModelMetadata{ID: "t1", ModelName: "Todo", Version: 1, LastChangedAt: 1700000000000}, result.Metadata)

	requests := fake.captured()
	require.Len(t, requests, 1)
	assert.Equal(t, "test-key", requests[0].APIKey)
	assert.Contains(t, requests[0].Query, "createTodo(input: $input)")
	assert.JSONEq(t, `{"input":{"id":"t1","title":"milk","done":false}}`, mustJSON(t, requests[0].Variables))
}

func TestUpdateAndDeleteCarryVersion(t *testing.T) {
	client, fake := newTestClient(t,
		jsonResponse(http.StatusOK, `{"data":{"updateTodo":{"id":"t1","title":"eggs","_version":4,"_lastChangedAt":5}}}`),
		jsonResponse(http.StatusOK, `{"data":{"deleteTodo":{"id":"t1","title":"eggs","_version":5,"_deleted":true,"_lastChangedAt":6}}}`),
	)

	updated, err := client.Update(context.Background(), mustModel(t, "t1", `{"title":"eggs"}`), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.Metadata.Version)

	deleted, err := client.Delete(context.Background(), "Todo", "t1", 4)
	require.NoError(t, err)
	assert.True(t, deleted.Metadata.Deleted)
	assert.Nil(t, deleted.Model)

	requests := fake.captured()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"input":{"id":"t1","title":"eggs","_version":3}}`, mustJSON(t, requests[0].Variables))
	assert.JSONEq(t, `{"input":{"id":"t1","_version":4}}`, mustJSON(t, requests[1].Variables))
}

func TestConflictErrorsAreClassified(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusOK,
		`{"data":{"updateTodo":null},"errors":[{"message":"Conflict resolver rejects mutation.","errorType":"ConflictUnhandled"}]}`))

	_, err := client.Update(context.Background(), mustModel(t, "t1", `{}`), 1)
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestDataLessErrorResponseFails(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusOK,
		`{"data":null,"errors":[{"message":"boom","errorType":"DynamoDB:ProvisionedThroughputExceeded"}]}`))

	_, err := client.Create(context.Background(), mustModel(t, "t1", `{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.NotErrorIs(t, err, model.ErrConflict)
}

func TestEmptyDataIsProtocolError(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusOK, `{"data":{"createTodo":null}}`))
	_, err := client.Create(context.Background(), mustModel(t, "t1", `{}`))
	require.ErrorIs(t, err, model.ErrProtocol)
}

func TestServerErrorsAreTransient(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusServiceUnavailable, `upstream down`))
	_, err := client.Create(context.Background(), mustModel(t, "t1", `{}`))
	require.ErrorIs(t, err, model.ErrTransient)
}

func TestSyncPagesUntilTokenExhausted(t *testing.T) {
	client, fake := newTestClient(t,
		jsonResponse(http.StatusOK, `{"data":{"syncTodos":{"items":[{"id":"a","title":"x","_version":1},null,{"id":"b","_version":2,"_deleted":true}],"nextToken":"page-2","startedAt":1700000000000}}}`),
		jsonResponse(http.StatusOK, `{"data":{"syncTodos":{"items":[{"id":"c","title":"z","_version":7}],"nextToken":null,"startedAt":1700000000999}}}`),
	)

	var received []model.ModelWithMetadata
	lastSync := time.UnixMilli(1600000000000)
	result, err := client.Sync(context.Background(), "Todo", lastSync, func(item model.ModelWithMetadata) error {
		received = append(received, item)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Items)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), result.StartedAt)
	require.Len(t, received, 3)
	assert.True(t, received[1].Metadata.Deleted)
	assert.Nil(t, received[1].Model)

	requests := fake.captured()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `1600000000000`, string(requests[0].Variables["lastSync"]))
	assert.JSONEq(t, `null`, string(requests[0].Variables["nextToken"]))
	assert.JSONEq(t, `"page-2"`, string(requests[1].Variables["nextToken"]))
	assert.JSONEq(t, `2`, string(requests[1].Variables["limit"]))
}

func TestSyncStopsOnHandlerError(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusOK,
		`{"data":{"syncTodos":{"items":[{"id":"a","_version":1},{"id":"b","_version":1}],"nextToken":null,"startedAt":1}}}`))

	calls := 0
	_, err := client.Sync(context.Background(), "Todo", time.Time{}, func(model.ModelWithMetadata) error {
		calls++
		return model.NewError(model.ErrStorage, "test", "disk_full", nil)
	})
	require.ErrorIs(t, err, model.ErrStorage)
	assert.Equal(t, 1, calls)
}

func TestSyncRejectsUnknownModel(t *testing.T) {
	client, _ := newTestClient(t, jsonResponse(http.StatusOK, `{}`))
	_, err := client.Sync(context.Background(), "Note", time.Time{}, func(model.ModelWithMetadata) error { return nil })
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func mustJSON(t *testing.T, value any) string {
	t.Helper()
	encoded, err := json.Marshal(value)
	require.NoError(t, err)
	return string(encoded)
}
