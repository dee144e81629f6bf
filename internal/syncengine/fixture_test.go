package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/subscription"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	eventuallyWait = 3 * time.Second
	eventuallyTick = 10 * time.Millisecond
)

type fixture struct {
	store    *storage.Store
	outbox   *outbox.Outbox
	endpoint *fakeEndpoint
	events   *recordingSink
	hydrator *Hydrator
	logger   *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sync.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(storage.Tables()...))

	store, err := storage.NewStore(storage.StoreConfig{Database: database})
	require.NoError(t, err)
	changeStore, err := storage.NewChangeRecordStore(storage.ChangeRecordStoreConfig{Database: database})
	require.NoError(t, err)
	box, err := outbox.New(outbox.Config{Store: changeStore})
	require.NoError(t, err)

	events := &recordingSink{}
	hydrator, err := NewHydrator(HydratorConfig{Store: store, Pending: box, Events: events})
	require.NoError(t, err)

	return &fixture{
		store:    store,
		outbox:   box,
		endpoint: newFakeEndpoint(),
		events:   events,
		hydrator: hydrator,
		logger:   zap.NewNop(),
	}
}

func (f *fixture) newProcessor(t *testing.T) *MutationProcessor {
	t.Helper()
	processor, err := NewMutationProcessor(MutationProcessorConfig{
		Outbox:   f.outbox,
		Store:    f.store,
		Endpoint: f.endpoint,
		Hydrator: f.hydrator,
		Events:   f.events,
		Logger:   f.logger,
	})
	require.NoError(t, err)
	t.Cleanup(processor.Stop)
	return processor
}

// enqueue writes the change through the store as the user would and queues
// the resulting record, so the record carries the store's base version.
func (f *fixture) enqueue(t *testing.T, changeType model.ChangeType, id, payload string) model.ChangeRecord {
	t.Helper()
	ctx := context.Background()
	item := mustModel(t, id, payload)

	var (
		record model.ChangeRecord
		err    error
	)
	if changeType == model.ChangeTypeDelete {
		if _, getErr := f.store.Get(ctx, item.Name, item.ID); errors.Is(getErr, storage.ErrItemNotFound) {
			_, err = f.store.Save(ctx, item, model.InitiatorUser)
			require.NoError(t, err)
		}
		record, err = f.store.Delete(ctx, item.Name, item.ID, model.InitiatorUser)
	} else {
		record, err = f.store.Save(ctx, item, model.InitiatorUser)
		record.ChangeType = changeType
	}
	require.NoError(t, err)
	stored, err := f.outbox.Enqueue(ctx, record)
	require.NoError(t, err)
	return stored
}

func (f *fixture) pendingKeys(t *testing.T) []string {
	t.Helper()
	pending, err := f.outbox.Pending(context.Background())
	if err != nil {
		t.Errorf("pending listing failed: %v", err)
		return nil
	}
	keys := make([]string, 0, len(pending))
	for _, record := range pending {
		keys = append(keys, fmt.Sprintf("%s:%s", record.ChangeType, record.ItemID))
	}
	return keys
}

func mustModel(t *testing.T, id, payload string) model.Model {
	t.Helper()
	item, err := model.NewModel("Todo", id, json.RawMessage(payload))
	require.NoError(t, err)
	return item
}

func mustSchema(t *testing.T, name string) remote.Schema {
	t.Helper()
	schema, err := remote.NewSchema(name, []string{"title"})
	require.NoError(t, err)
	return schema
}

func remoteItem(t *testing.T, id, payload string, version int64) model.ModelWithMetadata {
	t.Helper()
	item := mustModel(t, id, payload)
	return model.ModelWithMetadata{
		Model:    &item,
		Metadata: model.ModelMetadata{ID: item.ID, ModelName: item.Name, Version: version, LastChangedAt: version * 1000},
	}
}

func tombstone(id string, version int64) model.ModelWithMetadata {
	return model.ModelWithMetadata{
		Metadata: model.ModelMetadata{ID: model.ItemID(id), ModelName: "Todo", Deleted: true, Version: version},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) ofType(eventType EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Event
	for _, event := range s.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type fakeEndpoint struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]error
	versions  map[model.ItemID]int64
	items     map[model.ModelName][]model.ModelWithMetadata
	syncErrs  map[model.ModelName]error
	lastSyncs map[model.ModelName][]time.Time
	startedAt time.Time
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		failures:  make(map[string]error),
		versions:  make(map[model.ItemID]int64),
		items:     make(map[model.ModelName][]model.ModelWithMetadata),
		syncErrs:  make(map[model.ModelName]error),
		lastSyncs: make(map[model.ModelName][]time.Time),
		startedAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

// failWith makes every call of the operation ("create", "update", "delete") fail.
func (f *fakeEndpoint) failWith(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[operation] = err
}

// remoteAt sets the version the remote currently holds for id. Updates and
// deletes against any other version then fail with a conflict.
func (f *fakeEndpoint) remoteAt(id model.ItemID, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[id] = version
}

func (f *fakeEndpoint) checkVersion(operation string, id model.ItemID, version int64) error {
	if current := f.versions[id]; current > 0 && version != current {
		return model.NewError(model.ErrConflict, "remote."+operation, "conflict_unhandled",
			fmt.Errorf("sent version %d, remote holds %d", version, current))
	}
	return nil
}

func (f *fakeEndpoint) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEndpoint) respond(operation string, item model.Model, deleted bool) (model.ModelWithMetadata, error) {
	if err := f.failures[operation]; err != nil {
		return model.ModelWithMetadata{}, err
	}
	f.versions[item.ID]++
	result := model.ModelWithMetadata{Metadata: model.ModelMetadata{
		ID:        item.ID,
		ModelName: item.Name,
		Deleted:   deleted,
		Version:   f.versions[item.ID],
	}}
	if !deleted {
		copied := item
		result.Model = &copied
	}
	return result, nil
}

func (f *fakeEndpoint) Create(_ context.Context, item model.Model) (model.ModelWithMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("create:%s", item.ID))
	return f.respond("create", item, false)
}

func (f *fakeEndpoint) Update(_ context.Context, item model.Model, version int64) (model.ModelWithMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("update:%s@%d", item.ID, version))
	if err := f.checkVersion("update", item.ID, version); err != nil {
		return model.ModelWithMetadata{}, err
	}
	return f.respond("update", item, false)
}

func (f *fakeEndpoint) Delete(_ context.Context, name model.ModelName, id model.ItemID, version int64) (model.ModelWithMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete:%s@%d", id, version))
	if err := f.checkVersion("delete", id, version); err != nil {
		return model.ModelWithMetadata{}, err
	}
	return f.respond("delete", model.Model{ID: id, Name: name}, true)
}

func (f *fakeEndpoint) Sync(_ context.Context, name model.ModelName, lastSync time.Time, handle func(model.ModelWithMetadata) error) (remote.SyncResult, error) {
	f.mu.Lock()
	f.lastSyncs[name] = append(f.lastSyncs[name], lastSync)
	items := append([]model.ModelWithMetadata(nil), f.items[name]...)
	syncErr := f.syncErrs[name]
	startedAt := f.startedAt
	f.mu.Unlock()

	if syncErr != nil {
		return remote.SyncResult{}, syncErr
	}
	for _, item := range items {
		if err := handle(item); err != nil {
			return remote.SyncResult{}, err
		}
	}
	return remote.SyncResult{StartedAt: startedAt, Items: len(items), Pages: 1}, nil
}

func (f *fakeEndpoint) syncCalls(name model.ModelName) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.lastSyncs[name]...)
}

// fakeSubscriber hands out streams keyed by subscription document.
type fakeSubscriber struct {
	mu        sync.Mutex
	streams   map[string]*fakeStream
	opens     map[string]int
	failOpens map[string]int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		streams:   make(map[string]*fakeStream),
		opens:     make(map[string]int),
		failOpens: make(map[string]int),
	}
}

// failNextOpens makes the next n Open calls for query fail with a transient error.
func (s *fakeSubscriber) failNextOpens(query string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens[query] = n
}

func (s *fakeSubscriber) Open(_ context.Context, request subscription.Request) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens[request.Query]++
	if s.failOpens[request.Query] > 0 {
		s.failOpens[request.Query]--
		return nil, model.NewError(model.ErrTransient, "subscription.subscribe", "dial_failed", errors.New("connection refused"))
	}
	stream := &fakeStream{data: make(chan json.RawMessage, 8), done: make(chan struct{})}
	s.streams[request.Query] = stream
	return stream, nil
}

func (s *fakeSubscriber) stream(query string) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[query]
}

func (s *fakeSubscriber) openCount(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[query]
}

type fakeStream struct {
	data      chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *fakeStream) Data() <-chan json.RawMessage { return s.data }
func (s *fakeStream) Done() <-chan struct{}        { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// drop ends the stream the way a lost connection does: data closes, then done.
func (s *fakeStream) drop(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.data)
		close(s.done)
	})
}
