package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "store.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Tables()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestStore(testContext *testing.T) *Store {
	testContext.Helper()
	store, err := NewStore(StoreConfig{
		Database: openTestDatabase(testContext),
		Clock:    func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustModel(testContext *testing.T, name, id, payload string) model.Model {
	testContext.Helper()
	item, err := model.NewModel(name, id, json.RawMessage(payload))
	if err != nil {
		testContext.Fatalf("unexpected model error: %v", err)
	}
	return item
}

func TestNewStoreRequiresDatabase(testContext *testing.T) {
	_, err := NewStore(StoreConfig{})
	if !errors.Is(err, model.ErrConfiguration) {
		testContext.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSaveDistinguishesCreateAndUpdate(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()

	created, err := store.Save(ctx, mustModel(testContext, "Todo", "t1", `{"title":"draft"}`), model.InitiatorUser)
	if err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	if created.ChangeType != model.ChangeTypeCreate {
		testContext.Fatalf("expected CREATE, got %s", created.ChangeType)
	}
	if created.Initiator != model.InitiatorUser {
		testContext.Fatalf("expected USER initiator, got %s", created.Initiator)
	}

	updated, err := store.Save(ctx, mustModel(testContext, "Todo", "t1", `{"title":"final"}`), model.InitiatorUser)
	if err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	if updated.ChangeType != model.ChangeTypeUpdate {
		testContext.Fatalf("expected UPDATE, got %s", updated.ChangeType)
	}

	stored, err := store.Get(ctx, "Todo", "t1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if string(stored.Payload) != `{"title":"final"}` {
		testContext.Fatalf("unexpected payload %s", stored.Payload)
	}
}

func TestSaveRejectsUnknownInitiator(testContext *testing.T) {
	store := newTestStore(testContext)
	_, err := store.Save(context.Background(), mustModel(testContext, "Todo", "t1", `{}`), model.Initiator(""))
	if !errors.Is(err, model.ErrInvalidInitiator) {
		testContext.Fatalf("expected ErrInvalidInitiator, got %v", err)
	}
}

func TestDeleteReturnsLastPayloadAndReportsMissingRows(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()

	if _, err := store.Save(ctx, mustModel(testContext, "Todo", "t1", `{"title":"x"}`), model.InitiatorUser); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	record, err := store.Delete(ctx, "Todo", "t1", model.InitiatorUser)
	if err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if record.ChangeType != model.ChangeTypeDelete || string(record.Payload) != `{"title":"x"}` {
		testContext.Fatalf("unexpected delete record %+v", record)
	}

	if _, err := store.Delete(ctx, "Todo", "t1", model.InitiatorUser); !errors.Is(err, ErrItemNotFound) {
		testContext.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "Todo", "t1"); !errors.Is(err, ErrItemNotFound) {
		testContext.Fatalf("expected ErrItemNotFound from get, got %v", err)
	}
}

func TestQueryAppliesPredicate(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if _, err := store.Save(ctx, mustModel(testContext, "Todo", id, `{"title":"`+id+`"}`), model.InitiatorUser); err != nil {
			testContext.Fatalf("save failed: %v", err)
		}
	}
	if _, err := store.Save(ctx, mustModel(testContext, "Note", "a", `{}`), model.InitiatorUser); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	all, err := store.Query(ctx, "Todo", nil)
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		testContext.Fatalf("unexpected query result %+v", all)
	}

	filtered, err := store.Query(ctx, "Todo", func(item model.Model) bool { return item.ID != "b" })
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(filtered) != 2 {
		testContext.Fatalf("expected 2 filtered items, got %d", len(filtered))
	}
}

func TestObserveStreamsWritesWithInitiator(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := store.Observe(ctx)
	if err != nil {
		testContext.Fatalf("observe failed: %v", err)
	}

	if _, err := store.Save(ctx, mustModel(testContext, "Todo", "t1", `{}`), model.InitiatorUser); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	if _, err := store.Save(ctx, mustModel(testContext, "Todo", "t2", `{}`), model.InitiatorSyncEngine); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	expected := []model.Initiator{model.InitiatorUser, model.InitiatorSyncEngine}
	for _, initiator := range expected {
		select {
		case change := <-changes:
			if change.Initiator != initiator {
				testContext.Fatalf("expected %s, got %s", initiator, change.Initiator)
			}
		case <-time.After(time.Second):
			testContext.Fatalf("timed out waiting for %s change", initiator)
		}
	}
}

func TestMetadataAndCheckpointRoundTrip(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()

	if _, found, err := store.GetMetadata(ctx, "Todo", "t1"); err != nil || found {
		testContext.Fatalf("expected no metadata, found=%v err=%v", found, err)
	}
	metadata := model.ModelMetadata{ID: "t1", ModelName: "Todo", Version: 2, LastChangedAt: 42}
	if err := store.SaveMetadata(ctx, metadata); err != nil {
		testContext.Fatalf("save metadata failed: %v", err)
	}
	metadata.Version = 3
	metadata.Deleted = true
	if err := store.SaveMetadata(ctx, metadata); err != nil {
		testContext.Fatalf("upsert metadata failed: %v", err)
	}
	stored, found, err := store.GetMetadata(ctx, "Todo", "t1")
	if err != nil || !found {
		testContext.Fatalf("expected metadata, found=%v err=%v", found, err)
	}
	if stored != metadata {
		testContext.Fatalf("unexpected metadata %+v", stored)
	}

	checkpoint, err := store.GetCheckpoint(ctx, "Todo")
	if err != nil {
		testContext.Fatalf("get checkpoint failed: %v", err)
	}
	if !checkpoint.LastSync.IsZero() {
		testContext.Fatalf("expected zero checkpoint, got %v", checkpoint.LastSync)
	}
	checkpoint.LastSync = time.UnixMilli(1_700_000_123_000).UTC()
	checkpoint.LastFullSync = checkpoint.LastSync
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		testContext.Fatalf("save checkpoint failed: %v", err)
	}
	reloaded, err := store.GetCheckpoint(ctx, "Todo")
	if err != nil {
		testContext.Fatalf("get checkpoint failed: %v", err)
	}
	if !reloaded.LastSync.Equal(checkpoint.LastSync) || !reloaded.LastFullSync.Equal(checkpoint.LastFullSync) {
		testContext.Fatalf("unexpected checkpoint %+v", reloaded)
	}
}

func TestChangeRecordStoreOrdersAndRemoves(testContext *testing.T) {
	changeStore, err := NewChangeRecordStore(ChangeRecordStoreConfig{Database: openTestDatabase(testContext)})
	if err != nil {
		testContext.Fatalf("failed to construct change store: %v", err)
	}
	ctx := context.Background()

	var inserted []model.ChangeRecord
	for _, id := range []string{"x", "y", "z"} {
		record, err := model.NewChangeRecord(mustModel(testContext, "Todo", id, `{}`), model.ChangeTypeCreate, model.InitiatorUser, time.Now())
		if err != nil {
			testContext.Fatalf("record failed: %v", err)
		}
		if err := changeStore.Insert(ctx, record); err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
		inserted = append(inserted, record)
	}

	listed, err := changeStore.List(ctx)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(listed) != 3 {
		testContext.Fatalf("expected 3 records, got %d", len(listed))
	}
	for index := range inserted {
		if listed[index].ID != inserted[index].ID {
			testContext.Fatalf("expected FIFO order at %d", index)
		}
	}

	removed, err := changeStore.Remove(ctx, inserted[1].ID)
	if err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	if removed.ItemID != "y" {
		testContext.Fatalf("unexpected removed record %+v", removed)
	}
	if _, err := changeStore.Remove(ctx, inserted[1].ID); !errors.Is(err, ErrChangeNotFound) {
		testContext.Fatalf("expected ErrChangeNotFound, got %v", err)
	}
	if _, found, err := changeStore.Get(ctx, inserted[1].ID); err != nil || found {
		testContext.Fatalf("expected record to be gone, found=%v err=%v", found, err)
	}
}

func TestWritesCarryBaseVersion(testContext *testing.T) {
	store := newTestStore(testContext)
	ctx := context.Background()

	testCases := []struct {
		name     string
		id       string
		metadata *model.ModelMetadata
		expected int64
	}{
		{name: "never synced", id: "fresh", expected: 0},
		{name: "synced", id: "known", metadata: &model.ModelMetadata{ID: "known", ModelName: "Todo", Version: 6}, expected: 6},
		{name: "tombstoned", id: "gone", metadata: &model.ModelMetadata{ID: "gone", ModelName: "Todo", Version: 3, Deleted: true}, expected: 0},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			if testCase.metadata != nil {
				if err := store.SaveMetadata(ctx, *testCase.metadata); err != nil {
					testContext.Fatalf("save metadata failed: %v", err)
				}
			}
			saved, err := store.Save(ctx, mustModel(testContext, "Todo", testCase.id, `{"title":"edit"}`), model.InitiatorUser)
			if err != nil {
				testContext.Fatalf("save failed: %v", err)
			}
			if saved.BaseVersion != testCase.expected {
				testContext.Fatalf("save: expected base version %d, got %d", testCase.expected, saved.BaseVersion)
			}
			deleted, err := store.Delete(ctx, "Todo", model.ItemID(testCase.id), model.InitiatorUser)
			if err != nil {
				testContext.Fatalf("delete failed: %v", err)
			}
			if deleted.BaseVersion != testCase.expected {
				testContext.Fatalf("delete: expected base version %d, got %d", testCase.expected, deleted.BaseVersion)
			}
		})
	}
}
