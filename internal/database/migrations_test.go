package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"go.uber.org/zap"
)

func TestOpenSQLiteAppliesMigrations(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	defer func() { _ = Close(database) }()

	for _, name := range []string{migrationDropShadowedItems, migrationStampOutboxBaseVersion} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", name)
		}
	}
}

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "legacy.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	defer func() { _ = Close(database) }()

	legacy := []storage.OutboxRecord{
		{ChangeID: "01J9Z3V8Q8M6N5K4J3H2G1F0E9", ModelName: "Todo", ItemID: "live", ChangeType: "UPDATE", PayloadJSON: `{"title":"legacy"}`, Initiator: "USER", CreatedAtMillis: 1_700_000_000_000},
		{ChangeID: "01J9Z3V8Q8M6N5K4J3H2G1F0EA", ModelName: "Todo", ItemID: "fresh", ChangeType: "UPDATE", PayloadJSON: `{"title":"new"}`, Initiator: "USER", CreatedAtMillis: 1_700_000_000_001},
		{ChangeID: "01J9Z3V8Q8M6N5K4J3H2G1F0EB", ModelName: "Todo", ItemID: "live", ChangeType: "CREATE", PayloadJSON: `{"title":"again"}`, Initiator: "USER", CreatedAtMillis: 1_700_000_000_002},
		{ChangeID: "01J9Z3V8Q8M6N5K4J3H2G1F0EC", ModelName: "Todo", ItemID: "gone", ChangeType: "DELETE", PayloadJSON: `{}`, Initiator: "USER", CreatedAtMillis: 1_700_000_000_003},
	}
	for _, row := range legacy {
		if err := database.Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert outbox record: %v", err)
		}
	}
	shadowed := []any{
		&storage.ItemRecord{ModelName: "Todo", ItemID: "gone", PayloadJSON: "{}", UpdatedAtMillis: 1},
		&storage.MetadataRecord{ModelName: "Todo", ItemID: "gone", Deleted: true, Version: 3, LastChangedAtMillis: 1},
		&storage.ItemRecord{ModelName: "Todo", ItemID: "live", PayloadJSON: "{}", UpdatedAtMillis: 1},
		&storage.MetadataRecord{ModelName: "Todo", ItemID: "live", Version: 2, LastChangedAtMillis: 1},
	}
	for _, row := range shadowed {
		if err := database.Create(row).Error; err != nil {
			testContext.Fatalf("failed to insert row: %v", err)
		}
	}
	if err := database.Where("1 = 1").Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migrations: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expectedBases := map[string]int64{
		"01J9Z3V8Q8M6N5K4J3H2G1F0E9": 2,
		"01J9Z3V8Q8M6N5K4J3H2G1F0EA": 0,
		"01J9Z3V8Q8M6N5K4J3H2G1F0EB": 0,
		"01J9Z3V8Q8M6N5K4J3H2G1F0EC": 0,
	}
	for changeID, expected := range expectedBases {
		var stored storage.OutboxRecord
		if err := database.Where("change_id = ?", changeID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload outbox record %s: %v", changeID, err)
		}
		if stored.BaseVersion != expected {
			testContext.Fatalf("record %s (%s %s): expected base version %d, got %d",
				changeID, stored.ChangeType, stored.ItemID, expected, stored.BaseVersion)
		}
	}

	var remaining []storage.ItemRecord
	if err := database.Order("item_id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to list items: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ItemID != "live" {
		testContext.Fatalf("expected only the live item to remain, got %+v", remaining)
	}
}
