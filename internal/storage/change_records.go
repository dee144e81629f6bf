package storage

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opChangeStoreNew = "storage.change_records.new"
	opChangeInsert   = "storage.change_records.insert"
	opChangeList     = "storage.change_records.list"
	opChangeGet      = "storage.change_records.get"
	opChangeRemove   = "storage.change_records.remove"
	opChangeCount    = "storage.change_records.count"
	opChangeRebase   = "storage.change_records.rebase"
)

// ChangeRecordStoreConfig wires the outbox table.
type ChangeRecordStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// ChangeRecordStore persists pending ChangeRecords in the mutation_outbox table.
type ChangeRecordStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewChangeRecordStore validates the configuration and constructs a ChangeRecordStore.
func NewChangeRecordStore(cfg ChangeRecordStoreConfig) (*ChangeRecordStore, error) {
	if cfg.Database == nil {
		return nil, model.NewError(model.ErrConfiguration, opChangeStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ChangeRecordStore{db: cfg.Database, logger: logger}, nil
}

// Insert durably stores the record.
func (s *ChangeRecordStore) Insert(ctx context.Context, record model.ChangeRecord) error {
	row := OutboxRecord{
		ChangeID:        record.ID.String(),
		ModelName:       record.ModelName.String(),
		ItemID:          record.ItemID.String(),
		ChangeType:      string(record.ChangeType),
		PayloadJSON:     string(record.Payload),
		Initiator:       string(record.Initiator),
		BaseVersion:     record.BaseVersion,
		CreatedAtMillis: toMillis(record.CreatedAt),
	}
	if row.PayloadJSON == "" {
		row.PayloadJSON = "{}"
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		logStorageError(s.logger, opChangeInsert, "insert_failed", err, zap.String("change_id", row.ChangeID))
		return model.NewError(model.ErrStorage, opChangeInsert, "insert_failed", err)
	}
	return nil
}

// List returns every stored record in change id order, which is enqueue order.
// Rows that no longer decode are skipped and logged.
func (s *ChangeRecordStore) List(ctx context.Context) ([]model.ChangeRecord, error) {
	var rows []OutboxRecord
	if err := s.db.WithContext(ctx).Order("change_id ASC").Find(&rows).Error; err != nil {
		logStorageError(s.logger, opChangeList, "query_failed", err)
		return nil, model.NewError(model.ErrStorage, opChangeList, "query_failed", err)
	}
	records := make([]model.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toChangeRecord()
		if err != nil {
			s.logger.Warn("skipping undecodable outbox row",
				zap.String("operation", opChangeList),
				zap.String("change_id", row.ChangeID),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Get loads one record; the boolean reports whether it exists.
func (s *ChangeRecordStore) Get(ctx context.Context, id model.ChangeID) (model.ChangeRecord, bool, error) {
	var row OutboxRecord
	err := s.db.WithContext(ctx).Where("change_id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ChangeRecord{}, false, nil
	}
	if err != nil {
		logStorageError(s.logger, opChangeGet, "query_failed", err, zap.String("change_id", id.String()))
		return model.ChangeRecord{}, false, model.NewError(model.ErrStorage, opChangeGet, "query_failed", err)
	}
	record, err := row.toChangeRecord()
	if err != nil {
		return model.ChangeRecord{}, false, model.NewError(model.ErrStorage, opChangeGet, "decode_failed", err)
	}
	return record, true, nil
}

// Remove deletes the record and returns what was stored. A missing record
// yields ErrChangeNotFound.
func (s *ChangeRecordStore) Remove(ctx context.Context, id model.ChangeID) (model.ChangeRecord, error) {
	var removed OutboxRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("change_id = ?", id.String()).Take(&removed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.NewError(nil, opChangeRemove, "not_found", ErrChangeNotFound)
		}
		if err != nil {
			logStorageError(s.logger, opChangeRemove, "select_failed", err, zap.String("change_id", id.String()))
			return model.NewError(model.ErrStorage, opChangeRemove, "select_failed", err)
		}
		result := tx.Where("change_id = ?", id.String()).Delete(&OutboxRecord{})
		if result.Error != nil {
			logStorageError(s.logger, opChangeRemove, "delete_failed", result.Error, zap.String("change_id", id.String()))
			return model.NewError(model.ErrStorage, opChangeRemove, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return model.NewError(nil, opChangeRemove, "not_found", ErrChangeNotFound)
		}
		return nil
	})
	if txErr != nil {
		return model.ChangeRecord{}, txErr
	}
	record, err := removed.toChangeRecord()
	if err != nil {
		return model.ChangeRecord{}, model.NewError(model.ErrStorage, opChangeRemove, "decode_failed", err)
	}
	return record, nil
}

// CountForItem reports how many user records are stored for one item.
func (s *ChangeRecordStore) CountForItem(ctx context.Context, name model.ModelName, id model.ItemID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("model_name = ? AND item_id = ? AND initiator <> ?", name.String(), id.String(), string(model.InitiatorSyncEngine)).
		Count(&count).Error
	if err != nil {
		logStorageError(s.logger, opChangeCount, "query_failed", err, itemFields(name, id)...)
		return 0, model.NewError(model.ErrStorage, opChangeCount, "query_failed", err)
	}
	return count, nil
}

// Rebase moves every stored record of the item whose base version is at most
// through onto version. It runs after one of the item's records is published
// so the records queued behind it are sent against the published version.
func (s *ChangeRecordStore) Rebase(ctx context.Context, name model.ModelName, id model.ItemID, through, version int64) error {
	err := s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("model_name = ? AND item_id = ? AND base_version <= ?", name.String(), id.String(), through).
		Update("base_version", version).Error
	if err != nil {
		logStorageError(s.logger, opChangeRebase, "update_failed", err, itemFields(name, id)...)
		return model.NewError(model.ErrStorage, opChangeRebase, "update_failed", err)
	}
	return nil
}

func (r OutboxRecord) toChangeRecord() (model.ChangeRecord, error) {
	changeID, err := model.ParseChangeID(r.ChangeID)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	changeType, err := model.ParseChangeType(r.ChangeType)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	initiator, err := model.ParseInitiator(r.Initiator)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	return model.ChangeRecord{
		ID:          changeID,
		ItemID:      model.ItemID(r.ItemID),
		ModelName:   model.ModelName(r.ModelName),
		ChangeType:  changeType,
		Payload:     []byte(r.PayloadJSON),
		Initiator:   initiator,
		BaseVersion: r.BaseVersion,
		CreatedAt:   fromMillis(r.CreatedAtMillis),
	}, nil
}
