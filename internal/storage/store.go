package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/feed"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrItemNotFound indicates that no local row exists for the model instance.
	ErrItemNotFound = errors.New("storage: item not found")
	// ErrChangeNotFound indicates that the change record is not (or no longer) stored.
	ErrChangeNotFound = errors.New("storage: change record not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "storage.store.new"
	opSave           = "storage.save"
	opDelete         = "storage.delete"
	opGet            = "storage.get"
	opQuery          = "storage.query"
	opObserve        = "storage.observe"
	opGetMetadata    = "storage.get_metadata"
	opSaveMetadata   = "storage.save_metadata"
	opGetCheckpoint  = "storage.get_checkpoint"
	opSaveCheckpoint = "storage.save_checkpoint"
)

// Predicate filters query results; nil matches everything.
type Predicate func(model.Model) bool

// Checkpoint is the last successful sync of one model type.
type Checkpoint struct {
	ModelName    model.ModelName
	LastSync     time.Time
	LastFullSync time.Time
}

// StoreConfig wires the local store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the on-device model store. Every write carries an initiator tag and
// is announced on the change feed returned by Observe.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	changes *feed.Hub[model.ChangeRecord]
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, model.NewError(model.ErrConfiguration, opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		changes: feed.NewHub[model.ChangeRecord](),
	}, nil
}

// Save upserts the model row. The returned record is CREATE when no row existed
// before, UPDATE otherwise.
func (s *Store) Save(ctx context.Context, item model.Model, initiator model.Initiator) (model.ChangeRecord, error) {
	if _, err := model.ParseInitiator(string(initiator)); err != nil {
		return model.ChangeRecord{}, model.NewError(nil, opSave, "invalid_initiator", err)
	}
	validated, err := model.NewModel(item.Name.String(), item.ID.String(), item.Payload)
	if err != nil {
		return model.ChangeRecord{}, model.NewError(nil, opSave, "invalid_model", err)
	}

	now := s.clock().UTC()
	var record model.ChangeRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changeType := model.ChangeTypeUpdate
		var existing ItemRecord
		err := tx.Where("model_name = ? AND item_id = ?", validated.Name.String(), validated.ID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			changeType = model.ChangeTypeCreate
		} else if err != nil {
			logStorageError(s.logger, opSave, "item_select_failed", err, itemFields(validated.Name, validated.ID)...)
			return model.NewError(model.ErrStorage, opSave, "item_select_failed", err)
		}

		row := ItemRecord{
			ModelName:       validated.Name.String(),
			ItemID:          validated.ID.String(),
			PayloadJSON:     string(validated.Payload),
			UpdatedAtMillis: now.UnixMilli(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_name"}, {Name: "item_id"}},
			UpdateAll: true,
		}).Create(&row).Error; err != nil {
			logStorageError(s.logger, opSave, "item_upsert_failed", err, itemFields(validated.Name, validated.ID)...)
			return model.NewError(model.ErrStorage, opSave, "item_upsert_failed", err)
		}

		record, err = model.NewChangeRecord(validated, changeType, initiator, now)
		if err != nil {
			return err
		}
		record.BaseVersion, err = baseVersion(tx, validated.Name, validated.ID)
		return err
	})
	if txErr != nil {
		return model.ChangeRecord{}, txErr
	}

	s.changes.Publish(record)
	return record, nil
}

// Delete removes the model row and returns a DELETE record carrying the last payload.
func (s *Store) Delete(ctx context.Context, name model.ModelName, id model.ItemID, initiator model.Initiator) (model.ChangeRecord, error) {
	if _, err := model.ParseInitiator(string(initiator)); err != nil {
		return model.ChangeRecord{}, model.NewError(nil, opDelete, "invalid_initiator", err)
	}

	now := s.clock().UTC()
	var record model.ChangeRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ItemRecord
		err := tx.Where("model_name = ? AND item_id = ?", name.String(), id.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.NewError(nil, opDelete, "item_not_found", ErrItemNotFound)
		}
		if err != nil {
			logStorageError(s.logger, opDelete, "item_select_failed", err, itemFields(name, id)...)
			return model.NewError(model.ErrStorage, opDelete, "item_select_failed", err)
		}
		if err := tx.Where("model_name = ? AND item_id = ?", name.String(), id.String()).
			Delete(&ItemRecord{}).Error; err != nil {
			logStorageError(s.logger, opDelete, "item_delete_failed", err, itemFields(name, id)...)
			return model.NewError(model.ErrStorage, opDelete, "item_delete_failed", err)
		}
		record, err = model.NewChangeRecord(existing.toModel(), model.ChangeTypeDelete, initiator, now)
		if err != nil {
			return err
		}
		record.BaseVersion, err = baseVersion(tx, name, id)
		return err
	})
	if txErr != nil {
		return model.ChangeRecord{}, txErr
	}

	s.changes.Publish(record)
	return record, nil
}

// baseVersion reads the remote version a local write is made against, inside
// the write's transaction. Unknown and tombstoned items yield zero.
func baseVersion(tx *gorm.DB, name model.ModelName, id model.ItemID) (int64, error) {
	var row MetadataRecord
	err := tx.Where("model_name = ? AND item_id = ?", name.String(), id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, model.NewError(model.ErrStorage, opGetMetadata, "query_failed", err)
	}
	if row.Deleted {
		return 0, nil
	}
	return row.Version, nil
}

// Get loads one model instance.
func (s *Store) Get(ctx context.Context, name model.ModelName, id model.ItemID) (model.Model, error) {
	var row ItemRecord
	err := s.db.WithContext(ctx).
		Where("model_name = ? AND item_id = ?", name.String(), id.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Model{}, model.NewError(nil, opGet, "item_not_found", ErrItemNotFound)
	}
	if err != nil {
		logStorageError(s.logger, opGet, "query_failed", err, itemFields(name, id)...)
		return model.Model{}, model.NewError(model.ErrStorage, opGet, "query_failed", err)
	}
	return row.toModel(), nil
}

// Query returns the instances of a model type that satisfy the predicate, ordered by id.
func (s *Store) Query(ctx context.Context, name model.ModelName, predicate Predicate) ([]model.Model, error) {
	var rows []ItemRecord
	if err := s.db.WithContext(ctx).
		Where("model_name = ?", name.String()).
		Order("item_id ASC").
		Find(&rows).Error; err != nil {
		logStorageError(s.logger, opQuery, "query_failed", err, zap.String("model", name.String()))
		return nil, model.NewError(model.ErrStorage, opQuery, "query_failed", err)
	}

	items := make([]model.Model, 0, len(rows))
	for _, row := range rows {
		item := row.toModel()
		if predicate != nil && !predicate(item) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Observe streams every write made after the call returns until ctx is done.
func (s *Store) Observe(ctx context.Context) (<-chan model.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(nil, opObserve, "context_done", err)
	}
	return s.changes.Subscribe(ctx), nil
}

// GetMetadata loads the metadata row; the boolean reports whether one exists.
func (s *Store) GetMetadata(ctx context.Context, name model.ModelName, id model.ItemID) (model.ModelMetadata, bool, error) {
	var row MetadataRecord
	err := s.db.WithContext(ctx).
		Where("model_name = ? AND item_id = ?", name.String(), id.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ModelMetadata{}, false, nil
	}
	if err != nil {
		logStorageError(s.logger, opGetMetadata, "query_failed", err, itemFields(name, id)...)
		return model.ModelMetadata{}, false, model.NewError(model.ErrStorage, opGetMetadata, "query_failed", err)
	}
	return model.ModelMetadata{
		ID:            model.ItemID(row.ItemID),
		ModelName:     model.ModelName(row.ModelName),
		Deleted:       row.Deleted,
		Version:       row.Version,
		LastChangedAt: row.LastChangedAtMillis,
	}, true, nil
}

// SaveMetadata upserts the metadata row.
func (s *Store) SaveMetadata(ctx context.Context, metadata model.ModelMetadata) error {
	row := MetadataRecord{
		ModelName:           metadata.ModelName.String(),
		ItemID:              metadata.ID.String(),
		Deleted:             metadata.Deleted,
		Version:             metadata.Version,
		LastChangedAtMillis: metadata.LastChangedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_name"}, {Name: "item_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		logStorageError(s.logger, opSaveMetadata, "upsert_failed", err, itemFields(metadata.ModelName, metadata.ID)...)
		return model.NewError(model.ErrStorage, opSaveMetadata, "upsert_failed", err)
	}
	return nil
}

// GetCheckpoint returns the stored checkpoint, or a zero checkpoint for a never-synced type.
func (s *Store) GetCheckpoint(ctx context.Context, name model.ModelName) (Checkpoint, error) {
	var row CheckpointRecord
	err := s.db.WithContext(ctx).Where("model_name = ?", name.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{ModelName: name}, nil
	}
	if err != nil {
		logStorageError(s.logger, opGetCheckpoint, "query_failed", err, zap.String("model", name.String()))
		return Checkpoint{}, model.NewError(model.ErrStorage, opGetCheckpoint, "query_failed", err)
	}
	return Checkpoint{
		ModelName:    name,
		LastSync:     fromMillis(row.LastSyncMillis),
		LastFullSync: fromMillis(row.LastFullSyncMillis),
	}, nil
}

// SaveCheckpoint upserts the checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	row := CheckpointRecord{
		ModelName:          checkpoint.ModelName.String(),
		LastSyncMillis:     toMillis(checkpoint.LastSync),
		LastFullSyncMillis: toMillis(checkpoint.LastFullSync),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_name"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		logStorageError(s.logger, opSaveCheckpoint, "upsert_failed", err, zap.String("model", checkpoint.ModelName.String()))
		return model.NewError(model.ErrStorage, opSaveCheckpoint, "upsert_failed", err)
	}
	return nil
}

func (r ItemRecord) toModel() model.Model {
	return model.Model{
		ID:      model.ItemID(r.ItemID),
		Name:    model.ModelName(r.ModelName),
		Payload: []byte(r.PayloadJSON),
	}
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func itemFields(name model.ModelName, id model.ItemID) []zap.Field {
	return []zap.Field{zap.String("model", name.String()), zap.String("item_id", id.String())}
}

func logStorageError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("storage error", attrs...)
}
