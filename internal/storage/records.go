package storage

// ItemRecord is the local row of an application model instance.
type ItemRecord struct {
	ModelName       string `gorm:"column:model_name;primaryKey;size:190;not null"`
	ItemID          string `gorm:"column:item_id;primaryKey;size:190;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRecord) TableName() string {
	return "local_items"
}

// MetadataRecord stores ModelMetadata independently of the model row.
type MetadataRecord struct {
	ModelName           string `gorm:"column:model_name;primaryKey;size:190;not null"`
	ItemID              string `gorm:"column:item_id;primaryKey;size:190;not null"`
	Deleted             bool   `gorm:"column:deleted;not null;default:false"`
	Version             int64  `gorm:"column:version;not null"`
	LastChangedAtMillis int64  `gorm:"column:last_changed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MetadataRecord) TableName() string {
	return "model_metadata"
}

// OutboxRecord is the durable row of a pending ChangeRecord.
type OutboxRecord struct {
	ChangeID        string `gorm:"column:change_id;primaryKey;size:26;not null"`
	ModelName       string `gorm:"column:model_name;size:190;not null;index:idx_outbox_item,priority:1"`
	ItemID          string `gorm:"column:item_id;size:190;not null;index:idx_outbox_item,priority:2"`
	ChangeType      string `gorm:"column:change_type;size:16;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	Initiator       string `gorm:"column:initiator;size:32;not null;default:'USER'"`
	BaseVersion     int64  `gorm:"column:base_version;not null;default:0"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxRecord) TableName() string {
	return "mutation_outbox"
}

// CheckpointRecord remembers the last successful sync per model type.
type CheckpointRecord struct {
	ModelName          string `gorm:"column:model_name;primaryKey;size:190;not null"`
	LastSyncMillis     int64  `gorm:"column:last_sync_ms;not null;default:0"`
	LastFullSyncMillis int64  `gorm:"column:last_full_sync_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CheckpointRecord) TableName() string {
	return "sync_checkpoints"
}

// Tables lists every table owned by this package for AutoMigrate.
func Tables() []any {
	return []any{&ItemRecord{}, &MetadataRecord{}, &OutboxRecord{}, &CheckpointRecord{}}
}
