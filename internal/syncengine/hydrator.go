package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"go.uber.org/zap"
)

const (
	opHydratorNew    = "syncengine.hydrator.new"
	opApply          = "syncengine.apply"
	opApplyPublished = "syncengine.apply_published"
)

var errMissingStore = errors.New("local store is required")

// HydratorConfig wires a Hydrator. Pending is optional; without it remote
// state is applied even while local edits to the same item are queued.
type HydratorConfig struct {
	Store   LocalStore
	Pending PendingChanges
	Events  EventSink
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Hydrator applies remote state to the local store. Every write is tagged
// SYNC_ENGINE and guarded by a version check against stored metadata. Items
// with queued local records are deferred until those records are published.
type Hydrator struct {
	store   LocalStore
	pending PendingChanges
	events  EventSink
	clock   func() time.Time
	logger  *zap.Logger

	mu sync.Mutex
}

// NewHydrator validates cfg and constructs a Hydrator.
func NewHydrator(cfg HydratorConfig) (*Hydrator, error) {
	if cfg.Store == nil {
		return nil, model.NewError(model.ErrConfiguration, opHydratorNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{
		store:   cfg.Store,
		pending: cfg.Pending,
		events:  sinkOrDiscard(cfg.Events),
		clock:   clock,
		logger:  logger,
	}, nil
}

// Apply writes item unless its version is not newer than the stored one or
// local records for the item are still queued. It reports whether anything
// was written.
func (h *Hydrator) Apply(ctx context.Context, item model.ModelWithMetadata) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, model.NewError(model.ErrProtocol, opApply, "invalid_item", err)
	}
	metadata := item.Metadata

	h.mu.Lock()
	defer h.mu.Unlock()

	pending, err := h.hasPending(ctx, metadata)
	if err != nil {
		return false, err
	}
	if pending {
		h.logger.Debug("remote item deferred behind local changes",
			zap.String("model", metadata.ModelName.String()),
			zap.String("item_id", metadata.ID.String()),
			zap.Int64("incoming_version", metadata.Version))
		h.events.Publish(Event{
			Type:      EventDeferred,
			ModelName: metadata.ModelName,
			ItemID:    metadata.ID,
			Version:   metadata.Version,
			Timestamp: h.clock().UTC(),
		})
		return false, nil
	}
	return h.write(ctx, item)
}

// ApplyMutation applies a pushed change. A DELETE is always a tombstone.
func (h *Hydrator) ApplyMutation(ctx context.Context, mutation model.Mutation) (bool, error) {
	item := mutation.Item
	if mutation.Type == model.ChangeTypeDelete {
		item.Metadata.Deleted = true
		item.Model = nil
	}
	return h.Apply(ctx, item)
}

// ApplyPublished records what the remote returned for a published change.
// The returned model replaces the local row only when no further local
// records for the item are queued; otherwise only the metadata advances and
// the row keeps the newer local edit.
func (h *Hydrator) ApplyPublished(ctx context.Context, result model.ModelWithMetadata) (bool, error) {
	metadata := result.Metadata
	if metadata.Version <= 0 {
		return false, model.NewError(model.ErrProtocol, opApplyPublished, "invalid_version", model.ErrInvalidVersion)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pending, err := h.hasPending(ctx, metadata)
	if err != nil {
		return false, err
	}
	if pending || (!metadata.Deleted && result.Model == nil) {
		return false, h.saveNewerMetadata(ctx, metadata)
	}
	return h.write(ctx, result)
}

func (h *Hydrator) hasPending(ctx context.Context, metadata model.ModelMetadata) (bool, error) {
	if h.pending == nil {
		return false, nil
	}
	return h.pending.HasPending(ctx, metadata.ModelName, metadata.ID)
}

func (h *Hydrator) write(ctx context.Context, item model.ModelWithMetadata) (bool, error) {
	metadata := item.Metadata
	stored, found, err := h.store.GetMetadata(ctx, metadata.ModelName, metadata.ID)
	if err != nil {
		return false, err
	}
	if found && metadata.Version <= stored.Version {
		h.logger.Debug("stale remote item discarded",
			zap.String("model", metadata.ModelName.String()),
			zap.String("item_id", metadata.ID.String()),
			zap.Int64("incoming_version", metadata.Version),
			zap.Int64("stored_version", stored.Version))
		return false, nil
	}

	if metadata.Deleted {
		if _, err := h.store.Delete(ctx, metadata.ModelName, metadata.ID, model.InitiatorSyncEngine); err != nil && !errors.Is(err, storage.ErrItemNotFound) {
			return false, err
		}
	} else {
		if _, err := h.store.Save(ctx, *item.Model, model.InitiatorSyncEngine); err != nil {
			return false, err
		}
	}
	if err := h.store.SaveMetadata(ctx, metadata); err != nil {
		return false, err
	}

	h.events.Publish(Event{
		Type:      EventApplied,
		ModelName: metadata.ModelName,
		ItemID:    metadata.ID,
		Version:   metadata.Version,
		Timestamp: h.clock().UTC(),
	})
	return true, nil
}

func (h *Hydrator) saveNewerMetadata(ctx context.Context, metadata model.ModelMetadata) error {
	stored, found, err := h.store.GetMetadata(ctx, metadata.ModelName, metadata.ID)
	if err != nil {
		return err
	}
	if found && metadata.Version <= stored.Version {
		return nil
	}
	return h.store.SaveMetadata(ctx, metadata)
}
