package syncengine

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/subscription"
)

// LocalStore is the device store the engine reads and writes.
type LocalStore interface {
	Save(ctx context.Context, item model.Model, initiator model.Initiator) (model.ChangeRecord, error)
	Delete(ctx context.Context, name model.ModelName, id model.ItemID, initiator model.Initiator) (model.ChangeRecord, error)
	Observe(ctx context.Context) (<-chan model.ChangeRecord, error)
	GetMetadata(ctx context.Context, name model.ModelName, id model.ItemID) (model.ModelMetadata, bool, error)
	SaveMetadata(ctx context.Context, metadata model.ModelMetadata) error
	GetCheckpoint(ctx context.Context, name model.ModelName) (storage.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint storage.Checkpoint) error
}

// MutationOutbox is the durable queue of local changes awaiting publication.
type MutationOutbox interface {
	Enqueue(ctx context.Context, record model.ChangeRecord) (model.ChangeRecord, error)
	Observe(ctx context.Context) (<-chan model.ChangeRecord, error)
	Remove(ctx context.Context, record model.ChangeRecord) (model.ChangeRecord, error)
	Pending(ctx context.Context) ([]model.ChangeRecord, error)
	HasPending(ctx context.Context, name model.ModelName, id model.ItemID) (bool, error)
	Rebase(ctx context.Context, name model.ModelName, id model.ItemID, through, version int64) error
}

// PendingChanges reports whether local records for an item still await publication.
type PendingChanges interface {
	HasPending(ctx context.Context, name model.ModelName, id model.ItemID) (bool, error)
}

// RemoteEndpoint publishes mutations and serves delta syncs.
type RemoteEndpoint = remote.Endpoint

// Stream is one live subscription.
type Stream interface {
	Data() <-chan json.RawMessage
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// Subscriber opens live subscriptions.
type Subscriber interface {
	Open(ctx context.Context, request subscription.Request) (Stream, error)
}

// ConnectionSubscriber opens streams on a shared realtime connection.
type ConnectionSubscriber struct {
	Connection *subscription.Connection
}

// Open registers the request and waits for its acknowledgement.
func (s ConnectionSubscriber) Open(ctx context.Context, request subscription.Request) (Stream, error) {
	opened, err := s.Connection.Subscribe(ctx, request)
	if err != nil {
		return nil, err
	}
	return opened, nil
}
