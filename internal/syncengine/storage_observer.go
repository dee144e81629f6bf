package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"go.uber.org/zap"
)

const (
	opStorageObserverNew = "syncengine.storage_observer.new"
	opForward            = "syncengine.forward"
)

var errMissingOutbox = errors.New("mutation outbox is required")

// StorageObserverConfig wires a StorageObserver.
type StorageObserverConfig struct {
	Store  LocalStore
	Outbox MutationOutbox
	Logger *zap.Logger
}

// StorageObserver forwards user-initiated store changes into the outbox.
type StorageObserver struct {
	store  LocalStore
	outbox MutationOutbox
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewStorageObserver validates cfg and constructs a StorageObserver.
func NewStorageObserver(cfg StorageObserverConfig) (*StorageObserver, error) {
	if cfg.Store == nil {
		return nil, model.NewError(model.ErrConfiguration, opStorageObserverNew, "missing_store", errMissingStore)
	}
	if cfg.Outbox == nil {
		return nil, model.NewError(model.ErrConfiguration, opStorageObserverNew, "missing_outbox", errMissingOutbox)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageObserver{store: cfg.Store, outbox: cfg.Outbox, logger: logger}, nil
}

// Start subscribes to the store's change feed.
func (o *StorageObserver) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return ErrAlreadyRunning
	}

	observeCtx, cancel := context.WithCancel(ctx)
	changes, err := o.store.Observe(observeCtx)
	if err != nil {
		cancel()
		return err
	}
	stopped := make(chan struct{})
	o.cancel = cancel
	o.stopped = stopped

	go func() {
		defer close(stopped)
		for record := range changes {
			if record.IsSyncOriginated() {
				continue
			}
			if observeCtx.Err() != nil {
				return
			}
			// The enqueue itself is not cancelled by Stop.
			if _, err := o.outbox.Enqueue(context.WithoutCancel(observeCtx), record); err != nil {
				o.logger.Error("local change not queued",
					zap.String("operation", opForward),
					zap.String("change_id", record.ID.String()),
					zap.String("item", record.Key()),
					zap.String("change_type", string(record.ChangeType)),
					zap.Error(err))
			}
		}
	}()
	return nil
}

// Stop cancels the subscription and waits for an in-flight enqueue to finish.
func (o *StorageObserver) Stop() {
	o.mu.Lock()
	cancel, stopped := o.cancel, o.stopped
	o.cancel, o.stopped = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
