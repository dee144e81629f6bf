package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/feed"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrChangeNotFound is returned when the record is no longer stored. Callers
	// treat it as terminal for that record.
	ErrChangeNotFound = storage.ErrChangeNotFound
	// ErrNotObserved is returned when Remove is called for a record Observe never emitted.
	ErrNotObserved = errors.New("outbox: change record has not been observed")
	// ErrSyncOriginated is returned when a SYNC_ENGINE record is offered to Enqueue.
	ErrSyncOriginated = errors.New("outbox: sync engine records are never enqueued")

	errMissingStore = errors.New("change record store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opOutboxNew = "outbox.new"
	opEnqueue   = "outbox.enqueue"
	opObserve   = "outbox.observe"
	opRemove    = "outbox.remove"
	opDiscard   = "outbox.discard"
	opPending   = "outbox.pending"
	opRebase    = "outbox.rebase"
)

// ChangeRecordStore is the durable table behind the outbox.
type ChangeRecordStore interface {
	Insert(ctx context.Context, record model.ChangeRecord) error
	List(ctx context.Context) ([]model.ChangeRecord, error)
	Get(ctx context.Context, id model.ChangeID) (model.ChangeRecord, bool, error)
	Remove(ctx context.Context, id model.ChangeID) (model.ChangeRecord, error)
	CountForItem(ctx context.Context, name model.ModelName, id model.ItemID) (int64, error)
	Rebase(ctx context.Context, name model.ModelName, id model.ItemID, through, version int64) error
}

// Config wires an Outbox.
type Config struct {
	Store  ChangeRecordStore
	Logger *zap.Logger
}

// Outbox is the durable FIFO of locally originated changes awaiting publication.
type Outbox struct {
	store  ChangeRecordStore
	live   *feed.Hub[model.ChangeRecord]
	logger *zap.Logger

	mu      sync.Mutex
	emitted map[model.ChangeID]struct{}
}

// New validates the configuration and constructs an Outbox.
func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, model.NewError(model.ErrConfiguration, opOutboxNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Outbox{
		store:   cfg.Store,
		live:    feed.NewHub[model.ChangeRecord](),
		logger:  logger,
		emitted: make(map[model.ChangeID]struct{}),
	}, nil
}

// Enqueue persists the record and then announces it to live observers. When the
// store write fails the record is not queued and the caller must retry.
func (o *Outbox) Enqueue(ctx context.Context, record model.ChangeRecord) (model.ChangeRecord, error) {
	if record.IsSyncOriginated() {
		return model.ChangeRecord{}, model.NewError(nil, opEnqueue, "sync_originated", ErrSyncOriginated)
	}
	if record.ID == "" {
		record.ID = model.NewChangeID()
	}
	if err := o.store.Insert(ctx, record); err != nil {
		o.logger.Error("outbox enqueue failed",
			zap.String("operation", opEnqueue),
			zap.String("change_id", record.ID.String()),
			zap.String("item", record.Key()),
			zap.Error(err))
		return model.ChangeRecord{}, err
	}
	o.live.Publish(record)
	return record, nil
}

// Observe replays the stored backlog in FIFO order and then follows live
// enqueues. SYNC_ENGINE records are never emitted. The channel closes when
// ctx is done.
func (o *Outbox) Observe(ctx context.Context) (<-chan model.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(nil, opObserve, "context_done", err)
	}

	observeCtx, cancel := context.WithCancel(ctx)
	// Live registration precedes the backlog read so nothing enqueued in between is lost.
	live := o.live.Subscribe(observeCtx)
	backlog, err := o.store.List(observeCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan model.ChangeRecord)
	go func() {
		defer close(out)
		defer cancel()
		replayed := make(map[model.ChangeID]struct{}, len(backlog))
		for _, record := range backlog {
			replayed[record.ID] = struct{}{}
			if !o.emit(observeCtx, out, record) {
				return
			}
		}
		for record := range live {
			if _, seen := replayed[record.ID]; seen {
				continue
			}
			if !o.emit(observeCtx, out, record) {
				return
			}
		}
	}()
	return out, nil
}

func (o *Outbox) emit(ctx context.Context, out chan<- model.ChangeRecord, record model.ChangeRecord) bool {
	if record.IsSyncOriginated() {
		return true
	}
	// Marked before the send so a receiver may Remove as soon as it holds the record.
	o.mu.Lock()
	o.emitted[record.ID] = struct{}{}
	o.mu.Unlock()
	select {
	case out <- record:
		return true
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.emitted, record.ID)
		o.mu.Unlock()
		return false
	}
}

// Remove deletes a record previously emitted by Observe. A second Remove of the
// same record fails with ErrChangeNotFound.
func (o *Outbox) Remove(ctx context.Context, record model.ChangeRecord) (model.ChangeRecord, error) {
	o.mu.Lock()
	_, emitted := o.emitted[record.ID]
	o.mu.Unlock()

	if !emitted {
		_, found, err := o.store.Get(ctx, record.ID)
		if err != nil {
			return model.ChangeRecord{}, err
		}
		if !found {
			return model.ChangeRecord{}, model.NewError(nil, opRemove, "not_found", ErrChangeNotFound)
		}
		return model.ChangeRecord{}, model.NewError(nil, opRemove, "not_observed", ErrNotObserved)
	}

	removed, err := o.store.Remove(ctx, record.ID)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	o.mu.Lock()
	delete(o.emitted, record.ID)
	o.mu.Unlock()
	return removed, nil
}

// Discard removes a pending record on the application's behalf, whether or
// not it was observed.
func (o *Outbox) Discard(ctx context.Context, id model.ChangeID) (model.ChangeRecord, error) {
	removed, err := o.store.Remove(ctx, id)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	o.mu.Lock()
	delete(o.emitted, id)
	o.mu.Unlock()
	o.logger.Info("outbox record discarded",
		zap.String("operation", opDiscard),
		zap.String("change_id", id.String()),
		zap.String("item", removed.Key()))
	return removed, nil
}

// Pending lists the records awaiting publication in FIFO order.
func (o *Outbox) Pending(ctx context.Context) ([]model.ChangeRecord, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		o.logger.Error("outbox listing failed", zap.String("operation", opPending), zap.Error(err))
		return nil, err
	}
	pending := records[:0]
	for _, record := range records {
		if record.IsSyncOriginated() {
			continue
		}
		pending = append(pending, record)
	}
	return pending, nil
}

// HasPending reports whether any record for the item still awaits publication.
func (o *Outbox) HasPending(ctx context.Context, name model.ModelName, id model.ItemID) (bool, error) {
	count, err := o.store.CountForItem(ctx, name, id)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Rebase moves the item's queued records whose base version is at most
// through onto version, the version the remote returned for a published
// predecessor.
func (o *Outbox) Rebase(ctx context.Context, name model.ModelName, id model.ItemID, through, version int64) error {
	if err := o.store.Rebase(ctx, name, id, through, version); err != nil {
		o.logger.Error("outbox rebase failed",
			zap.String("operation", opRebase),
			zap.String("item", name.String()+"/"+id.String()),
			zap.Int64("version", version),
			zap.Error(err))
		return err
	}
	return nil
}
