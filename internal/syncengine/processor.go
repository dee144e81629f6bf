package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/outbox"
	"go.uber.org/zap"
)

const (
	opProcessorNew = "syncengine.processor.new"
	opPublish      = "syncengine.publish"
)

var (
	errMissingEndpoint = errors.New("remote endpoint is required")
	errMissingHydrator = errors.New("hydrator is required")
)

// MutationProcessorConfig wires a MutationProcessor.
type MutationProcessorConfig struct {
	Outbox   MutationOutbox
	Store    LocalStore
	Endpoint RemoteEndpoint
	Hydrator *Hydrator
	Events   EventSink
	Clock    func() time.Time
	Logger   *zap.Logger
}

// MutationProcessor drains the outbox into the remote endpoint. A record is
// removed only after the remote accepted it. A failed record stays queued and
// later records for the same item wait for the next run.
type MutationProcessor struct {
	outbox   MutationOutbox
	store    LocalStore
	endpoint RemoteEndpoint
	hydrator *Hydrator
	events   EventSink
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}

	failures  chan struct{}
	published atomic.Int64
	failed    atomic.Int64
}

// NewMutationProcessor validates cfg and constructs a MutationProcessor.
func NewMutationProcessor(cfg MutationProcessorConfig) (*MutationProcessor, error) {
	switch {
	case cfg.Outbox == nil:
		return nil, model.NewError(model.ErrConfiguration, opProcessorNew, "missing_outbox", errMissingOutbox)
	case cfg.Store == nil:
		return nil, model.NewError(model.ErrConfiguration, opProcessorNew, "missing_store", errMissingStore)
	case cfg.Endpoint == nil:
		return nil, model.NewError(model.ErrConfiguration, opProcessorNew, "missing_endpoint", errMissingEndpoint)
	case cfg.Hydrator == nil:
		return nil, model.NewError(model.ErrConfiguration, opProcessorNew, "missing_hydrator", errMissingHydrator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MutationProcessor{
		outbox:   cfg.Outbox,
		store:    cfg.Store,
		endpoint: cfg.Endpoint,
		hydrator: cfg.Hydrator,
		events:   sinkOrDiscard(cfg.Events),
		clock:    clock,
		logger:   logger,
		failures: make(chan struct{}, 1),
	}, nil
}

// Start begins draining the outbox.
func (p *MutationProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	records, err := p.outbox.Observe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	stopped := make(chan struct{})
	p.cancel = cancel
	p.stopped = stopped

	go func() {
		defer close(stopped)
		p.run(runCtx, records)
	}()
	return nil
}

// Stop cancels the drain loop. Nothing is removed from the outbox.
func (p *MutationProcessor) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Running reports whether the drain loop is active.
func (p *MutationProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Failures signals after a publish failed. Signals coalesce.
func (p *MutationProcessor) Failures() <-chan struct{} {
	return p.failures
}

// Published returns the number of records published since construction.
func (p *MutationProcessor) Published() int64 {
	return p.published.Load()
}

// Failed returns the number of failed publish attempts since construction.
func (p *MutationProcessor) Failed() int64 {
	return p.failed.Load()
}

// rebase remembers, per item, that records based on a version up to through
// are now based on version after a predecessor was published.
type rebase struct {
	through int64
	version int64
}

func (p *MutationProcessor) run(ctx context.Context, records <-chan model.ChangeRecord) {
	held := make(map[string]struct{})
	rebased := make(map[string]rebase)
	for record := range records {
		if _, blocked := held[record.Key()]; blocked {
			p.logger.Debug("change held behind failed predecessor",
				zap.String("change_id", record.ID.String()),
				zap.String("item", record.Key()))
			continue
		}
		base := record.BaseVersion
		if moved, ok := rebased[record.Key()]; ok && base <= moved.through {
			base = moved.version
		}
		version, err := p.publish(ctx, record, base)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			held[record.Key()] = struct{}{}
			p.reportFailure(record, err)
			continue
		}
		if version > 0 {
			rebased[record.Key()] = rebase{through: base, version: version}
		}
	}
}

// publish sends record against base, the remote version the local write was
// made on. It returns the version the remote assigned, or zero when nothing
// was sent.
func (p *MutationProcessor) publish(ctx context.Context, record model.ChangeRecord, base int64) (int64, error) {
	var (
		result model.ModelWithMetadata
		err    error
	)
	switch record.ChangeType {
	case model.ChangeTypeCreate:
		result, err = p.endpoint.Create(ctx, record.Model())
	case model.ChangeTypeUpdate:
		if base > 0 {
			result, err = p.endpoint.Update(ctx, record.Model(), base)
		} else {
			result, err = p.endpoint.Create(ctx, record.Model())
		}
	case model.ChangeTypeDelete:
		if base == 0 {
			base, err = p.storedVersion(ctx, record)
			if err != nil {
				return 0, err
			}
		}
		if base == 0 {
			p.logger.Info("delete of unpublished item dropped",
				zap.String("operation", opPublish),
				zap.String("change_id", record.ID.String()),
				zap.String("item", record.Key()))
			return 0, p.remove(ctx, record)
		}
		result, err = p.endpoint.Delete(ctx, record.ModelName, record.ItemID, base)
	default:
		return 0, model.NewError(model.ErrProtocol, opPublish, "unknown_change_type",
			fmt.Errorf("%w: %q", model.ErrInvalidChangeType, record.ChangeType))
	}
	if err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	if err := p.remove(ctx, record); err != nil {
		return 0, err
	}
	version := result.Metadata.Version
	if version <= 0 {
		p.logger.Warn("published change returned no version",
			zap.String("operation", opPublish),
			zap.String("item", record.Key()))
	} else if err := p.outbox.Rebase(ctx, record.ModelName, record.ItemID, base, version); err != nil {
		p.logger.Warn("queued changes not rebased",
			zap.String("operation", opPublish),
			zap.String("item", record.Key()),
			zap.Error(err))
	}
	if _, err := p.hydrator.ApplyPublished(ctx, result); err != nil {
		p.logger.Warn("published state not recorded",
			zap.String("operation", opPublish),
			zap.String("item", record.Key()),
			zap.Error(err))
	}

	p.published.Add(1)
	p.events.Publish(Event{
		Type:      EventPublished,
		ModelName: record.ModelName,
		ItemID:    record.ItemID,
		ChangeID:  record.ID,
		Version:   version,
		Timestamp: p.clock().UTC(),
	})
	p.logger.Debug("change published",
		zap.String("change_id", record.ID.String()),
		zap.String("item", record.Key()),
		zap.Int64("base_version", base),
		zap.Int64("version", version))
	return version, nil
}

// storedVersion is the fallback for a DELETE queued before its item had a
// remote version: a predecessor may have been published since without the
// queued record being rebased.
func (p *MutationProcessor) storedVersion(ctx context.Context, record model.ChangeRecord) (int64, error) {
	metadata, known, err := p.store.GetMetadata(ctx, record.ModelName, record.ItemID)
	if err != nil {
		return 0, err
	}
	if !known || metadata.Deleted {
		return 0, nil
	}
	p.logger.Warn("delete sent against stored version",
		zap.String("operation", opPublish),
		zap.String("change_id", record.ID.String()),
		zap.String("item", record.Key()),
		zap.Int64("version", metadata.Version))
	return metadata.Version, nil
}

func (p *MutationProcessor) remove(ctx context.Context, record model.ChangeRecord) error {
	if _, err := p.outbox.Remove(ctx, record); err != nil {
		if errors.Is(err, outbox.ErrChangeNotFound) {
			p.logger.Info("change already removed",
				zap.String("change_id", record.ID.String()),
				zap.String("item", record.Key()))
			return nil
		}
		return err
	}
	return nil
}

func (p *MutationProcessor) reportFailure(record model.ChangeRecord, err error) {
	p.failed.Add(1)
	eventType := EventPublishFailed
	if errors.Is(err, model.ErrConflict) {
		eventType = EventConflict
	}
	p.logger.Warn("change not published",
		zap.String("operation", opPublish),
		zap.String("change_id", record.ID.String()),
		zap.String("item", record.Key()),
		zap.String("change_type", string(record.ChangeType)),
		zap.String("code", model.ErrorCode(err)),
		zap.Error(err))
	p.events.Publish(Event{
		Type:      eventType,
		ModelName: record.ModelName,
		ItemID:    record.ItemID,
		ChangeID:  record.ID,
		Error:     err.Error(),
		Timestamp: p.clock().UTC(),
	})
	select {
	case p.failures <- struct{}{}:
	default:
	}
}
