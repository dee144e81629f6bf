package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"go.uber.org/zap"
)

const (
	opEngineNew = "syncengine.engine.new"
	opStart     = "syncengine.start"
	opStop      = "syncengine.stop"
	opRetry     = "syncengine.retry"
	opApplyPush = "syncengine.apply_push"
)

var (
	// ErrAlreadyRunning is returned by Start on a running component.
	ErrAlreadyRunning = errors.New("syncengine: already running")
	// ErrNotRunning is returned when an operation needs a started engine.
	ErrNotRunning = errors.New("syncengine: not running")
)

// EngineConfig wires an Engine. Subscriber is optional; without it the engine
// relies on periodic hydration for remote changes.
type EngineConfig struct {
	Store            LocalStore
	Outbox           MutationOutbox
	Endpoint         RemoteEndpoint
	Subscriber       Subscriber
	Schemas          []remote.Schema
	SyncInterval     time.Duration
	FullSyncInterval time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	Events           EventSink
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Status is a snapshot of the engine.
type Status struct {
	Running            bool      `json:"running"`
	StartedAt          time.Time `json:"startedAt,omitzero"`
	Models             []string  `json:"models"`
	Pending            int       `json:"pending"`
	Published          int64     `json:"published"`
	Failed             int64     `json:"failed"`
	LastHydration      time.Time `json:"lastHydration,omitzero"`
	LastHydrationError string    `json:"lastHydrationError,omitempty"`
}

// Engine owns the sync pipelines: live subscriptions, the mutation
// processor, the storage observer, periodic hydration, and publish retries.
type Engine struct {
	outbox          MutationOutbox
	schemas         []remote.Schema
	hydrator        *Hydrator
	processor       *MutationProcessor
	storageObserver *StorageObserver
	puller          *RemoteStatePuller
	subscriptions   *SubscriptionObserver
	syncInterval    time.Duration
	minBackoff      time.Duration
	maxBackoff      time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	mu        sync.Mutex
	current   *engineRun
	startedAt time.Time

	retryMu sync.Mutex

	hydrateMu          sync.Mutex
	lastHydration      time.Time
	lastHydrationError error
}

// engineRun is the disposal container of one Start/Stop cycle.
type engineRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (r *engineRun) spawn(task func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		task(r.ctx)
	}()
}

// New validates cfg and assembles the pipelines.
func New(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, model.NewError(model.ErrConfiguration, opEngineNew, "missing_store", errMissingStore)
	case cfg.Outbox == nil:
		return nil, model.NewError(model.ErrConfiguration, opEngineNew, "missing_outbox", errMissingOutbox)
	case cfg.Endpoint == nil:
		return nil, model.NewError(model.ErrConfiguration, opEngineNew, "missing_endpoint", errMissingEndpoint)
	case len(cfg.Schemas) == 0:
		return nil, model.NewError(model.ErrConfiguration, opEngineNew, "missing_schemas", errMissingSchemas)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}

	names := make([]model.ModelName, 0, len(cfg.Schemas))
	for _, schema := range cfg.Schemas {
		names = append(names, schema.Name)
	}

	hydrator, err := NewHydrator(HydratorConfig{
		Store:   cfg.Store,
		Pending: cfg.Outbox,
		Events:  cfg.Events,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	processor, err := NewMutationProcessor(MutationProcessorConfig{
		Outbox:   cfg.Outbox,
		Store:    cfg.Store,
		Endpoint: cfg.Endpoint,
		Hydrator: hydrator,
		Events:   cfg.Events,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	storageObserver, err := NewStorageObserver(StorageObserverConfig{Store: cfg.Store, Outbox: cfg.Outbox, Logger: logger})
	if err != nil {
		return nil, err
	}
	puller, err := NewRemoteStatePuller(RemoteStatePullerConfig{
		Store:            cfg.Store,
		Endpoint:         cfg.Endpoint,
		Hydrator:         hydrator,
		Models:           names,
		FullSyncInterval: cfg.FullSyncInterval,
		Events:           cfg.Events,
		Clock:            clock,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	var subscriptions *SubscriptionObserver
	if cfg.Subscriber != nil {
		subscriptions, err = NewSubscriptionObserver(SubscriptionObserverConfig{
			Subscriber: cfg.Subscriber,
			Schemas:    cfg.Schemas,
			MinBackoff: minBackoff,
			MaxBackoff: maxBackoff,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		outbox:          cfg.Outbox,
		schemas:         append([]remote.Schema(nil), cfg.Schemas...),
		hydrator:        hydrator,
		processor:       processor,
		storageObserver: storageObserver,
		puller:          puller,
		subscriptions:   subscriptions,
		syncInterval:    cfg.SyncInterval,
		minBackoff:      minBackoff,
		maxBackoff:      maxBackoff,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Hydrator exposes the engine's hydrator.
func (e *Engine) Hydrator() *Hydrator {
	return e.hydrator
}

// Start launches every pipeline. The engine outlives ctx; call Stop to end it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &engineRun{ctx: runCtx, cancel: cancel}

	if e.subscriptions != nil {
		mutations := e.subscriptions.Observe(runCtx)
		run.spawn(func(ctx context.Context) { e.applyLoop(ctx, mutations) })
	}
	if err := e.processor.Start(runCtx); err != nil {
		e.abort(run)
		return model.NewError(nil, opStart, "processor_failed", err)
	}
	if err := e.storageObserver.Start(runCtx); err != nil {
		e.abort(run)
		return model.NewError(nil, opStart, "storage_observer_failed", err)
	}
	run.spawn(e.hydrateLoop)
	run.spawn(e.retryLoop)

	e.current = run
	e.startedAt = e.clock().UTC()
	e.logger.Info("sync engine started",
		zap.Int("models", len(e.schemas)),
		zap.Bool("live_subscriptions", e.subscriptions != nil))
	return nil
}

func (e *Engine) abort(run *engineRun) {
	run.cancel()
	run.wg.Wait()
	e.storageObserver.Stop()
	e.processor.Stop()
}

// Stop cancels every pipeline and waits for them until ctx is done. Records
// left in the outbox stay there.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	run := e.current
	e.current = nil
	e.mu.Unlock()
	if run == nil {
		return ErrNotRunning
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		e.abort(run)
	}()
	select {
	case <-stopped:
		e.logger.Info("sync engine stopped")
		return nil
	case <-ctx.Done():
		return model.NewError(model.ErrTransient, opStop, "timeout", ctx.Err())
	}
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Hydrate runs one remote pull for every model.
func (e *Engine) Hydrate(ctx context.Context) error {
	e.hydrateMu.Lock()
	defer e.hydrateMu.Unlock()
	err := e.puller.Hydrate(ctx)
	e.lastHydration = e.clock().UTC()
	e.lastHydrationError = err
	return err
}

// RetryPendingMutations restarts the processor so every queued record,
// including ones held after a failure, is attempted again.
func (e *Engine) RetryPendingMutations() error {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run == nil {
		return ErrNotRunning
	}

	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	e.processor.Stop()
	if err := e.processor.Start(run.ctx); err != nil {
		return model.NewError(nil, opRetry, "restart_failed", err)
	}
	return nil
}

// Status reports the engine state and the outbox depth.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.outbox.Pending(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	running := e.current != nil
	startedAt := e.startedAt
	e.mu.Unlock()

	e.hydrateMu.Lock()
	lastHydration := e.lastHydration
	var lastHydrationError string
	if e.lastHydrationError != nil {
		lastHydrationError = e.lastHydrationError.Error()
	}
	e.hydrateMu.Unlock()

	models := make([]string, 0, len(e.schemas))
	for _, schema := range e.schemas {
		models = append(models, schema.Name.String())
	}
	status := Status{
		Running:            running,
		Models:             models,
		Pending:            len(pending),
		Published:          e.processor.Published(),
		Failed:             e.processor.Failed(),
		LastHydration:      lastHydration,
		LastHydrationError: lastHydrationError,
	}
	if running {
		status.StartedAt = startedAt
	}
	return status, nil
}

func (e *Engine) applyLoop(ctx context.Context, mutations <-chan model.Mutation) {
	for mutation := range mutations {
		if _, err := e.hydrator.ApplyMutation(ctx, mutation); err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.logger.Warn("pushed change not applied",
				zap.String("operation", opApplyPush),
				zap.String("change_type", string(mutation.Type)),
				zap.String("model", mutation.Item.Metadata.ModelName.String()),
				zap.String("item_id", mutation.Item.Metadata.ID.String()),
				zap.Error(err))
		}
	}
}

func (e *Engine) hydrateLoop(ctx context.Context) {
	if err := e.Hydrate(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("initial hydration incomplete", zap.Error(err))
	}
	if e.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Hydrate(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("periodic hydration incomplete", zap.Error(err))
			}
		}
	}
}

// retryLoop restarts the processor after failures with capped exponential
// backoff. The backoff resets after a quiet period of maxBackoff.
func (e *Engine) retryLoop(ctx context.Context) {
	backoff := newBackoff(e.minBackoff, e.maxBackoff)
	quiet := time.NewTimer(e.maxBackoff)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quiet.C:
			backoff = newBackoff(e.minBackoff, e.maxBackoff)
			quiet.Reset(e.maxBackoff)
			continue
		case <-e.processor.Failures():
		}

		delay, _ := backoff.Next()
		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}

		select {
		case <-e.processor.Failures():
		default:
		}
		if err := e.RetryPendingMutations(); err != nil && ctx.Err() == nil {
			e.logger.Warn("processor restart failed",
				zap.String("operation", opRetry),
				zap.Error(err))
		}
		quiet.Reset(e.maxBackoff + delay)
	}
}
