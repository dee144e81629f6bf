package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opPullerNew = "syncengine.puller.new"
	opHydrate   = "syncengine.hydrate"
)

var errMissingModels = errors.New("at least one model is required")

// RemoteStatePullerConfig wires a RemoteStatePuller.
type RemoteStatePullerConfig struct {
	Store    LocalStore
	Endpoint RemoteEndpoint
	Hydrator *Hydrator
	Models   []model.ModelName
	// FullSyncInterval forces a full sync once the last one is older. Zero
	// keeps syncing incrementally forever.
	FullSyncInterval time.Duration
	Events           EventSink
	Clock            func() time.Time
	Logger           *zap.Logger
}

// RemoteStatePuller hydrates the local store from the remote's delta sync.
type RemoteStatePuller struct {
	store            LocalStore
	endpoint         RemoteEndpoint
	hydrator         *Hydrator
	models           []model.ModelName
	fullSyncInterval time.Duration
	events           EventSink
	clock            func() time.Time
	logger           *zap.Logger
}

// NewRemoteStatePuller validates cfg and constructs a RemoteStatePuller.
func NewRemoteStatePuller(cfg RemoteStatePullerConfig) (*RemoteStatePuller, error) {
	switch {
	case cfg.Store == nil:
		return nil, model.NewError(model.ErrConfiguration, opPullerNew, "missing_store", errMissingStore)
	case cfg.Endpoint == nil:
		return nil, model.NewError(model.ErrConfiguration, opPullerNew, "missing_endpoint", errMissingEndpoint)
	case cfg.Hydrator == nil:
		return nil, model.NewError(model.ErrConfiguration, opPullerNew, "missing_hydrator", errMissingHydrator)
	case len(cfg.Models) == 0:
		return nil, model.NewError(model.ErrConfiguration, opPullerNew, "missing_models", errMissingModels)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteStatePuller{
		store:            cfg.Store,
		endpoint:         cfg.Endpoint,
		hydrator:         cfg.Hydrator,
		models:           append([]model.ModelName(nil), cfg.Models...),
		fullSyncInterval: cfg.FullSyncInterval,
		events:           sinkOrDiscard(cfg.Events),
		clock:            clock,
		logger:           logger,
	}, nil
}

// Hydrate syncs every model type concurrently. A failing type does not stop
// the others; the returned error joins every failure.
func (p *RemoteStatePuller) Hydrate(ctx context.Context) error {
	var group errgroup.Group
	failures := make([]error, len(p.models))
	for index, name := range p.models {
		index, name := index, name
		group.Go(func() error {
			failures[index] = p.hydrateModel(ctx, name)
			return failures[index]
		})
	}
	if err := group.Wait(); err == nil {
		return nil
	}
	// Wait reports the first failure only; every type still ran to completion.
	return errors.Join(failures...)
}

func (p *RemoteStatePuller) hydrateModel(ctx context.Context, name model.ModelName) error {
	checkpoint, err := p.store.GetCheckpoint(ctx, name)
	if err != nil {
		return err
	}

	now := p.clock().UTC()
	lastSync := checkpoint.LastSync
	full := lastSync.IsZero() ||
		(p.fullSyncInterval > 0 && now.Sub(checkpoint.LastFullSync) >= p.fullSyncInterval)
	if full {
		lastSync = time.Time{}
	}

	applied := 0
	result, err := p.endpoint.Sync(ctx, name, lastSync, func(item model.ModelWithMetadata) error {
		written, err := p.hydrator.Apply(ctx, item)
		if written {
			applied++
		}
		return err
	})
	if err != nil {
		p.logger.Warn("model hydration failed",
			zap.String("operation", opHydrate),
			zap.String("model", name.String()),
			zap.Bool("full_sync", full),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
		return err
	}

	startedAt := result.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	checkpoint.ModelName = name
	checkpoint.LastSync = startedAt
	if full {
		checkpoint.LastFullSync = startedAt
	}
	if err := p.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}

	p.logger.Info("model hydrated",
		zap.String("model", name.String()),
		zap.Bool("full_sync", full),
		zap.Int("received", result.Items),
		zap.Int("applied", applied))
	p.events.Publish(Event{
		Type:      EventHydrated,
		ModelName: name,
		Count:     applied,
		Timestamp: now,
	})
	return nil
}
