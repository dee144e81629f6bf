package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/subscription"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	opSubscriptionObserverNew = "syncengine.subscription_observer.new"
	opFollow                  = "syncengine.follow"

	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
	stopGracePeriod   = 5 * time.Second
	jitterPercent     = 10
)

var (
	errMissingSubscriber = errors.New("subscriber is required")
	errMissingSchemas    = errors.New("at least one schema is required")
)

// SubscriptionObserverConfig wires a SubscriptionObserver.
type SubscriptionObserverConfig struct {
	Subscriber Subscriber
	Schemas    []remote.Schema
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// SubscriptionObserver keeps one live subscription per schema and change type
// and merges them into a single stream of mutations. Each subscription
// reconnects on its own with capped exponential backoff.
type SubscriptionObserver struct {
	subscriber Subscriber
	schemas    []remote.Schema
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

// NewSubscriptionObserver validates cfg and constructs a SubscriptionObserver.
func NewSubscriptionObserver(cfg SubscriptionObserverConfig) (*SubscriptionObserver, error) {
	if cfg.Subscriber == nil {
		return nil, model.NewError(model.ErrConfiguration, opSubscriptionObserverNew, "missing_subscriber", errMissingSubscriber)
	}
	if len(cfg.Schemas) == 0 {
		return nil, model.NewError(model.ErrConfiguration, opSubscriptionObserverNew, "missing_schemas", errMissingSchemas)
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = max(defaultMaxBackoff, minBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionObserver{
		subscriber: cfg.Subscriber,
		schemas:    append([]remote.Schema(nil), cfg.Schemas...),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     logger,
	}, nil
}

// Observe starts every subscription and returns the merged mutation stream.
// The stream closes after ctx is done and every subscription has stopped.
func (o *SubscriptionObserver) Observe(ctx context.Context) <-chan model.Mutation {
	out := make(chan model.Mutation)
	var wg sync.WaitGroup
	for _, schema := range o.schemas {
		schema := schema
		for _, changeType := range model.ChangeTypes {
			changeType := changeType
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.follow(ctx, schema, changeType, out)
			}()
		}
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// newBackoff returns an exponential backoff capped at ceiling with 10% jitter.
func newBackoff(base, ceiling time.Duration) retry.Backoff {
	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(ceiling, backoff)
	return retry.WithJitterPercent(jitterPercent, backoff)
}

func (o *SubscriptionObserver) follow(ctx context.Context, schema remote.Schema, changeType model.ChangeType, out chan<- model.Mutation) {
	field := schema.SubscriptionField(changeType)
	request := subscription.Request{Query: schema.SubscriptionDocument(changeType)}
	backoff := newBackoff(o.minBackoff, o.maxBackoff)

	for {
		var stream Stream
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			opened, err := o.subscriber.Open(ctx, request)
			if err != nil {
				if errors.Is(err, model.ErrConfiguration) {
					return err
				}
				o.logger.Warn("subscription not established",
					zap.String("operation", opFollow),
					zap.String("subscription", field),
					zap.String("code", model.ErrorCode(err)),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			stream = opened
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("subscription abandoned",
					zap.String("operation", opFollow),
					zap.String("subscription", field),
					zap.Error(err))
			}
			return
		}

		openedAt := time.Now()
		o.logger.Debug("subscription established", zap.String("subscription", field))
		streamErr := o.consume(ctx, stream, schema, changeType, out)
		if ctx.Err() != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGracePeriod)
			_ = stream.Close(closeCtx)
			cancel()
			return
		}

		o.logger.Warn("subscription interrupted",
			zap.String("operation", opFollow),
			zap.String("subscription", field),
			zap.Error(streamErr))
		if time.Since(openedAt) > o.maxBackoff {
			backoff = newBackoff(o.minBackoff, o.maxBackoff)
		}
		delay, _ := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume forwards decoded data until the stream ends or ctx is done.
func (o *SubscriptionObserver) consume(ctx context.Context, stream Stream, schema remote.Schema, changeType model.ChangeType, out chan<- model.Mutation) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, open := <-stream.Data():
			if !open {
				return stream.Err()
			}
			item, err := schema.DecodeSubscriptionData(changeType, payload)
			if err != nil {
				o.logger.Warn("subscription payload rejected",
					zap.String("operation", opFollow),
					zap.String("subscription", schema.SubscriptionField(changeType)),
					zap.Error(err))
				continue
			}
			select {
			case out <- model.Mutation{Type: changeType, Item: item}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
