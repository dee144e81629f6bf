package syncengine

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
)

// EventType classifies sync activity reported to an EventSink.
type EventType string

const (
	EventApplied       EventType = "applied"
	EventDeferred      EventType = "deferred"
	EventPublished     EventType = "published"
	EventPublishFailed EventType = "publish_failed"
	EventConflict      EventType = "conflict"
	EventHydrated      EventType = "hydrated"
)

// Event describes one unit of sync activity.
type Event struct {
	Type      EventType       `json:"type"`
	ModelName model.ModelName `json:"model"`
	ItemID    model.ItemID    `json:"itemId,omitempty"`
	ChangeID  model.ChangeID  `json:"changeId,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Count     int             `json:"count,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventSink receives sync events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}

func sinkOrDiscard(sink EventSink) EventSink {
	if sink == nil {
		return discardSink{}
	}
	return sink
}
