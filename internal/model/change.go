package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrInvalidChangeType indicates an unknown change type.
	ErrInvalidChangeType = errors.New("model: invalid change type")
	// ErrInvalidInitiator indicates an unknown initiator tag.
	ErrInvalidInitiator = errors.New("model: invalid initiator")
	// ErrInvalidChangeID indicates a change id that is not a ULID.
	ErrInvalidChangeID = errors.New("model: invalid change id")
)

// ChangeType enumerates local and remote mutation kinds.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "CREATE"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// ChangeTypes lists every change type in subscription order.
var ChangeTypes = []ChangeType{ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete}

// ParseChangeType accepts any casing of a known change type.
func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(strings.ToUpper(strings.TrimSpace(raw))) {
	case ChangeTypeCreate:
		return ChangeTypeCreate, nil
	case ChangeTypeUpdate:
		return ChangeTypeUpdate, nil
	case ChangeTypeDelete:
		return ChangeTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeType, raw)
	}
}

// Initiator tags who caused a local write.
type Initiator string

const (
	InitiatorUser       Initiator = "USER"
	InitiatorSyncEngine Initiator = "SYNC_ENGINE"
)

// ParseInitiator accepts any casing of a known initiator.
func ParseInitiator(raw string) (Initiator, error) {
	switch Initiator(strings.ToUpper(strings.TrimSpace(raw))) {
	case InitiatorUser:
		return InitiatorUser, nil
	case InitiatorSyncEngine:
		return InitiatorSyncEngine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInitiator, raw)
	}
}

// ChangeID is a ULID; lexical order equals creation order.
type ChangeID string

// NewChangeID issues a monotonic ULID.
func NewChangeID() ChangeID {
	return ChangeID(ulid.Make().String())
}

// ParseChangeID validates raw input as a ULID.
func ParseChangeID(raw string) (ChangeID, error) {
	parsed, err := ulid.ParseStrict(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChangeID, err)
	}
	return ChangeID(parsed.String()), nil
}

// String returns the underlying identifier.
func (id ChangeID) String() string {
	return string(id)
}

// ChangeRecord is the durable intent of one local mutation.
// BaseVersion is the remote version the local write was made against; zero
// means the item had never been seen remotely.
type ChangeRecord struct {
	ID          ChangeID
	ItemID      ItemID
	ModelName   ModelName
	ChangeType  ChangeType
	Payload     json.RawMessage
	Initiator   Initiator
	BaseVersion int64
	CreatedAt   time.Time
}

// NewChangeRecord derives a change record for the provided model write.
func NewChangeRecord(item Model, changeType ChangeType, initiator Initiator, createdAt time.Time) (ChangeRecord, error) {
	if _, err := ParseChangeType(string(changeType)); err != nil {
		return ChangeRecord{}, err
	}
	if _, err := ParseInitiator(string(initiator)); err != nil {
		return ChangeRecord{}, err
	}
	if _, err := NewItemID(item.ID.String()); err != nil {
		return ChangeRecord{}, err
	}
	if _, err := NewModelName(item.Name.String()); err != nil {
		return ChangeRecord{}, err
	}
	payload, err := NormalizePayload(item.Payload)
	if err != nil {
		return ChangeRecord{}, err
	}
	return ChangeRecord{
		ID:         NewChangeID(),
		ItemID:     item.ID,
		ModelName:  item.Name,
		ChangeType: changeType,
		Payload:    payload,
		Initiator:  initiator,
		CreatedAt:  createdAt.UTC(),
	}, nil
}

// Model reconstructs the model the record was captured from.
func (c ChangeRecord) Model() Model {
	return Model{ID: c.ItemID, Name: c.ModelName, Payload: c.Payload}
}

// Key identifies the model instance the record targets.
func (c ChangeRecord) Key() string {
	return c.ModelName.String() + "/" + c.ItemID.String()
}

// IsSyncOriginated reports whether the record was caused by the sync engine itself.
func (c ChangeRecord) IsSyncOriginated() bool {
	return c.Initiator == InitiatorSyncEngine
}
