package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidModelName indicates that a model name is empty, too long, or not an identifier.
	ErrInvalidModelName = errors.New("model: invalid model name")
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("model: invalid item id")
	// ErrInvalidPayload indicates that a model payload is not a JSON object.
	ErrInvalidPayload = errors.New("model: invalid payload")
	// ErrInvalidVersion indicates that metadata carries a non-positive version.
	ErrInvalidVersion = errors.New("model: invalid version")
	// ErrMissingModel indicates that a live (non-deleted) projection carries no model.
	ErrMissingModel = errors.New("model: missing model for live item")
)

// ModelName identifies a managed model type, e.g. "Todo".
type ModelName string

// NewModelName validates raw input and returns a ModelName.
func NewModelName(rawInput string) (ModelName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidModelName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidModelName, maxIdentifierLength)
	}
	for index, r := range trimmed {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if index == 0 && !isLetter {
			return "", fmt.Errorf("%w: %q must start with a letter", ErrInvalidModelName, trimmed)
		}
		if !isLetter && !isDigit && r != '_' {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidModelName, trimmed, r)
		}
	}
	return ModelName(trimmed), nil
}

// String returns the underlying model name.
func (n ModelName) String() string {
	return string(n)
}

// ItemID represents a validated model instance identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying identifier.
func (id ItemID) String() string {
	return string(id)
}

// Model is an application entity: a stable identity plus application-defined fields.
type Model struct {
	ID      ItemID
	Name    ModelName
	Payload json.RawMessage
}

// NewModel validates identity and payload. An empty payload becomes an empty object.
func NewModel(name, id string, payload json.RawMessage) (Model, error) {
	modelName, err := NewModelName(name)
	if err != nil {
		return Model{}, err
	}
	itemID, err := NewItemID(id)
	if err != nil {
		return Model{}, err
	}
	normalized, err := NormalizePayload(payload)
	if err != nil {
		return Model{}, err
	}
	return Model{ID: itemID, Name: modelName, Payload: normalized}, nil
}

// NormalizePayload ensures the payload is a JSON object, returning "{}" for empty input.
func NormalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.RawMessage(append([]byte(nil), trimmed...)), nil
}

// Fields decodes the payload into a field map.
func (m Model) Fields() (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(m.Payload)) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// ModelMetadata is the sync bookkeeping paired with a model instance.
type ModelMetadata struct {
	ID            ItemID
	ModelName     ModelName
	Deleted       bool
	Version       int64
	LastChangedAt int64
}

// ModelWithMetadata is the projection produced by every remote read.
// Model is nil for tombstones.
type ModelWithMetadata struct {
	Model    *Model
	Metadata ModelMetadata
}

// Validate checks the structural invariants of a remote projection.
func (m ModelWithMetadata) Validate() error {
	if _, err := NewItemID(m.Metadata.ID.String()); err != nil {
		return err
	}
	if _, err := NewModelName(m.Metadata.ModelName.String()); err != nil {
		return err
	}
	if m.Metadata.Version <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, m.Metadata.Version)
	}
	if !m.Metadata.Deleted && m.Model == nil {
		return fmt.Errorf("%w: %s/%s", ErrMissingModel, m.Metadata.ModelName, m.Metadata.ID)
	}
	return nil
}

// Mutation is a remote change delivered by a live subscription.
type Mutation struct {
	Type ChangeType
	Item ModelWithMetadata
}
