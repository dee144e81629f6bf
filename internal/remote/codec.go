package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
)

const opDecode = "remote.decode"

var errNullItem = errors.New("item is null")

// DecodeItem converts a wire object carrying id, application fields, and the
// reserved _version/_deleted/_lastChangedAt fields into a projection.
func (s Schema) DecodeItem(raw json.RawMessage) (model.ModelWithMetadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "null_item", errNullItem)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "malformed_item", err)
	}

	var rawID string
	if err := json.Unmarshal(fields[fieldID], &rawID); err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_id", err)
	}
	itemID, err := model.NewItemID(rawID)
	if err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_id", err)
	}

	var version int64
	if err := json.Unmarshal(fields[fieldVersion], &version); err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_version",
			fmt.Errorf("%s/%s: %w", s.Name, itemID, err))
	}

	var deleted *bool
	if value, ok := fields[fieldDeleted]; ok {
		if err := json.Unmarshal(value, &deleted); err != nil {
			return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_deleted", err)
		}
	}

	var lastChangedAt int64
	if value, ok := fields[fieldLastChangedAt]; ok && !bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		if err := json.Unmarshal(value, &lastChangedAt); err != nil {
			return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_last_changed_at", err)
		}
	}

	metadata := model.ModelMetadata{
		ID:            itemID,
		ModelName:     s.Name,
		Deleted:       deleted != nil && *deleted,
		Version:       version,
		LastChangedAt: lastChangedAt,
	}
	result := model.ModelWithMetadata{Metadata: metadata}
	if !metadata.Deleted {
		for name := range reservedFields {
			delete(fields, name)
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "payload_encode_failed", err)
		}
		result.Model = &model.Model{ID: itemID, Name: s.Name, Payload: payload}
	}
	if err := result.Validate(); err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "invalid_item", err)
	}
	return result, nil
}

// DecodeSubscriptionData extracts the item from a subscription data payload of
// the form {"data": {"onCreateTodo": {...}}}.
func (s Schema) DecodeSubscriptionData(changeType model.ChangeType, payload json.RawMessage) (model.ModelWithMetadata, error) {
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "malformed_data", err)
	}
	field := s.SubscriptionField(changeType)
	raw, ok := envelope.Data[field]
	if !ok {
		return model.ModelWithMetadata{}, model.NewError(model.ErrProtocol, opDecode, "missing_field",
			fmt.Errorf("payload has no %q field", field))
	}
	return s.DecodeItem(raw)
}

func encodeInput(item model.Model, version *int64) (map[string]any, error) {
	fields, err := item.Fields()
	if err != nil {
		return nil, err
	}
	input := make(map[string]any, len(fields)+2)
	for name, value := range fields {
		if _, reserved := reservedFields[name]; reserved {
			continue
		}
		input[name] = value
	}
	input[fieldID] = item.ID.String()
	if version != nil {
		input[fieldVersion] = *version
	}
	return input, nil
}
