package subscription

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
)

// MessageType is the "type" discriminator of a graphql-ws frame.
type MessageType string

const (
	TypeConnectionInit  MessageType = "connection_init"
	TypeConnectionAck   MessageType = "connection_ack"
	TypeConnectionError MessageType = "connection_error"
	TypeKeepAlive       MessageType = "ka"
	TypeStart           MessageType = "start"
	TypeStartAck        MessageType = "start_ack"
	TypeData            MessageType = "data"
	TypeError           MessageType = "error"
	TypeComplete        MessageType = "complete"
	TypeStop            MessageType = "stop"
)

const opParse = "subscription.parse"

var (
	errMissingType    = errors.New("message has no type")
	errUnknownType    = errors.New("unknown message type")
	errMissingID      = errors.New("message requires a subscription id")
	errMissingPayload = errors.New("message requires a payload")

	knownTypes = map[MessageType]struct{}{
		TypeConnectionInit:  {},
		TypeConnectionAck:   {},
		TypeConnectionError: {},
		TypeKeepAlive:       {},
		TypeStart:           {},
		TypeStartAck:        {},
		TypeData:            {},
		TypeError:           {},
		TypeComplete:        {},
		TypeStop:            {},
	}

	idRequired = map[MessageType]struct{}{
		TypeStart:    {},
		TypeStartAck: {},
		TypeData:     {},
		TypeComplete: {},
		TypeStop:     {},
	}
)

// Message is one frame of the protocol.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseMessage decodes and validates a frame. Malformed frames, unknown types,
// and frames missing a required id yield model.ErrProtocol.
func ParseMessage(raw []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, model.NewError(model.ErrProtocol, opParse, "malformed_json", err)
	}
	message.Type = MessageType(strings.TrimSpace(string(message.Type)))
	if message.Type == "" {
		return Message{}, model.NewError(model.ErrProtocol, opParse, "missing_type", errMissingType)
	}
	if _, ok := knownTypes[message.Type]; !ok {
		return Message{}, model.NewError(model.ErrProtocol, opParse, "unknown_type",
			fmt.Errorf("%w: %q", errUnknownType, message.Type))
	}
	if _, ok := idRequired[message.Type]; ok && message.ID == "" {
		return Message{}, model.NewError(model.ErrProtocol, opParse, "missing_id",
			fmt.Errorf("%w: %s", errMissingID, message.Type))
	}
	if message.Type == TypeData && isEmptyPayload(message.Payload) {
		return Message{}, model.NewError(model.ErrProtocol, opParse, "missing_payload",
			fmt.Errorf("%w: %s", errMissingPayload, message.Type))
	}
	return message, nil
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type ackPayload struct {
	ConnectionTimeoutMs int64 `json:"connectionTimeoutMs"`
}

type startPayload struct {
	Data       string          `json:"data"`
	Extensions startExtensions `json:"extensions"`
}

type startExtensions struct {
	Authorization map[string]string `json:"authorization"`
}

type errorPayload struct {
	Errors []struct {
		Message   string `json:"message"`
		ErrorType string `json:"errorType"`
		ErrorCode int    `json:"errorCode"`
	} `json:"errors"`
}

// describeErrorPayload flattens an error/connection_error payload into text.
func describeErrorPayload(payload json.RawMessage) string {
	var decoded errorPayload
	if err := json.Unmarshal(payload, &decoded); err != nil || len(decoded.Errors) == 0 {
		if isEmptyPayload(payload) {
			return "no details"
		}
		return string(payload)
	}
	parts := make([]string, 0, len(decoded.Errors))
	for _, entry := range decoded.Errors {
		switch {
		case entry.ErrorType != "":
			parts = append(parts, fmt.Sprintf("%s: %s", entry.ErrorType, entry.Message))
		case entry.ErrorCode != 0:
			parts = append(parts, fmt.Sprintf("%d: %s", entry.ErrorCode, entry.Message))
		default:
			parts = append(parts, entry.Message)
		}
	}
	return strings.Join(parts, "; ")
}
