package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
)

// Reserved fields carried by every versioned model on the wire.
const (
	fieldID            = "id"
	fieldVersion       = "_version"
	fieldDeleted       = "_deleted"
	fieldLastChangedAt = "_lastChangedAt"
	fieldTypename      = "__typename"
)

var (
	// ErrInvalidField indicates a selection field that is not a GraphQL name or is reserved.
	ErrInvalidField = errors.New("remote: invalid field")

	reservedFields = map[string]struct{}{
		fieldID:            {},
		fieldVersion:       {},
		fieldDeleted:       {},
		fieldLastChangedAt: {},
		fieldTypename:      {},
	}
)

// Schema describes one managed model type and the documents derived from it.
type Schema struct {
	Name   model.ModelName
	Plural string
	Fields []string
}

// NewSchema validates the name and application fields. The plural defaults to name+"s".
func NewSchema(name string, fields []string) (Schema, error) {
	modelName, err := model.NewModelName(name)
	if err != nil {
		return Schema{}, err
	}
	validated := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed == "" {
			continue
		}
		if _, reserved := reservedFields[trimmed]; reserved {
			return Schema{}, fmt.Errorf("%w: %q is reserved", ErrInvalidField, trimmed)
		}
		if _, err := model.NewModelName(trimmed); err != nil {
			return Schema{}, fmt.Errorf("%w: %q", ErrInvalidField, trimmed)
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		validated = append(validated, trimmed)
	}
	return Schema{Name: modelName, Plural: modelName.String() + "s", Fields: validated}, nil
}

func (s Schema) selectionSet() string {
	parts := make([]string, 0, len(s.Fields)+4)
	parts = append(parts, fieldID)
	parts = append(parts, s.Fields...)
	parts = append(parts, fieldVersion, fieldDeleted, fieldLastChangedAt)
	return strings.Join(parts, " ")
}

// MutationField returns the GraphQL field name for a mutation of the given type.
func (s Schema) MutationField(changeType model.ChangeType) string {
	switch changeType {
	case model.ChangeTypeCreate:
		return "create" + s.Name.String()
	case model.ChangeTypeUpdate:
		return "update" + s.Name.String()
	default:
		return "delete" + s.Name.String()
	}
}

// MutationDocument returns the mutation document taking a single $input variable.
func (s Schema) MutationDocument(changeType model.ChangeType) string {
	field := s.MutationField(changeType)
	inputType := strings.ToUpper(field[:1]) + field[1:] + "Input"
	return fmt.Sprintf("mutation %s($input: %s!) { %s(input: $input) { %s } }",
		strings.ToUpper(field[:1])+field[1:], inputType, field, s.selectionSet())
}

// SyncField returns the paged delta-query field name.
func (s Schema) SyncField() string {
	return "sync" + s.Plural
}

// SyncDocument returns the paged "changed since" query.
func (s Schema) SyncDocument() string {
	return fmt.Sprintf(
		"query Sync%s($limit: Int, $nextToken: String, $lastSync: AWSTimestamp) { %s(limit: $limit, nextToken: $nextToken, lastSync: $lastSync) { items { %s } nextToken startedAt } }",
		s.Plural, s.SyncField(), s.selectionSet())
}

// SubscriptionField returns the live subscription field for the change type.
func (s Schema) SubscriptionField(changeType model.ChangeType) string {
	switch changeType {
	case model.ChangeTypeCreate:
		return "onCreate" + s.Name.String()
	case model.ChangeTypeUpdate:
		return "onUpdate" + s.Name.String()
	default:
		return "onDelete" + s.Name.String()
	}
}

// SubscriptionDocument returns the live subscription document for the change type.
func (s Schema) SubscriptionDocument(changeType model.ChangeType) string {
	field := s.SubscriptionField(changeType)
	return fmt.Sprintf("subscription %s { %s { %s } }",
		strings.ToUpper(field[:1])+field[1:], field, s.selectionSet())
}
