package model

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"
)

func TestNewModelNameValidation(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "Todo"},
		{name: "trimmed", input: "  Note_2 "},
		{name: "empty", input: "   ", wantErr: true},
		{name: "leading digit", input: "2Todo", wantErr: true},
		{name: "punctuation", input: "To-do", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewModelName(testCase.input)
			if testCase.wantErr && !errors.Is(err, ErrInvalidModelName) {
				t.Fatalf("expected ErrInvalidModelName, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewModelNormalizesPayload(t *testing.T) {
	item, err := NewModel("Todo", "item-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(item.Payload) != "{}" {
		t.Fatalf("expected empty object payload, got %s", item.Payload)
	}

	if _, err := NewModel("Todo", "item-1", json.RawMessage(`[1,2]`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for array payload, got %v", err)
	}
}

func TestChangeIDsSortInCreationOrder(t *testing.T) {
	ids := make([]string, 0, 64)
	for index := 0; index < 64; index++ {
		ids = append(ids, NewChangeID().String())
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("expected change ids to be issued in lexical order")
	}
	if _, err := ParseChangeID(ids[0]); err != nil {
		t.Fatalf("expected issued id to parse: %v", err)
	}
	if _, err := ParseChangeID("not-a-ulid"); !errors.Is(err, ErrInvalidChangeID) {
		t.Fatalf("expected ErrInvalidChangeID, got %v", err)
	}
}

func TestNewChangeRecordRejectsUnknownInitiator(t *testing.T) {
	item, err := NewModel("Todo", "item-1", json.RawMessage(`{"title":"a"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewChangeRecord(item, ChangeTypeCreate, Initiator("ROBOT"), time.Now()); !errors.Is(err, ErrInvalidInitiator) {
		t.Fatalf("expected ErrInvalidInitiator, got %v", err)
	}

	record, err := NewChangeRecord(item, ChangeTypeUpdate, InitiatorSyncEngine, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !record.IsSyncOriginated() {
		t.Fatalf("expected sync-originated record")
	}
	if record.Key() != "Todo/item-1" {
		t.Fatalf("unexpected key %q", record.Key())
	}
}

func TestModelWithMetadataValidate(t *testing.T) {
	tombstone := ModelWithMetadata{Metadata: ModelMetadata{ID: "a", ModelName: "Todo", Deleted: true, Version: 3}}
	if err := tombstone.Validate(); err != nil {
		t.Fatalf("expected tombstone without model to be valid: %v", err)
	}
	live := ModelWithMetadata{Metadata: ModelMetadata{ID: "a", ModelName: "Todo", Version: 1}}
	if err := live.Validate(); !errors.Is(err, ErrMissingModel) {
		t.Fatalf("expected ErrMissingModel, got %v", err)
	}
	zeroVersion := ModelWithMetadata{Metadata: ModelMetadata{ID: "a", ModelName: "Todo", Deleted: true}}
	if err := zeroVersion.Validate(); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestSyncErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrConflict, "sync.publish", "version_mismatch", cause)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected error to match ErrConflict")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected error to match its cause")
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("did not expect error to match ErrTransient")
	}
	if code := ErrorCode(err); code != "sync.publish.version_mismatch" {
		t.Fatalf("unexpected code %q", code)
	}
}
