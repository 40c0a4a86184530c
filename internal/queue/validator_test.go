package queue

import (
	"encoding/json"
	"errors"
	"testing"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

type crawlPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

func TestStructValidator_Valid(t *testing.T) {
	v := NewStructValidator[crawlPayload]()

	err := v.Validate(json.RawMessage(`{"bookmark_id":"bm-1","url":"https://example.com"}`))
	if err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestStructValidator_MissingField(t *testing.T) {
	v := NewStructValidator[crawlPayload]()

	err := v.Validate(json.RawMessage(`{"url":"https://example.com"}`))
	if err == nil {
		t.Fatal("expected validation error for missing bookmark_id")
	}
	if !apperrors.IsTerminal(err) {
		t.Error("validation failures must be terminal")
	}
}

func TestStructValidator_BadURL(t *testing.T) {
	v := NewStructValidator[crawlPayload]()

	err := v.Validate(json.RawMessage(`{"bookmark_id":"bm-1","url":"not a url"}`))
	if err == nil {
		t.Error("expected validation error for malformed url")
	}
}

func TestStructValidator_MalformedJSON(t *testing.T) {
	v := NewStructValidator[crawlPayload]()

	err := v.Validate(json.RawMessage(`{oops`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Error("malformed JSON should surface as a validation error")
	}
}

func TestStructValidator_NonStructPayload(t *testing.T) {
	// Payloads without validate tags pass through untouched.
	v := NewStructValidator[map[string]string]()

	if err := v.Validate(json.RawMessage(`{"k":"v"}`)); err != nil {
		t.Errorf("non-struct payload should not fail validation: %v", err)
	}
}

func TestValidatorFunc(t *testing.T) {
	sentinel := errors.New("rejected")
	v := ValidatorFunc(func(data json.RawMessage) error {
		return sentinel
	})

	if err := v.Validate(nil); !errors.Is(err, sentinel) {
		t.Errorf("ValidatorFunc did not pass through: %v", err)
	}
}
