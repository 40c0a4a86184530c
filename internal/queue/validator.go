package queue

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// Validator checks a raw payload before the run callback executes.
// Admission happens at dequeue, not at submission, so producers stay
// decoupled from consumer-side schema evolution.
type Validator interface {
	Validate(data json.RawMessage) error
}

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// StructValidator validates payloads by decoding them into T and running
// its `validate` struct tags.
type StructValidator[T any] struct{}

// NewStructValidator returns a Validator for payloads of type T
func NewStructValidator[T any]() StructValidator[T] {
	return StructValidator[T]{}
}

// Validate implements Validator
func (StructValidator[T]) Validate(data json.RawMessage) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return apperrors.NewValidationError("payload is not valid JSON for its schema").WithCause(err)
	}
	if err := structValidate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Non-struct payloads carry no validate tags to enforce.
			return nil
		}
		return apperrors.NewValidationError("payload failed schema validation").WithCause(err)
	}
	return nil
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(data json.RawMessage) error

// Validate implements Validator
func (f ValidatorFunc) Validate(data json.RawMessage) error {
	return f(data)
}
