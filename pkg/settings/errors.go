package settings

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSettings is matched by every InvalidSettingsError via errors.Is.
var ErrInvalidSettings = errors.New("invalid settings")

// FieldError describes one problem with one settings key.
type FieldError struct {
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidSettingsError carries every field error found in a document.
type InvalidSettingsError struct {
	Errors []FieldError
}

func (e *InvalidSettingsError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid settings: " + e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Error())
	}
	return fmt.Sprintf("invalid settings (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *InvalidSettingsError) Is(target error) bool { return target == ErrInvalidSettings }

// Fields returns the keys that failed validation, in report order.
func (e *InvalidSettingsError) Fields() []string {
	out := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		out = append(out, fe.Field)
	}
	return out
}

// Warning is a non-fatal finding, such as an unknown key or a suspicious
// combination of values.
type Warning struct {
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}
