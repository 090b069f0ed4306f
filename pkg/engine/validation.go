package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxRequestChars caps the accepted instruction length.
const MaxRequestChars = 10000

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// suspiciousMarkers are request fragments that indicate markup smuggling or
// prompt manipulation rather than a genuine instruction.
var suspiciousMarkers = []string{
	"<script",
	"javascript:",
	"data:text/html",
}

// validateRequest screens an incoming instruction. Validation failures
// return synchronously and never mutate thread state.
func validateRequest(instruction string) error {
	trimmed := strings.TrimSpace(instruction)
	if trimmed == "" {
		return &ValidationError{Field: "instruction", Reason: "must not be empty"}
	}
	if len(instruction) > MaxRequestChars {
		return &ValidationError{
			Field:  "instruction",
			Reason: fmt.Sprintf("exceeds %d characters", MaxRequestChars),
		}
	}

	for _, r := range instruction {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return &ValidationError{Field: "instruction", Reason: "contains control characters"}
		}
	}

	lowered := strings.ToLower(instruction)
	for _, marker := range suspiciousMarkers {
		if strings.Contains(lowered, marker) {
			return &ValidationError{
				Field:  "instruction",
				Reason: fmt.Sprintf("contains suspicious pattern %q", marker),
			}
		}
	}
	return nil
}
