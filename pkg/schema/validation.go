package schema

import (
	"fmt"
	"strings"
)

// IssueSeverity separates blocking problems from advisory ones.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Issue locates one problem in a manifest or request body. Path uses the
// dotted form of the checked document, e.g. tasks[0].skill.
type Issue struct {
	Path     string        `json:"path"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

func (i Issue) String() string { return i.Path + ": " + i.Message }

// Issues collects every problem found by a check instead of stopping at the
// first. Warnings never make a set invalid.
type Issues struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *Issues) Valid() bool { return len(r.Errors) == 0 }

func (r *Issues) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{path, code, message, SeverityError})
}

func (r *Issues) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{path, code, message, SeverityWarning})
}

// Merge appends other's issues. A nil other is a no-op.
func (r *Issues) Merge(other *Issues) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid set. Otherwise it returns a VALIDATION
// error naming the failing paths and carrying every issue in its details.
func (r *Issues) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		paths := make([]string, n)
		for i, e := range r.Errors {
			paths[i] = e.Path
		}
		msg = fmt.Sprintf("validation failed with %d errors (%s)", n, strings.Join(paths, ", "))
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
