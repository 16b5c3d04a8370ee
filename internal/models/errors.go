package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for orchestration operations.
var (
	ErrNotFound          = errors.New("not found")
	ErrLeaseMismatch     = errors.New("lease not held by caller")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed input with field-level detail.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PermissionError reports a failed role or capability check.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// Permission reasons.
const (
	ReasonHubRoleRequired = "hub_role_required"
	ReasonAdminRequired   = "admin_required"
)
