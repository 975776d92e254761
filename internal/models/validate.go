package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors shared across the stores and services.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
	ErrConflict = errors.New("conflict")
)

// Signal and directive names are lowercase dot-delimited segments with at
// least two segments, e.g. "forum.thread.created" or "package.install".
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ValidateName checks the dot-delimited lowercase name contract.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q must be lowercase dot-delimited segments", ErrInvalid, name)
	}
	return nil
}

// ValidateJSONMap rejects maps that cannot round-trip through JSON, such as
// ones carrying channels or funcs from in-process callers.
func ValidateJSONMap(field string, m map[string]any) error {
	if m == nil {
		return nil
	}
	if _, err := json.Marshal(m); err != nil {
		return fmt.Errorf("%w: %s is not JSON-safe: %v", ErrInvalid, field, err)
	}
	return nil
}
