// Package ids provides identifier generation and validation utilities.
//
// Updates and conflicts use ULIDs so the ledger's identifiers sort in
// creation order; sessions and other entities use UUID v4.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewUUID generates a new UUID v4.
func NewUUID() string {
	return uuid.New().String()
}

// NewULID generates a new lexicographically sortable ULID.
func NewULID() string {
	return ulid.Make().String()
}

// IsValidUUID checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValidUUID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateUUID returns an error if the string is not a valid UUID v4.
func ValidateUUID(s string) error {
	if !IsValidUUID(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// ValidateULID returns an error if the string is not a valid ULID.
func ValidateULID(s string) error {
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("invalid ULID: %w", err)
	}
	return nil
}
