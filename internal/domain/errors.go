package domain

import "errors"

// Storage-level sentinels. The services above the store translate
// these into their user-facing taxonomy.
var (
	// ErrNotFound reports that no row matches the lookup.
	ErrNotFound = errors.New("not found")

	// ErrNameTaken reports that another template in the same scope
	// already holds the requested name.
	ErrNameTaken = errors.New("template name taken")
)
