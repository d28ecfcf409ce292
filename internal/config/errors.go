package config

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional state transition matched no row
// because another writer changed the record first.
var ErrConflict = errors.New("conflicting update")
