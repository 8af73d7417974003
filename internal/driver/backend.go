package driver

import "github.com/fxnlabs/zesval/internal/sysman"

// Backend is a driver implementation the validation layer forwards to.
//
// Implementation notes:
//   - Initialize is called once before Table is used
//   - the functions in Table must be safe for concurrent use
//   - Cleanup releases every object the backend still holds
type Backend interface {
	// Name identifies the backend in configuration and logs.
	Name() string

	// IsAvailable checks if the backend can be used without initializing it.
	IsAvailable() bool

	Initialize() error

	Cleanup() error

	// Table returns the entry points of the backend.
	Table() sysman.Table
}
