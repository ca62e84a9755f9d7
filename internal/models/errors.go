package models

// ErrorClass groups failures by how the orchestrator reacts to them.
type ErrorClass string

const (
	ClassLocal     ErrorClass = "local"
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassConflict  ErrorClass = "conflict"
	ClassAuth      ErrorClass = "auth"
)

// Surfaced reports whether failures of this class are always shown to the user.
func (c ErrorClass) Surfaced() bool {
	return c == ClassLocal || c == ClassPermanent || c == ClassAuth
}
