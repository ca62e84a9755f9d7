package remote

import (
	"errors"
	"fmt"
	"net/http"

	"fieldsync/internal/models"
)

// ErrUnauthorized marks 401/403 answers: the credential must be renewed before retrying.
var ErrUnauthorized = errors.New("remote rejected credentials")

// ConflictError is a 409 answer carrying the current remote state.
type ConflictError struct {
	Remote models.RemoteEntity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: remote at version %d", e.Remote.ID, e.Remote.Version)
}

// StatusError is any other non-success HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Classify maps a client error onto the failure taxonomy the orchestrator acts on.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return ""
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return models.ClassConflict
	}
	if errors.Is(err, ErrUnauthorized) {
		return models.ClassAuth
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code >= 500,
			status.Code == http.StatusRequestTimeout,
			status.Code == http.StatusTooManyRequests:
			return models.ClassTransient
		case status.Code >= 400:
			return models.ClassPermanent
		}
		return models.ClassTransient
	}

	// Timeouts, resets and refused connections are all worth another attempt.
	return models.ClassTransient
}
