// Package services implements the study-assistant workflows: ingestion of
// uploaded materials, chat about a material, the read side of the library
// and the user profile.
//
// This file centralizes the service-level error values. Handlers translate
// them into HTTP statuses and stable error codes; services wrap them with
// fmt.Errorf("%w: ...") so the underlying cause is still logged.
package services

import (
	"errors"

	"github.com/tbourn/go-study-backend/internal/repo"
)

var (
	// ErrUnauthorized is returned when the caller has no resolved identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput covers missing files, zero-byte files, empty messages
	// and malformed profile updates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the material does not exist, belongs to someone
	// else, or has no content to work with. The three are not distinguished.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure is returned when the blob store rejects an upload.
	ErrStorageFailure = errors.New("storage failure")

	// ErrExternalService is returned when the AI service fails on a call
	// whose result the caller is waiting for.
	ErrExternalService = errors.New("external service failure")

	// ErrPersistence is returned when a database write that the caller
	// depends on fails.
	ErrPersistence = errors.New("persistence failure")
)

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
