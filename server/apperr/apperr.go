// Package apperr holds the error taxonomy shared by the SOS core and its HTTP surface.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument marks malformed input: missing or out-of-range
	// coordinates, missing identifiers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict marks an attempt to open a second active alert for a user.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a referenced alert, user location or contact that does not exist.
	ErrNotFound = errors.New("not found")
)

func InvalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConflict, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// HTTPStatus maps an error from the core onto the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
