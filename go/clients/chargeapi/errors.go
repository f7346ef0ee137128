package chargeapi

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/evcharge/queuesync/go/clients"
)

var (
	// ErrForbidden marks requests for another user's booking or session
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrBusy      = errors.New("post is busy")
)

// classify wraps err with msg and marks it by HTTP status
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, msg)

	var se *clients.StatusError
	if !errors.As(err, &se) {
		return wrapped
	}
	switch se.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		return errors.Mark(wrapped, ErrForbidden)
	case http.StatusNotFound:
		return errors.Mark(wrapped, ErrNotFound)
	case http.StatusConflict:
		return errors.Mark(wrapped, ErrBusy)
	}
	return wrapped
}

func statusCode(err error) int {
	var se *clients.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
