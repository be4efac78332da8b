package dberrors

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/pkg/errors"
)

// StatusCode maps err onto the HTTP status an API layer should answer with.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindUniqueConstraint, KindForeignKey, KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts err into an ectoerror HTTP error. Server-side kinds
// carry a generic message so engine details never reach the client.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		return httperror.NewHTTPError(status, "internal server error")
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Kind.String()
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return httperror.NewHTTPError(status, msg)
	}
	return httperror.NewHTTPError(status, err.Error())
}
