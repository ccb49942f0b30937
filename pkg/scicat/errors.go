package scicat

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoToken indicates that a login response didn't contain a token.
var ErrNoToken = errors.New("login response contains no token")

// StatusError describes a SciCat response with an unsuccessful status code.
type StatusError struct {
	// Method is the request method.
	Method string
	// Path is the request path, without query.
	Path string
	// StatusCode is the HTTP status code.
	StatusCode int
	// Body is the response body.
	Body string
}

// Error implements error.Error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s",
		e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), strings.TrimSpace(e.Body),
	)
}

// statusCode extracts the status code from a (possibly wrapped) StatusError.
func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsUnauthorized returns whether an error is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	code := statusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsNotFound returns whether an error is a 404 response.
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

// isServerError returns whether an error is a 5xx response.
func isServerError(err error) bool {
	return statusCode(err) >= http.StatusInternalServerError
}
