package runner

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer from the runner API. It satisfies the
// StatusCoder and HeaderCarrier interfaces the error classifier inspects.
type APIError struct {
	Status  int
	Type    string
	Message string
	Headers http.Header
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("runner api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("runner api: status %d %s: %s", e.Status, e.Type, e.Message)
}

func (e *APIError) StatusCode() int      { return e.Status }
func (e *APIError) Header() http.Header { return e.Headers }

// IsNotFound reports whether err stems from a 404 answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
