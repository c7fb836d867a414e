package api

import (
	"errors"
	"fmt"
)

// RequestError is the uniform error for every failed backend call.
// Status is 0 when the failure never produced an HTTP status (network error,
// timeout). Payload carries the raw response body when one was received.
type RequestError struct {
	Message string
	Status  int
	Payload []byte
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request failed: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0 if err is not a
// *RequestError or the failure had no status.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	return 0
}
