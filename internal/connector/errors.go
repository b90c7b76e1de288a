package connector

import "fmt"

// ServiceError is any non-2xx or malformed response from a platform-side
// HTTP call. Status and Body are kept verbatim for diagnostics.
type ServiceError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.Status, truncate(e.Body, 200))
}

func (e *ServiceError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
