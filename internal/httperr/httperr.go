// Package httperr carries HTTP status information through wrapped error
// chains so callers can classify downstream failures without string matching.
package httperr

import "fmt"

type StatusError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request %s %s failed with status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("request %s %s failed with status %d: %s", e.Method, e.Path, e.Status, e.Body)
}
