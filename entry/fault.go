package entry

import (
	"errors"
	"net/http"

	"timebridge/internal/httperr"
)

// Kind names a failure class. Each class has exactly one disposition:
// malformed payloads are dropped, orphaned references and transient
// downstream failures are retried through the queue, permanent downstream
// failures are reported and dropped.
type Kind string

const (
	KindMalformedPayload Kind = "malformed-payload"
	KindOrphanedRef      Kind = "orphaned-reference"
	KindTransient        Kind = "transient-downstream-failure"
	KindPermanent        Kind = "permanent-downstream-failure"
)

// Classify sorts a downstream call error into transient or permanent.
// Network errors, timeouts, rate limits, auth lapses and server faults are
// transient; any other client error is permanent.
func Classify(err error) Kind {
	var statusErr *httperr.StatusError
	if !errors.As(err, &statusErr) {
		return KindTransient
	}
	switch {
	case statusErr.Status >= 500:
		return KindTransient
	case statusErr.Status == http.StatusRequestTimeout,
		statusErr.Status == http.StatusTooManyRequests,
		statusErr.Status == http.StatusUnauthorized:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Status is a processor's exit disposition. Every invocation ends in
// exactly one of these; processors never raise past their boundary except
// for infrastructure faults.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusQueued  Status = "queued"
	StatusDropped Status = "dropped"
)

// Outcome is the structured result of one processor invocation.
type Outcome struct {
	Status Status
	Kind   Kind
	Detail string
}

// HTTPStatus maps an outcome onto the status the webhook gateway answers
// with: 2xx for anything handled (including queued and reported-and-dropped,
// so the sender does not redeliver), 400 for malformed payloads.
func (o Outcome) HTTPStatus() int {
	if o.Kind == KindMalformedPayload {
		return http.StatusBadRequest
	}
	return http.StatusOK
}
