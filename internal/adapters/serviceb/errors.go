package serviceb

import (
	"net/http"

	"github.com/jlewiss/calbridge/internal/domain"
)

// wrapError classifies a CalDAV client failure into the engine's closed
// error taxonomy using the status code captured by statusCapturingTransport
// for the call that produced err. A statusCode of 0 means no HTTP
// round-trip completed (DNS failure, connection refused, context
// cancellation) and is treated as transient.
func wrapError(op string, err error, statusCode int) *domain.AdapterError {
	switch statusCode {
	case http.StatusUnauthorized:
		return domain.NewAdapterError(domain.ErrAuth, op, err)
	case http.StatusTooManyRequests:
		return domain.NewAdapterError(domain.ErrRateLimited, op, err)
	case http.StatusNotFound:
		return domain.NewAdapterError(domain.ErrNotFound, op, err)
	case http.StatusForbidden:
		// Spec.md §4.3: a 403 with a token in play means the token was
		// rejected. wrapError cannot tell whether a token was in flight,
		// so every 403 is reported as TokenInvalidated, including one from
		// a call that sent no token (e.g. a REPORT issued before the
		// principal rebind); no caller reclassifies it.
		return domain.NewAdapterError(domain.ErrTokenInvalidated, op, err)
	case http.StatusGone:
		return domain.NewAdapterError(domain.ErrTokenInvalidated, op, err)
	}
	if statusCode >= 500 || statusCode == 0 {
		return domain.NewAdapterError(domain.ErrTransient, op, err)
	}
	return domain.NewAdapterError(domain.ErrTransient, op, err)
}
