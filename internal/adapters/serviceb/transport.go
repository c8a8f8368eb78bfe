package serviceb

import (
	"context"
	"net/http"
)

// statusCapturingTransport records the HTTP status code of each response
// onto a pointer stashed in the request's context, grounded on the
// basicAuthTransport wrapping idiom (felixgeelhaar-orbita's caldav
// syncer). It exists because go-webdav's own HTTPError carrying the
// status code lives in an unexported internal package and cannot be
// type-asserted from outside the module; capturing the code at the
// transport layer sidesteps that entirely.
type statusCapturingTransport struct {
	base http.RoundTripper
}

func (t *statusCapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		if code, ok := req.Context().Value(statusCodeKey{}).(*int); ok {
			*code = resp.StatusCode
		}
	}
	return resp, err
}

type statusCodeKey struct{}

// withStatusCapture returns a derived context plus a pointer that is
// populated with the response status code of whichever request the
// returned context is attached to. The caller reads *code only after the
// call it wraps has returned.
func withStatusCapture(ctx context.Context) (context.Context, *int) {
	code := new(int)
	return context.WithValue(ctx, statusCodeKey{}, code), code
}
