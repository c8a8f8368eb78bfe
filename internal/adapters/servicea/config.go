package servicea

import (
	"context"

	"golang.org/x/oauth2"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/jlewiss/calbridge/internal/adapters/ratelimit"
)

// Config holds Service A adapter configuration (spec.md §6's window
// defaults and retry knobs, scoped to this adapter).
type Config struct {
	PastDays      int
	FutureDays    int
	MaxEventsPage int64
	RateLimit     ratelimit.Config
}

// DefaultConfig mirrors the teacher's DefaultConfig idiom
// (microsoft/calendar.Config.DefaultConfig).
func DefaultConfig() Config {
	return Config{
		PastDays:      30,
		FutureDays:    180,
		MaxEventsPage: 250,
		RateLimit:     ratelimit.DefaultConfig(),
	}
}

// TokenSource supplies the OAuth2 token for a pair's Service A credentials.
// The OAuth authorization flow itself (consent screen, code exchange,
// refresh-token storage) is out of scope per spec.md §1; this is the only
// seam the engine needs.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// newService builds a calendar API client from a TokenSource.
func newService(ctx context.Context, ts TokenSource) (*calendarapi.Service, error) {
	oauthTS := oauth2.ReuseTokenSource(nil, tokenSourceFunc(ts))
	return calendarapi.NewService(ctx, option.WithTokenSource(oauthTS))
}

type tokenSourceFunc TokenSource

func (f tokenSourceFunc) Token() (*oauth2.Token, error) {
	return TokenSource(f).Token(context.Background())
}
