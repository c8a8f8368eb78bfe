// Package serviceb adapts Service B (a CalDAV, iCloud-class remote) to the
// engine's Adapter contract. It is grounded on the caldav.Syncer shape
// (client construction, basic-auth transport, principal/home-set
// discovery) generalized from a one-way schedule-push helper into the
// spec's bidirectional getChangeSet/mutation contract, with the
// sync-token/CTag fallback chain and iCalendar translation grounded on
// sonroyaalmerol-ldap-dav's pkg/ical helpers.
package serviceb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/jlewiss/calbridge/internal/adapters/ratelimit"
	"github.com/jlewiss/calbridge/internal/domain"
)

// Config holds Service B adapter configuration.
type Config struct {
	// BaseURL is the service's discovery entry point, e.g.
	// "https://caldav.icloud.com". The adapter rebinds to the
	// server-specific host returned by principal discovery before
	// issuing any REPORT.
	BaseURL  string
	Username string
	Password string

	PastDays      int
	FutureDays    int
	MaxEventsPage int
	ProductID     string
	RateLimit     ratelimit.Config
}

// DefaultConfig mirrors servicea's DefaultConfig idiom.
func DefaultConfig() Config {
	return Config{
		PastDays:      30,
		FutureDays:    180,
		MaxEventsPage: 250,
		ProductID:     "-//calbridge//EN",
		RateLimit:     ratelimit.DefaultConfig(),
	}
}

// Adapter implements adapters.Adapter and adapters.CalDAVAdapter against
// Service B.
type Adapter struct {
	cfg     Config
	client  *caldav.Client
	http    *http.Client // shared transport, used directly for raw PROPFINDs token.go issues
	limiter *ratelimit.Limiter
}

// New discovers the server-specific base URL, rebinds a CalDAV client
// there, and returns an Adapter ready to serve a pair. Per spec.md §4.3,
// issuing REPORTs against the discovery entry point directly yields 403 on
// servers (iCloud among them) that require this rebind.
func New(cfg Config) (*Adapter, error) {
	ctx := context.Background()

	base, err := discoverBaseURL(ctx, cfg)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrAuth, "discoverBaseURL", err)
	}
	rebound := cfg
	rebound.BaseURL = base

	transport := &statusCapturingTransport{base: http.DefaultTransport}
	httpClient := &http.Client{Timeout: 30 * time.Second, Transport: transport}
	authed := webdav.HTTPClientWithBasicAuth(httpClient, rebound.Username, rebound.Password)
	client, err := caldav.NewClient(authed, rebound.BaseURL)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrAuth, "newClient", err)
	}

	return &Adapter{
		cfg:     rebound,
		client:  client,
		http:    httpClient,
		limiter: ratelimit.New(cfg.RateLimit),
	}, nil
}

// discoverBaseURL issues a single PROPFIND against cfg.BaseURL and follows
// whatever redirect the server issues to its principal-specific host,
// returning that host's scheme+authority. Servers that never redirect
// simply return cfg.BaseURL's own host.
func discoverBaseURL(ctx context.Context, cfg Config) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", cfg.BaseURL, strings.NewReader(currentUserPrincipalBody))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(cfg.Username, cfg.Password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	var finalURL *url.URL
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			finalURL = r.URL
			return nil
		},
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discover principal host: %w", err)
	}
	defer resp.Body.Close()

	if finalURL != nil {
		return finalURL.Scheme + "://" + finalURL.Host, nil
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

const currentUserPrincipalBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:current-user-principal/>
  </D:prop>
</D:propfind>`
