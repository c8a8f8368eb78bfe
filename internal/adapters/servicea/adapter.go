// Package servicea adapts Service A (a token-API, Google-Calendar-class
// remote) to the engine's Adapter contract. It is grounded on the
// teacher's internal/connectors/google/calendar connector: the same
// sync-token-per-calendar loop, ShowDeleted-driven deletion detection, and
// rate-limited pagination, generalized from a channel-streaming
// full/incremental API (built for a search-indexing pipeline) into the
// spec's synchronous getChangeSet call.
package servicea

import (
	"context"
	"fmt"
	"net/http"
	"time"

	googleapi "google.golang.org/api/googleapi"

	calendarapi "google.golang.org/api/calendar/v3"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/adapters/ratelimit"
	"github.com/jlewiss/calbridge/internal/domain"
)

// Adapter implements adapters.Adapter against Service A.
type Adapter struct {
	cfg         Config
	tokenSource TokenSource
	limiter     *ratelimit.Limiter
}

// New creates a Service A adapter.
func New(cfg Config, ts TokenSource) *Adapter {
	return &Adapter{cfg: cfg, tokenSource: ts, limiter: ratelimit.New(cfg.RateLimit)}
}

var _ adapters.Adapter = (*Adapter)(nil)

func (a *Adapter) service(ctx context.Context) (*calendarapi.Service, error) {
	svc, err := newService(ctx, a.tokenSource)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrAuth, "newService", err)
	}
	return svc, nil
}

func (a *Adapter) ListCalendars(ctx context.Context) ([]adapters.CalendarInfo, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	var out []adapters.CalendarInfo
	pageToken := ""
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		list, err := req.Do()
		if err != nil {
			return nil, wrapError("listCalendars", err)
		}
		for _, c := range list.Items {
			out = append(out, adapters.CalendarInfo{ID: c.Id, DisplayName: c.Summary, Primary: c.Primary})
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

// GetSyncToken performs a paginated full listing with deleted items shown
// until the terminal page yields a next-sync-token, per spec.md §4.2.
func (a *Adapter) GetSyncToken(ctx context.Context, calendarID string) (adapters.Token, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return "", err
	}

	pageToken := ""
	var syncToken string
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
		req := svc.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(a.cfg.MaxEventsPage).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		events, err := req.Do()
		if err != nil {
			return "", wrapError("getSyncToken", err)
		}
		pageToken = events.NextPageToken
		if pageToken == "" {
			syncToken = events.NextSyncToken
			break
		}
	}
	return adapters.Token(syncToken), nil
}

// GetChangeSet implements the contract of spec.md §4.1/§4.2: with a token,
// enumerate every change/deletion since it; without one (or if the token
// is rejected), fall back to a window snapshot.
func (a *Adapter) GetChangeSet(
	ctx context.Context, calendarID string, sinceToken adapters.Token, window adapters.Window,
) (*adapters.ChangeSet, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	if sinceToken != "" {
		cs, err := a.fetchIncremental(ctx, svc, calendarID, string(sinceToken))
		if err == nil {
			return cs, nil
		}
		if domain.IsKind(err, domain.ErrTokenInvalidated) {
			cs, err := a.fetchSnapshot(ctx, svc, calendarID, window)
			if err != nil {
				return nil, err
			}
			cs.InvalidatedToken = true
			return cs, nil
		}
		return nil, err
	}

	return a.fetchSnapshot(ctx, svc, calendarID, window)
}

func (a *Adapter) fetchIncremental(
	ctx context.Context, svc *calendarapi.Service, calendarID, syncToken string,
) (*adapters.ChangeSet, error) {
	cs := adapters.NewChangeSet()
	pageToken := ""

	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := svc.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(a.cfg.MaxEventsPage).
			SyncToken(syncToken).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		events, err := req.Do()
		if err != nil {
			if isGone(err) {
				return nil, domain.NewAdapterError(domain.ErrTokenInvalidated, "getChangeSet", err)
			}
			return nil, wrapError("getChangeSet", err)
		}

		for _, ev := range events.Items {
			if ev.Status == "cancelled" {
				cs.DeletedNativeIDs[ev.Id] = struct{}{}
				continue
			}
			if !ShouldSyncEvent(ev) {
				continue
			}
			domEv, err := toDomainEvent(calendarID, ev)
			if err != nil {
				continue // malformed event, skip rather than fail the whole pass
			}
			cs.Changed[ev.Id] = domEv
		}

		pageToken = events.NextPageToken
		if pageToken == "" {
			cs.NextToken = adapters.Token(events.NextSyncToken)
			cs.UsedToken = true
			return cs, nil
		}
	}
}

func (a *Adapter) fetchSnapshot(
	ctx context.Context, svc *calendarapi.Service, calendarID string, window adapters.Window,
) (*adapters.ChangeSet, error) {
	cs := adapters.NewChangeSet()
	pageToken := ""
	timeMin := window.Start.Format(time.RFC3339)
	timeMax := window.End.Format(time.RFC3339)

	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := svc.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(timeMin).
			TimeMax(timeMax).
			MaxResults(a.cfg.MaxEventsPage).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		events, err := req.Do()
		if err != nil {
			return nil, wrapError("getChangeSet", err)
		}

		for _, ev := range events.Items {
			if !ShouldSyncEvent(ev) || ev.Status == "cancelled" {
				continue
			}
			domEv, err := toDomainEvent(calendarID, ev)
			if err != nil {
				continue
			}
			cs.Changed[ev.Id] = domEv
		}

		pageToken = events.NextPageToken
		if pageToken == "" {
			if events.NextSyncToken != "" {
				cs.NextToken = adapters.Token(events.NextSyncToken)
			}
			cs.UsedToken = false
			return cs, nil
		}
	}
}

func (a *Adapter) GetEvent(ctx context.Context, calendarID, nativeID string) (*domain.Event, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ev, err := svc.Events.Get(calendarID, nativeID).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("getEvent", err)
	}
	return toDomainEvent(calendarID, ev)
}

// CreateEvent inserts with a deterministic client-supplied id derived from
// the canonical UID (spec.md §4.2), making retries and cross-direction
// propagation idempotent.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	wire := fromDomainEvent(event)
	wire.Id = DeriveEventID(event.UID)

	var created *calendarapi.Event
	retryErr := ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		c, err := svc.Events.Insert(calendarID, wire).Context(ctx).Do()
		if err != nil {
			if isAlreadyExists(err) {
				// Another pass already created this id; fetch and
				// treat as success (idempotent create).
				existing, gerr := svc.Events.Get(calendarID, wire.Id).Context(ctx).Do()
				if gerr != nil {
					return wrapError("createEvent", err)
				}
				created = existing
				return nil
			}
			return wrapError("createEvent", err)
		}
		created = c
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return toDomainEvent(calendarID, created)
}

func (a *Adapter) UpdateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	wire := fromDomainEvent(event)
	wire.Id = event.NativeID

	var updated *calendarapi.Event
	retryErr := ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		u, err := svc.Events.Update(calendarID, event.NativeID, wire).Context(ctx).Do()
		if err != nil {
			return wrapError("updateEvent", err)
		}
		updated = u
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return toDomainEvent(calendarID, updated)
}

func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, nativeID string) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	return ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		err := svc.Events.Delete(calendarID, nativeID).Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				return nil // idempotent success per spec.md §7
			}
			return wrapError("deleteEvent", err)
		}
		return nil
	})
}

func (a *Adapter) FindInstance(
	ctx context.Context, calendarID, masterNativeID string, recurrenceID time.Time,
) (*domain.Event, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	instances, err := svc.Events.Instances(calendarID, masterNativeID).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("findInstance", err)
	}
	for _, inst := range instances.Items {
		at, _, _, perr := parseEventTime(inst.OriginalStartTime)
		if perr == nil && at.Equal(recurrenceID) {
			return toDomainEvent(calendarID, inst)
		}
	}
	return nil, domain.NewAdapterError(domain.ErrNotFound, "findInstance", fmt.Errorf("no instance at %s", recurrenceID))
}

func wrapError(op string, err error) error {
	var apiErr *googleapi.Error
	if ok := asGoogleAPIError(err, &apiErr); ok {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return domain.NewAdapterError(domain.ErrAuth, op, err)
		case http.StatusTooManyRequests:
			return domain.NewAdapterError(domain.ErrRateLimited, op, err)
		case http.StatusNotFound:
			return domain.NewAdapterError(domain.ErrNotFound, op, err)
		case http.StatusGone:
			return domain.NewAdapterError(domain.ErrTokenInvalidated, op, err)
		}
		if apiErr.Code >= 500 {
			return domain.NewAdapterError(domain.ErrTransient, op, err)
		}
	}
	return domain.NewAdapterError(domain.ErrTransient, op, err)
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return asGoogleAPIError(err, &apiErr) && apiErr.Code == http.StatusGone
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return asGoogleAPIError(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return asGoogleAPIError(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	apiErr, ok := err.(*googleapi.Error)
	if ok {
		*target = apiErr
	}
	return ok
}
