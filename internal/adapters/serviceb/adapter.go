package serviceb

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/adapters/ratelimit"
	"github.com/jlewiss/calbridge/internal/domain"
)

var _ adapters.Adapter = (*Adapter)(nil)
var _ adapters.CalDAVAdapter = (*Adapter)(nil)

var eventCompRequest = caldav.CalendarCompRequest{
	Name: "VCALENDAR",
	Comps: []caldav.CalendarCompRequest{{
		Name:     "VEVENT",
		AllProps: true,
	}},
}

func (a *Adapter) ListCalendars(ctx context.Context) ([]adapters.CalendarInfo, error) {
	ctx2, code := withStatusCapture(ctx)
	principal, err := a.client.FindCurrentUserPrincipal(ctx2)
	if err != nil {
		return nil, wrapError("listCalendars", err, *code)
	}

	ctx2, code = withStatusCapture(ctx)
	homeSet, err := a.client.FindCalendarHomeSet(ctx2, principal)
	if err != nil {
		return nil, wrapError("listCalendars", err, *code)
	}

	ctx2, code = withStatusCapture(ctx)
	cals, err := a.client.FindCalendars(ctx2, homeSet)
	if err != nil {
		return nil, wrapError("listCalendars", err, *code)
	}

	out := make([]adapters.CalendarInfo, 0, len(cals))
	for _, c := range cals {
		name := c.Name
		if name == "" {
			name = path.Base(strings.TrimSuffix(c.Path, "/"))
		}
		out = append(out, adapters.CalendarInfo{ID: c.Path, DisplayName: name})
	}
	return out, nil
}

func (a *Adapter) GetSyncToken(ctx context.Context, calendarID string) (adapters.Token, error) {
	return a.acquireToken(ctx, calendarID)
}

// GetChangeSet implements spec.md §4.3's three-branch acquisition: a bare
// sync-token drives SyncCollection, a "ctag:"-prefixed token drives a CTag
// recheck with a full-window re-snapshot on drift (since RFC 4791 carries
// no per-resource delta under CTag), and an empty token drives a plain
// window snapshot.
func (a *Adapter) GetChangeSet(
	ctx context.Context, calendarID string, sinceToken adapters.Token, window adapters.Window,
) (*adapters.ChangeSet, error) {
	switch {
	case sinceToken == "":
		return a.fetchSnapshot(ctx, calendarID, window)
	case strings.HasPrefix(string(sinceToken), ctagTokenPrefix):
		return a.fetchByCTag(ctx, calendarID, window, strings.TrimPrefix(string(sinceToken), ctagTokenPrefix))
	default:
		return a.fetchIncremental(ctx, calendarID, window, string(sinceToken))
	}
}

func (a *Adapter) fetchSnapshot(ctx context.Context, calendarID string, window adapters.Window) (*adapters.ChangeSet, error) {
	objs, err := a.queryWindow(ctx, calendarID, window)
	if err != nil {
		return nil, err
	}
	cs := adapters.NewChangeSet()
	for i := range objs {
		ev, err := toDomainEvent(&objs[i])
		if err != nil {
			continue // malformed resource, skip rather than fail the whole pass
		}
		cs.Changed[ev.NativeID] = ev
		for _, ov := range toDomainOverrides(&objs[i]) {
			cs.Changed[ov.NativeID] = ov
		}
	}
	cs.UsedToken = false
	if tok, err := a.acquireToken(ctx, calendarID); err == nil {
		cs.NextToken = tok
	}
	return cs, nil
}

func (a *Adapter) fetchByCTag(
	ctx context.Context, calendarID string, window adapters.Window, prevCTag string,
) (*adapters.ChangeSet, error) {
	ctag, err := a.propfindCTag(ctx, calendarID)
	if err != nil {
		return nil, wrapError("getChangeSet", err, statusFromErr(err))
	}
	if ctag == prevCTag {
		cs := adapters.NewChangeSet()
		cs.UsedToken = false
		cs.NextToken = adapters.Token(ctagTokenPrefix + ctag)
		return cs, nil
	}

	cs, err := a.fetchSnapshot(ctx, calendarID, window)
	if err != nil {
		return nil, err
	}
	// Never let a token-shaped incremental acquisition surface here: a CTag
	// only proves the collection changed, not which resources survived, so
	// the engine must keep treating deletions as invisible to this pass.
	cs.UsedToken = false
	cs.NextToken = adapters.Token(ctagTokenPrefix + ctag)
	return cs, nil
}

func (a *Adapter) fetchIncremental(
	ctx context.Context, calendarID string, window adapters.Window, syncToken string,
) (*adapters.ChangeSet, error) {
	ctx2, code := withStatusCapture(ctx)
	resp, err := a.client.SyncCollection(ctx2, calendarID, &caldav.SyncQuery{
		SyncToken:   syncToken,
		CompRequest: eventCompRequest,
	})
	if err != nil {
		if *code == http.StatusForbidden || *code == http.StatusGone {
			cs, serr := a.fetchSnapshot(ctx, calendarID, window)
			if serr != nil {
				return nil, serr
			}
			cs.InvalidatedToken = true
			return cs, nil
		}
		return nil, wrapError("getChangeSet", err, *code)
	}

	cs := adapters.NewChangeSet()
	cs.UsedToken = true
	cs.NextToken = adapters.Token(resp.SyncToken)

	for _, href := range resp.Deleted {
		cs.DeletedNativeIDs[href] = struct{}{}
	}

	var paths []string
	for _, obj := range resp.Updated {
		paths = append(paths, obj.Path)
	}
	if len(paths) == 0 {
		return cs, nil
	}

	ctx2, code = withStatusCapture(ctx)
	full, err := a.client.MultiGetCalendar(ctx2, calendarID, &caldav.CalendarMultiGet{
		Paths:       paths,
		CompRequest: eventCompRequest,
	})
	if err != nil {
		return nil, wrapError("getChangeSet", err, *code)
	}
	for i := range full {
		ev, err := toDomainEvent(&full[i])
		if err != nil {
			continue
		}
		cs.Changed[ev.NativeID] = ev
		for _, ov := range toDomainOverrides(&full[i]) {
			cs.Changed[ov.NativeID] = ov
		}
	}
	return cs, nil
}

func (a *Adapter) queryWindow(ctx context.Context, calendarID string, window adapters.Window) ([]caldav.CalendarObject, error) {
	query := &caldav.CalendarQuery{
		CompRequest: eventCompRequest,
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: window.Start,
				End:   window.End,
			}},
		},
	}
	ctx2, code := withStatusCapture(ctx)
	objs, err := a.client.QueryCalendar(ctx2, calendarID, query)
	if err != nil {
		return nil, wrapError("getChangeSet", err, *code)
	}
	return objs, nil
}

// GetEvent fetches by nativeID, which per spec.md §4.3 is the resource
// href itself rather than an opaque id needing composition with calendarID.
func (a *Adapter) GetEvent(ctx context.Context, calendarID, nativeID string) (*domain.Event, error) {
	ctx2, code := withStatusCapture(ctx)
	obj, err := a.client.GetCalendarObject(ctx2, nativeID)
	if err != nil {
		return nil, wrapError("getEvent", err, *code)
	}
	return toDomainEvent(obj)
}

// CreateEvent PUTs a new resource at a deterministic href derived from the
// canonical UID, mirroring servicea's deterministic-id idiom so retries and
// cross-direction propagation stay idempotent.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	href := a.resourceHref(calendarID, uidResourceName(event.UID))
	cal := fromDomainEvent(event, a.cfg.ProductID)

	var obj *caldav.CalendarObject
	retryErr := ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		ctx2, code := withStatusCapture(ctx)
		o, err := a.client.PutCalendarObject(ctx2, href, cal)
		if err != nil {
			return wrapError("createEvent", err, *code)
		}
		obj = o
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	if obj.Data == nil {
		obj.Data = cal
	}
	return toDomainEvent(obj)
}

func (a *Adapter) UpdateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	cal := fromDomainEvent(event, a.cfg.ProductID)

	var obj *caldav.CalendarObject
	retryErr := ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		ctx2, code := withStatusCapture(ctx)
		o, err := a.client.PutCalendarObject(ctx2, event.NativeID, cal)
		if err != nil {
			return wrapError("updateEvent", err, *code)
		}
		obj = o
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	if obj.Data == nil {
		obj.Data = cal
	}
	return toDomainEvent(obj)
}

func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, nativeID string) error {
	return a.DeleteResourceByHref(ctx, calendarID, nativeID)
}

// DeleteResourceByHref removes a resource by href, treating a prior 404 as
// idempotent success per spec.md §7.
func (a *Adapter) DeleteResourceByHref(ctx context.Context, calendarID, href string) error {
	return ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		ctx2, code := withStatusCapture(ctx)
		err := a.client.RemoveAll(ctx2, href)
		if err != nil {
			if *code == http.StatusNotFound {
				return nil
			}
			return wrapError("deleteResource", err, *code)
		}
		return nil
	})
}

// FindInstance scans the master resource's sibling VEVENTs for one whose
// RECURRENCE-ID matches recurrenceID, since spec.md §4.4 step 5 folds
// override instances into the master's own VCALENDAR as sibling VEVENTs
// rather than distinct resources.
func (a *Adapter) FindInstance(
	ctx context.Context, calendarID, masterNativeID string, recurrenceID time.Time,
) (*domain.Event, error) {
	ctx2, code := withStatusCapture(ctx)
	obj, err := a.client.GetCalendarObject(ctx2, masterNativeID)
	if err != nil {
		return nil, wrapError("findInstance", err, *code)
	}
	for _, ov := range toDomainOverrides(obj) {
		if at, ok := ov.RecurrenceID(); ok && at.Equal(recurrenceID) {
			return ov, nil
		}
	}
	return nil, domain.NewAdapterError(domain.ErrNotFound, "findInstance", fmt.Errorf("no override at %s", recurrenceID))
}

// AddExdate fetches the recurring master, appends an EXDATE for the
// cancelled instant, bumps SEQUENCE, and PUTs the resource back, grounded
// on sonroyaalmerol-ldap-dav's modifyEventInstance idiom of mutating the
// fetched VCALENDAR in place rather than rebuilding it.
func (a *Adapter) AddExdate(
	ctx context.Context, calendarID, masterNativeID string, recurrenceInstant time.Time, allDay bool,
) error {
	ctx2, code := withStatusCapture(ctx)
	obj, err := a.client.GetCalendarObject(ctx2, masterNativeID)
	if err != nil {
		return wrapError("addExdate", err, *code)
	}
	master := findEventComponent(obj.Data)
	if master == nil {
		return domain.NewAdapterError(domain.ErrNotFound, "addExdate", fmt.Errorf("no VEVENT in %s", masterNativeID))
	}
	exdate := &ical.Prop{Name: ical.PropExceptionDates, Value: formatDomainDate(recurrenceInstant, allDay)}
	if allDay {
		exdate.Params = ical.Params{"VALUE": []string{"DATE"}}
	}
	master.Props.Add(exdate)
	seq, _ := strconv.Atoi(propText(master, ical.PropSequence))
	master.Props.Set(&ical.Prop{Name: ical.PropSequence, Value: strconv.Itoa(seq + 1)})

	cal := obj.Data
	return ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		ctx2, code := withStatusCapture(ctx)
		_, err := a.client.PutCalendarObject(ctx2, masterNativeID, cal)
		if err != nil {
			return wrapError("addExdate", err, *code)
		}
		return nil
	})
}

// MergeRecurrenceException folds a standalone override event into the
// master's VCALENDAR: a cancelled instance becomes an EXDATE on the master,
// anything else becomes (or replaces) a RECURRENCE-ID VEVENT sharing the
// master's UID, matching spec.md scenario 6's requirement that the merge
// never produce a second resource with that UID.
func (a *Adapter) MergeRecurrenceException(
	ctx context.Context, calendarID, masterUID string, override *domain.Event,
) error {
	master, err := a.findMasterByUID(ctx, calendarID, masterUID)
	if err != nil {
		return err
	}

	at, ok := override.RecurrenceID()
	if !ok {
		return domain.NewAdapterError(domain.ErrFatal, "mergeRecurrenceException", fmt.Errorf("override missing RECURRENCE-ID"))
	}
	ctx2, code := withStatusCapture(ctx)
	obj, err := a.client.GetCalendarObject(ctx2, master.NativeID)
	if err != nil {
		return wrapError("mergeRecurrenceException", err, *code)
	}
	cal := mergedCalendar(master, override, at, a.cfg.ProductID)
	// Override VEVENTs already merged at other instants are carried over.
	for _, prior := range toDomainOverrides(obj) {
		if priorAt, ok := prior.RecurrenceID(); ok && !priorAt.Equal(at) {
			cal = withOverrideMerged(cal, prior)
		}
	}

	return ratelimit.Retry(ctx, a.cfg.RateLimit, domain.Retryable, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		ctx2, code := withStatusCapture(ctx)
		_, err := a.client.PutCalendarObject(ctx2, master.NativeID, cal)
		if err != nil {
			return wrapError("mergeRecurrenceException", err, *code)
		}
		return nil
	})
}

// findMasterByUID locates the recurring master sharing masterUID, since
// CalDAV has no id other than href and the engine only carries the
// canonical UID across the merge boundary. Overrides sharing the same UID
// are filtered out by checking for a RECURRENCE-ID.
func (a *Adapter) findMasterByUID(ctx context.Context, calendarID, uid string) (*domain.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: eventCompRequest,
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name: "VEVENT",
				Props: []caldav.PropFilter{{
					Name:      "UID",
					TextMatch: &caldav.TextMatch{Text: uid},
				}},
			}},
		},
	}
	ctx2, code := withStatusCapture(ctx)
	objs, err := a.client.QueryCalendar(ctx2, calendarID, query)
	if err != nil {
		return nil, wrapError("mergeRecurrenceException", err, *code)
	}
	for i := range objs {
		ev, err := toDomainEvent(&objs[i])
		if err != nil {
			continue
		}
		if ev.UID == uid && !ev.IsOverride() {
			return ev, nil
		}
	}
	return nil, domain.NewAdapterError(domain.ErrNotFound, "mergeRecurrenceException", fmt.Errorf("no master with uid %s", uid))
}

func filterExdateAt(overrides []domain.Override, at time.Time) []domain.Override {
	out := overrides[:0]
	for _, o := range overrides {
		if o.Kind == domain.OverrideExDate && o.At.Equal(at) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (a *Adapter) resourceHref(calendarID, name string) string {
	base := strings.TrimRight(calendarID, "/")
	if strings.HasSuffix(name, ".ics") {
		return base + "/" + name
	}
	return base + "/" + name + ".ics"
}

func uidResourceName(uid string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(uid)
}
