package servicea

import (
	"time"

	calendarapi "google.golang.org/api/calendar/v3"

	"github.com/jlewiss/calbridge/internal/domain"
)

const dateOnlyLayout = "2006-01-02"

// toDomainEvent translates a Service A wire event into the canonical form.
// Recurrence overrides arrive from the API as separate records carrying
// RecurringEventId and OriginalStartTime; both are preserved verbatim per
// spec.md §4.2.
func toDomainEvent(calendarID string, ev *calendarapi.Event) (*domain.Event, error) {
	start, allDay, tz, err := parseEventTime(ev.Start)
	if err != nil {
		return nil, err
	}
	end, _, _, err := parseEventTime(ev.End)
	if err != nil {
		return nil, err
	}

	uid := ev.ICalUID
	if uid == "" {
		uid = domain.SynthesizeUID(domain.SourceA, ev.Id)
	}

	out := &domain.Event{
		UID:            uid,
		NativeID:       ev.Id,
		Source:         domain.SourceA,
		Summary:        ev.Summary,
		Description:    ev.Description,
		Location:       ev.Location,
		Start:          start,
		End:            end,
		AllDay:         allDay,
		Timezone:       tz,
		ETag:           ev.Etag,
		Sequence:       int(ev.Sequence),
		RRule:          joinRRule(ev.Recurrence),
		MasterNativeID: ev.RecurringEventId,
	}

	if ev.Created != "" {
		if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
			out.Created = t
		}
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			out.Updated = t
		}
	}

	if ev.OriginalStartTime != nil {
		at, _, _, perr := parseEventTime(ev.OriginalStartTime)
		if perr == nil {
			out.Overrides = append(out.Overrides, domain.Override{Kind: domain.OverrideRecurrenceID, At: at})
		}
	}

	if ev.Organizer != nil {
		out.Organizer = &domain.Attendee{Email: ev.Organizer.Email, Name: ev.Organizer.DisplayName}
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, domain.Attendee{Email: a.Email, Name: a.DisplayName})
	}

	return out, nil
}

// fromDomainEvent translates the canonical event into a Service A wire
// event for create/update calls.
func fromDomainEvent(e *domain.Event) *calendarapi.Event {
	out := &calendarapi.Event{
		ICalUID:     e.UID,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Sequence:    int64(e.Sequence),
		Start:       toEventTime(e.Start, e.AllDay, e.Timezone),
		End:         toEventTime(e.End, e.AllDay, e.Timezone),
	}
	if e.RRule != "" {
		out.Recurrence = []string{e.RRule}
	}
	if e.Organizer != nil {
		out.Organizer = &calendarapi.EventOrganizer{Email: e.Organizer.Email, DisplayName: e.Organizer.Name}
	}
	for _, a := range e.Attendees {
		out.Attendees = append(out.Attendees, &calendarapi.EventAttendee{Email: a.Email, DisplayName: a.Name})
	}
	return out
}

func parseEventTime(t *calendarapi.EventDateTime) (at time.Time, allDay bool, tz string, err error) {
	if t == nil {
		return time.Time{}, false, "", nil
	}
	if t.Date != "" {
		d, perr := time.Parse(dateOnlyLayout, t.Date)
		if perr != nil {
			return time.Time{}, false, "", perr
		}
		return d, true, "", nil
	}
	ts, perr := time.Parse(time.RFC3339, t.DateTime)
	if perr != nil {
		return time.Time{}, false, "", perr
	}
	return ts, false, t.TimeZone, nil
}

func toEventTime(t time.Time, allDay bool, tz string) *calendarapi.EventDateTime {
	if allDay {
		return &calendarapi.EventDateTime{Date: t.Format(dateOnlyLayout)}
	}
	return &calendarapi.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

// joinRRule reduces the API's Recurrence string slice (RRULE plus any
// RDATE/EXDATE lines) to the single RRULE text the canonical event keeps;
// RDATE and EXDATE lines are not carried into the canonical event.
func joinRRule(lines []string) string {
	for _, l := range lines {
		if len(l) >= 6 && l[:6] == "RRULE:" {
			return l[6:]
		}
	}
	return ""
}

// ShouldSyncEvent filters out events the engine should never see: the
// organizer's own hidden "working location" entries and similar API-only
// synthetic events are recognised by an empty iCalUID combined with a
// non-standard event type, which this adapter conservatively treats as
// "has an id, sync it" — Service A does not expose a documented exclusion
// list, so filtering is limited to status=cancelled (handled by the
// caller via ev.Status).
func ShouldSyncEvent(ev *calendarapi.Event) bool {
	return ev != nil && ev.Id != ""
}
