package serviceb

import (
	"testing"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/require"

	"github.com/jlewiss/calbridge/internal/domain"
)

func TestFromDomainEventRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := &domain.Event{
		UID:         "event-1@calbridge",
		NativeID:    "/calendars/user/home/event-1.ics",
		Source:      domain.SourceB,
		Summary:     "Planning sync",
		Description: "Quarterly planning",
		Location:    "Room 4",
		Start:       start,
		End:         start.Add(time.Hour),
		Sequence:    2,
		Organizer:   &domain.Attendee{Email: "lead@example.com", Name: "Team Lead"},
		Attendees: []domain.Attendee{
			{Email: "a@example.com", Name: "Alice"},
			{Email: "b@example.com"},
		},
	}

	cal := fromDomainEvent(ev, "-//calbridge//EN")
	obj := &caldav.CalendarObject{Path: ev.NativeID, ETag: `"abc123"`, Data: cal}

	got, err := toDomainEvent(obj)
	require.NoError(t, err)

	require.Equal(t, ev.UID, got.UID)
	require.Equal(t, ev.NativeID, got.NativeID)
	require.Equal(t, domain.SourceB, got.Source)
	require.Equal(t, ev.Summary, got.Summary)
	require.Equal(t, ev.Description, got.Description)
	require.Equal(t, ev.Location, got.Location)
	require.True(t, got.Start.Equal(ev.Start))
	require.True(t, got.End.Equal(ev.End))
	require.Equal(t, ev.Sequence, got.Sequence)
	require.Equal(t, `"abc123"`, got.ETag)
	require.NotNil(t, got.Organizer)
	require.Equal(t, "lead@example.com", got.Organizer.Email)
	require.Len(t, got.Attendees, 2)
}

func TestFromDomainEventAllDay(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := &domain.Event{
		UID:      "all-day-1",
		NativeID: "/calendars/user/home/all-day-1.ics",
		Summary:  "Company holiday",
		Start:    day,
		End:      day.AddDate(0, 0, 1),
		AllDay:   true,
	}

	cal := fromDomainEvent(ev, "-//calbridge//EN")
	obj := &caldav.CalendarObject{Path: ev.NativeID, Data: cal}

	got, err := toDomainEvent(obj)
	require.NoError(t, err)
	require.True(t, got.AllDay)
	require.True(t, got.Start.Equal(day))
	require.True(t, got.End.Equal(day.AddDate(0, 0, 1)))
}

func TestFromDomainEventRecurrenceOverrides(t *testing.T) {
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	cancelled := start.AddDate(0, 0, 7)
	ev := &domain.Event{
		UID:      "recurring-1",
		NativeID: "/calendars/user/home/recurring-1.ics",
		Summary:  "Weekly standup",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		RRule:    "FREQ=WEEKLY;COUNT=10",
		Overrides: []domain.Override{
			{Kind: domain.OverrideExDate, At: cancelled},
		},
	}

	cal := fromDomainEvent(ev, "-//calbridge//EN")
	obj := &caldav.CalendarObject{Path: ev.NativeID, Data: cal}

	got, err := toDomainEvent(obj)
	require.NoError(t, err)
	require.True(t, got.IsRecurringMaster())
	require.Equal(t, ev.RRule, got.RRule)
	require.Len(t, got.Overrides, 1)
	require.Equal(t, domain.OverrideExDate, got.Overrides[0].Kind)
	require.True(t, got.Overrides[0].At.Equal(cancelled))
}

// TestMergedCalendar_PureCancellationIsExdateOnly exercises spec.md §8
// scenario 6: a cancelled instance override folds into the master purely as
// an EXDATE, with the master's SEQUENCE bumped and no second VEVENT added.
func TestMergedCalendar_PureCancellationIsExdateOnly(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	cancelled := start.AddDate(0, 0, 14)
	master := &domain.Event{
		UID:      "standup@calbridge",
		NativeID: "/calendars/user/home/standup.ics",
		Summary:  "Weekly standup",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		RRule:    "FREQ=WEEKLY;COUNT=10",
		Sequence: 3,
	}
	override := &domain.Event{
		UID:       master.UID,
		Overrides: []domain.Override{{Kind: domain.OverrideRecurrenceID, At: cancelled}},
	}

	cal := mergedCalendar(master, override, cancelled, "-//calbridge//EN")

	comps := findEventComponents(cal)
	require.Len(t, comps, 1, "a pure cancellation must not add a second VEVENT")
	require.Equal(t, "4", propText(comps[0], ical.PropSequence))

	got, err := toDomainEvent(&caldav.CalendarObject{Path: master.NativeID, Data: cal})
	require.NoError(t, err)
	require.Len(t, got.Overrides, 1)
	require.Equal(t, domain.OverrideExDate, got.Overrides[0].Kind)
	require.True(t, got.Overrides[0].At.Equal(cancelled))
}

// TestMergedCalendar_NonCancellationAddsSiblingVEVENT covers the other half
// of spec.md §4.4 step 5: an override that carries its own summary is
// inserted as a second VEVENT sharing the master's UID, inside the same
// resource, rather than written to a new href.
func TestMergedCalendar_NonCancellationAddsSiblingVEVENT(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	moved := start.AddDate(0, 0, 7)
	master := &domain.Event{
		UID:      "standup@calbridge",
		NativeID: "/calendars/user/home/standup.ics",
		Summary:  "Weekly standup",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		RRule:    "FREQ=WEEKLY;COUNT=10",
	}
	override := &domain.Event{
		UID:       master.UID,
		Summary:   "Weekly standup (moved)",
		Start:     moved.Add(2 * time.Hour),
		End:       moved.Add(2*time.Hour + 30*time.Minute),
		Overrides: []domain.Override{{Kind: domain.OverrideRecurrenceID, At: moved}},
	}

	cal := mergedCalendar(master, override, moved, "-//calbridge//EN")

	comps := findEventComponents(cal)
	require.Len(t, comps, 2, "a non-cancellation override must be added as a sibling VEVENT, not replace the master")

	masterComp := findEventComponent(cal)
	require.Equal(t, master.UID, propText(masterComp, ical.PropUID))
	require.Nil(t, masterComp.Props.Get(ical.PropRecurrenceID))

	var overrideComp *ical.Component
	for _, c := range comps {
		if c != masterComp {
			overrideComp = c
		}
	}
	require.NotNil(t, overrideComp)
	require.Equal(t, "Weekly standup (moved)", propText(overrideComp, ical.PropSummary))
	require.Equal(t, master.UID, propText(overrideComp, ical.PropUID))
	require.NotNil(t, overrideComp.Props.Get(ical.PropRecurrenceID))
}

// TestWithOverrideMergedReplacesSameInstant guards idempotence: merging the
// same RECURRENCE-ID twice must replace the prior sibling VEVENT rather than
// accumulate duplicates.
func TestWithOverrideMergedReplacesSameInstant(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	at := start.AddDate(0, 0, 7)
	master := fromDomainEvent(&domain.Event{UID: "u1", Start: start, End: start.Add(time.Hour)}, "-//calbridge//EN")

	first := &domain.Event{UID: "u1", Summary: "First edit", Overrides: []domain.Override{{Kind: domain.OverrideRecurrenceID, At: at}}}
	master = withOverrideMerged(master, first)
	require.Len(t, findEventComponents(master), 2)

	second := &domain.Event{UID: "u1", Summary: "Second edit", Overrides: []domain.Override{{Kind: domain.OverrideRecurrenceID, At: at}}}
	master = withOverrideMerged(master, second)

	comps := findEventComponents(master)
	require.Len(t, comps, 2, "re-merging the same instant must replace, not duplicate")

	var found bool
	for _, c := range comps {
		if propText(c, ical.PropSummary) == "Second edit" {
			found = true
		}
		require.NotEqual(t, "First edit", propText(c, ical.PropSummary))
	}
	require.True(t, found)
}

// TestToDomainOverrides_ExtractsSiblingVEVENTs covers the read side of
// spec.md §4.4 step 5: a resource holding a master plus one merged override
// surfaces the override under its own synthetic NativeID distinct from the
// master's href.
func TestToDomainOverrides_ExtractsSiblingVEVENTs(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	at := start.AddDate(0, 0, 7)
	master := &domain.Event{UID: "u1", NativeID: "/calendars/user/home/u1.ics", Start: start, End: start.Add(time.Hour)}
	override := &domain.Event{UID: "u1", Summary: "Rescheduled", Overrides: []domain.Override{{Kind: domain.OverrideRecurrenceID, At: at}}}

	cal := withOverrideMerged(fromDomainEvent(master, "-//calbridge//EN"), override)
	obj := &caldav.CalendarObject{Path: master.NativeID, Data: cal}

	overrides := toDomainOverrides(obj)
	require.Len(t, overrides, 1)
	require.Equal(t, "u1", overrides[0].UID)
	require.Equal(t, master.NativeID, overrides[0].MasterNativeID)
	require.NotEqual(t, master.NativeID, overrides[0].NativeID)
	require.Equal(t, "Rescheduled", overrides[0].Summary)

	masterEv, err := toDomainEvent(obj)
	require.NoError(t, err)
	require.Equal(t, master.NativeID, masterEv.NativeID)
	require.NotEqual(t, "Rescheduled", masterEv.Summary)
}

func TestToDomainEventSynthesizesUIDWhenMissing(t *testing.T) {
	cal := fromDomainEvent(&domain.Event{
		NativeID: "/calendars/user/home/no-uid.ics",
		Summary:  "No uid",
		Start:    time.Now().UTC(),
		End:      time.Now().UTC().Add(time.Hour),
	}, "-//calbridge//EN")

	comp := findEventComponent(cal)
	delete(comp.Props, "UID")

	obj := &caldav.CalendarObject{Path: "/calendars/user/home/no-uid.ics", Data: cal}
	got, err := toDomainEvent(obj)
	require.NoError(t, err)
	require.Equal(t, domain.SynthesizeUID(domain.SourceB, obj.Path), got.UID)
}
