package serviceb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/jlewiss/calbridge/internal/domain"
)

const (
	dateOnlyLayout = "20060102"
	dateTimeLayout = "20060102T150405Z"
)

// toDomainEvent translates a fetched CalDAV resource into the canonical
// form. obj.Path becomes the event's native id per spec.md §4.3. Grounded
// on sonroyaalmerol-ldap-dav/pkg/ical's manual property walk, generalized
// to populate the full canonical Event rather than that package's flatter
// Event type.
func toDomainEvent(obj *caldav.CalendarObject) (*domain.Event, error) {
	comp := findEventComponent(obj.Data)
	if comp == nil {
		return nil, fmt.Errorf("serviceb: %s: no VEVENT component", obj.Path)
	}
	return eventFromComponent(comp, obj.Path, obj.ETag)
}

// toDomainOverrides extracts every sibling VEVENT carrying a RECURRENCE-ID
// out of a fetched resource. spec.md §4.4 step 5 folds a recurrence
// exception into the master's own VCALENDAR as a second VEVENT rather than
// a separate resource, so a single href can now describe both the master
// and one or more overrides; each is surfaced here under its own synthetic
// NativeID so a ChangeSet can carry them side by side.
func toDomainOverrides(obj *caldav.CalendarObject) []*domain.Event {
	var out []*domain.Event
	for _, comp := range findEventComponents(obj.Data) {
		if comp.Props.Get(ical.PropRecurrenceID) == nil {
			continue
		}
		ev, err := eventFromComponent(comp, obj.Path, obj.ETag)
		if err != nil {
			continue
		}
		ev.MasterNativeID = obj.Path
		if at, ok := ev.RecurrenceID(); ok {
			ev.NativeID = obj.Path + "#" + strconv.FormatInt(at.Unix(), 10)
		}
		out = append(out, ev)
	}
	return out
}

func eventFromComponent(comp *ical.Component, href, etag string) (*domain.Event, error) {
	vevt := ical.Event{Component: comp}

	uid := propText(comp, ical.PropUID)
	if uid == "" {
		uid = domain.SynthesizeUID(domain.SourceB, href)
	}

	out := &domain.Event{
		UID:         uid,
		NativeID:    href,
		Source:      domain.SourceB,
		ETag:        etag,
		Summary:     propText(comp, ical.PropSummary),
		Description: propText(comp, ical.PropDescription),
		Location:    propText(comp, ical.PropLocation),
	}

	if dtstart := comp.Props.Get(ical.PropDateTimeStart); dtstart != nil {
		out.AllDay = isDateOnly(dtstart)
		if out.AllDay {
			t, err := time.ParseInLocation(dateOnlyLayout, dtstart.Value, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("serviceb: %s: parse DTSTART: %w", href, err)
			}
			out.Start = t
		} else if t, err := vevt.DateTimeStart(time.UTC); err == nil {
			out.Start = t
			out.Timezone = dtstart.Params.Get("TZID")
		}
	}

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if out.AllDay {
			if t, err := time.ParseInLocation(dateOnlyLayout, dtend.Value, time.UTC); err == nil {
				out.End = t
			}
		} else if t, err := vevt.DateTimeEnd(time.UTC); err == nil {
			out.End = t
		}
	} else if !out.Start.IsZero() {
		// No DTEND: DURATION is not consulted; the end defaults to one
		// day/hour after the start so Validate's end>start invariant holds.
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start.Add(time.Hour)
		}
	}

	if seq := propText(comp, ical.PropSequence); seq != "" {
		if n, err := strconv.Atoi(seq); err == nil {
			out.Sequence = n
		}
	}

	out.RRule = propText(comp, ical.PropRecurrenceRule)

	for _, p := range comp.Props[ical.PropRecurrenceDates] {
		for _, at := range parseDateList(p) {
			out.Overrides = append(out.Overrides, domain.Override{Kind: domain.OverrideRDate, At: at})
		}
	}
	for _, p := range comp.Props[ical.PropExceptionDates] {
		for _, at := range parseDateList(p) {
			out.Overrides = append(out.Overrides, domain.Override{Kind: domain.OverrideExDate, At: at})
		}
	}
	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		if at, ok := parseSingleDate(rid); ok {
			out.Overrides = append(out.Overrides, domain.Override{Kind: domain.OverrideRecurrenceID, At: at})
		}
	}

	if created := propText(comp, ical.PropCreated); created != "" {
		if t, err := time.Parse(dateTimeLayout, created); err == nil {
			out.Created = t
		}
	}
	if stamp := propText(comp, ical.PropDateTimeStamp); stamp != "" {
		if t, err := time.Parse(dateTimeLayout, stamp); err == nil {
			out.Updated = t
		}
	}
	if lastMod := propText(comp, ical.PropLastModified); lastMod != "" {
		if t, err := time.Parse(dateTimeLayout, lastMod); err == nil {
			out.Updated = t
		}
	}

	if org := comp.Props.Get(ical.PropOrganizer); org != nil {
		out.Organizer = &domain.Attendee{Email: strings.TrimPrefix(org.Value, "mailto:"), Name: org.Params.Get("CN")}
	}
	for _, a := range comp.Props[ical.PropAttendee] {
		out.Attendees = append(out.Attendees, domain.Attendee{
			Email: strings.TrimPrefix(a.Value, "mailto:"),
			Name:  a.Params.Get("CN"),
		})
	}

	return out, nil
}

// fromDomainEvent serializes the canonical event into a VCALENDAR/VEVENT
// resource ready to PUT, in the manual-property-construction idiom of
// sonroyaalmerol-ldap-dav's createEventData/modifyEventInstance.
func fromDomainEvent(e *domain.Event, productID string) *ical.Calendar {
	cal := &ical.Calendar{Component: &ical.Component{Name: ical.CompCalendar, Props: make(ical.Props)}}
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = []*ical.Component{buildEventComponent(e)}
	return cal
}

// withOverrideMerged folds override's VEVENT into masterCal as a sibling
// component, matching spec.md §4.4 step 5's single-resource shape for a
// recurring master and its exception instances. A prior VEVENT sharing
// override's RECURRENCE-ID is replaced rather than duplicated, so re-merging
// the same instant stays idempotent.
func withOverrideMerged(masterCal *ical.Calendar, override *domain.Event) *ical.Calendar {
	at, _ := override.RecurrenceID()

	children := masterCal.Children[:0]
	for _, c := range masterCal.Children {
		if c.Name == ical.CompEvent {
			if rid := c.Props.Get(ical.PropRecurrenceID); rid != nil {
				if existing, ok := parseSingleDate(rid); ok && existing.Equal(at) {
					continue
				}
			}
		}
		children = append(children, c)
	}
	masterCal.Children = append(children, buildEventComponent(override))
	return masterCal
}

// mergedCalendar builds the VCALENDAR resource a recurrence-exception merge
// PUTs back to the master's own href. A pure cancellation (no summary or
// description) folds into master's own EXDATE list with no second VEVENT;
// anything else keeps master's own VEVENT and adds override as a sibling
// carrying a RECURRENCE-ID, per spec.md §4.4 step 5.
func mergedCalendar(master, override *domain.Event, at time.Time, productID string) *ical.Calendar {
	master.Sequence++
	if override.Summary == "" && override.Description == "" {
		master.Overrides = append(filterExdateAt(master.Overrides, at), domain.Override{Kind: domain.OverrideExDate, At: at})
		return fromDomainEvent(master, productID)
	}
	return withOverrideMerged(fromDomainEvent(master, productID), override)
}

// buildEventComponent renders one VEVENT for e, shared by fromDomainEvent's
// whole-resource PUTs and withOverrideMerged's sibling-VEVENT insert.
func buildEventComponent(e *domain.Event) *ical.Component {
	comp := &ical.Component{Name: ical.CompEvent, Props: make(ical.Props)}
	comp.Props.Set(&ical.Prop{Name: ical.PropUID, Value: e.UID})
	comp.Props.Set(&ical.Prop{Name: ical.PropDateTimeStamp, Value: time.Now().UTC().Format(dateTimeLayout)})
	comp.Props.Set(&ical.Prop{Name: ical.PropSequence, Value: strconv.Itoa(e.Sequence)})

	setDomainTime(comp, ical.PropDateTimeStart, e.Start, e.AllDay, e.Timezone)
	setDomainTime(comp, ical.PropDateTimeEnd, e.End, e.AllDay, e.Timezone)

	if e.Summary != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropSummary, Value: e.Summary})
	}
	if e.Description != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropDescription, Value: e.Description})
	}
	if e.Location != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropLocation, Value: e.Location})
	}

	if e.RRule != "" {
		comp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Value: e.RRule})
	}

	var rdates, exdates []string
	for _, o := range e.Overrides {
		switch o.Kind {
		case domain.OverrideRDate:
			rdates = append(rdates, formatDomainDate(o.At, e.AllDay))
		case domain.OverrideExDate:
			exdates = append(exdates, formatDomainDate(o.At, e.AllDay))
		case domain.OverrideRecurrenceID:
			comp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceID, Value: formatDomainDate(o.At, e.AllDay)})
		}
	}
	if len(rdates) > 0 {
		comp.Props.Set(&ical.Prop{Name: ical.PropRecurrenceDates, Value: strings.Join(rdates, ",")})
	}
	if len(exdates) > 0 {
		comp.Props.Set(&ical.Prop{Name: ical.PropExceptionDates, Value: strings.Join(exdates, ",")})
	}

	if e.Organizer != nil {
		prop := &ical.Prop{Name: ical.PropOrganizer, Value: "mailto:" + e.Organizer.Email}
		if e.Organizer.Name != "" {
			prop.Params = ical.Params{"CN": []string{e.Organizer.Name}}
		}
		comp.Props.Set(prop)
	}
	for _, a := range e.Attendees {
		prop := &ical.Prop{Name: ical.PropAttendee, Value: "mailto:" + a.Email}
		if a.Name != "" {
			prop.Params = ical.Params{"CN": []string{a.Name}}
		}
		comp.Props.Add(prop)
	}

	return comp
}

func setDomainTime(comp *ical.Component, name string, t time.Time, allDay bool, tz string) {
	if t.IsZero() {
		return
	}
	prop := &ical.Prop{Name: name, Value: formatDomainDate(t, allDay)}
	if allDay {
		prop.Params = ical.Params{"VALUE": []string{"DATE"}}
	} else if tz != "" {
		prop.Params = ical.Params{"TZID": []string{tz}}
	}
	comp.Props.Set(prop)
}

func formatDomainDate(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateOnlyLayout)
	}
	return t.UTC().Format(dateTimeLayout)
}

// findEventComponents enumerates every VEVENT child of a resource. A
// recurrence master merged with its exceptions per spec.md §4.4 step 5
// carries more than one: the master itself plus one VEVENT per override,
// each distinguished by its own RECURRENCE-ID.
func findEventComponents(cal *ical.Calendar) []*ical.Component {
	var out []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			out = append(out, child)
		}
	}
	return out
}

// findEventComponent returns the recurrence master: the VEVENT without a
// RECURRENCE-ID. Resources with a single VEVENT (the common case) return
// that VEVENT regardless.
func findEventComponent(cal *ical.Calendar) *ical.Component {
	comps := findEventComponents(cal)
	for _, c := range comps {
		if c.Props.Get(ical.PropRecurrenceID) == nil {
			return c
		}
	}
	if len(comps) > 0 {
		return comps[0]
	}
	return nil
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	return p.Value
}

func isDateOnly(prop *ical.Prop) bool {
	if prop.Params.Get("VALUE") == "DATE" {
		return true
	}
	return len(prop.Value) == 8
}

func parseDateList(p ical.Prop) []time.Time {
	allDay := isDateOnly(&p)
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		if allDay {
			t, err = time.ParseInLocation(dateOnlyLayout, part, time.UTC)
		} else {
			t, err = time.Parse(dateTimeLayout, part)
		}
		if err == nil {
			out = append(out, t)
		}
	}
	return out
}

func parseSingleDate(p *ical.Prop) (time.Time, bool) {
	dates := parseDateList(*p)
	if len(dates) == 0 {
		return time.Time{}, false
	}
	return dates[0], true
}
