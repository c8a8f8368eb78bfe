package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source identifies which side of a pair an event or native id belongs to.
// Replacing a stringly-typed "A"/"B" flag with a sum type per spec.md §9.
type Source int

const (
	SourceA Source = iota
	SourceB
)

func (s Source) String() string {
	if s == SourceA {
		return "A"
	}
	return "B"
}

// Other returns the opposite source, used when propagating in one
// direction and writing back to the mapping.
func (s Source) Other() Source {
	if s == SourceA {
		return SourceB
	}
	return SourceA
}

// OverrideKind enumerates the ways a recurrence instance can deviate from
// its master.
type OverrideKind int

const (
	OverrideRDate OverrideKind = iota
	OverrideExDate
	OverrideRecurrenceID
)

// Override is a single entry in Event.Overrides: an RDATE/EXDATE instant,
// or a RECURRENCE-ID instant identifying which occurrence a standalone
// override event replaces.
type Override struct {
	Kind OverrideKind
	At   time.Time
}

// Attendee is a minimal organizer/attendee record; scheduling semantics
// (RSVPs, notifications) are out of scope per spec.md §1, so only the
// fields needed for contentHash and round-tripping are kept.
type Attendee struct {
	Email string
	Name  string
}

// Event is the canonical, source-neutral event record. Every adapter
// translates its wire format to and from this type; nothing downstream of
// the adapters ever looks at a provider-specific payload except for
// diagnostic round-tripping (RawPayload).
type Event struct {
	UID      string
	NativeID string
	Source   Source

	Summary     string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	AllDay   bool
	Timezone string // IANA zone for non-all-day events

	Created time.Time
	Updated time.Time
	ETag    string
	Sequence int

	RRule          string
	Overrides      []Override
	MasterNativeID string // set on an override event that has a master

	Organizer *Attendee
	Attendees []Attendee

	RawPayload []byte // provider payload kept only for diagnostics
}

// IsRecurringMaster reports whether this event defines a recurrence rule
// (as opposed to being a standalone event or an override instance).
func (e *Event) IsRecurringMaster() bool {
	return e.RRule != "" && e.MasterNativeID == "" && !e.hasRecurrenceID()
}

// IsOverride reports whether this event is a single-instance deviation
// from a recurring master, per spec.md §3's recurrence invariant: an
// override either carries MasterNativeID or a RECURRENCE-ID override entry
// referencing a same-UID master.
func (e *Event) IsOverride() bool {
	return e.MasterNativeID != "" || e.hasRecurrenceID()
}

func (e *Event) hasRecurrenceID() bool {
	for _, o := range e.Overrides {
		if o.Kind == OverrideRecurrenceID {
			return true
		}
	}
	return false
}

// RecurrenceID returns the RECURRENCE-ID instant if this event is an
// override, and ok=false otherwise.
func (e *Event) RecurrenceID() (at time.Time, ok bool) {
	for _, o := range e.Overrides {
		if o.Kind == OverrideRecurrenceID {
			return o.At, true
		}
	}
	return time.Time{}, false
}

// Validate enforces the canonical event's invariants from spec.md §3.
func (e *Event) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalidEvent)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: end %s not after start %s", ErrInvalidEvent, e.End, e.Start)
	}
	if e.MasterNativeID != "" && !e.hasRecurrenceID() {
		// An override linked by master id should also carry a
		// RECURRENCE-ID; adapters are expected to populate both, but
		// this is tolerated rather than rejected since some sources
		// (Service A overrides) only expose the master id directly.
		return nil
	}
	return nil
}

// SynthesizeUID builds the fallback UID used when a source supplies
// neither an iCalendar UID nor one the engine has already minted:
// "{source}-{nativeId}".
func SynthesizeUID(source Source, nativeID string) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(source.String()), nativeID)
}

// ContentHash computes the SHA-256 digest over the user-visible fields of
// spec.md §3's contentHash definition. Volatile fields (etag, sequence,
// server timestamps) are excluded deliberately so that a no-op round-trip
// through an adapter never triggers a propagation.
func ContentHash(e *Event) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write(
		e.UID,
		e.Summary,
		e.Description,
		e.Location,
		e.Start.UTC().Format(time.RFC3339Nano),
		e.End.UTC().Format(time.RFC3339Nano),
		strconv.FormatBool(e.AllDay),
		e.Timezone,
		e.RRule,
	)

	organizer := ""
	if e.Organizer != nil {
		organizer = e.Organizer.Email
	}
	write(organizer)

	emails := make([]string, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		emails = append(emails, a.Email)
	}
	sort.Strings(emails)
	write(emails...)

	return hex.EncodeToString(h.Sum(nil))
}
