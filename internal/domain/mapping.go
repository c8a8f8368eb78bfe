package domain

import "time"

// MappingStatus is the lifecycle state of an EventMapping row.
type MappingStatus int

const (
	MappingActive MappingStatus = iota
	MappingDeleted
	MappingOrphaned
)

func (s MappingStatus) String() string {
	switch s {
	case MappingActive:
		return "active"
	case MappingDeleted:
		return "deleted"
	case MappingOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// EventMapping is the persistent cross-system identity row for one event,
// per spec.md §3. A bidirectional pair's active mapping has both native
// ids populated after the first successful propagation; a one-direction
// pair may carry only the source id until then.
type EventMapping struct {
	MappingID string
	PairID    string

	ANativeID *string
	BNativeID *string

	AIcalUID *string
	BUID     *string

	// CanonicalUID is the preferred dedup key: the iCalendar UID when
	// either side supplies one, else the synthesized id of the event
	// that created the mapping.
	CanonicalUID string

	BResourceHref *string
	ASelfLink     *string

	AEtag *string
	BEtag *string

	ASequence int
	BSequence int

	ContentHash string
	Status      MappingStatus

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt time.Time

	// LastDirection records which side last wrote to the other, for
	// diagnostics; it plays no role in reconciliation decisions.
	LastDirection Source
}

// HasNativeID reports whether the mapping already carries a native id for
// the given source.
func (m *EventMapping) HasNativeID(s Source) bool {
	if s == SourceA {
		return m.ANativeID != nil && *m.ANativeID != ""
	}
	return m.BNativeID != nil && *m.BNativeID != ""
}

// SetNativeID records the native id for the given source.
func (m *EventMapping) SetNativeID(s Source, id string) {
	if s == SourceA {
		m.ANativeID = &id
		return
	}
	m.BNativeID = &id
}

// NativeID returns the native id for the given source, or "" if unset.
func (m *EventMapping) NativeID(s Source) string {
	var p *string
	if s == SourceA {
		p = m.ANativeID
	} else {
		p = m.BNativeID
	}
	if p == nil {
		return ""
	}
	return *p
}
