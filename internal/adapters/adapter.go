// Package adapters defines the capability contract both service adapters
// implement (spec.md §4.1), so the sync engine never branches on which
// concrete service it is talking to.
package adapters

import (
	"context"
	"time"

	"github.com/jlewiss/calbridge/internal/domain"
)

// CalendarInfo describes one remote calendar as returned by ListCalendars.
type CalendarInfo struct {
	ID          string
	DisplayName string
	// Primary is set by adapters whose service has a notion of a default
	// calendar (Service A); Service B's collections have no such concept
	// and always report false.
	Primary bool
}

// Token is an opaque, adapter-issued continuation cursor. Adapters decide
// its internal encoding; the engine only ever stores and replays the
// string it is given.
type Token string

// Window bounds a snapshot fetch when no token is in effect.
type Window struct {
	Start time.Time
	End   time.Time
}

// ChangeSet is the delta returned by GetChangeSet, per spec.md §4.1.
type ChangeSet struct {
	// Changed maps native id to the canonical event as currently known
	// to the remote side.
	Changed map[string]*domain.Event
	// DeletedNativeIDs is populated only when UsedToken is true; a
	// window snapshot can never report deletions.
	DeletedNativeIDs map[string]struct{}
	// NextToken is the token to persist for the next incremental call.
	NextToken Token
	// UsedToken is true iff this result enumerates a true delta since a
	// valid prior token. The engine must never delete on a side whose
	// current pass has UsedToken=false.
	UsedToken bool
	// InvalidatedToken is set when a previously-stored token was
	// rejected by the server; the engine must clear it from storage.
	InvalidatedToken bool
}

// NewChangeSet returns an empty, non-nil ChangeSet ready for accumulation.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Changed:          make(map[string]*domain.Event),
		DeletedNativeIDs: make(map[string]struct{}),
	}
}

// Adapter is the capability contract both services expose (spec.md §4.1).
// Adapter B additionally implements CalDAVAdapter for its href/EXDATE/
// RECURRENCE-ID specific operations.
type Adapter interface {
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)

	// GetSyncToken establishes an initial token for later incremental
	// calls, traversing all pages if the underlying protocol requires it.
	GetSyncToken(ctx context.Context, calendarID string) (Token, error)

	// GetChangeSet returns the delta since sinceToken, or a window
	// snapshot when sinceToken is empty or rejected by the server.
	GetChangeSet(ctx context.Context, calendarID string, sinceToken Token, window Window) (*ChangeSet, error)

	GetEvent(ctx context.Context, calendarID, nativeID string) (*domain.Event, error)
	CreateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error)
	UpdateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error)
	DeleteEvent(ctx context.Context, calendarID, nativeID string) error

	// FindInstance resolves a single recurrence instance of a recurring
	// master by its RECURRENCE-ID instant.
	FindInstance(ctx context.Context, calendarID, masterNativeID string, recurrenceID time.Time) (*domain.Event, error)
}

// CalDAVAdapter is the additional contract Adapter B exposes for
// href-addressed resources and recurrence-exception merging (spec.md §4.1,
// §4.3).
type CalDAVAdapter interface {
	Adapter

	DeleteResourceByHref(ctx context.Context, calendarID, href string) error
	AddExdate(ctx context.Context, calendarID, masterNativeID string, recurrenceInstant time.Time, allDay bool) error
	MergeRecurrenceException(ctx context.Context, calendarID, masterUID string, override *domain.Event) error
}
