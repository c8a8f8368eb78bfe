package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/domain"
)

// logEntry is one append-only change record a fakeAdapter replays when
// asked for a change set since a token.
type logEntry struct {
	nativeID string
	deleted  bool
}

// fakeAdapter is a minimal in-memory stand-in for a service adapter,
// exercising the same token/snapshot contract spec.md §4.1 describes:
// an empty sinceToken yields a window snapshot with UsedToken=false; a
// non-empty token replays only entries appended after it.
type fakeAdapter struct {
	mu     sync.Mutex
	source domain.Source
	prefix string
	events map[string]*domain.Event
	log    []logEntry
	nextID int

	invalidateNextToken bool
}

func newFakeAdapter(source domain.Source, prefix string) *fakeAdapter {
	return &fakeAdapter{source: source, prefix: prefix, events: make(map[string]*domain.Event)}
}

func (f *fakeAdapter) ListCalendars(ctx context.Context) ([]adapters.CalendarInfo, error) {
	return nil, nil
}

func (f *fakeAdapter) GetSyncToken(ctx context.Context, calendarID string) (adapters.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return adapters.Token(strconv.Itoa(len(f.log))), nil
}

func (f *fakeAdapter) GetChangeSet(ctx context.Context, calendarID string, sinceToken adapters.Token, window adapters.Window) (*adapters.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs := adapters.NewChangeSet()

	if sinceToken == "" {
		for id, ev := range f.events {
			cp := *ev
			cs.Changed[id] = &cp
		}
		cs.UsedToken = false
		cs.NextToken = adapters.Token(strconv.Itoa(len(f.log)))
		return cs, nil
	}

	idx, err := strconv.Atoi(string(sinceToken))
	if err != nil || idx > len(f.log) {
		cs.InvalidatedToken = true
		for id, ev := range f.events {
			cp := *ev
			cs.Changed[id] = &cp
		}
		cs.UsedToken = false
		cs.NextToken = adapters.Token(strconv.Itoa(len(f.log)))
		return cs, nil
	}

	for _, entry := range f.log[idx:] {
		if entry.deleted {
			delete(cs.Changed, entry.nativeID)
			cs.DeletedNativeIDs[entry.nativeID] = struct{}{}
			continue
		}
		if ev, ok := f.events[entry.nativeID]; ok {
			cp := *ev
			cs.Changed[entry.nativeID] = &cp
		}
	}
	cs.UsedToken = true
	cs.NextToken = adapters.Token(strconv.Itoa(len(f.log)))
	return cs, nil
}

func (f *fakeAdapter) GetEvent(ctx context.Context, calendarID, nativeID string) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[nativeID]
	if !ok {
		return nil, domain.NewAdapterError(domain.ErrNotFound, "getEvent", fmt.Errorf("no event %s", nativeID))
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeAdapter) CreateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	nativeID := fmt.Sprintf("%s-%d", f.prefix, f.nextID)

	cp := *event
	cp.NativeID = nativeID
	cp.Source = f.source
	cp.ETag = fmt.Sprintf("etag-%d", f.nextID)
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	if cp.Updated.IsZero() {
		cp.Updated = time.Now().UTC()
	}

	f.events[nativeID] = &cp
	f.log = append(f.log, logEntry{nativeID: nativeID})

	out := cp
	return &out, nil
}

func (f *fakeAdapter) UpdateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.events[event.NativeID]; !ok {
		return nil, domain.NewAdapterError(domain.ErrNotFound, "updateEvent", fmt.Errorf("no event %s", event.NativeID))
	}

	f.nextID++
	cp := *event
	cp.Source = f.source
	cp.ETag = fmt.Sprintf("etag-%d", f.nextID)
	cp.Sequence++
	if cp.Updated.IsZero() {
		cp.Updated = time.Now().UTC()
	}

	f.events[event.NativeID] = &cp
	f.log = append(f.log, logEntry{nativeID: event.NativeID})

	out := cp
	return &out, nil
}

func (f *fakeAdapter) DeleteEvent(ctx context.Context, calendarID, nativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, nativeID)
	f.log = append(f.log, logEntry{nativeID: nativeID, deleted: true})
	return nil
}

func (f *fakeAdapter) FindInstance(ctx context.Context, calendarID, masterNativeID string, recurrenceID time.Time) (*domain.Event, error) {
	return nil, domain.NewAdapterError(domain.ErrNotFound, "findInstance", fmt.Errorf("not implemented"))
}

func (f *fakeAdapter) DeleteResourceByHref(ctx context.Context, calendarID, href string) error {
	return f.DeleteEvent(ctx, calendarID, href)
}

func (f *fakeAdapter) AddExdate(ctx context.Context, calendarID, masterNativeID string, recurrenceInstant time.Time, allDay bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[masterNativeID]
	if !ok {
		return domain.NewAdapterError(domain.ErrNotFound, "addExdate", fmt.Errorf("no master %s", masterNativeID))
	}
	ev.Overrides = append(ev.Overrides, domain.Override{Kind: domain.OverrideExDate, At: recurrenceInstant})
	f.log = append(f.log, logEntry{nativeID: masterNativeID})
	return nil
}

func (f *fakeAdapter) MergeRecurrenceException(ctx context.Context, calendarID, masterUID string, override *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ev := range f.events {
		if ev.UID == masterUID {
			at, ok := override.RecurrenceID()
			if ok {
				ev.Overrides = append(ev.Overrides, domain.Override{Kind: domain.OverrideRecurrenceID, At: at})
			}
			f.log = append(f.log, logEntry{nativeID: id})
			return nil
		}
	}
	return domain.NewAdapterError(domain.ErrNotFound, "mergeRecurrenceException", fmt.Errorf("no master uid %s", masterUID))
}
