package pairmanager_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/domain"
	"github.com/jlewiss/calbridge/internal/pairmanager"
	"github.com/jlewiss/calbridge/internal/store/sqlite"
)

// listOnlyAdapter implements adapters.Adapter far enough for pair
// discovery; every other method is unreachable from Manager.Sync.
type listOnlyAdapter struct {
	calendars []adapters.CalendarInfo
}

func (a *listOnlyAdapter) ListCalendars(ctx context.Context) ([]adapters.CalendarInfo, error) {
	return a.calendars, nil
}
func (a *listOnlyAdapter) GetSyncToken(ctx context.Context, calendarID string) (adapters.Token, error) {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) GetChangeSet(ctx context.Context, calendarID string, sinceToken adapters.Token, window adapters.Window) (*adapters.ChangeSet, error) {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) GetEvent(ctx context.Context, calendarID, nativeID string) (*domain.Event, error) {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) CreateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) UpdateEvent(ctx context.Context, calendarID string, event *domain.Event) (*domain.Event, error) {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) DeleteEvent(ctx context.Context, calendarID, nativeID string) error {
	panic("not used by pairmanager")
}
func (a *listOnlyAdapter) FindInstance(ctx context.Context, calendarID, masterNativeID string, recurrenceID time.Time) (*domain.Event, error) {
	panic("not used by pairmanager")
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "calbridge.db")
	s, err := sqlite.New(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncExactNameMatch(t *testing.T) {
	st := newTestStore(t)
	a := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "a1", DisplayName: "Work"}}}
	b := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "b1", DisplayName: "work"}}}

	mgr := pairmanager.New(st, a, b, pairmanager.DefaultConfig(), zerolog.Nop())
	result, err := mgr.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	require.Equal(t, "a1", result.Created[0].ACalendarID)
	require.Equal(t, "b1", result.Created[0].BCalendarID)
	require.Empty(t, result.Created[0].ASyncToken, "new pairs start unarmed")
	require.Empty(t, result.UnmatchedA)
	require.Empty(t, result.UnmatchedB)
}

func TestSyncExplicitPairTakesPrecedence(t *testing.T) {
	st := newTestStore(t)
	a := &listOnlyAdapter{calendars: []adapters.CalendarInfo{
		{ID: "a1", DisplayName: "Personal"},
		{ID: "a2", DisplayName: "Team"},
	}}
	b := &listOnlyAdapter{calendars: []adapters.CalendarInfo{
		{ID: "b1", DisplayName: "Personal"},
		{ID: "b2", DisplayName: "Team Calendar"},
	}}

	cfg := pairmanager.DefaultConfig()
	cfg.ExplicitPairs = []pairmanager.ExplicitPair{
		{ACalendarID: "a2", BCalendarID: "b2", Direction: domain.DirectionBidirectional},
	}

	mgr := pairmanager.New(st, a, b, cfg, zerolog.Nop())
	result, err := mgr.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Created, 2)

	var explicit, exact bool
	for _, p := range result.Created {
		if p.ACalendarID == "a2" && p.BCalendarID == "b2" {
			explicit = true
		}
		if p.ACalendarID == "a1" && p.BCalendarID == "b1" {
			exact = true
		}
	}
	require.True(t, explicit, "explicit pair must win over any later stage")
	require.True(t, exact, "exact name match still applies to the remainder")
}

func TestSyncSimilarityMatchRequiresThreshold(t *testing.T) {
	st := newTestStore(t)
	a := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "a1", DisplayName: "Family"}}}
	b := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "b1", DisplayName: "Family Events"}}}

	cfg := pairmanager.DefaultConfig()
	mgr := pairmanager.New(st, a, b, cfg, zerolog.Nop())
	result, err := mgr.Sync(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Created, "similarity matching is disabled by default")

	cfg.EnableSimilarityMatch = true
	// "Family" inside "Family Events" scores 6/13 (about 0.46), so the
	// threshold has to sit below that score for the pair to match.
	cfg.SimilarityThreshold = 0.4
	mgr = pairmanager.New(st, a, b, cfg, zerolog.Nop())
	result, err = mgr.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
}

func TestSyncFallbackToPrimary(t *testing.T) {
	st := newTestStore(t)
	a := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "a1", DisplayName: "Main", Primary: true}}}
	b := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "b1", DisplayName: "Holidays"}}}

	cfg := pairmanager.DefaultConfig()
	cfg.AutoCreateCalendars = true
	mgr := pairmanager.New(st, a, b, cfg, zerolog.Nop())
	result, err := mgr.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	require.Equal(t, "a1", result.Created[0].ACalendarID)
}

func TestSyncIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	a := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "a1", DisplayName: "Work"}}}
	b := &listOnlyAdapter{calendars: []adapters.CalendarInfo{{ID: "b1", DisplayName: "Work"}}}

	mgr := pairmanager.New(st, a, b, pairmanager.DefaultConfig(), zerolog.Nop())
	ctx := context.Background()
	_, err := mgr.Sync(ctx)
	require.NoError(t, err)

	result, err := mgr.Sync(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Created, "a second run must not re-create an existing pair")
}
