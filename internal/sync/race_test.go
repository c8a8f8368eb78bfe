package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jlewiss/calbridge/internal/domain"
)

// TestVerifyNoRace_EmptySnapshotMeansNoRace exercises spec.md §4.4 step 7's
// verification probe directly: a side with nothing live after an
// unexplained cursor advance is not racy, just stale-scanned.
func TestVerifyNoRace_EmptySnapshotMeansNoRace(t *testing.T) {
	a := newFakeAdapter(domain.SourceA, "a")
	b := newFakeAdapter(domain.SourceB, "b")
	e, _ := newTestEngine(t, a, b)
	now := time.Now().UTC()
	window := e.windowFor(now)

	require.False(t, e.verifyNoRace(context.Background(), a, "cal-a", window, now))
}

// TestVerifyNoRace_LiveEventOutsideSessionWindowMeansNoRace is the case the
// old, liveness-only probe got wrong: a calendar that already has events in
// it, created long before this pass started, must not be mistaken for a
// concurrent writer just because the snapshot isn't empty.
func TestVerifyNoRace_LiveEventOutsideSessionWindowMeansNoRace(t *testing.T) {
	a := newFakeAdapter(domain.SourceA, "a")
	b := newFakeAdapter(domain.SourceB, "b")
	e, _ := newTestEngine(t, a, b)
	ctx := context.Background()

	sessionStart := time.Now().UTC()

	old, err := a.CreateEvent(ctx, "cal-a", &domain.Event{UID: "evt-1", Summary: "Standing weekly"})
	require.NoError(t, err)
	old.Created = sessionStart.Add(-48 * time.Hour)
	_, err = a.UpdateEvent(ctx, "cal-a", old)
	require.NoError(t, err)

	window := e.windowFor(sessionStart)
	require.False(t, e.verifyNoRace(ctx, a, "cal-a", window, sessionStart))
}

// TestVerifyNoRace_EventCreatedDuringPassMeansRace is the mirror case:
// something landed on the adapter, created within this pass's processing
// window, that this pass never wrote itself.
func TestVerifyNoRace_EventCreatedDuringPassMeansRace(t *testing.T) {
	a := newFakeAdapter(domain.SourceA, "a")
	b := newFakeAdapter(domain.SourceB, "b")
	e, _ := newTestEngine(t, a, b)
	ctx := context.Background()

	sessionStart := time.Now().UTC()

	_, err := a.CreateEvent(ctx, "cal-a", &domain.Event{UID: "evt-1", Summary: "Surprise"})
	require.NoError(t, err)

	window := e.windowFor(sessionStart)
	require.True(t, e.verifyNoRace(ctx, a, "cal-a", window, sessionStart))
}

// TestCaptureTokens_OwnWritesNeverTriggerRaceClear is the regression this
// unit exists to guard: a pass that itself created an event on a side must
// never have that side's just-armed token cleared as if it were a race,
// or every productive pass would degrade back to full snapshots forever.
func TestCaptureTokens_OwnWritesNeverTriggerRaceClear(t *testing.T) {
	a := newFakeAdapter(domain.SourceA, "a")
	b := newFakeAdapter(domain.SourceB, "b")
	e, st := newTestEngine(t, a, b)
	pair := mustCreatePair(t, st)
	ctx := context.Background()

	require.NoError(t, e.RunPair(ctx, pair.PairID))

	_, err := a.CreateEvent(ctx, "cal-a", &domain.Event{UID: "evt-1", Summary: "Quarterly review"})
	require.NoError(t, err)

	require.NoError(t, e.RunPair(ctx, pair.PairID))

	got, err := st.GetPair(ctx, pair.PairID)
	require.NoError(t, err)
	require.NotEmpty(t, got.BSyncToken, "creating on B during this pass must still arm B's token, not clear it")
}
