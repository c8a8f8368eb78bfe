package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourceOther(t *testing.T) {
	require.Equal(t, SourceB, SourceA.Other())
	require.Equal(t, SourceA, SourceB.Other())
}

func TestIsRecurringMaster(t *testing.T) {
	master := &Event{RRule: "FREQ=WEEKLY"}
	require.True(t, master.IsRecurringMaster())

	override := &Event{RRule: "FREQ=WEEKLY", MasterNativeID: "a-1"}
	require.False(t, override.IsRecurringMaster())

	standalone := &Event{}
	require.False(t, standalone.IsRecurringMaster())
}

func TestIsOverride(t *testing.T) {
	byMasterID := &Event{MasterNativeID: "a-1"}
	require.True(t, byMasterID.IsOverride())

	byRecurrenceID := &Event{Overrides: []Override{{Kind: OverrideRecurrenceID, At: time.Now()}}}
	require.True(t, byRecurrenceID.IsOverride())

	standalone := &Event{}
	require.False(t, standalone.IsOverride())
}

func TestRecurrenceID(t *testing.T) {
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	ev := &Event{Overrides: []Override{
		{Kind: OverrideExDate, At: at.AddDate(0, 0, 7)},
		{Kind: OverrideRecurrenceID, At: at},
	}}

	got, ok := ev.RecurrenceID()
	require.True(t, ok)
	require.True(t, at.Equal(got))

	_, ok = (&Event{}).RecurrenceID()
	require.False(t, ok)
}

func TestEventValidate(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	require.Error(t, (&Event{UID: "", Start: start, End: start.Add(time.Hour)}).Validate())
	require.ErrorIs(t, (&Event{UID: "evt-1", Start: start, End: start}).Validate(), ErrInvalidEvent)
	require.NoError(t, (&Event{UID: "evt-1", Start: start, End: start.Add(time.Hour)}).Validate())
}

func TestSynthesizeUID(t *testing.T) {
	require.Equal(t, "a-evt-1", SynthesizeUID(SourceA, "evt-1"))
	require.Equal(t, "b-evt-1", SynthesizeUID(SourceB, "evt-1"))
}

func TestContentHash_StableAcrossVolatileFields(t *testing.T) {
	base := &Event{
		UID: "evt-1", Summary: "Standup",
		Start: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	}

	touched := *base
	touched.ETag = `"abc123"`
	touched.Sequence = 7
	touched.Updated = time.Now()

	require.Equal(t, ContentHash(base), ContentHash(&touched), "volatile fields must not affect the content hash")
}

func TestContentHash_ChangesWithUserVisibleFields(t *testing.T) {
	base := &Event{
		UID: "evt-1", Summary: "Standup",
		Start: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	}
	changed := *base
	changed.Summary = "Standup (moved)"

	require.NotEqual(t, ContentHash(base), ContentHash(&changed))
}
