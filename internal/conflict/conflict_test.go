package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlewiss/calbridge/internal/conflict"
	"github.com/jlewiss/calbridge/internal/domain"
)

func baseEvents(t time.Time) (a, b *domain.Event) {
	a = &domain.Event{UID: "u1", Summary: "X", Start: t, End: t.Add(time.Hour), Updated: t}
	b = &domain.Event{UID: "u1", Summary: "X", Start: t, End: t.Add(time.Hour), Updated: t}
	return
}

func TestIsConflict_EqualHashesNeverConflict(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	m := &domain.EventMapping{LastSyncedAt: now.Add(-time.Hour)}
	a.Updated = now
	b.Updated = now
	assert.False(t, conflict.IsConflict(a, b, m))
}

func TestIsConflict_RequiresBothSidesUpdatedAfterLastSync(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	b.Summary = "Y"
	m := &domain.EventMapping{LastSyncedAt: now}

	a.Updated = now.Add(-time.Minute) // stale: updated before lastSyncedAt
	b.Updated = now.Add(time.Minute)
	assert.False(t, conflict.IsConflict(a, b, m), "only one side moved since lastSyncedAt")

	a.Updated = now.Add(time.Minute)
	assert.True(t, conflict.IsConflict(a, b, m))
}

func TestResolve_HigherSequenceWinsRegardlessOfPolicy(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	a.Sequence = 2
	b.Sequence = 5
	d := conflict.Resolve(a, b, domain.PolicyAWins)
	require.Equal(t, conflict.WinnerB, d.Winner)
	assert.Equal(t, "b_wins:higher_sequence", d.Reason)
}

func TestResolve_LatestWinsTieGoesToA(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	a.Updated = now
	b.Updated = now
	d := conflict.Resolve(a, b, domain.PolicyLatestWins)
	assert.Equal(t, conflict.WinnerA, d.Winner)
	assert.Equal(t, "a_wins:latest_updated", d.Reason)
}

func TestResolve_LatestWinsLaterTimestamp(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	a.Updated = now
	b.Updated = now.Add(time.Second)
	d := conflict.Resolve(a, b, domain.PolicyLatestWins)
	assert.Equal(t, conflict.WinnerB, d.Winner)
}

func TestResolve_FixedSidePolicy(t *testing.T) {
	now := time.Now()
	a, b := baseEvents(now)
	d := conflict.Resolve(a, b, domain.PolicyBWins)
	assert.Equal(t, conflict.WinnerB, d.Winner)
	assert.Equal(t, "b_wins:fixed_policy", d.Reason)
}
