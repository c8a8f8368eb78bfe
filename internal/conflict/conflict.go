// Package conflict implements the pure decision function spec.md §4.5
// describes: given both sides' current event, the prior mapping, and the
// pair's effective policy, decide which side's content should win. It is
// grounded on lshvetsov-go-webdav/caldav's ConflictResolver shape, widened
// from a two-outcome local/remote resolver to the fixed-side/latest-wins/
// sequence policy this domain needs.
package conflict

import (
	"github.com/jlewiss/calbridge/internal/domain"
)

// Winner identifies which side's content the resolver selected.
type Winner int

const (
	WinnerA Winner = iota
	WinnerB
)

func (w Winner) String() string {
	if w == WinnerA {
		return "a"
	}
	return "b"
}

// Decision is the resolver's verdict plus the reason recorded in the audit
// trail (spec.md §3's Conflict.resolution, e.g. "b_wins:higher_sequence").
type Decision struct {
	Winner Winner
	Reason string
}

// IsConflict reports whether a and b disagree in a way that requires a
// decision at all: per spec.md §4.5, a conflict is declared only when
// content differs AND both sides were updated after the mapping's last
// successful sync.
func IsConflict(a, b *domain.Event, m *domain.EventMapping) bool {
	if domain.ContentHash(a) == domain.ContentHash(b) {
		return false
	}
	return a.Updated.After(m.LastSyncedAt) && b.Updated.After(m.LastSyncedAt)
}

// Resolve applies spec.md §4.5's algorithm. Callers must have already
// established IsConflict(a, b, m); Resolve does not re-check it.
func Resolve(a, b *domain.Event, policy domain.ConflictPolicy) Decision {
	if a.Sequence != b.Sequence {
		if a.Sequence > b.Sequence {
			return Decision{Winner: WinnerA, Reason: "a_wins:higher_sequence"}
		}
		return Decision{Winner: WinnerB, Reason: "b_wins:higher_sequence"}
	}

	switch policy {
	case domain.PolicyAWins:
		return Decision{Winner: WinnerA, Reason: "a_wins:fixed_policy"}
	case domain.PolicyBWins:
		return Decision{Winner: WinnerB, Reason: "b_wins:fixed_policy"}
	default:
		// manual is promoted to latest-wins in headless mode (spec.md
		// §4.5); PolicyLatestWins falls through to the same branch.
		return resolveLatestWins(a, b)
	}
}

func resolveLatestWins(a, b *domain.Event) Decision {
	at := a.Updated.UTC()
	bt := b.Updated.UTC()

	if bt.After(at) {
		return Decision{Winner: WinnerB, Reason: "b_wins:latest_updated"}
	}
	// Exact tie or A later: A wins, the stable tiebreak spec.md §4.5
	// requires for equal timestamps.
	return Decision{Winner: WinnerA, Reason: "a_wins:latest_updated"}
}
