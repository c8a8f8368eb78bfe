package sync

import (
	"context"
	"sort"

	"github.com/jlewiss/calbridge/internal/domain"
)

// splitMastersAndOverrides partitions one side's change set into masters
// (recurring masters and plain standalone events) and override instances,
// each sorted by (start, nativeId) per spec.md §4.4's ordering guarantee.
func splitMastersAndOverrides(changed map[string]*domain.Event) (masters, overrides []*domain.Event) {
	for _, ev := range changed {
		if ev.IsOverride() {
			overrides = append(overrides, ev)
		} else {
			masters = append(masters, ev)
		}
	}
	sortByStartThenNativeID(masters)
	sortByStartThenNativeID(overrides)
	return masters, overrides
}

func sortByStartThenNativeID(evs []*domain.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Start.Equal(evs[j].Start) {
			return evs[i].Start.Before(evs[j].Start)
		}
		return evs[i].NativeID < evs[j].NativeID
	})
}

// masterKey returns the identity an override's group is keyed by: the
// master's native id when the source supplies it (Service A's master event
// id, Service B's master href), else the shared UID.
func masterKey(ev *domain.Event) string {
	if ev.MasterNativeID != "" {
		return ev.MasterNativeID
	}
	return ev.UID
}

// demoteOrphans finds the overrides whose master is absent both from this
// pass's change set and from any prior mapping on this side, and demotes
// them to standalone events per spec.md §9's Open Question decision: the
// master-reference fields are cleared so a broken exception is never
// synthesized downstream. Demoted events are returned separately so the
// caller can fold them into the master list for ordinary propagation.
func (e *Engine) demoteOrphans(
	ctx context.Context, pairID string, source domain.Source, masters, overrides []*domain.Event,
) (surviving, demoted []*domain.Event) {
	present := make(map[string]bool, len(masters)*2)
	for _, m := range masters {
		present[masterKey(m)] = true
		present[m.NativeID] = true
		present[m.UID] = true
	}

	for _, ov := range overrides {
		key := masterKey(ov)
		if present[key] {
			surviving = append(surviving, ov)
			continue
		}
		if e.masterMapped(ctx, pairID, source, ov) {
			surviving = append(surviving, ov)
			continue
		}
		demoted = append(demoted, demote(ov))
	}
	return surviving, demoted
}

// masterMapped reports whether a mapping already links this side's master
// identity into the pair, which is the closest available proxy for "the
// master exists in the store" absent a direct per-event store lookup.
func (e *Engine) masterMapped(ctx context.Context, pairID string, source domain.Source, ov *domain.Event) bool {
	if ov.MasterNativeID != "" {
		_, err := e.store.GetMappingByNativeID(ctx, pairID, source, ov.MasterNativeID)
		return err == nil
	}
	_, err := e.store.GetMappingByCanonicalUID(ctx, pairID, ov.UID)
	return err == nil
}

// demote clones ov into a standalone event: its master reference and any
// RECURRENCE-ID override entry are cleared so downstream propagation
// treats it as an ordinary event rather than an orphaned exception.
func demote(ov *domain.Event) *domain.Event {
	cp := *ov
	cp.MasterNativeID = ""
	filtered := make([]domain.Override, 0, len(ov.Overrides))
	for _, o := range ov.Overrides {
		if o.Kind != domain.OverrideRecurrenceID {
			filtered = append(filtered, o)
		}
	}
	cp.Overrides = filtered
	return &cp
}

func indexByUID(changed map[string]*domain.Event) map[string]*domain.Event {
	out := make(map[string]*domain.Event, len(changed))
	for _, ev := range changed {
		out[ev.UID] = ev
	}
	return out
}
