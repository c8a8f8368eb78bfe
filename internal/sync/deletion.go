package sync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/domain"
)

// sideDeletion accumulates which side(s) reported a given mapping as
// deleted during this pass, so both-sides-deleted can be distinguished
// from one-side-deleted without a second store round trip.
type sideDeletion struct {
	mapping   *domain.EventMapping
	aDeleted  bool
	bDeleted  bool
}

// reconcileDeletions implements spec.md §4.4 step 6: a side's deletions
// are only acted on when that side's pass actually enumerated a true
// delta (UsedToken); a CTag-fallback or snapshot pass never deletes.
func (e *Engine) reconcileDeletions(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession, aCS, bCS *adapters.ChangeSet,
) ([]*domain.SyncOperation, error) {
	byMapping := make(map[string]*sideDeletion)

	if aCS.UsedToken {
		for nativeID := range aCS.DeletedNativeIDs {
			m, err := e.store.GetMappingByNativeID(ctx, pair.PairID, domain.SourceA, nativeID)
			if errors.Is(err, domain.ErrNoMapping) {
				e.logger.Debug().Str("nativeId", nativeID).Msg("deleted A event had no mapping")
				continue
			}
			if err != nil {
				return nil, err
			}
			entry := byMapping[m.MappingID]
			if entry == nil {
				entry = &sideDeletion{mapping: m}
				byMapping[m.MappingID] = entry
			}
			entry.aDeleted = true
		}
	}

	if bCS.UsedToken {
		for href := range bCS.DeletedNativeIDs {
			m, err := e.resolveDeletedHref(ctx, pair.PairID, href)
			if err != nil {
				return nil, err
			}
			if m == nil {
				e.logger.Debug().Str("href", href).Msg("deleted B resource had no mapping")
				continue
			}
			entry := byMapping[m.MappingID]
			if entry == nil {
				entry = &sideDeletion{mapping: m}
				byMapping[m.MappingID] = entry
			}
			entry.bDeleted = true
		}
	}

	var ops []*domain.SyncOperation
	for _, sd := range byMapping {
		if sd.aDeleted && sd.bDeleted {
			if err := e.store.MarkMappingDeleted(ctx, sd.mapping.MappingID); err != nil {
				return ops, err
			}
			ops = append(ops, e.recordDeletionOp(ctx, sess, sd.mapping, domain.SourceA, domain.SourceB, true, ""))
			continue
		}

		// Exactly one side reported the deletion; propagate it to the
		// other and mark the mapping deleted either way, since a
		// delete failure that isn't pair-fatal means there is nothing
		// left on the other side to clean up.
		src, dst := domain.SourceA, domain.SourceB
		if sd.bDeleted {
			src, dst = domain.SourceB, domain.SourceA
		}

		err := e.deleteOnSide(ctx, pair, dst, sd.mapping)
		if err != nil && isPairFatal(err) {
			return ops, err
		}
		if merr := e.store.MarkMappingDeleted(ctx, sd.mapping.MappingID); merr != nil {
			return ops, merr
		}
		ops = append(ops, e.recordDeletionOp(ctx, sess, sd.mapping, src, dst, err == nil, errString(err)))
	}

	return ops, nil
}

// deleteOnSide removes the target-side resource for a mapping whose other
// side was deleted. A mapping missing the target's native id has nothing
// to delete there.
func (e *Engine) deleteOnSide(ctx context.Context, pair *domain.CalendarPair, side domain.Source, m *domain.EventMapping) error {
	nativeID := m.NativeID(side)
	if nativeID == "" {
		return nil
	}
	if side == domain.SourceB {
		return e.b.DeleteResourceByHref(ctx, pair.BCalendarID, nativeID)
	}
	return e.a.DeleteEvent(ctx, pair.ACalendarID, nativeID)
}

func (e *Engine) recordDeletionOp(
	ctx context.Context, sess *domain.SyncSession, m *domain.EventMapping, src, dst domain.Source, success bool, errMsg string,
) *domain.SyncOperation {
	op := &domain.SyncOperation{
		SessionID: sess.SessionID,
		MappingID: &m.MappingID,
		Kind:      domain.OpDelete,
		Source:    src,
		Target:    dst,
		NativeID:  m.NativeID(src),
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.RecordOperation(ctx, op); err != nil {
		e.logger.Warn().Err(err).Msg("record deletion operation")
	}
	return op
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resolveDeletedHref maps a deleted B resource href back to its mapping.
// Href casing and base-path prefixes can drift between the PROPFIND
// listing and the original creation call, so an exact match falls back
// to a suffix match and finally a normalized-filename match before the
// deletion is treated as unmapped.
func (e *Engine) resolveDeletedHref(ctx context.Context, pairID, href string) (*domain.EventMapping, error) {
	m, err := e.store.GetMappingByHref(ctx, pairID, href)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNoMapping) {
		return nil, err
	}

	active, err := e.store.ListActiveMappings(ctx, pairID)
	if err != nil {
		return nil, err
	}

	normalizedTarget := normalizeHref(href)
	for _, cand := range active {
		if cand.BResourceHref == nil {
			continue
		}
		candHref := *cand.BResourceHref
		if strings.HasSuffix(href, candHref) || strings.HasSuffix(candHref, href) {
			return cand, nil
		}
		if normalizeHref(candHref) == normalizedTarget {
			return cand, nil
		}
	}
	return nil, nil
}

func normalizeHref(href string) string {
	trimmed := strings.TrimSuffix(href, "/")
	idx := strings.LastIndex(trimmed, "/")
	name := trimmed
	if idx >= 0 {
		name = trimmed[idx+1:]
	}
	name = strings.TrimSuffix(name, ".ics")
	return strings.ToLower(name)
}
