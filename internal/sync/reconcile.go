package sync

import (
	"context"
	"errors"
	"time"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/conflict"
	"github.com/jlewiss/calbridge/internal/domain"
)

// reconcileDirection runs spec.md §4.4 steps 3-5 for one propagation
// direction: group src's change set into masters and overrides, demote
// orphans, then process masters before overrides so an override's target
// mapping always exists by the time it is needed.
func (e *Engine) reconcileDirection(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter,
	srcCS, dstCS *adapters.ChangeSet,
) ([]*domain.SyncOperation, []*domain.Conflict, error) {
	masters, overrides := splitMastersAndOverrides(srcCS.Changed)
	surviving, demoted := e.demoteOrphans(ctx, pair.PairID, src, masters, overrides)
	masters = append(masters, demoted...)
	sortByStartThenNativeID(masters)

	dstByUID := indexByUID(dstCS.Changed)

	var ops []*domain.SyncOperation
	var conflicts []*domain.Conflict
	masterMappings := make(map[string]*domain.EventMapping)

	for _, ev := range masters {
		op, conf, mapping, err := e.reconcileEvent(ctx, pair, sess, src, dst, dstAdapter, ev, dstByUID)
		if op != nil {
			ops = append(ops, op)
		}
		if conf != nil {
			conflicts = append(conflicts, conf)
		}
		if err != nil {
			return ops, conflicts, err
		}
		if mapping != nil {
			masterMappings[ev.UID] = mapping
			if ev.NativeID != "" {
				masterMappings[ev.NativeID] = mapping
			}
		}
	}

	for _, ov := range surviving {
		op, conf, err := e.reconcileOverride(ctx, pair, sess, src, dst, dstAdapter, ov, masterMappings)
		if op != nil {
			ops = append(ops, op)
		}
		if conf != nil {
			conflicts = append(conflicts, conf)
		}
		if err != nil {
			return ops, conflicts, err
		}
	}

	return ops, conflicts, nil
}

// reconcileOverride handles one recurrence override per spec.md §4.4 step
// 5: pushing into B folds the exception into the master resource rather
// than creating a second resource sharing its UID; pushing into A is an
// ordinary create/update carrying the target-side master's native id.
func (e *Engine) reconcileOverride(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter,
	ov *domain.Event, masterMappings map[string]*domain.EventMapping,
) (*domain.SyncOperation, *domain.Conflict, error) {
	if dst == domain.SourceB {
		return e.mergeOverrideIntoB(ctx, pair, sess, src, ov)
	}

	mapping := masterMappings[masterKey(ov)]
	if mapping == nil {
		mapping = masterMappings[ov.UID]
	}
	pushed := *ov
	if mapping != nil {
		pushed.MasterNativeID = mapping.NativeID(dst)
	}
	op, conf, _, err := e.reconcileEvent(ctx, pair, sess, src, dst, dstAdapter, &pushed, map[string]*domain.Event{})
	return op, conf, err
}

func (e *Engine) mergeOverrideIntoB(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession, src domain.Source, ov *domain.Event,
) (*domain.SyncOperation, *domain.Conflict, error) {
	if err := e.b.MergeRecurrenceException(ctx, pair.BCalendarID, ov.UID, ov); err != nil {
		if isPairFatal(err) {
			return nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpUpdate, src, domain.SourceB, ov, nil, false, err.Error()), nil, nil
	}
	return e.recordOp(ctx, sess, domain.OpUpdate, src, domain.SourceB, ov, nil, true, ""), nil, nil
}

// reconcileEvent implements spec.md §4.4 step 4's per-event decision:
// look up the mapping by native id then canonical UID, and branch on
// whether it exists and whether content has changed.
func (e *Engine) reconcileEvent(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter,
	ev *domain.Event, dstByUID map[string]*domain.Event,
) (*domain.SyncOperation, *domain.Conflict, *domain.EventMapping, error) {
	mapping, err := e.store.GetMappingByNativeID(ctx, pair.PairID, src, ev.NativeID)
	if errors.Is(err, domain.ErrNoMapping) {
		mapping, err = e.store.GetMappingByCanonicalUID(ctx, pair.PairID, ev.UID)
	}
	if err != nil && !errors.Is(err, domain.ErrNoMapping) {
		return nil, nil, nil, err
	}

	if mapping == nil {
		return e.createMapping(ctx, pair, sess, src, dst, dstAdapter, ev, dstByUID)
	}

	if domain.ContentHash(ev) == mapping.ContentHash && mapping.HasNativeID(dst) {
		return e.recordSkip(ctx, sess, mapping, src, dst, ev), nil, mapping, nil
	}

	return e.updateMapping(ctx, pair, sess, src, dst, dstAdapter, ev, mapping)
}

// createMapping handles the "no mapping yet" branch: if the target side
// already carries an event with the same canonical UID in this pass's
// change set, the two are linked without any write; otherwise the event
// is created on the target and a fresh mapping row is inserted.
func (e *Engine) createMapping(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter, ev *domain.Event, dstByUID map[string]*domain.Event,
) (*domain.SyncOperation, *domain.Conflict, *domain.EventMapping, error) {
	now := time.Now().UTC()
	m := &domain.EventMapping{
		PairID:        pair.PairID,
		CanonicalUID:  ev.UID,
		Status:        domain.MappingActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastSyncedAt:  now,
		LastDirection: src,
	}
	setNativeAndHref(m, src, ev.NativeID)
	setUIDField(m, src, ev.UID)
	setEtagField(m, src, ev.ETag)
	setSequenceField(m, src, ev.Sequence)

	if existing, ok := dstByUID[ev.UID]; ok {
		setNativeAndHref(m, dst, existing.NativeID)
		setUIDField(m, dst, existing.UID)
		setEtagField(m, dst, existing.ETag)
		setSequenceField(m, dst, existing.Sequence)
		m.ContentHash = domain.ContentHash(ev)
		if err := e.store.CreateMapping(ctx, m); err != nil {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpSkip, src, dst, ev, m, true, "linked to independently-created match"), nil, m, nil
	}

	created, err := dstAdapter.CreateEvent(ctx, calendarIDFor(pair, dst), ev)
	if err != nil {
		if isPairFatal(err) {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpCreate, src, dst, ev, nil, false, err.Error()), nil, nil, nil
	}

	setNativeAndHref(m, dst, created.NativeID)
	setUIDField(m, dst, created.UID)
	setEtagField(m, dst, created.ETag)
	setSequenceField(m, dst, created.Sequence)
	m.ContentHash = domain.ContentHash(ev)
	if err := e.store.CreateMapping(ctx, m); err != nil {
		return nil, nil, nil, err
	}
	return e.recordOp(ctx, sess, domain.OpCreate, src, dst, ev, m, true, ""), nil, m, nil
}

// updateMapping handles the "mapping exists, content changed" branch,
// including the case where the target side was never actually created
// (e.g. a prior create attempt failed after the mapping was inserted).
func (e *Engine) updateMapping(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter, ev *domain.Event, mapping *domain.EventMapping,
) (*domain.SyncOperation, *domain.Conflict, *domain.EventMapping, error) {
	if !mapping.HasNativeID(dst) {
		return e.createOnTargetForMapping(ctx, pair, sess, src, dst, dstAdapter, ev, mapping)
	}

	target, err := dstAdapter.GetEvent(ctx, calendarIDFor(pair, dst), mapping.NativeID(dst))
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			// Target vanished without a token-armed deletion telling us
			// so; drop the stale mapping rather than recreate blindly.
			if derr := e.store.MarkMappingDeleted(ctx, mapping.MappingID); derr != nil {
				return nil, nil, nil, derr
			}
			return e.recordOp(ctx, sess, domain.OpSkip, src, dst, ev, mapping, true, "target missing, mapping dropped"), nil, mapping, nil
		}
		if isPairFatal(err) {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpUpdate, src, dst, ev, mapping, false, err.Error()), nil, mapping, nil
	}

	evA, evB := ev, target
	if src == domain.SourceB {
		evA, evB = target, ev
	}

	if conflict.IsConflict(evA, evB, mapping) {
		return e.resolveConflict(ctx, sess, pair, mapping, evA, evB)
	}

	updated, err := dstAdapter.UpdateEvent(ctx, calendarIDFor(pair, dst), withNativeID(ev, mapping.NativeID(dst)))
	if err != nil {
		if isPairFatal(err) {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpUpdate, src, dst, ev, mapping, false, err.Error()), nil, mapping, nil
	}

	setEtagField(mapping, dst, updated.ETag)
	setSequenceField(mapping, dst, updated.Sequence)
	setSequenceField(mapping, src, ev.Sequence)
	mapping.ContentHash = domain.ContentHash(ev)
	mapping.LastSyncedAt = time.Now().UTC()
	mapping.UpdatedAt = mapping.LastSyncedAt
	mapping.LastDirection = src
	if err := e.store.UpdateMapping(ctx, mapping); err != nil {
		return nil, nil, nil, err
	}
	return e.recordOp(ctx, sess, domain.OpUpdate, src, dst, ev, mapping, true, ""), nil, mapping, nil
}

func (e *Engine) createOnTargetForMapping(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession,
	src, dst domain.Source, dstAdapter adapters.Adapter, ev *domain.Event, mapping *domain.EventMapping,
) (*domain.SyncOperation, *domain.Conflict, *domain.EventMapping, error) {
	created, err := dstAdapter.CreateEvent(ctx, calendarIDFor(pair, dst), ev)
	if err != nil {
		if isPairFatal(err) {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpCreate, src, dst, ev, mapping, false, err.Error()), nil, mapping, nil
	}
	setNativeAndHref(mapping, dst, created.NativeID)
	setUIDField(mapping, dst, created.UID)
	setEtagField(mapping, dst, created.ETag)
	setSequenceField(mapping, dst, created.Sequence)
	mapping.ContentHash = domain.ContentHash(ev)
	mapping.LastSyncedAt = time.Now().UTC()
	mapping.UpdatedAt = mapping.LastSyncedAt
	mapping.LastDirection = src
	if err := e.store.UpdateMapping(ctx, mapping); err != nil {
		return nil, nil, nil, err
	}
	return e.recordOp(ctx, sess, domain.OpCreate, src, dst, ev, mapping, true, ""), nil, mapping, nil
}

// resolveConflict applies spec.md §4.5's decision and writes the winner's
// content onto the loser side, regardless of which direction's pass
// triggered the detection.
func (e *Engine) resolveConflict(
	ctx context.Context, sess *domain.SyncSession, pair *domain.CalendarPair,
	mapping *domain.EventMapping, evA, evB *domain.Event,
) (*domain.SyncOperation, *domain.Conflict, *domain.EventMapping, error) {
	policy := pair.EffectivePolicy(e.cfg.DefaultConflictPolicy)
	decision := conflict.Resolve(evA, evB, policy)

	winner, loser := domain.SourceA, domain.SourceB
	winnerEvent := evA
	var loserAdapter adapters.Adapter = e.b
	loserCalID := calendarIDFor(pair, domain.SourceB)
	if decision.Winner == conflict.WinnerB {
		winner, loser = domain.SourceB, domain.SourceA
		winnerEvent = evB
		loserAdapter = e.a
		loserCalID = calendarIDFor(pair, domain.SourceA)
	}

	updated, err := loserAdapter.UpdateEvent(ctx, loserCalID, withNativeID(winnerEvent, mapping.NativeID(loser)))
	if err != nil {
		if isPairFatal(err) {
			return nil, nil, nil, err
		}
		return e.recordOp(ctx, sess, domain.OpUpdate, winner, loser, winnerEvent, mapping, false, err.Error()), nil, mapping, nil
	}

	setEtagField(mapping, loser, updated.ETag)
	setSequenceField(mapping, loser, updated.Sequence)
	setSequenceField(mapping, winner, winnerEvent.Sequence)
	mapping.ContentHash = domain.ContentHash(winnerEvent)
	now := time.Now().UTC()
	mapping.LastSyncedAt = now
	mapping.UpdatedAt = now
	mapping.LastDirection = winner
	if err := e.store.UpdateMapping(ctx, mapping); err != nil {
		return nil, nil, nil, err
	}

	confRow := &domain.Conflict{
		SessionID:    sess.SessionID,
		MappingID:    mapping.MappingID,
		APayloadHash: domain.ContentHash(evA),
		BPayloadHash: domain.ContentHash(evB),
		Resolution:   decision.Reason,
		Timestamp:    now,
	}
	if err := e.store.RecordConflict(ctx, confRow); err != nil {
		e.logger.Warn().Err(err).Msg("record conflict")
	}

	op := e.recordOp(ctx, sess, domain.OpUpdate, winner, loser, winnerEvent, mapping, true, "")
	return op, confRow, mapping, nil
}

func (e *Engine) recordSkip(
	ctx context.Context, sess *domain.SyncSession, mapping *domain.EventMapping, src, dst domain.Source, ev *domain.Event,
) *domain.SyncOperation {
	return e.recordOp(ctx, sess, domain.OpSkip, src, dst, ev, mapping, true, "")
}

func (e *Engine) recordOp(
	ctx context.Context, sess *domain.SyncSession, kind domain.OperationKind,
	src, dst domain.Source, ev *domain.Event, mapping *domain.EventMapping, success bool, errMsg string,
) *domain.SyncOperation {
	op := &domain.SyncOperation{
		SessionID: sess.SessionID,
		Kind:      kind,
		Source:    src,
		Target:    dst,
		NativeID:  ev.NativeID,
		Summary:   ev.Summary,
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if mapping != nil {
		op.MappingID = &mapping.MappingID
	}
	if err := e.store.RecordOperation(ctx, op); err != nil {
		e.logger.Warn().Err(err).Str("kind", kind.String()).Msg("record operation")
	}
	return op
}

func setNativeAndHref(m *domain.EventMapping, s domain.Source, nativeID string) {
	m.SetNativeID(s, nativeID)
	if s == domain.SourceB {
		href := nativeID
		m.BResourceHref = &href
	}
}

func setUIDField(m *domain.EventMapping, s domain.Source, uid string) {
	if s == domain.SourceA {
		m.AIcalUID = &uid
	} else {
		m.BUID = &uid
	}
}

func setEtagField(m *domain.EventMapping, s domain.Source, etag string) {
	if s == domain.SourceA {
		m.AEtag = &etag
	} else {
		m.BEtag = &etag
	}
}

func setSequenceField(m *domain.EventMapping, s domain.Source, seq int) {
	if s == domain.SourceA {
		m.ASequence = seq
	} else {
		m.BSequence = seq
	}
}

func withNativeID(ev *domain.Event, nativeID string) *domain.Event {
	cp := *ev
	cp.NativeID = nativeID
	return &cp
}

func calendarIDFor(pair *domain.CalendarPair, source domain.Source) string {
	if source == domain.SourceA {
		return pair.ACalendarID
	}
	return pair.BCalendarID
}

func isPairFatal(err error) bool {
	return domain.IsKind(err, domain.ErrAuth) || domain.IsKind(err, domain.ErrFatal)
}
