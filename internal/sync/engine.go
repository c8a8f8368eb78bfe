// Package sync implements the bidirectional reconciliation pass of
// spec.md §4.4: one Engine owns both service adapters and the store, and
// runs an independent, mutex-serialized pass per calendar pair. It has no
// direct teacher precedent (a document-search connector never reconciles
// two live services against each other) and is built from spec.md's
// component design, following the teacher's style of small single-purpose
// methods, context-first signatures and early-return error handling
// rather than its content.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/domain"
	"github.com/jlewiss/calbridge/internal/store"
)

// Config holds the engine's tunables, all of which have spec.md-derived
// defaults.
type Config struct {
	// PastDays/FutureDays bound the snapshot window used whenever a side
	// has no armed sync token.
	PastDays   int
	FutureDays int
	// DefaultConflictPolicy applies to any pair that does not set its own
	// ConflictPolicy override.
	DefaultConflictPolicy domain.ConflictPolicy
	// VerificationWindow widens the snapshot probe used to detect a
	// concurrent-write race during token capture (spec.md §4.4 step 7).
	VerificationWindow time.Duration
}

// DefaultConfig returns the engine's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		PastDays:               30,
		FutureDays:             180,
		DefaultConflictPolicy:  domain.PolicyLatestWins,
		VerificationWindow:     5 * time.Minute,
	}
}

// Engine runs reconciliation passes for any number of calendar pairs
// against a single Service A adapter and a single Service B adapter.
type Engine struct {
	store store.Store
	a     adapters.Adapter
	b     adapters.CalDAVAdapter
	cfg   Config
	logger zerolog.Logger

	mu        sync.Mutex
	pairLocks map[string]*sync.Mutex
}

// New builds an Engine ready to run passes.
func New(st store.Store, a adapters.Adapter, b adapters.CalDAVAdapter, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:     st,
		a:         a,
		b:         b,
		cfg:       cfg,
		logger:    logger,
		pairLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing passes for one pair, creating it
// on first use. Per spec.md §5, at most one pass per pair runs at a time;
// passes across distinct pairs have no ordering guarantee.
func (e *Engine) lockFor(pairID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pairLocks[pairID]
	if !ok {
		l = &sync.Mutex{}
		e.pairLocks[pairID] = l
	}
	return l
}

// RunAll runs one pass per enabled pair concurrently. A single pair's
// failure is logged, never propagated, so it cannot block any other
// pair's pass.
func (e *Engine) RunAll(ctx context.Context) error {
	pairs, err := e.store.ListEnabledPairs(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, p := range pairs {
		pairID := p.PairID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.RunPair(ctx, pairID); err != nil {
				e.logger.Error().Err(err).Str("pairId", pairID).Msg("pair pass failed")
			}
		}()
	}
	wg.Wait()
	return nil
}

// RunAllFatal is RunAll's counterpart for callers that must surface fatal
// failures rather than swallow them, per spec.md §6's error exit contract:
// a pass with per-event failures but overall progress is still success, but
// an auth or invariant-violation error aborting a pair's pass entirely must
// be reported. Every enabled pair still runs to completion; the returned
// error joins every pair's fatal failure, if any.
func (e *Engine) RunAllFatal(ctx context.Context) error {
	pairs, err := e.store.ListEnabledPairs(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var errs []error

	var wg sync.WaitGroup
	for _, p := range pairs {
		pairID := p.PairID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.RunPair(ctx, pairID); err != nil {
				e.logger.Error().Err(err).Str("pairId", pairID).Msg("pair pass failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("pair %s: %w", pairID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// RunPair runs a single reconciliation pass for one pair, recording a
// session row regardless of outcome.
func (e *Engine) RunPair(ctx context.Context, pairID string) error {
	lock := e.lockFor(pairID)
	lock.Lock()
	defer lock.Unlock()

	pair, err := e.store.GetPair(ctx, pairID)
	if err != nil {
		return err
	}
	if !pair.Enabled {
		return nil
	}

	logger := e.logger.With().Str("pairId", pairID).Logger()

	sess := &domain.SyncSession{
		PairID:    pairID,
		StartedAt: time.Now().UTC(),
		Status:    domain.SessionRunning,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return err
	}

	ops, conflicts, passErr := e.runPass(ctx, pair, sess)

	status := domain.SessionFailed
	errMsg := ""
	if passErr != nil {
		errMsg = passErr.Error()
	}
	if len(ops) > 0 || passErr == nil {
		status = domain.SessionCompleted
	}
	if ferr := e.store.FinishSession(ctx, sess.SessionID, status, errMsg); ferr != nil {
		logger.Warn().Err(ferr).Msg("finish session")
	}

	logger.Info().
		Int("operations", len(ops)).
		Int("conflicts", len(conflicts)).
		Str("status", status.String()).
		Msg("sync pass complete")

	return passErr
}

// runPass executes spec.md §4.4's eight-step algorithm for one pair.
func (e *Engine) runPass(ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession) ([]*domain.SyncOperation, []*domain.Conflict, error) {
	var ops []*domain.SyncOperation
	var conflicts []*domain.Conflict

	aToken, bToken, err := e.preflightTokens(ctx, pair)
	if err != nil {
		return ops, conflicts, err
	}

	window := e.windowFor(time.Now().UTC())

	aCS, bCS, err := e.fetchChangeSets(ctx, pair, aToken, bToken, window)
	if err != nil {
		return ops, conflicts, err
	}

	if pair.Direction.AllowsAToB() {
		dirOps, dirConflicts, err := e.reconcileDirection(ctx, pair, sess, domain.SourceA, domain.SourceB, e.b, aCS, bCS)
		ops = append(ops, dirOps...)
		conflicts = append(conflicts, dirConflicts...)
		if err != nil {
			return ops, conflicts, err
		}
	}

	if pair.Direction.AllowsBToA() {
		dirOps, dirConflicts, err := e.reconcileDirection(ctx, pair, sess, domain.SourceB, domain.SourceA, e.a, bCS, aCS)
		ops = append(ops, dirOps...)
		conflicts = append(conflicts, dirConflicts...)
		if err != nil {
			return ops, conflicts, err
		}
	}

	delOps, err := e.reconcileDeletions(ctx, pair, sess, aCS, bCS)
	ops = append(ops, delOps...)
	if err != nil {
		return ops, conflicts, err
	}

	if err := e.captureTokens(ctx, pair, sess, aCS, bCS, window, ops); err != nil {
		return ops, conflicts, err
	}

	return ops, conflicts, nil
}

func (e *Engine) windowFor(now time.Time) adapters.Window {
	return adapters.Window{
		Start: now.AddDate(0, 0, -e.cfg.PastDays),
		End:   now.AddDate(0, 0, e.cfg.FutureDays),
	}
}

// preflightTokens implements spec.md §4.4 step 1: load each side's stored
// token for use as this pass's sinceToken, and if a side has none, arm it
// now by acquiring a fresh token. A freshly acquired token is recorded on
// pair but not returned: that side still fetches a window snapshot this
// pass (so it reports no deletions), and step 7 has a non-empty fallback
// to persist if the change set comes back with an empty NextToken.
func (e *Engine) preflightTokens(ctx context.Context, pair *domain.CalendarPair) (adapters.Token, adapters.Token, error) {
	aToken := adapters.Token(pair.ASyncToken)
	if aToken == "" {
		t, err := e.a.GetSyncToken(ctx, pair.ACalendarID)
		if err != nil {
			if isPairFatal(err) {
				return "", "", err
			}
			e.logger.Warn().Err(err).Str("pairId", pair.PairID).Msg("preflight A token acquisition failed")
		} else {
			pair.ASyncToken = string(t)
		}
	}

	bToken := adapters.Token(pair.BSyncToken)
	if bToken == "" {
		t, err := e.b.GetSyncToken(ctx, pair.BCalendarID)
		if err != nil {
			if isPairFatal(err) {
				return "", "", err
			}
			e.logger.Warn().Err(err).Str("pairId", pair.PairID).Msg("preflight B token acquisition failed")
		} else {
			pair.BSyncToken = string(t)
		}
	}

	return aToken, bToken, nil
}

// fetchChangeSets implements spec.md §4.4 step 2: both sides are fetched
// concurrently, since neither depends on the other's result.
func (e *Engine) fetchChangeSets(
	ctx context.Context, pair *domain.CalendarPair, aToken, bToken adapters.Token, window adapters.Window,
) (*adapters.ChangeSet, *adapters.ChangeSet, error) {
	var aCS, bCS *adapters.ChangeSet
	var aErr, bErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aCS, aErr = e.a.GetChangeSet(ctx, pair.ACalendarID, aToken, window)
	}()
	go func() {
		defer wg.Done()
		bCS, bErr = e.b.GetChangeSet(ctx, pair.BCalendarID, bToken, window)
	}()
	wg.Wait()

	if aErr != nil {
		return nil, nil, aErr
	}
	if bErr != nil {
		return nil, nil, bErr
	}

	if aCS.InvalidatedToken {
		if err := e.store.ClearTokens(ctx, pair.PairID, true, false); err != nil {
			return nil, nil, err
		}
		pair.ASyncToken = ""
	}
	if bCS.InvalidatedToken {
		if err := e.store.ClearTokens(ctx, pair.PairID, false, true); err != nil {
			return nil, nil, err
		}
		pair.BSyncToken = ""
	}

	return aCS, bCS, nil
}

// captureTokens implements spec.md §4.4 step 7: re-read each side's
// cursor after reconciliation and persist it, unless that side's cursor
// moved for a reason other than this pass's own writes, in which case an
// external actor raced us and that side's token is cleared instead.
// Token persistence is the atomic last write of a pass.
func (e *Engine) captureTokens(
	ctx context.Context, pair *domain.CalendarPair, sess *domain.SyncSession, aCS, bCS *adapters.ChangeSet, window adapters.Window, ops []*domain.SyncOperation,
) error {
	wroteA, wroteB := wroteToSide(ops)

	observedA, observedB := string(aCS.NextToken), string(bCS.NextToken)

	freshA := observedA
	if t, err := e.a.GetSyncToken(ctx, pair.ACalendarID); err == nil && t != "" {
		freshA = string(t)
	} else if freshA == "" {
		freshA = pair.ASyncToken
	}

	freshB := observedB
	if t, err := e.b.GetSyncToken(ctx, pair.BCalendarID); err == nil && t != "" {
		freshB = string(t)
	} else if freshB == "" {
		freshB = pair.BSyncToken
	}

	// A side's cursor can only move on its own during this pass because we
	// wrote to it; if we wrote nothing there, any movement came from
	// somewhere else. Probe that side specifically before trusting it.
	racyA := freshA != observedA && !wroteA && e.verifyNoRace(ctx, e.a, pair.ACalendarID, window, sess.StartedAt)
	racyB := freshB != observedB && !wroteB && e.verifyNoRace(ctx, e.b, pair.BCalendarID, window, sess.StartedAt)

	if racyA {
		e.logger.Warn().Str("pairId", pair.PairID).Msg("concurrent write detected on A during token capture, clearing A token")
	}
	if racyB {
		e.logger.Warn().Str("pairId", pair.PairID).Msg("concurrent write detected on B during token capture, clearing B token")
	}
	if racyA || racyB {
		if err := e.store.ClearTokens(ctx, pair.PairID, racyA, racyB); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	var aTok, bTok *string
	if !racyA {
		aTok = &freshA
	}
	if !racyB {
		bTok = &freshB
	}
	return e.store.UpdateTokens(ctx, pair.PairID, aTok, bTok, &now, &now)
}

// wroteToSide reports whether this pass made any successful, non-skip
// write to each side, so captureTokens knows whether a cursor's movement
// is self-caused or must be investigated as a possible race.
func wroteToSide(ops []*domain.SyncOperation) (wroteA, wroteB bool) {
	for _, op := range ops {
		if !op.Success || op.Kind == domain.OpSkip {
			continue
		}
		switch op.Target {
		case domain.SourceA:
			wroteA = true
		case domain.SourceB:
			wroteB = true
		}
	}
	return wroteA, wroteB
}

// verifyNoRace re-fetches a snapshot from the adapter over the pass's own
// occurrence window and checks it for any event *created* within this
// pass's processing window, [sessionStart-ε, now+ε]. That is the only
// signal distinguishing "something else wrote here while we were running"
// from "this calendar already has events in it", which a mere liveness
// check (any event present in a multi-month snapshot) cannot: a populated
// calendar would otherwise flag as racy on nearly every pass.
func (e *Engine) verifyNoRace(ctx context.Context, a adapters.Adapter, calendarID string, window adapters.Window, sessionStart time.Time) bool {
	probe, err := a.GetChangeSet(ctx, calendarID, "", window)
	if err != nil {
		return false
	}
	lo := sessionStart.Add(-e.cfg.VerificationWindow)
	hi := time.Now().UTC().Add(e.cfg.VerificationWindow)
	for _, ev := range probe.Changed {
		if !ev.Created.Before(lo) && !ev.Created.After(hi) {
			return true
		}
	}
	return false
}
