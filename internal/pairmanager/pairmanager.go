// Package pairmanager discovers calendars on both services and
// materializes CalendarPair rows per spec.md §4.6's matching cascade. It
// has no direct teacher precedent as a component (the teacher registers
// connector *types*, not live instances), but is written in the teacher's
// table-driven, single-purpose-method style (see
// internal/core/services/connector_registry.go's register* methods).
package pairmanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jlewiss/calbridge/internal/adapters"
	"github.com/jlewiss/calbridge/internal/domain"
	"github.com/jlewiss/calbridge/internal/store"
)

// ExplicitPair is one operator-configured pairing, identified by calendar
// id when known, else by display name (spec.md §4.6: "by id, then by
// case-insensitive name").
type ExplicitPair struct {
	ACalendarID string
	BCalendarID string
	AName       string
	BName       string
	Direction   domain.Direction
}

// Config controls which optional stages of the matching cascade run.
type Config struct {
	ExplicitPairs []ExplicitPair
	// EnableSimilarityMatch turns on stage (c): substring-similarity
	// matching for names that don't match exactly.
	EnableSimilarityMatch bool
	SimilarityThreshold   float64
	// AutoCreateCalendars turns on stage (d): mapping leftover B
	// calendars to A's primary calendar.
	AutoCreateCalendars bool
}

// DefaultConfig returns a Config with only the mandatory stages enabled.
func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.8}
}

// Manager runs calendar discovery and matching against a store and the
// two service adapters.
type Manager struct {
	store  store.Store
	a      adapters.Adapter
	b      adapters.Adapter
	cfg    Config
	logger zerolog.Logger
}

func New(st store.Store, a, b adapters.Adapter, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{store: st, a: a, b: b, cfg: cfg, logger: logger}
}

// MatchResult reports the outcome of one Sync call for diagnostics.
type MatchResult struct {
	Created       []*domain.CalendarPair
	UnmatchedA    []adapters.CalendarInfo
	UnmatchedB    []adapters.CalendarInfo
}

// Sync discovers calendars on both services in parallel, applies the
// matching cascade of spec.md §4.6 to whatever isn't already paired, and
// creates a pair row (tokens null) for every new match.
func (m *Manager) Sync(ctx context.Context) (*MatchResult, error) {
	aCals, bCals, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}

	usedA := make(map[string]bool)
	usedB := make(map[string]bool)

	type match struct {
		a, b      adapters.CalendarInfo
		direction domain.Direction
	}
	var matches []match

	// (a) explicit configured pairs, resolved by id then by name.
	for _, ep := range m.cfg.ExplicitPairs {
		a := findCalendar(aCals, ep.ACalendarID, ep.AName, usedA)
		b := findCalendar(bCals, ep.BCalendarID, ep.BName, usedB)
		if a == nil || b == nil {
			m.logger.Warn().
				Str("aCalendarId", ep.ACalendarID).Str("aName", ep.AName).
				Str("bCalendarId", ep.BCalendarID).Str("bName", ep.BName).
				Msg("explicit pair could not be resolved on both sides")
			continue
		}
		usedA[a.ID] = true
		usedB[b.ID] = true
		matches = append(matches, match{*a, *b, ep.Direction})
	}

	remainingA := remaining(aCals, usedA)
	remainingB := remaining(bCals, usedB)

	// (b) exact case-insensitive name match.
	for _, ac := range remainingA {
		if usedA[ac.ID] {
			continue
		}
		for _, bc := range remainingB {
			if usedB[bc.ID] {
				continue
			}
			if strings.EqualFold(ac.DisplayName, bc.DisplayName) {
				usedA[ac.ID] = true
				usedB[bc.ID] = true
				matches = append(matches, match{ac, bc, domain.DirectionBidirectional})
				m.logger.Info().Str("name", ac.DisplayName).Msg("matched calendars by exact name")
				break
			}
		}
	}

	// (c) optional substring-similarity match.
	if m.cfg.EnableSimilarityMatch {
		remainingA = remaining(aCals, usedA)
		remainingB = remaining(bCals, usedB)
		for _, ac := range remainingA {
			if usedA[ac.ID] {
				continue
			}
			best, bestScore := bestSimilarMatch(ac.DisplayName, remainingB, usedB, m.cfg.SimilarityThreshold)
			if best != nil {
				usedA[ac.ID] = true
				usedB[best.ID] = true
				matches = append(matches, match{ac, *best, domain.DirectionBidirectional})
				m.logger.Info().
					Str("aName", ac.DisplayName).Str("bName", best.DisplayName).
					Float64("score", bestScore).
					Msg("matched calendars by name similarity")
			}
		}
	}

	// (d) optional fallback: leftover B calendars map to A's primary.
	if m.cfg.AutoCreateCalendars {
		remainingB = remaining(bCals, usedB)
		if len(remainingB) > 0 {
			if primary := findPrimary(aCals); primary != nil {
				for _, bc := range remainingB {
					usedB[bc.ID] = true
					matches = append(matches, match{*primary, bc, domain.DirectionBidirectional})
					m.logger.Info().Str("bName", bc.DisplayName).Msg("mapped leftover calendar to primary")
				}
			}
		}
	}

	existing, err := m.store.ListEnabledPairs(ctx)
	if err != nil {
		return nil, err
	}
	paired := make(map[[2]string]bool, len(existing))
	for _, p := range existing {
		paired[[2]string{p.ACalendarID, p.BCalendarID}] = true
	}

	result := &MatchResult{}
	for _, mt := range matches {
		if paired[[2]string{mt.a.ID, mt.b.ID}] {
			continue // this exact pair was created by an earlier run
		}
		exists, err := m.store.PairExistsForCalendars(ctx, mt.a.ID, mt.b.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			// One of the calendar ids already belongs to a different pair;
			// spec.md §4.6 rejects a duplicate rather than silently merging.
			return nil, fmt.Errorf("%w: %s / %s", domain.ErrDuplicatePair, mt.a.ID, mt.b.ID)
		}

		pair := &domain.CalendarPair{
			PairID:       uuid.NewString(),
			ACalendarID:  mt.a.ID,
			BCalendarID:  mt.b.ID,
			ADisplayName: mt.a.DisplayName,
			BDisplayName: mt.b.DisplayName,
			Enabled:      true,
			Direction:    mt.direction,
			// ASyncToken/BSyncToken left empty: unarmed until the first
			// pass (spec.md §4.6).
		}
		if err := m.store.CreatePair(ctx, pair); err != nil {
			return nil, err
		}
		result.Created = append(result.Created, pair)
	}

	result.UnmatchedA = remaining(aCals, usedA)
	result.UnmatchedB = remaining(bCals, usedB)
	return result, nil
}

func (m *Manager) discover(ctx context.Context) ([]adapters.CalendarInfo, []adapters.CalendarInfo, error) {
	var aCals, bCals []adapters.CalendarInfo
	var aErr, bErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aCals, aErr = m.a.ListCalendars(ctx)
	}()
	go func() {
		defer wg.Done()
		bCals, bErr = m.b.ListCalendars(ctx)
	}()
	wg.Wait()

	if aErr != nil {
		return nil, nil, aErr
	}
	if bErr != nil {
		return nil, nil, bErr
	}
	return aCals, bCals, nil
}

func findCalendar(cals []adapters.CalendarInfo, id, name string, used map[string]bool) *adapters.CalendarInfo {
	if id != "" {
		for i := range cals {
			if cals[i].ID == id && !used[cals[i].ID] {
				return &cals[i]
			}
		}
	}
	if name != "" {
		for i := range cals {
			if strings.EqualFold(cals[i].DisplayName, name) && !used[cals[i].ID] {
				return &cals[i]
			}
		}
	}
	return nil
}

func remaining(cals []adapters.CalendarInfo, used map[string]bool) []adapters.CalendarInfo {
	out := make([]adapters.CalendarInfo, 0, len(cals))
	for _, c := range cals {
		if !used[c.ID] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func findPrimary(cals []adapters.CalendarInfo) *adapters.CalendarInfo {
	for i := range cals {
		if cals[i].Primary {
			return &cals[i]
		}
	}
	return nil
}

// bestSimilarMatch implements spec.md §4.6 stage (c): substring
// containment scored by the ratio of the shorter name to the longer one,
// matching only when the score clears the threshold. This is the same
// scoring original_source/calendar_manager.py's _find_best_name_match
// uses; no corpus library implements edit-distance similarity, and this
// containment-ratio approach is what the system being rebuilt already
// relied on.
func bestSimilarMatch(target string, candidates []adapters.CalendarInfo, used map[string]bool, threshold float64) (*adapters.CalendarInfo, float64) {
	targetLower := strings.ToLower(target)

	var best *adapters.CalendarInfo
	var bestScore float64
	for i := range candidates {
		c := candidates[i]
		if used[c.ID] {
			continue
		}
		candLower := strings.ToLower(c.DisplayName)
		if !strings.Contains(candLower, targetLower) && !strings.Contains(targetLower, candLower) {
			continue
		}
		longer, shorter := len(targetLower), len(candLower)
		if shorter > longer {
			longer, shorter = shorter, longer
		}
		if longer == 0 {
			continue
		}
		score := float64(shorter) / float64(longer)
		if score >= threshold && score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}
	return best, bestScore
}
