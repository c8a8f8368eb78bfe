// Package store defines the persistence contract for calendar pairs, event
// mappings, and sync audit rows (spec.md §3/§6). It is grounded on
// sonroyaalmerol-ldap-dav's internal/storage package: a small interface the
// engine depends on, with a single concrete sqlite implementation.
package store

import (
	"context"
	"time"

	"github.com/jlewiss/calbridge/internal/domain"
)

// Store is the full persistence surface the engine and pair manager use.
// There is a single concrete implementation (sqlite), but the interface
// keeps the engine's package free of database/sql and makes the seed test
// scenarios of spec.md §8 easy to drive against a temp-file store.
type Store interface {
	Close() error

	CreatePair(ctx context.Context, p *domain.CalendarPair) error
	GetPair(ctx context.Context, pairID string) (*domain.CalendarPair, error)
	ListEnabledPairs(ctx context.Context) ([]*domain.CalendarPair, error)
	PairExistsForCalendars(ctx context.Context, aCalendarID, bCalendarID string) (bool, error)
	// UpdateTokens is the atomic, last write of a pass (spec.md §5): tokens
	// and lastSyncedAt move together or not at all.
	UpdateTokens(ctx context.Context, pairID string, aToken, bToken *string, aSyncedAt, bSyncedAt *time.Time) error
	ClearTokens(ctx context.Context, pairID string, clearA, clearB bool) error

	GetMappingByNativeID(ctx context.Context, pairID string, source domain.Source, nativeID string) (*domain.EventMapping, error)
	GetMappingByCanonicalUID(ctx context.Context, pairID, canonicalUID string) (*domain.EventMapping, error)
	GetMappingByHref(ctx context.Context, pairID, href string) (*domain.EventMapping, error)
	CreateMapping(ctx context.Context, m *domain.EventMapping) error
	UpdateMapping(ctx context.Context, m *domain.EventMapping) error
	MarkMappingDeleted(ctx context.Context, mappingID string) error
	ListActiveMappings(ctx context.Context, pairID string) ([]*domain.EventMapping, error)

	CreateSession(ctx context.Context, s *domain.SyncSession) error
	FinishSession(ctx context.Context, sessionID string, status domain.SessionStatus, errMsg string) error
	RecordOperation(ctx context.Context, op *domain.SyncOperation) error
	RecordConflict(ctx context.Context, c *domain.Conflict) error
}
