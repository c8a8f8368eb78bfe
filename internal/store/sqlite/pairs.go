package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jlewiss/calbridge/internal/domain"
)

func (s *Store) CreatePair(ctx context.Context, p *domain.CalendarPair) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var policy *int
		if p.ConflictPolicy != nil {
			v := int(*p.ConflictPolicy)
			policy = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO calendar_pairs (
				pair_id, a_calendar_id, b_calendar_id, a_display_name, b_display_name,
				enabled, direction, conflict_policy, a_sync_token, b_sync_token
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.PairID, p.ACalendarID, p.BCalendarID, p.ADisplayName, p.BDisplayName,
			p.Enabled, int(p.Direction), policy, p.ASyncToken, p.BSyncToken)
		return err
	})
}

func (s *Store) GetPair(ctx context.Context, pairID string) (*domain.CalendarPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, a_calendar_id, b_calendar_id, a_display_name, b_display_name,
		       enabled, direction, conflict_policy, a_sync_token, b_sync_token,
		       a_last_synced_at, b_last_synced_at, created_at, updated_at
		FROM calendar_pairs WHERE pair_id = ?`, pairID)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPairNotFound
	}
	return p, err
}

func (s *Store) ListEnabledPairs(ctx context.Context) ([]*domain.CalendarPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, a_calendar_id, b_calendar_id, a_display_name, b_display_name,
		       enabled, direction, conflict_policy, a_sync_token, b_sync_token,
		       a_last_synced_at, b_last_synced_at, created_at, updated_at
		FROM calendar_pairs WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CalendarPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PairExistsForCalendars(ctx context.Context, aCalendarID, bCalendarID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM calendar_pairs WHERE a_calendar_id = ? OR b_calendar_id = ?
	`, aCalendarID, bCalendarID).Scan(&n)
	return n > 0, err
}

func (s *Store) UpdateTokens(
	ctx context.Context, pairID string, aToken, bToken *string, aSyncedAt, bSyncedAt *time.Time,
) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE calendar_pairs SET
				a_sync_token = COALESCE(?, a_sync_token),
				b_sync_token = COALESCE(?, b_sync_token),
				a_last_synced_at = COALESCE(?, a_last_synced_at),
				b_last_synced_at = COALESCE(?, b_last_synced_at),
				updated_at = CURRENT_TIMESTAMP
			WHERE pair_id = ?
		`, aToken, bToken, aSyncedAt, bSyncedAt, pairID)
		return err
	})
}

// ClearTokens nulls a side's token, the invalidation path of spec.md §4.4
// step 2: a pair whose token was rejected must take a snapshot next pass.
func (s *Store) ClearTokens(ctx context.Context, pairID string, clearA, clearB bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if clearA {
			if _, err := tx.ExecContext(ctx,
				`UPDATE calendar_pairs SET a_sync_token = NULL WHERE pair_id = ?`, pairID); err != nil {
				return err
			}
		}
		if clearB {
			if _, err := tx.ExecContext(ctx,
				`UPDATE calendar_pairs SET b_sync_token = NULL WHERE pair_id = ?`, pairID); err != nil {
				return err
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(row rowScanner) (*domain.CalendarPair, error) {
	var p domain.CalendarPair
	var direction int
	var policy *int
	var aToken, bToken sql.NullString
	var aSyncedAt, bSyncedAt sql.NullTime

	if err := row.Scan(
		&p.PairID, &p.ACalendarID, &p.BCalendarID, &p.ADisplayName, &p.BDisplayName,
		&p.Enabled, &direction, &policy, &aToken, &bToken,
		&aSyncedAt, &bSyncedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Direction = domain.Direction(direction)
	if policy != nil {
		cp := domain.ConflictPolicy(*policy)
		p.ConflictPolicy = &cp
	}
	p.ASyncToken = aToken.String
	p.BSyncToken = bToken.String
	if aSyncedAt.Valid {
		p.ALastSyncedAt = &aSyncedAt.Time
	}
	if bSyncedAt.Valid {
		p.BLastSyncedAt = &bSyncedAt.Time
	}
	return &p, nil
}
