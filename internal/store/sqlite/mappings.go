package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/jlewiss/calbridge/internal/domain"
)

func (s *Store) GetMappingByNativeID(
	ctx context.Context, pairID string, source domain.Source, nativeID string,
) (*domain.EventMapping, error) {
	col := "a_native_id"
	if source == domain.SourceB {
		col = "b_native_id"
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM event_mappings WHERE pair_id = ? AND `+col+` = ? AND status != ?
	`, pairID, nativeID, int(domain.MappingDeleted))
	return scanMappingOrNoMapping(row)
}

func (s *Store) GetMappingByCanonicalUID(ctx context.Context, pairID, canonicalUID string) (*domain.EventMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM event_mappings WHERE pair_id = ? AND canonical_uid = ? AND status != ?
	`, pairID, canonicalUID, int(domain.MappingDeleted))
	return scanMappingOrNoMapping(row)
}

func (s *Store) GetMappingByHref(ctx context.Context, pairID, href string) (*domain.EventMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM event_mappings WHERE pair_id = ? AND b_resource_href = ? AND status != ?
	`, pairID, href, int(domain.MappingDeleted))
	return scanMappingOrNoMapping(row)
}

func (s *Store) ListActiveMappings(ctx context.Context, pairID string) ([]*domain.EventMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM event_mappings WHERE pair_id = ? AND status = ?
	`, pairID, int(domain.MappingActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateMapping(ctx context.Context, m *domain.EventMapping) error {
	if m.MappingID == "" {
		m.MappingID = uuid.NewString()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_mappings (
				mapping_id, pair_id, a_native_id, b_native_id, a_ical_uid, b_uid,
				canonical_uid, b_resource_href, a_self_link, a_etag, b_etag,
				a_sequence, b_sequence, content_hash, status, last_direction
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.MappingID, m.PairID, m.ANativeID, m.BNativeID, m.AIcalUID, m.BUID,
			m.CanonicalUID, m.BResourceHref, m.ASelfLink, m.AEtag, m.BEtag,
			m.ASequence, m.BSequence, m.ContentHash, int(m.Status), int(m.LastDirection))
		return err
	})
}

func (s *Store) UpdateMapping(ctx context.Context, m *domain.EventMapping) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE event_mappings SET
				a_native_id = ?, b_native_id = ?, a_ical_uid = ?, b_uid = ?,
				canonical_uid = ?, b_resource_href = ?, a_self_link = ?,
				a_etag = ?, b_etag = ?, a_sequence = ?, b_sequence = ?,
				content_hash = ?, status = ?, last_direction = ?,
				updated_at = CURRENT_TIMESTAMP, last_synced_at = CURRENT_TIMESTAMP
			WHERE mapping_id = ?
		`, m.ANativeID, m.BNativeID, m.AIcalUID, m.BUID,
			m.CanonicalUID, m.BResourceHref, m.ASelfLink,
			m.AEtag, m.BEtag, m.ASequence, m.BSequence,
			m.ContentHash, int(m.Status), int(m.LastDirection), m.MappingID)
		return err
	})
}

func (s *Store) MarkMappingDeleted(ctx context.Context, mappingID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE event_mappings SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE mapping_id = ?
		`, int(domain.MappingDeleted), mappingID)
		return err
	})
}

const mappingColumns = `
	mapping_id, pair_id, a_native_id, b_native_id, a_ical_uid, b_uid,
	canonical_uid, b_resource_href, a_self_link, a_etag, b_etag,
	a_sequence, b_sequence, content_hash, status, last_direction,
	created_at, updated_at, last_synced_at`

func scanMapping(row rowScanner) (*domain.EventMapping, error) {
	var m domain.EventMapping
	var status, lastDirection int
	if err := row.Scan(
		&m.MappingID, &m.PairID, &m.ANativeID, &m.BNativeID, &m.AIcalUID, &m.BUID,
		&m.CanonicalUID, &m.BResourceHref, &m.ASelfLink, &m.AEtag, &m.BEtag,
		&m.ASequence, &m.BSequence, &m.ContentHash, &status, &lastDirection,
		&m.CreatedAt, &m.UpdatedAt, &m.LastSyncedAt,
	); err != nil {
		return nil, err
	}
	m.Status = domain.MappingStatus(status)
	m.LastDirection = domain.Source(lastDirection)
	return &m, nil
}

func scanMappingOrNoMapping(row rowScanner) (*domain.EventMapping, error) {
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoMapping
	}
	return m, err
}
