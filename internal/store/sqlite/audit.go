package sqlite

import (
	"context"

	"github.com/google/uuid"

	"github.com/jlewiss/calbridge/internal/domain"
)

func (s *Store) CreateSession(ctx context.Context, sess *domain.SyncSession) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (session_id, pair_id, status) VALUES (?, ?, ?)
	`, sess.SessionID, sess.PairID, int(domain.SessionRunning))
	return err
}

func (s *Store) FinishSession(ctx context.Context, sessionID string, status domain.SessionStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET status = ?, error = ?, ended_at = CURRENT_TIMESTAMP WHERE session_id = ?
	`, int(status), errMsg, sessionID)
	return err
}

func (s *Store) RecordOperation(ctx context.Context, op *domain.SyncOperation) error {
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (
			operation_id, session_id, mapping_id, kind, source, target, native_id, summary, success, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.OperationID, op.SessionID, op.MappingID, int(op.Kind), int(op.Source), int(op.Target),
		op.NativeID, op.Summary, op.Success, op.Error)
	return err
}

func (s *Store) RecordConflict(ctx context.Context, c *domain.Conflict) error {
	if c.ConflictID == "" {
		c.ConflictID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (
			conflict_id, session_id, mapping_id, a_payload_hash, b_payload_hash, resolution
		) VALUES (?, ?, ?, ?, ?, ?)
	`, c.ConflictID, c.SessionID, c.MappingID, c.APayloadHash, c.BPayloadHash, c.Resolution)
	return err
}

// CountConflictsForMapping is a read-back helper for diagnostics and
// tests; it is not part of the store.Store contract since the engine
// itself never needs to query conflicts it just wrote.
func (s *Store) CountConflictsForMapping(ctx context.Context, mappingID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conflicts WHERE mapping_id = ?`, mappingID).Scan(&n)
	return n, err
}
