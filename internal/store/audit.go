package store

import (
	"context"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// AppendAuditLog inserts one append-only audit row.
func (s *DB) AppendAuditLog(ctx context.Context, e *core.AuditLog) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity_type, entity_id, changes, source_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		e.ActorID, e.Action, e.EntityType, e.EntityID, e.Changes, e.SourceIP, e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return core.Wrap(core.KindInternal, "append audit log", err)
	}
	return nil
}

// ListAuditLogsForEntity returns the audit trail for one entity,
// oldest first.
func (s *DB) ListAuditLogsForEntity(ctx context.Context, entityType, entityID string) ([]core.AuditLog, error) {
	var logs []core.AuditLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM audit_logs WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at, id`,
		entityType, entityID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list audit logs", err)
	}
	if logs == nil {
		logs = []core.AuditLog{}
	}
	return logs, nil
}
