package backplane

import (
	"context"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditRecord is one observed backplane message, stored for compliance
// and debugging, adapted from invalidation/audit.go's AuditLog shape to
// the consolidated Message type.
type AuditRecord struct {
	ID          int64     `json:"id"`
	Kind        Kind      `json:"kind"`
	Key         string    `json:"key,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	InstanceID  string    `json:"instance_id"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	LatencyMs   int64     `json:"latency_ms"`
}

// AuditLogger persists backplane messages to Postgres, append-only, the
// same design as invalidation/audit.go: immutability via no updates or
// deletes (other than scheduled Cleanup), indexed by timestamp.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates the audit table if missing and returns a logger
// bound to db.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("backplane: initializing audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS backplane_audit (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			key TEXT,
			tag TEXT,
			instance_id TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_backplane_audit_timestamp ON backplane_audit(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_backplane_audit_instance ON backplane_audit(instance_id);
		CREATE INDEX IF NOT EXISTS idx_backplane_audit_request_id ON backplane_audit(request_id);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// record is the internal insert path invoked (in a goroutine) by
// EncoreBackplane after a publish or a dispatch, so audit writes never
// block the invalidation critical path.
func (al *AuditLogger) record(ctx context.Context, msg Message, latencyMs int64) {
	_ = al.Insert(ctx, AuditRecord{
		Kind:        msg.Kind,
		Key:         msg.Key,
		Tag:         msg.Tag,
		InstanceID:  msg.InstanceID,
		TriggeredBy: msg.TriggeredBy,
		Timestamp:   msg.Timestamp,
		RequestID:   msg.RequestID,
		LatencyMs:   latencyMs,
	})
}

// Insert adds a new audit record.
func (al *AuditLogger) Insert(ctx context.Context, rec AuditRecord) error {
	query := `
		INSERT INTO backplane_audit (kind, key, tag, instance_id, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`
	_, err := al.db.Exec(ctx, query, rec.Kind, rec.Key, rec.Tag, rec.InstanceID, rec.TriggeredBy, rec.Timestamp, rec.RequestID, rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("backplane: inserting audit record: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit records with pagination.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int) ([]AuditRecord, error) {
	query := `
		SELECT id, kind, key, tag, instance_id, triggered_by, timestamp, request_id, latency_ms
		FROM backplane_audit
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := al.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("backplane: querying audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var key, tag *string
		if err := rows.Scan(&rec.ID, &rec.Kind, &key, &tag, &rec.InstanceID, &rec.TriggeredBy, &rec.Timestamp, &rec.RequestID, &rec.LatencyMs); err != nil {
			return nil, fmt.Errorf("backplane: scanning audit record: %w", err)
		}
		if key != nil {
			rec.Key = *key
		}
		if tag != nil {
			rec.Tag = *tag
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cleanup deletes audit records older than olderThan, returning the
// number of rows removed.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := al.db.Exec(ctx, `DELETE FROM backplane_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("backplane: cleaning up audit records: %w", err)
	}
	return result.RowsAffected(), nil
}
