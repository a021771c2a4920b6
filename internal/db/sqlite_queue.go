package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	_ "modernc.org/sqlite"
)

// migrations are applied in order; the index of the last applied one is kept in schema_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_operations (
		operation_id        TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		device_id           TEXT NOT NULL,
		operation_type      TEXT NOT NULL,
		entity_type         TEXT NOT NULL,
		entity_id           TEXT NOT NULL DEFAULT '',
		data                TEXT,
		previous_version    TEXT,
		conflict_resolution TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		attempts            INTEGER NOT NULL DEFAULT 0,
		max_attempts        INTEGER NOT NULL,
		priority            INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		last_attempt_time   INTEGER,
		next_attempt_time   INTEGER,
		completed_at        INTEGER,
		error               TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_operations_dispatch
		ON sync_operations(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_sync_operations_entity
		ON sync_operations(entity_type, entity_id);`,
	`ALTER TABLE sync_operations ADD COLUMN conflict_type TEXT NOT NULL DEFAULT '';`,
}

const operationColumns = `operation_id, user_id, device_id, operation_type, entity_type, entity_id,
	data, previous_version, conflict_resolution, status, attempts, max_attempts, priority,
	created_at, updated_at, last_attempt_time, next_attempt_time, completed_at, error, conflict_type`

// SQLiteOperationStore persists the operation queue in a local SQLite file so
// pending mutations survive restarts.
type SQLiteOperationStore struct {
	db *sql.DB
}

func OpenSQLiteOperationStore(ctx context.Context, path string) (*SQLiteOperationStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteOperationStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteOperationStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLiteOperationStore) Close() error {
	return s.db.Close()
}

// Save inserts or fully replaces an operation.
func (s *SQLiteOperationStore) Save(ctx context.Context, op *models.SyncOperation) error {
	data, err := marshalPayload(op.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "marshal data", err)
	}
	prev, err := marshalPayload(op.PreviousVersion)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "marshal previous version", err)
	}
	var opErr sql.NullString
	if op.Error != nil {
		b, err := json.Marshal(op.Error)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "marshal error", err)
		}
		opErr = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO UPDATE SET
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			operation_type = excluded.operation_type,
			entity_type = excluded.entity_type,
			entity_id = excluded.entity_id,
			data = excluded.data,
			previous_version = excluded.previous_version,
			conflict_resolution = excluded.conflict_resolution,
			status = excluded.status,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			priority = excluded.priority,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_attempt_time = excluded.last_attempt_time,
			next_attempt_time = excluded.next_attempt_time,
			completed_at = excluded.completed_at,
			error = excluded.error,
			conflict_type = excluded.conflict_type
	`,
		op.OperationID, op.UserID, op.DeviceID, string(op.OperationType), string(op.EntityType), op.EntityID,
		data, prev, string(op.ConflictResolution), string(op.Status), op.Attempts, op.MaxAttempts, op.Priority,
		op.CreatedAt.UnixNano(), op.UpdatedAt.UnixNano(),
		nullTime(op.LastAttemptTime), nullTime(op.NextAttemptTime), nullTime(op.CompletedAt),
		opErr, op.ConflictType,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "save operation", err)
	}
	return nil
}

func (s *SQLiteOperationStore) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM sync_operations WHERE operation_id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("operation %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "get operation", err)
	}
	return op, nil
}

func (s *SQLiteOperationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE operation_id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "delete operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("operation %s not found", id)
	}
	return nil
}

// ListByStatus returns operations in dispatch order. An empty userID matches every user.
func (s *SQLiteOperationStore) ListByStatus(ctx context.Context, userID string, statuses ...models.OperationStatus) ([]*models.SyncOperation, error) {
	var where []string
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}

	query := `SELECT ` + operationColumns + ` FROM sync_operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"

	return s.query(ctx, query, args...)
}

func (s *SQLiteOperationStore) ListForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncOperation, error) {
	return s.query(ctx, `SELECT `+operationColumns+` FROM sync_operations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC`, string(entityType), entityID)
}

// PromoteDue moves retrying operations whose backoff elapsed back to pending.
func (s *SQLiteOperationStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = ?, updated_at = ?
		WHERE status = ? AND (next_attempt_time IS NULL OR next_attempt_time <= ?)
	`, string(models.StatusPending), now.UnixNano(), string(models.StatusRetrying), now.UnixNano())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "promote due operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetStale returns operations left inProgress by a crashed process to pending.
func (s *SQLiteOperationStore) ResetStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = ?, updated_at = ? WHERE status = ?
	`, string(models.StatusPending), now.UnixNano(), string(models.StatusInProgress))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "reset stale operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteOperationStore) PurgeCompleted(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_operations WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
	`, string(models.StatusCompleted), before.UnixNano())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "purge completed operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteOperationStore) Counts(ctx context.Context, userID string) (map[models.OperationStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM sync_operations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "count operations", err)
	}
	defer rows.Close()

	out := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorage, "scan count", err)
		}
		out[models.OperationStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteOperationStore) query(ctx context.Context, query string, args ...any) ([]*models.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "query operations", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorage, "scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "iterate operations", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*models.SyncOperation, error) {
	var (
		op                                     models.SyncOperation
		opType, entityType, resolution, status string
		data, prev, opErr                      sql.NullString
		createdAt, updatedAt                   int64
		lastAttempt, nextAttempt, completedAt  sql.NullInt64
	)
	err := row.Scan(
		&op.OperationID, &op.UserID, &op.DeviceID, &opType, &entityType, &op.EntityID,
		&data, &prev, &resolution, &status, &op.Attempts, &op.MaxAttempts, &op.Priority,
		&createdAt, &updatedAt, &lastAttempt, &nextAttempt, &completedAt, &opErr, &op.ConflictType,
	)
	if err != nil {
		return nil, err
	}

	op.OperationType = models.OperationType(opType)
	op.EntityType = models.EntityType(entityType)
	op.ConflictResolution = models.ConflictResolution(resolution)
	op.Status = models.OperationStatus(status)
	op.CreatedAt = time.Unix(0, createdAt)
	op.UpdatedAt = time.Unix(0, updatedAt)
	op.LastAttemptTime = timeFromNull(lastAttempt)
	op.NextAttemptTime = timeFromNull(nextAttempt)
	op.CompletedAt = timeFromNull(completedAt)

	if op.Data, err = unmarshalPayload(data); err != nil {
		return nil, fmt.Errorf("decode data of %s: %w", op.OperationID, err)
	}
	if op.PreviousVersion, err = unmarshalPayload(prev); err != nil {
		return nil, fmt.Errorf("decode previous version of %s: %w", op.OperationID, err)
	}
	if opErr.Valid {
		var e models.OperationError
		if err := json.Unmarshal([]byte(opErr.String), &e); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", op.OperationID, err)
		}
		op.Error = &e
	}
	return &op, nil
}

func marshalPayload(p *models.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalPayload(s sql.NullString) (*models.Payload, error) {
	if !s.Valid {
		return nil, nil
	}
	var p models.Payload
	if err := p.UnmarshalJSON([]byte(s.String)); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
