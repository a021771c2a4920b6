package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/jackc/pgx/v5"
)

// DefaultTable is the JSONB table backing every collection.
const DefaultTable = "documents"

// QueryBuilder translates document store calls into Postgres statements over a
// single (collection, id, data JSONB) table.
type QueryBuilder struct {
	table string
}

// NewQueryBuilder initializes a builder for the given table, or DefaultTable.
func NewQueryBuilder(table string) *QueryBuilder {
	if table == "" {
		table = DefaultTable
	}
	return &QueryBuilder{table: pgx.Identifier{table}.Sanitize()}
}

// BuildSchema returns the DDL creating the documents table if needed.
func (b *QueryBuilder) BuildSchema() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`, b.table)
}

// BuildGet selects one document. forUpdate locks the row for the rest of the transaction.
func (b *QueryBuilder) BuildGet(collection, id string, forUpdate bool) (string, []any) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE collection = $1 AND id = $2", b.table)
	if forUpdate {
		query += " FOR UPDATE"
	}
	return query, []any{collection, id}
}

// BuildUpsert replaces the whole document, creating it if absent.
func (b *QueryBuilder) BuildUpsert(collection, id string, data models.Payload) (string, []any, error) {
	doc, err := json.Marshal(data)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeValidation, "encode document", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, id, data, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, b.table)
	return query, []any{collection, id, string(doc)}, nil
}

// BuildMergeUpdate merges the partial document into an existing one.
// Zero rows affected means the document does not exist.
func (b *QueryBuilder) BuildMergeUpdate(collection, id string, partial models.Payload) (string, []any, error) {
	if partial.IsEmpty() {
		return "", nil, apperrors.Validation("no fields provided for update of %s/%s", collection, id)
	}
	doc, err := json.Marshal(partial)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeValidation, "encode partial document", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET data = data || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2`, b.table)
	return query, []any{collection, id, string(doc)}, nil
}

func (b *QueryBuilder) BuildDelete(collection, id string) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", b.table), []any{collection, id}
}

// BuildSelect generates a filtered, ordered query over one collection.
// Field names and values are always bound as parameters.
func (b *QueryBuilder) BuildSelect(collection string, filters []models.Filter, ordering []models.Ordering, limit int) (string, []any, error) {
	args := []any{collection}
	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"collection = $1"}
	for _, f := range filters {
		if f.Field == "" {
			return "", nil, apperrors.Validation("filter without field")
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, apperrors.Wrap(apperrors.CodeValidation, "encode filter value", err)
		}

		field := param(f.Field)
		switch f.Op {
		case models.FilterEq, models.FilterLt, models.FilterLte, models.FilterGt, models.FilterGte:
			op := string(f.Op)
			if f.Op == models.FilterEq {
				op = "="
			}
			where = append(where, fmt.Sprintf("data->%s %s %s::jsonb", field, op, param(string(value))))
		case models.FilterNeq:
			// Documents missing the field satisfy !=.
			where = append(where, fmt.Sprintf("data->%s IS DISTINCT FROM %s::jsonb", field, param(string(value))))
		default:
			return "", nil, apperrors.Validation("unsupported filter operator %q", f.Op)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, data FROM %s WHERE %s", b.table, strings.Join(where, " AND "))

	orderBy := make([]string, 0, len(ordering)+1)
	for _, o := range ordering {
		if o.Field == "" {
			return "", nil, apperrors.Validation("ordering without field")
		}
		dir := "ASC"
		if o.Descending {
			dir = "DESC"
		}
		orderBy = append(orderBy, fmt.Sprintf("data->%s %s", param(o.Field), dir))
	}
	orderBy = append(orderBy, "id ASC")
	fmt.Fprintf(&sb, " ORDER BY %s", strings.Join(orderBy, ", "))

	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %s", param(limit))
	}
	return sb.String(), args, nil
}
