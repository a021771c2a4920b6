package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/mapper"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDocumentStore is the remote store adapter backed by a JSONB table.
type PostgresDocumentStore struct {
	pool    *pgxpool.Pool
	builder *mapper.QueryBuilder
}

var _ remote.Store = (*PostgresDocumentStore)(nil)

func NewPostgresDocumentStore(ctx context.Context, connString string) (*PostgresDocumentStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "invalid postgres connection string", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, classify(fmt.Errorf("create postgres pool: %w", err))
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, classify(fmt.Errorf("postgres not responding: %w", err))
	}

	s := &PostgresDocumentStore{pool: p, builder: mapper.NewQueryBuilder("")}
	if _, err := p.Exec(ctx, s.builder.BuildSchema()); err != nil {
		p.Close()
		return nil, classify(fmt.Errorf("create documents table: %w", err))
	}
	return s, nil
}

// querier is the subset shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresDocumentStore) Get(ctx context.Context, collection, id string) (models.Snapshot, error) {
	return pgGet(ctx, s.pool, s.builder, collection, id, false)
}

func (s *PostgresDocumentStore) Set(ctx context.Context, collection, id string, data models.Payload) error {
	return pgSet(ctx, s.pool, s.builder, collection, id, data)
}

func (s *PostgresDocumentStore) Update(ctx context.Context, collection, id string, partial models.Payload) error {
	return pgUpdate(ctx, s.pool, s.builder, collection, id, partial)
}

func (s *PostgresDocumentStore) Delete(ctx context.Context, collection, id string) error {
	return pgDel(ctx, s.pool, s.builder, collection, id)
}

// RunTransaction runs fn in a serializable transaction. Reads inside fn lock
// their rows, so a read-modify-write sequence is atomic per document.
func (s *PostgresDocumentStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, builder: s.builder}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresDocumentStore) Query(ctx context.Context, collection string, filters []models.Filter, ordering []models.Ordering, limit int) ([]models.Snapshot, error) {
	query, args, err := s.builder.BuildSelect(collection, filters, ordering, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s: %w", collection, err))
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classify(fmt.Errorf("scan %s: %w", collection, err))
		}
		data, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Snapshot{Collection: collection, ID: id, Data: data, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *PostgresDocumentStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	tx      pgx.Tx
	builder *mapper.QueryBuilder
}

func (t *pgTx) Get(ctx context.Context, collection, id string) (models.Snapshot, error) {
	return pgGet(ctx, t.tx, t.builder, collection, id, true)
}

func (t *pgTx) Set(ctx context.Context, collection, id string, data models.Payload) error {
	return pgSet(ctx, t.tx, t.builder, collection, id, data)
}

func (t *pgTx) Update(ctx context.Context, collection, id string, partial models.Payload) error {
	return pgUpdate(ctx, t.tx, t.builder, collection, id, partial)
}

func (t *pgTx) Delete(ctx context.Context, collection, id string) error {
	return pgDel(ctx, t.tx, t.builder, collection, id)
}

func pgGet(ctx context.Context, q querier, b *mapper.QueryBuilder, collection, id string, forUpdate bool) (models.Snapshot, error) {
	query, args := b.BuildGet(collection, id, forUpdate)

	var raw []byte
	if err := q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snapshot{Collection: collection, ID: id}, apperrors.NotFound("%s/%s not found", collection, id)
		}
		return models.Snapshot{}, classify(fmt.Errorf("get %s/%s: %w", collection, id, err))
	}

	data, err := decodeDocument(raw)
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Collection: collection, ID: id, Data: data, Exists: true}, nil
}

func pgSet(ctx context.Context, q querier, b *mapper.QueryBuilder, collection, id string, data models.Payload) error {
	query, args, err := b.BuildUpsert(collection, id, data)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("set %s/%s: %w", collection, id, err))
	}
	return nil
}

func pgUpdate(ctx context.Context, q querier, b *mapper.QueryBuilder, collection, id string, partial models.Payload) error {
	query, args, err := b.BuildMergeUpdate(collection, id, partial)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("update %s/%s: %w", collection, id, err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("%s/%s not found", collection, id)
	}
	return nil
}

func pgDel(ctx context.Context, q querier, b *mapper.QueryBuilder, collection, id string) error {
	query, args := b.BuildDelete(collection, id)
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("delete %s/%s: %w", collection, id, err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("%s/%s not found", collection, id)
	}
	return nil
}

func decodeDocument(raw []byte) (models.Payload, error) {
	var p models.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Payload{}, apperrors.Wrap(apperrors.CodeStorage, "decode document", err)
	}
	return p, nil
}

// classify maps driver errors onto the error taxonomy so the queue can decide
// between retry and terminal failure.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return apperrors.Wrap(apperrors.CodeTransient, "remote store contention", err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return apperrors.Wrap(apperrors.CodeNetwork, "remote store connection lost", err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return apperrors.Wrap(apperrors.CodeValidation, "remote store rejected document", err)
		default:
			return apperrors.Wrap(apperrors.CodeStorage, "remote store error", err)
		}
	}

	var netErr net.Error
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &netErr) {
		return apperrors.Wrap(apperrors.CodeNetwork, "remote store unreachable", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeNetwork, "remote store timeout", err)
	}
	return apperrors.Wrap(apperrors.CodeStorage, "remote store error", err)
}
