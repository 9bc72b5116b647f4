package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLBackend stores documents in a single table with indexed tenant and ref
// columns. The SQL is kept to the dialect shared by Postgres (lib/pq) and
// SQLite (modernc.org/sqlite), both of which accept $n placeholders and
// ON CONFLICT upserts.
type SQLBackend struct {
	db *sql.DB
}

// sqlTimeLayout is fixed-width so lexicographic ORDER BY on the TEXT column
// matches chronological order.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// NewSQLBackend runs the schema migration and returns the backend. Migration
// failure is fatal for the caller; a half-migrated store must not serve.
func NewSQLBackend(db *sql.DB) (*SQLBackend, error) {
	b := &SQLBackend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return b, nil
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS oars_records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			ref        TEXT NOT NULL DEFAULT '',
			doc        TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oars_records_tenant
			ON oars_records (collection, tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_oars_records_ref
			ON oars_records (collection, tenant_id, ref)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) put(ctx context.Context, rec docRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO oars_records (collection, id, tenant_id, ref, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (collection, id) DO UPDATE
		SET tenant_id = excluded.tenant_id,
		    ref = excluded.ref,
		    doc = excluded.doc,
		    updated_at = excluded.updated_at`,
		rec.Collection, rec.ID, rec.TenantID, rec.Ref, string(rec.Doc),
		rec.CreatedAt.UTC().Format(sqlTimeLayout),
		rec.UpdatedAt.UTC().Format(sqlTimeLayout))
	if err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (b *SQLBackend) get(ctx context.Context, collection, id string) (*docRecord, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, ref, doc, created_at, updated_at
		FROM oars_records WHERE collection = $1 AND id = $2`,
		collection, id)
	rec, err := scanRecord(collection, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

func (b *SQLBackend) list(ctx context.Context, collection, tenantID, ref string) ([]docRecord, error) {
	query := `SELECT id, tenant_id, ref, doc, created_at, updated_at
		FROM oars_records WHERE collection = $1`
	args := []any{collection}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if ref != "" {
		args = append(args, ref)
		query += fmt.Sprintf(" AND ref = $%d", len(args))
	}
	query += " ORDER BY created_at, id"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []docRecord
	for rows.Next() {
		rec, err := scanRecord(collection, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", collection, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", collection, err)
	}
	return out, nil
}

func (b *SQLBackend) delete(ctx context.Context, collection, id string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM oars_records WHERE collection = $1 AND id = $2`,
		collection, id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func scanRecord(collection string, scan func(...any) error) (*docRecord, error) {
	var (
		rec       docRecord
		doc       string
		createdAt string
		updatedAt string
	)
	if err := scan(&rec.ID, &rec.TenantID, &rec.Ref, &doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Collection = collection
	rec.Doc = []byte(doc)
	var err error
	if rec.CreatedAt, err = time.Parse(sqlTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if rec.UpdatedAt, err = time.Parse(sqlTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &rec, nil
}
