package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS did_records (
	id           TEXT PRIMARY KEY,
	did          TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL,
	did_document JSONB,
	tags         JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_did_records_role ON did_records(role);

CREATE TABLE IF NOT EXISTS did_record_tags (
	record_id TEXT NOT NULL REFERENCES did_records(id) ON DELETE CASCADE,
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (record_id, name, value)
);
CREATE INDEX IF NOT EXISTS idx_did_record_tags_lookup ON did_record_tags(name, value);
`

// PostgresStorage stores DID records in PostgreSQL, for deployments where
// several resolver instances share one record store.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	config PostgresStorageConfig
}

// NewPostgresStorage creates an unconnected PostgreSQL-backed store.
func NewPostgresStorage(config PostgresStorageConfig) *PostgresStorage {
	return &PostgresStorage{config: config}
}

// Initialize connects the pool and applies the schema.
func (ps *PostgresStorage) Initialize(ctx context.Context, cfg StorageConfig) error {
	if cfg.Postgres.DSN != "" {
		ps.config = cfg.Postgres
	}
	if strings.TrimSpace(ps.config.DSN) == "" {
		return fmt.Errorf("postgres storage dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(ps.config.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	if ps.config.MaxConns > 0 {
		poolCfg.MaxConns = ps.config.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return fmt.Errorf("apply did record schema: %w", err)
	}
	ps.pool = pool
	return nil
}

// Close releases the connection pool.
func (ps *PostgresStorage) Close(ctx context.Context) error {
	if ps.pool != nil {
		ps.pool.Close()
	}
	return nil
}

// SaveDIDRecord inserts a new record. A record for the same DID must not exist.
func (ps *PostgresStorage) SaveDIDRecord(ctx context.Context, record *types.DIDRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareRecord(record); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt

	docJSON, err := marshalDocument(record.DIDDocument)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return fmt.Errorf("encode did record tags: %w", err)
	}

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save did record: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO did_records (`+didRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, record.ID, record.DID, string(record.Role), docJSON, tagsJSON, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert did record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDIDRecordExists, record.DID)
	}
	if err := writePostgresTags(ctx, tx, record.ID, record.Tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit did record: %w", err)
	}
	return nil
}

// FindDIDRecord returns the record for did, or (nil, nil) when absent.
func (ps *PostgresStorage) FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := ps.pool.QueryRow(ctx, `SELECT `+didRecordColumns+` FROM did_records WHERE did = $1`, did)
	return scanPostgresRecord(row)
}

// GetDIDRecord returns the record with the given id.
func (ps *PostgresStorage) GetDIDRecord(ctx context.Context, id string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := ps.pool.QueryRow(ctx, `SELECT `+didRecordColumns+` FROM did_records WHERE id = $1`, id)
	record, err := scanPostgresRecord(row)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	return record, nil
}

// FindDIDRecordsByTag returns every record carrying tag name=value.
func (ps *PostgresStorage) FindDIDRecordsByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := ps.pool.Query(ctx, `
		SELECT `+prefixedColumns("r")+`
		FROM did_records r
		JOIN did_record_tags t ON t.record_id = r.id
		WHERE t.name = $1 AND t.value = $2
		ORDER BY r.created_at ASC, r.id ASC
	`, name, value)
	if err != nil {
		return nil, fmt.Errorf("find did records by tag: %w", err)
	}
	return collectPostgresRecords(rows)
}

// ListDIDRecords returns records matching filters, oldest first.
func (ps *PostgresStorage) ListDIDRecords(ctx context.Context, filters DIDRecordFilters) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	if filters.Role != nil {
		args = append(args, string(*filters.Role))
		conditions = append(conditions, "role = $"+strconv.Itoa(len(args)))
	}
	if filters.Method != nil && strings.TrimSpace(*filters.Method) != "" {
		args = append(args, "did:"+strings.TrimSpace(*filters.Method)+":%")
		conditions = append(conditions, "did LIKE $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + didRecordColumns + ` FROM did_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filters.Limit))
	query += " ORDER BY created_at ASC, id ASC LIMIT $" + strconv.Itoa(len(args))

	rows, err := ps.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list did records: %w", err)
	}
	return collectPostgresRecords(rows)
}

// UpdateDIDRecordTags replaces the custom tags of a record.
func (ps *PostgresStorage) UpdateDIDRecordTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error) {
	record, err := ps.GetDIDRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Tags = tags
	record.Tags = record.MergedTags(didutil.KeyFingerprint)
	record.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode did record tags: %w", err)
	}

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update did record tags: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE did_records SET tags = $1, updated_at = $2 WHERE id = $3`, tagsJSON, record.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("update did record tags: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM did_record_tags WHERE record_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clear did record tags: %w", err)
	}
	if err := writePostgresTags(ctx, tx, id, record.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit did record tags: %w", err)
	}
	return record, nil
}

// DeleteDIDRecord removes a record; its tag rows cascade.
func (ps *PostgresStorage) DeleteDIDRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tag, err := ps.pool.Exec(ctx, `DELETE FROM did_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete did record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	return nil
}

func scanPostgresRecord(row pgx.Row) (*types.DIDRecord, error) {
	var (
		id, did, role        string
		document, tags       []byte
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &did, &role, &document, &tags, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan did record: %w", err)
	}

	record := &types.DIDRecord{
		ID:        id,
		DID:       did,
		Role:      types.DIDDocumentRole(role),
		Tags:      decodeTags(string(tags)),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if len(document) > 0 {
		var doc types.DIDDocument
		if err := json.Unmarshal(document, &doc); err != nil {
			return nil, fmt.Errorf("decode did document for %s: %w", did, err)
		}
		record.DIDDocument = &doc
	}
	return record, nil
}

func collectPostgresRecords(rows pgx.Rows) ([]*types.DIDRecord, error) {
	defer rows.Close()
	results := make([]*types.DIDRecord, 0)
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate did records: %w", err)
	}
	return results, nil
}

func writePostgresTags(ctx context.Context, tx pgx.Tx, recordID string, tags map[string][]string) error {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	batch := &pgx.Batch{}
	for _, name := range names {
		for _, value := range tags[name] {
			batch.Queue(`INSERT INTO did_record_tags (record_id, name, value) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, recordID, name, value)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("index did record tags: %w", err)
	}
	return nil
}

// marshalDocument returns nil for a missing document so the column is NULL.
func marshalDocument(doc *types.DIDDocument) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode did document: %w", err)
	}
	return b, nil
}

// truncate empties both tables. Used by tests sharing a database.
func (ps *PostgresStorage) truncate(ctx context.Context) error {
	_, err := ps.pool.Exec(ctx, `TRUNCATE did_record_tags, did_records`)
	return err
}

var _ DIDRecordStorage = (*PostgresStorage)(nil)
