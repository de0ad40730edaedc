package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

const didRecordColumns = `id, did, role, did_document, tags, created_at, updated_at`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS did_records (
	id           TEXT PRIMARY KEY,
	did          TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL,
	did_document TEXT,
	tags         TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
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

// LocalStorage stores DID records in a local SQLite database.
type LocalStorage struct {
	db     *sql.DB
	config LocalStorageConfig
}

// NewLocalStorage creates an uninitialized SQLite-backed store.
func NewLocalStorage(config LocalStorageConfig) *LocalStorage {
	return &LocalStorage{config: config}
}

// Initialize opens the database and applies the schema.
func (ls *LocalStorage) Initialize(ctx context.Context, cfg StorageConfig) error {
	if cfg.Local.DatabasePath != "" {
		ls.config = cfg.Local
	}
	path := ls.config.DatabasePath
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("local storage database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("apply did record schema: %w", err)
	}
	ls.db = db
	return nil
}

// Close releases the database handle.
func (ls *LocalStorage) Close(ctx context.Context) error {
	if ls.db == nil {
		return nil
	}
	return ls.db.Close()
}

// SaveDIDRecord inserts a new record. A record for the same DID must not exist.
func (ls *LocalStorage) SaveDIDRecord(ctx context.Context, record *types.DIDRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareRecord(record); err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	docJSON, err := encodeDocument(record.DIDDocument)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(record.Tags)
	if err != nil {
		return fmt.Errorf("encode did record tags: %w", err)
	}

	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save did record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM did_records WHERE did = ? OR id = ?`, record.DID, record.ID).Scan(&existing); err != nil {
		return fmt.Errorf("check existing did record: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", ErrDIDRecordExists, record.DID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO did_records (`+didRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.DID, string(record.Role), docJSON, string(tagsJSON), record.CreatedAt, record.UpdatedAt); err != nil {
		return fmt.Errorf("insert did record: %w", err)
	}
	if err := writeTags(ctx, tx, record.ID, record.Tags); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit did record: %w", err)
	}
	return nil
}

// FindDIDRecord returns the record for did, or (nil, nil) when absent.
func (ls *LocalStorage) FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := ls.db.QueryRowContext(ctx, `SELECT `+didRecordColumns+` FROM did_records WHERE did = ?`, did)
	return scanDIDRecord(row)
}

// GetDIDRecord returns the record with the given id.
func (ls *LocalStorage) GetDIDRecord(ctx context.Context, id string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := ls.db.QueryRowContext(ctx, `SELECT `+didRecordColumns+` FROM did_records WHERE id = ?`, id)
	record, err := scanDIDRecord(row)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	return record, nil
}

// FindDIDRecordsByTag returns every record carrying tag name=value.
func (ls *LocalStorage) FindDIDRecordsByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := ls.db.QueryContext(ctx, `
		SELECT `+prefixedColumns("r")+`
		FROM did_records r
		JOIN did_record_tags t ON t.record_id = r.id
		WHERE t.name = ? AND t.value = ?
		ORDER BY r.created_at ASC, r.id ASC
	`, name, value)
	if err != nil {
		return nil, fmt.Errorf("find did records by tag: %w", err)
	}
	defer rows.Close()
	return collectDIDRecords(rows)
}

// ListDIDRecords returns records matching filters, oldest first.
func (ls *LocalStorage) ListDIDRecords(ctx context.Context, filters DIDRecordFilters) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conditions := make([]string, 0)
	args := make([]interface{}, 0)
	if filters.Role != nil {
		conditions = append(conditions, "role = ?")
		args = append(args, string(*filters.Role))
	}
	if filters.Method != nil && strings.TrimSpace(*filters.Method) != "" {
		conditions = append(conditions, "did LIKE ?")
		args = append(args, "did:"+strings.TrimSpace(*filters.Method)+":%")
	}

	query := `SELECT ` + didRecordColumns + ` FROM did_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, normalizeLimit(filters.Limit))

	rows, err := ls.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list did records: %w", err)
	}
	defer rows.Close()
	return collectDIDRecords(rows)
}

// UpdateDIDRecordTags replaces the custom tags of a record. Derived tags
// are recomputed; the document itself is never modified.
func (ls *LocalStorage) UpdateDIDRecordTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error) {
	record, err := ls.GetDIDRecord(ctx, id)
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

	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update did record tags: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE did_records SET tags = ?, updated_at = ? WHERE id = ?`, string(tagsJSON), record.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("update did record tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM did_record_tags WHERE record_id = ?`, id); err != nil {
		return nil, fmt.Errorf("clear did record tags: %w", err)
	}
	if err := writeTags(ctx, tx, id, record.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit did record tags: %w", err)
	}
	return record, nil
}

// DeleteDIDRecord removes a record and its tag index entries.
func (ls *LocalStorage) DeleteDIDRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := ls.db.ExecContext(ctx, `DELETE FROM did_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete did record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	if _, err := ls.db.ExecContext(ctx, `DELETE FROM did_record_tags WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete did record tags: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDIDRecord(row rowScanner) (*types.DIDRecord, error) {
	var (
		id, did, role, tags  string
		document             sql.NullString
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &did, &role, &document, &tags, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan did record: %w", err)
	}

	record := &types.DIDRecord{
		ID:        id,
		DID:       did,
		Role:      types.DIDDocumentRole(role),
		Tags:      decodeTags(tags),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if document.Valid && strings.TrimSpace(document.String) != "" {
		var doc types.DIDDocument
		if err := json.Unmarshal([]byte(document.String), &doc); err != nil {
			return nil, fmt.Errorf("decode did document for %s: %w", did, err)
		}
		record.DIDDocument = &doc
	}
	return record, nil
}

func collectDIDRecords(rows *sql.Rows) ([]*types.DIDRecord, error) {
	results := make([]*types.DIDRecord, 0)
	for rows.Next() {
		record, err := scanDIDRecord(rows)
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

func writeTags(ctx context.Context, tx *sql.Tx, recordID string, tags map[string][]string) error {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range tags[name] {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO did_record_tags (record_id, name, value) VALUES (?, ?, ?)`, recordID, name, value); err != nil {
				return fmt.Errorf("index did record tag %s: %w", name, err)
			}
		}
	}
	return nil
}

func encodeDocument(doc *types.DIDDocument) (sql.NullString, error) {
	if doc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode did document: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTags(raw string) map[string][]string {
	result := make(map[string][]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return map[string][]string{}
	}
	return result
}

func prefixedColumns(alias string) string {
	cols := strings.Split(didRecordColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

var _ DIDRecordStorage = (*LocalStorage)(nil)
