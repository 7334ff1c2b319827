package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore persists only the latest accepted schema snapshot per form.
// Schema history is out of scope: a newer version simply replaces the row,
// and the version guard in the UPDATE keeps replication races from ever
// writing an older snapshot over a newer one.
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveSchemaSnapshot(ctx context.Context, formID string, version uint64, schema []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO form_schema_snapshots (form_id, version, schema_json)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			schema_json = IF(VALUES(version) > version, VALUES(schema_json), schema_json),
			version = IF(VALUES(version) > version, VALUES(version), version)`,
		formID,
		version,
		schema,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("save schema snapshot form=%s version=%d: %w", formID, version, err)
	}
	return nil
}

// LoadSchemaSnapshot returns the stored schema and version for a form, or
// sql.ErrNoRows when the form has never been persisted.
func (s *SnapshotStore) LoadSchemaSnapshot(ctx context.Context, formID string) ([]byte, uint64, error) {
	var schema []byte
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_json, version FROM form_schema_snapshots WHERE form_id = ?`,
		formID,
	).Scan(&schema, &version)
	if err != nil {
		return nil, 0, err
	}
	return schema, version, nil
}
