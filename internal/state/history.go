package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefinitionRecord is one recorded descriptor version.
type DefinitionRecord struct {
	Name       string
	Version    int
	Definition json.RawMessage
	Digest     string
	RecordedAt time.Time
}

// History records the definition declared for each descriptor version so a
// definition edited in place, without a version bump, can be detected.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory creates the history table if needed.
func NewHistory(db *sql.DB) (*History, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS descriptor_versions (
			name        TEXT NOT NULL,
			version     INTEGER NOT NULL,
			definition  TEXT NOT NULL,
			digest      TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (name, version)
		)`)
	if err != nil {
		return nil, fmt.Errorf("state: failed to create descriptor_versions table: %w", err)
	}
	return &History{db: db, now: time.Now}, nil
}

// Record stores definition for name at version. When the version was recorded
// before with a different definition the stored row is left untouched and
// changed is true.
func (h *History) Record(ctx context.Context, name string, version int, definition any) (changed bool, err error) {
	raw, err := json.Marshal(definition)
	if err != nil {
		return false, fmt.Errorf("state: failed to marshal definition of %s: %w", name, err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	var existing string
	err = h.db.QueryRowContext(ctx,
		"SELECT digest FROM descriptor_versions WHERE name = ? AND version = ?", name, version).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = h.db.ExecContext(ctx,
			"INSERT INTO descriptor_versions (name, version, definition, digest, recorded_at) VALUES (?, ?, ?, ?, ?)",
			name, version, string(raw), digest, h.now().Unix())
		if err != nil {
			return false, fmt.Errorf("state: failed to record %s v%d: %w", name, version, err)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("state: failed to read %s v%d: %w", name, version, err)
	}
	return existing != digest, nil
}

// Versions lists the recorded versions of name, oldest first.
func (h *History) Versions(ctx context.Context, name string) ([]DefinitionRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT version, definition, digest, recorded_at FROM descriptor_versions WHERE name = ? ORDER BY version", name)
	if err != nil {
		return nil, fmt.Errorf("state: failed to list versions of %s: %w", name, err)
	}
	defer rows.Close()

	var out []DefinitionRecord
	for rows.Next() {
		var (
			rec      DefinitionRecord
			def      string
			recorded int64
		)
		if err := rows.Scan(&rec.Version, &def, &rec.Digest, &recorded); err != nil {
			return nil, fmt.Errorf("state: failed to scan version: %w", err)
		}
		rec.Name = name
		rec.Definition = json.RawMessage(def)
		rec.RecordedAt = time.Unix(recorded, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
