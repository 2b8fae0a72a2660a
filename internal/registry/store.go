// Package registry implements ModelRegistry (spec §4.3): a persistent
// key/value index of installed models, backed by SQLite the way the
// closely related ollama reverse-proxy example persists local model state
// (other_examples/...-ollama-reverse, github.com/mattn/go-sqlite3). Writes
// are serialized through the single *sql.DB connection; reads use
// lock-free snapshots via independent queries, matching spec §4.3's
// "writes are serialized; reads are lock-free snapshots".
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tiagoflino/capi/internal/apperr"
	"github.com/tiagoflino/capi/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	local_path TEXT NOT NULL,
	quantization TEXT,
	architecture TEXT,
	parameter_count TEXT,
	size_bytes INTEGER NOT NULL,
	estimated_memory_bytes INTEGER NOT NULL,
	supported_devices TEXT,
	available INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`

// Manager is the ModelRegistry.
type Manager struct {
	db  *sql.DB
	log logging.Logger
}

// Open opens (creating if necessary) registry.db at path and reconciles
// entries against the filesystem: descriptors whose LocalPath is missing
// are marked unavailable but kept until explicit Remove (spec §4.3).
func Open(path string, log logging.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec §4.3, §5)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	m := &Manager{db: db, log: log}
	if err := m.reconcile(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error { return m.db.Close() }

// reconcile marks descriptors whose local_path no longer exists as
// unavailable, without deleting them (spec §4.3).
func (m *Manager) reconcile() error {
	rows, err := m.db.Query(`SELECT id, local_path FROM models WHERE available = 1`)
	if err != nil {
		return fmt.Errorf("reconciling registry: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		m.log.Warnf("registry: model %s local_path missing, marking unavailable", id)
		if _, err := m.db.Exec(`UPDATE models SET available = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("marking model %s unavailable: %w", id, err)
		}
	}
	return nil
}

// Install implements install(descriptor) (spec §4.3). Installing after a
// Remove is permitted and succeeds (spec §8).
func (m *Manager) Install(d Descriptor) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := m.db.Exec(`
		INSERT INTO models (id, display_name, local_path, quantization, architecture, parameter_count, size_bytes, estimated_memory_bytes, supported_devices, available, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name,
			local_path=excluded.local_path,
			quantization=excluded.quantization,
			architecture=excluded.architecture,
			parameter_count=excluded.parameter_count,
			size_bytes=excluded.size_bytes,
			estimated_memory_bytes=excluded.estimated_memory_bytes,
			supported_devices=excluded.supported_devices,
			available=1`,
		d.ID, d.DisplayName, d.LocalPath, d.QuantizationTag, d.Architecture, d.ParameterCount,
		d.SizeBytes, d.EstimatedMemoryBytes, strings.Join(d.SupportedDevices, ","), d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("installing model %s: %w", d.ID, err)
	}
	return nil
}

// Get implements get(id) (spec §4.3).
func (m *Manager) Get(id string) (Descriptor, error) {
	row := m.db.QueryRow(`
		SELECT id, display_name, local_path, quantization, architecture, parameter_count, size_bytes, estimated_memory_bytes, supported_devices, available, created_at
		FROM models WHERE id = ?`, id)
	return scanDescriptor(row, id)
}

// List implements list() (spec §4.3), a lock-free read snapshot.
func (m *Manager) List() ([]Descriptor, error) {
	rows, err := m.db.Query(`
		SELECT id, display_name, local_path, quantization, architecture, parameter_count, size_bytes, estimated_memory_bytes, supported_devices, available, created_at
		FROM models ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Remove implements remove(id) (spec §4.3).
func (m *Manager) Remove(id string) error {
	res, err := m.db.Exec(`DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing model %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &apperr.ModelNotFound{Model: id}
	}
	return nil
}

// UpdateEstimate implements update_estimate(id, bytes) (spec §4.3), used
// when the backend reports an actual footprint on first load.
func (m *Manager) UpdateEstimate(id string, bytes uint64) error {
	res, err := m.db.Exec(`UPDATE models SET estimated_memory_bytes = ? WHERE id = ?`, bytes, id)
	if err != nil {
		return fmt.Errorf("updating estimate for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &apperr.ModelNotFound{Model: id}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row scanner, id string) (Descriptor, error) {
	var d Descriptor
	var devices string
	var available int
	if err := row.Scan(&d.ID, &d.DisplayName, &d.LocalPath, &d.QuantizationTag, &d.Architecture,
		&d.ParameterCount, &d.SizeBytes, &d.EstimatedMemoryBytes, &devices, &available, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Descriptor{}, &apperr.ModelNotFound{Model: id}
		}
		return Descriptor{}, fmt.Errorf("scanning model row: %w", err)
	}
	if devices != "" {
		d.SupportedDevices = strings.Split(devices, ",")
	}
	d.Available = available != 0
	return d, nil
}
