// Package storage persists plugin lifecycle state and plugin key/value
// data in the client's sqlite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements plugin.StateStore and plugin.StorageFactory over a
// sqlite database. State rows are keyed by (scope, plugin id); plugin
// KV rows by (scope, plugin id, key), so namespaces never collide.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the
// plugin tables exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping database %s", path)
	}

	s := NewStore(db)
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle. The caller owns the
// handle's lifetime unless Close is used.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the plugin tables if they do not exist.
func (s *Store) InitSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS plugin_state (
			scope              TEXT NOT NULL,
			plugin_id          TEXT NOT NULL,
			installed_versions TEXT NOT NULL DEFAULT '[]',
			current_version    TEXT NOT NULL DEFAULT '',
			enabled            INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'ok',
			last_error         TEXT NOT NULL DEFAULT '',
			updated_at         TEXT NOT NULL,
			PRIMARY KEY (scope, plugin_id)
		);
		CREATE TABLE IF NOT EXISTS plugin_kv (
			scope      TEXT NOT NULL,
			plugin_id  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (scope, plugin_id, key)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "create plugin tables")
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the state row for (scope, plugin id).
func (s *Store) Save(scope string, state *plugin.InstalledState) error {
	versions, err := json.Marshal(state.InstalledVersions)
	if err != nil {
		return errors.Wrapf(err, "marshal versions for %s", state.PluginID)
	}

	query := `
		INSERT INTO plugin_state (
			scope, plugin_id, installed_versions, current_version,
			enabled, status, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, plugin_id) DO UPDATE SET
			installed_versions = excluded.installed_versions,
			current_version    = excluded.current_version,
			enabled            = excluded.enabled,
			status             = excluded.status,
			last_error         = excluded.last_error,
			updated_at         = excluded.updated_at
	`
	_, err = s.db.Exec(query,
		scope,
		state.PluginID,
		string(versions),
		state.CurrentVersion,
		state.Enabled,
		string(state.Status),
		state.LastError,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "save state for %s in scope %s", state.PluginID, scope)
	}
	return nil
}

// Delete removes the state row and all KV rows for (scope, plugin id).
func (s *Store) Delete(scope, pluginID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin delete transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plugin_state WHERE scope = ? AND plugin_id = ?`, scope, pluginID); err != nil {
		return errors.Wrapf(err, "delete state for %s", pluginID)
	}
	if _, err := tx.Exec(`DELETE FROM plugin_kv WHERE scope = ? AND plugin_id = ?`, scope, pluginID); err != nil {
		return errors.Wrapf(err, "delete kv data for %s", pluginID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit delete for %s", pluginID)
	}
	return nil
}

// List returns all persisted states for a scope.
func (s *Store) List(scope string) ([]*plugin.InstalledState, error) {
	query := `
		SELECT plugin_id, installed_versions, current_version, enabled, status, last_error
		FROM plugin_state
		WHERE scope = ?
		ORDER BY plugin_id
	`
	rows, err := s.db.Query(query, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "list states for scope %s", scope)
	}
	defer rows.Close()

	var states []*plugin.InstalledState
	for rows.Next() {
		var st plugin.InstalledState
		var versions, status string
		if err := rows.Scan(&st.PluginID, &versions, &st.CurrentVersion, &st.Enabled, &status, &st.LastError); err != nil {
			return nil, errors.Wrap(err, "scan state row")
		}
		if err := json.Unmarshal([]byte(versions), &st.InstalledVersions); err != nil {
			return nil, errors.Wrapf(err, "parse versions for %s", st.PluginID)
		}
		st.Status = plugin.Status(status)
		states = append(states, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate state rows")
	}
	return states, nil
}

// Namespace returns the KV storage capability for one (scope, plugin).
func (s *Store) Namespace(scope, pluginID string) plugin.KVStorage {
	return &kvNamespace{db: s.db, scope: scope, pluginID: pluginID}
}

type kvNamespace struct {
	db       *sql.DB
	scope    string
	pluginID string
}

func (k *kvNamespace) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := k.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_kv WHERE scope = ? AND plugin_id = ? AND key = ?`,
		k.scope, k.pluginID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get %q for %s", key, k.pluginID)
	}
	return value, true, nil
}

func (k *kvNamespace) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO plugin_kv (scope, plugin_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, plugin_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := k.db.ExecContext(ctx, query,
		k.scope, k.pluginID, key, value,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "set %q for %s", key, k.pluginID)
	}
	return nil
}

func (k *kvNamespace) Delete(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx,
		`DELETE FROM plugin_kv WHERE scope = ? AND plugin_id = ? AND key = ?`,
		k.scope, k.pluginID, key,
	); err != nil {
		return errors.Wrapf(err, "delete %q for %s", key, k.pluginID)
	}
	return nil
}
