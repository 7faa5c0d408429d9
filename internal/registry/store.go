package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// VersionMeta is one package version's index entry.
type VersionMeta struct {
	Name            string
	Version         string
	ReleaseDate     time.Time
	Changelog       string
	ContentHash     string
	BreakingChanges []string
	Deprecated      bool
	MigratedFrom    string // empty for a package's first version
}

// Store is the sqlite-backed version index: every published version
// of every package, the active-version slot, and per-scene detector
// configs.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the sqlite version index at
// dbPath and applies its schema migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry store: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS package_versions (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			release_date DATETIME NOT NULL,
			changelog TEXT,
			content_hash TEXT NOT NULL,
			breaking_changes TEXT,
			deprecated INTEGER DEFAULT 0,
			migrated_from TEXT,
			PRIMARY KEY (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS active_versions (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scene_configs (
			detector_name TEXT NOT NULL,
			scene_id INTEGER NOT NULL,
			detector_version TEXT NOT NULL,
			config_json TEXT NOT NULL,
			PRIMARY KEY (detector_name, scene_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_package_versions_name ON package_versions(name)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("registry store: migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutVersion records a newly published version.
func (s *Store) PutVersion(v VersionMeta) error {
	breaking, err := json.Marshal(v.BreakingChanges)
	if err != nil {
		return fmt.Errorf("registry store: marshal breaking changes: %w", err)
	}
	deprecated := 0
	if v.Deprecated {
		deprecated = 1
	}
	_, err = s.db.Exec(`INSERT INTO package_versions
		(name, version, release_date, changelog, content_hash, breaking_changes, deprecated, migrated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			release_date = excluded.release_date,
			changelog = excluded.changelog,
			content_hash = excluded.content_hash,
			breaking_changes = excluded.breaking_changes,
			deprecated = excluded.deprecated,
			migrated_from = excluded.migrated_from`,
		v.Name, v.Version, v.ReleaseDate, v.Changelog, v.ContentHash, string(breaking), deprecated, v.MigratedFrom)
	if err != nil {
		return fmt.Errorf("registry store: put version: %w", err)
	}
	return nil
}

// GetVersion retrieves one recorded version's metadata.
func (s *Store) GetVersion(name, version string) (*VersionMeta, error) {
	row := s.db.QueryRow(`SELECT name, version, release_date, changelog, content_hash, breaking_changes, deprecated, COALESCE(migrated_from, '')
		FROM package_versions WHERE name = ? AND version = ?`, name, version)

	var v VersionMeta
	var breakingJSON string
	var deprecated int
	err := row.Scan(&v.Name, &v.Version, &v.ReleaseDate, &v.Changelog, &v.ContentHash, &breakingJSON, &deprecated, &v.MigratedFrom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry store: get version: %w", err)
	}
	v.Deprecated = deprecated == 1
	if breakingJSON != "" {
		if err := json.Unmarshal([]byte(breakingJSON), &v.BreakingChanges); err != nil {
			return nil, fmt.Errorf("registry store: unmarshal breaking changes: %w", err)
		}
	}
	return &v, nil
}

// ListVersions returns every recorded version of a package, oldest
// first.
func (s *Store) ListVersions(name string) ([]VersionMeta, error) {
	rows, err := s.db.Query(`SELECT name, version, release_date, changelog, content_hash, breaking_changes, deprecated, COALESCE(migrated_from, '')
		FROM package_versions WHERE name = ? ORDER BY release_date ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("registry store: list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionMeta
	for rows.Next() {
		var v VersionMeta
		var breakingJSON string
		var deprecated int
		if err := rows.Scan(&v.Name, &v.Version, &v.ReleaseDate, &v.Changelog, &v.ContentHash, &breakingJSON, &deprecated, &v.MigratedFrom); err != nil {
			return nil, fmt.Errorf("registry store: scan version: %w", err)
		}
		v.Deprecated = deprecated == 1
		if breakingJSON != "" {
			if err := json.Unmarshal([]byte(breakingJSON), &v.BreakingChanges); err != nil {
				return nil, fmt.Errorf("registry store: unmarshal breaking changes: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// ActiveVersion returns the package's active version, or "" if none
// is installed yet.
func (s *Store) ActiveVersion(name string) (string, error) {
	row := s.db.QueryRow(`SELECT version FROM active_versions WHERE name = ?`, name)
	var version string
	err := row.Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("registry store: active version: %w", err)
	}
	return version, nil
}

// SetActiveVersion marks version as the active (running) version for
// name, the slot an upgrade switches on success and leaves untouched
// on failure.
func (s *Store) SetActiveVersion(name, version string) error {
	_, err := s.db.Exec(`INSERT INTO active_versions (name, version) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version`, name, version)
	if err != nil {
		return fmt.Errorf("registry store: set active version: %w", err)
	}
	return nil
}

// SceneConfig is a single scene's stored configuration for one
// detector, at a given detector version.
type SceneConfig struct {
	SceneID int
	Version string
	Config  map[string]any
}

// SceneConfigsFor returns every scene's stored config for a detector,
// the set an upgrade walks when applying migrations.
func (s *Store) SceneConfigsFor(detectorName string) ([]SceneConfig, error) {
	rows, err := s.db.Query(`SELECT scene_id, detector_version, config_json FROM scene_configs WHERE detector_name = ?`, detectorName)
	if err != nil {
		return nil, fmt.Errorf("registry store: scene configs: %w", err)
	}
	defer rows.Close()

	var out []SceneConfig
	for rows.Next() {
		var sc SceneConfig
		var configJSON string
		if err := rows.Scan(&sc.SceneID, &sc.Version, &configJSON); err != nil {
			return nil, fmt.Errorf("registry store: scan scene config: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &sc.Config); err != nil {
			return nil, fmt.Errorf("registry store: unmarshal scene config: %w", err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// PutSceneConfig writes (or overwrites) one scene's stored config for
// a detector.
func (s *Store) PutSceneConfig(detectorName string, sc SceneConfig) error {
	configJSON, err := json.Marshal(sc.Config)
	if err != nil {
		return fmt.Errorf("registry store: marshal scene config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO scene_configs (detector_name, scene_id, detector_version, config_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(detector_name, scene_id) DO UPDATE SET
			detector_version = excluded.detector_version,
			config_json = excluded.config_json`,
		detectorName, sc.SceneID, sc.Version, string(configJSON))
	if err != nil {
		return fmt.Errorf("registry store: put scene config: %w", err)
	}
	return nil
}
