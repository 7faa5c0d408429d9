package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"continuity-engine/internal/frame"
)

// ErrNotInstalled is returned when an operation targets a detector
// that has never been installed.
var ErrNotInstalled = fmt.Errorf("registry: detector not installed")

// Registry discovers detector packages, validates them, and tracks
// their versions via Store.
type Registry struct {
	mu         sync.RWMutex
	store      *Store
	migrations *MigrationRegistry
	log        *log.Logger

	manifests map[string]Manifest // name -> manifest of the currently active version
}

// New constructs a Registry backed by an already-open Store.
func New(store *Store, migrations *MigrationRegistry, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	if migrations == nil {
		migrations = NewMigrationRegistry()
	}
	return &Registry{store: store, migrations: migrations, log: logger, manifests: make(map[string]Manifest)}
}

// DiscoverAndValidate scans installDir and validates every candidate
// found. Returns the valid candidates and a parallel slice of
// validation errors for the rejected ones; a rejected package never
// reaches Install.
func (r *Registry) DiscoverAndValidate(installDir string) (valid []Candidate, rejected []error, err error) {
	candidates, err := Discover(installDir)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range candidates {
		if verr := Validate(c); verr != nil {
			rejected = append(rejected, verr)
			r.log.Printf("[registry] rejected package %s: %v", c.Manifest.Name, verr)
			continue
		}
		valid = append(valid, c)
	}
	return valid, rejected, nil
}

// Install records a newly validated package version as the active
// version, creating its version-store entry if this is the package's
// first version.
func (r *Registry) Install(c Candidate, contentHash string, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.ActiveVersion(c.Manifest.Name)
	if err != nil {
		return err
	}

	meta := VersionMeta{
		Name:        c.Manifest.Name,
		Version:     c.Manifest.Version,
		ReleaseDate: time.Now(),
		ContentHash: contentHash,
	}
	if existing != "" {
		meta.MigratedFrom = existing
	}
	if err := r.store.PutVersion(meta); err != nil {
		return err
	}
	if err := r.store.SetActiveVersion(c.Manifest.Name, c.Manifest.Version); err != nil {
		return err
	}
	r.manifests[c.Manifest.Name] = c.Manifest
	r.log.Printf("[registry] installed %s@%s (kind=%s)", c.Manifest.Name, c.Manifest.Version, kind)
	return nil
}

// ActiveManifest returns the manifest of a detector's currently
// active version.
func (r *Registry) ActiveManifest(name string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	return m, ok
}

// ValidateConfig checks a config against the active version's schema.
// A detector with a failing config is never enabled.
func (r *Registry) ValidateConfig(name string, config frame.Config) error {
	m, ok := r.ActiveManifest(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	return m.Schema.Validate(config)
}

// Upgrade moves detectorName from its currently active version to
// newCandidate's version, applying migrations when the major version
// changes. On any migration failure the old version remains active and
// the new version is never installed into the active slot.
func (r *Registry) Upgrade(newCandidate Candidate, contentHash string, kind Kind) error {
	name := newCandidate.Manifest.Name

	r.mu.Lock()
	currentVersion, err := r.store.ActiveVersion(name)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if currentVersion == "" {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	from, err := ParseVersion(currentVersion)
	if err != nil {
		return err
	}
	to, err := ParseVersion(newCandidate.Manifest.Version)
	if err != nil {
		return err
	}

	if from.SameMajor(to) {
		return r.Install(newCandidate, contentHash, kind)
	}

	chain, err := r.migrations.FindChain(name, currentVersion, newCandidate.Manifest.Version)
	if err != nil {
		return fmt.Errorf("upgrade %s: %w", name, err)
	}

	runID := uuid.NewString()
	r.log.Printf("[registry] migration run %s: %s %s -> %s (%d steps)", runID, name, currentVersion, newCandidate.Manifest.Version, len(chain))

	scenes, err := r.store.SceneConfigsFor(name)
	if err != nil {
		return err
	}

	migrated := make([]SceneConfig, 0, len(scenes))
	for _, sc := range scenes {
		newConfig, _, err := ApplyChain(chain, frame.Config(sc.Config), nil)
		if err != nil {
			r.log.Printf("[registry] upgrade %s %s->%s aborted: scene %d: %v", name, currentVersion, newCandidate.Manifest.Version, sc.SceneID, err)
			return fmt.Errorf("upgrade %s: scene %d: %w", name, sc.SceneID, err)
		}
		if err := newCandidate.Manifest.Schema.Validate(newConfig); err != nil {
			r.log.Printf("[registry] upgrade %s %s->%s aborted: scene %d config invalid under new schema: %v", name, currentVersion, newCandidate.Manifest.Version, sc.SceneID, err)
			return fmt.Errorf("upgrade %s: scene %d: migrated config invalid: %w", name, sc.SceneID, err)
		}
		migrated = append(migrated, SceneConfig{SceneID: sc.SceneID, Version: newCandidate.Manifest.Version, Config: newConfig})
	}

	for _, sc := range migrated {
		if err := r.store.PutSceneConfig(name, sc); err != nil {
			return fmt.Errorf("upgrade %s: persist migrated scene %d config: %w", name, sc.SceneID, err)
		}
	}

	return r.Install(newCandidate, contentHash, kind)
}
