package registry

import (
	"fmt"

	"continuity-engine/internal/frame"
)

// MigrationStep is one detector-supplied step of an upgrade's
// migration chain: it knows how to carry a config (and optionally
// stored data) from exactly one version to the next.
// A detector package registers the steps it needs; steps are chained
// by FindChain, never skipped.
type MigrationStep struct {
	FromVersion string
	ToVersion   string

	MigrateConfig  func(old frame.Config) (frame.Config, error)
	MigrateData    func(old any) (any, error) // optional
	ValidateResult func(config frame.Config, data any) bool
}

// MigrationRegistry holds every registered migration step, keyed by
// detector name.
type MigrationRegistry struct {
	steps map[string][]MigrationStep
}

// NewMigrationRegistry constructs an empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{steps: make(map[string][]MigrationStep)}
}

// Register adds one migration step for a detector.
func (r *MigrationRegistry) Register(detectorName string, step MigrationStep) {
	r.steps[detectorName] = append(r.steps[detectorName], step)
}

// FindChain walks the registered steps for detectorName from
// fromVersion to toVersion, returning the ordered list of steps to
// apply. Returns an error if any link is missing; steps are never
// skipped.
func (r *MigrationRegistry) FindChain(detectorName, fromVersion, toVersion string) ([]MigrationStep, error) {
	if fromVersion == toVersion {
		return nil, nil
	}
	byFrom := make(map[string]MigrationStep)
	for _, s := range r.steps[detectorName] {
		byFrom[s.FromVersion] = s
	}

	var chain []MigrationStep
	current := fromVersion
	seen := make(map[string]bool)
	for current != toVersion {
		if seen[current] {
			return nil, fmt.Errorf("migration chain for %s: cycle detected at %s", detectorName, current)
		}
		seen[current] = true
		step, ok := byFrom[current]
		if !ok {
			return nil, fmt.Errorf("migration chain for %s: no registered step from %s towards %s", detectorName, current, toVersion)
		}
		chain = append(chain, step)
		current = step.ToVersion
	}
	return chain, nil
}

// ApplyChain runs every step of chain against config in order,
// validating each intermediate result. On any failure it returns the
// error from the failing step without mutating config further; the
// caller is responsible for leaving the old version active.
func ApplyChain(chain []MigrationStep, config frame.Config, data any) (frame.Config, any, error) {
	current := config
	currentData := data
	for _, step := range chain {
		next, err := step.MigrateConfig(current)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate_configuration %s->%s: %w", step.FromVersion, step.ToVersion, err)
		}
		nextData := currentData
		if step.MigrateData != nil {
			nextData, err = step.MigrateData(currentData)
			if err != nil {
				return nil, nil, fmt.Errorf("migrate_data %s->%s: %w", step.FromVersion, step.ToVersion, err)
			}
		}
		if step.ValidateResult != nil && !step.ValidateResult(next, nextData) {
			return nil, nil, fmt.Errorf("validate_migration %s->%s: returned false", step.FromVersion, step.ToVersion)
		}
		current = next
		currentData = nextData
	}
	return current, currentData, nil
}
