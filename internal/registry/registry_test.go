package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuity-engine/internal/frame"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2.10.3")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 2, Minor: 10, Patch: 3}, v)

	for _, bad := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.-2.3", "v1.2.3"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestNextVersion(t *testing.T) {
	latest := Version{Major: 1, Minor: 4, Patch: 2}
	assert.Equal(t, Version{Major: 2}, NextVersion(latest, KindMajor))
	assert.Equal(t, Version{Major: 1, Minor: 5}, NextVersion(latest, KindMinor))
	assert.Equal(t, Version{Major: 1, Minor: 4, Patch: 3}, NextVersion(latest, KindPatch))
}

func TestVersionCompareAndSameMajor(t *testing.T) {
	a, _ := ParseVersion("1.2.3")
	b, _ := ParseVersion("1.9.0")
	c, _ := ParseVersion("2.0.0")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.SameMajor(b))
	assert.False(t, b.SameMajor(c))
}

func writePackage(t *testing.T, installDir, name, manifestJSON, entrypoint string) string {
	t.Helper()
	dir := filepath.Join(installDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifestJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, EntrypointFile), []byte(entrypoint), 0o644))
	return dir
}

func TestDiscoverSkipsHiddenAndUnderscoreDirs(t *testing.T) {
	installDir := t.TempDir()
	writePackage(t, installDir, "prop_tracker", `{"name":"prop_tracker","version":"1.0.0"}`, "func main() {}")
	writePackage(t, installDir, ".hidden", `{"name":"hidden","version":"1.0.0"}`, "")
	writePackage(t, installDir, "_disabled", `{"name":"disabled","version":"1.0.0"}`, "")
	require.NoError(t, os.MkdirAll(filepath.Join(installDir, "no_manifest"), 0o755))

	candidates, err := Discover(installDir)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "prop_tracker", candidates[0].Manifest.Name)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	installDir := t.TempDir()

	dir := writePackage(t, installDir, "no_version", `{"name":"no_version"}`, "func main() {}")
	err := Validate(Candidate{Dir: dir, Manifest: Manifest{Name: "no_version"}})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "version")
}

func TestValidateRejectsMissingEntrypoint(t *testing.T) {
	installDir := t.TempDir()
	dir := filepath.Join(installDir, "pkg")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"name":"pkg","version":"1.0.0"}`), 0o644))

	err := Validate(Candidate{Dir: dir, Manifest: Manifest{Name: "pkg", Version: "1.0.0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entrypoint")
}

func TestValidateRejectsBadSchemaFieldType(t *testing.T) {
	installDir := t.TempDir()
	dir := writePackage(t, installDir, "pkg", `{}`, "func main() {}")
	c := Candidate{Dir: dir, Manifest: Manifest{
		Name:    "pkg",
		Version: "1.0.0",
		Schema: frame.ConfigSchema{Fields: map[string]frame.ConfigField{
			"threshold": {FieldType: "slider"},
		}},
	}}
	err := Validate(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field_type")
}

func TestValidateRejectsForbiddenConstructs(t *testing.T) {
	installDir := t.TempDir()
	dir := writePackage(t, installDir, "pkg", `{}`, `
		cmd := exec.Command("rm", "-rf", "/")
	`)
	err := Validate(Candidate{Dir: dir, Manifest: Manifest{Name: "pkg", Version: "1.0.0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden construct")
}

func TestValidateRejectsUntaggedBaseImage(t *testing.T) {
	installDir := t.TempDir()
	dir := writePackage(t, installDir, "pkg", `{}`, "func main() {}")
	require.NoError(t, os.WriteFile(filepath.Join(dir, BuildFile), []byte("FROM ubuntu\n"), 0o644))

	err := Validate(Candidate{Dir: dir, Manifest: Manifest{Name: "pkg", Version: "1.0.0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "untagged base image")
}

func TestValidateAcceptsTaggedBaseImage(t *testing.T) {
	installDir := t.TempDir()
	dir := writePackage(t, installDir, "pkg", `{}`, "func main() {}")
	require.NoError(t, os.WriteFile(filepath.Join(dir, BuildFile), []byte("FROM ubuntu:24.04\n"), 0o644))

	assert.NoError(t, Validate(Candidate{Dir: dir, Manifest: Manifest{Name: "pkg", Version: "1.0.0"}}))
}

func TestFindChainWalksLinks(t *testing.T) {
	mr := NewMigrationRegistry()
	mr.Register("det", MigrationStep{FromVersion: "1.0.0", ToVersion: "2.0.0"})
	mr.Register("det", MigrationStep{FromVersion: "2.0.0", ToVersion: "3.0.0"})

	chain, err := mr.FindChain("det", "1.0.0", "3.0.0")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "2.0.0", chain[0].ToVersion)

	_, err = mr.FindChain("det", "1.0.0", "4.0.0")
	assert.Error(t, err, "missing link must fail")

	none, err := mr.FindChain("det", "2.0.0", "2.0.0")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyChainStopsOnValidationFailure(t *testing.T) {
	chain := []MigrationStep{{
		FromVersion: "1.0.0",
		ToVersion:   "2.0.0",
		MigrateConfig: func(old frame.Config) (frame.Config, error) {
			return old, nil
		},
		ValidateResult: func(frame.Config, any) bool { return false },
	}}
	_, _, err := ApplyChain(chain, frame.Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate_migration")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreVersionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutVersion(VersionMeta{
		Name:            "det",
		Version:         "1.0.0",
		Changelog:       "initial release",
		ContentHash:     "abc123",
		BreakingChanges: []string{"none"},
	}))
	require.NoError(t, s.SetActiveVersion("det", "1.0.0"))

	got, err := s.GetVersion("det", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "initial release", got.Changelog)
	assert.Equal(t, []string{"none"}, got.BreakingChanges)

	active, err := s.ActiveVersion("det")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active)

	missing, err := s.GetVersion("det", "9.9.9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreSceneConfigs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutSceneConfig("det", SceneConfig{SceneID: 1, Version: "1.0.0", Config: map[string]any{"threshold": 0.5}}))
	require.NoError(t, s.PutSceneConfig("det", SceneConfig{SceneID: 1, Version: "1.0.0", Config: map[string]any{"threshold": 0.7}}))

	configs, err := s.SceneConfigsFor("det")
	require.NoError(t, err)
	require.Len(t, configs, 1, "same scene overwrites, not duplicates")
	assert.Equal(t, 0.7, configs[0].Config["threshold"])
}

// After a successful A->B major upgrade, every scene config that was
// valid under A's schema must be valid under B's schema.
func TestUpgradeMigratesSceneConfigs(t *testing.T) {
	store := newTestStore(t)
	migrations := NewMigrationRegistry()
	migrations.Register("det", MigrationStep{
		FromVersion: "1.0.0",
		ToVersion:   "2.0.0",
		MigrateConfig: func(old frame.Config) (frame.Config, error) {
			// v2 renamed "threshold" to "sensitivity".
			out := frame.Config{}
			for k, v := range old {
				if k == "threshold" {
					out["sensitivity"] = v
					continue
				}
				out[k] = v
			}
			return out, nil
		},
		ValidateResult: func(cfg frame.Config, _ any) bool {
			_, ok := cfg["sensitivity"]
			return ok
		},
	})
	r := New(store, migrations, nil)

	v1 := Candidate{Manifest: Manifest{
		Name:    "det",
		Version: "1.0.0",
		Schema: frame.ConfigSchema{Fields: map[string]frame.ConfigField{
			"threshold": {FieldType: frame.FieldNumber, Required: true},
		}},
	}}
	require.NoError(t, r.Install(v1, "hash-v1", KindMajor))

	for scene := 1; scene <= 3; scene++ {
		require.NoError(t, store.PutSceneConfig("det", SceneConfig{
			SceneID: scene, Version: "1.0.0", Config: map[string]any{"threshold": float64(scene) / 10},
		}))
	}

	v2 := Candidate{Manifest: Manifest{
		Name:    "det",
		Version: "2.0.0",
		Schema: frame.ConfigSchema{Fields: map[string]frame.ConfigField{
			"sensitivity": {FieldType: frame.FieldNumber, Required: true},
		}},
	}}
	require.NoError(t, r.Upgrade(v2, "hash-v2", KindMajor))

	active, err := store.ActiveVersion("det")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", active)

	configs, err := store.SceneConfigsFor("det")
	require.NoError(t, err)
	require.Len(t, configs, 3)
	for _, sc := range configs {
		assert.Equal(t, "2.0.0", sc.Version)
		assert.NoError(t, v2.Manifest.Schema.Validate(frame.Config(sc.Config)))
	}
}

func TestUpgradeAbortsAndKeepsOldVersionActive(t *testing.T) {
	store := newTestStore(t)
	migrations := NewMigrationRegistry()
	migrations.Register("det", MigrationStep{
		FromVersion: "1.0.0",
		ToVersion:   "2.0.0",
		MigrateConfig: func(old frame.Config) (frame.Config, error) {
			return nil, fmt.Errorf("migration script raised")
		},
	})
	r := New(store, migrations, nil)

	v1 := Candidate{Manifest: Manifest{Name: "det", Version: "1.0.0"}}
	require.NoError(t, r.Install(v1, "hash-v1", KindMajor))
	require.NoError(t, store.PutSceneConfig("det", SceneConfig{SceneID: 1, Version: "1.0.0", Config: map[string]any{"a": 1.0}}))

	v2 := Candidate{Manifest: Manifest{Name: "det", Version: "2.0.0"}}
	err := r.Upgrade(v2, "hash-v2", KindMajor)
	require.Error(t, err)

	active, aerr := store.ActiveVersion("det")
	require.NoError(t, aerr)
	assert.Equal(t, "1.0.0", active, "failed upgrade must leave the old version active")

	configs, cerr := store.SceneConfigsFor("det")
	require.NoError(t, cerr)
	assert.Equal(t, "1.0.0", configs[0].Version, "scene config untouched on abort")
}

func TestUpgradeSameMajorNeedsNoMigration(t *testing.T) {
	store := newTestStore(t)
	r := New(store, NewMigrationRegistry(), nil)

	require.NoError(t, r.Install(Candidate{Manifest: Manifest{Name: "det", Version: "1.0.0"}}, "h1", KindMajor))
	require.NoError(t, r.Upgrade(Candidate{Manifest: Manifest{Name: "det", Version: "1.1.0"}}, "h2", KindMinor))

	active, err := store.ActiveVersion("det")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active)
}

func TestUpgradeRequiresInstalledPackage(t *testing.T) {
	store := newTestStore(t)
	r := New(store, NewMigrationRegistry(), nil)
	err := r.Upgrade(Candidate{Manifest: Manifest{Name: "ghost", Version: "2.0.0"}}, "h", KindMajor)
	assert.ErrorIs(t, err, ErrNotInstalled)
}
