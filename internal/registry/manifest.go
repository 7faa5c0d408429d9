package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"continuity-engine/internal/frame"
)

// ManifestFile and EntrypointFile name the two required files in a
// detector package directory.
const (
	ManifestFile   = "manifest.json"
	EntrypointFile = "entrypoint"
	BuildFile      = "Containerfile"
)

// Manifest is the parsed contents of a detector package's
// manifest.json.
type Manifest struct {
	Name              string             `json:"name"`
	Version           string             `json:"version"`
	Description       string             `json:"description,omitempty"`
	Author            string             `json:"author,omitempty"`
	Category          string             `json:"category,omitempty"`
	RequiresReference bool               `json:"requires_reference,omitempty"`
	MinFramesRequired int                `json:"min_frames_required,omitempty"`
	Schema            frame.ConfigSchema `json:"schema,omitempty"`
}

// Candidate is a discovered, not-yet-validated package directory.
type Candidate struct {
	Dir      string
	Manifest Manifest
}

// Discover scans installDir for detector package subdirectories: any
// directory whose name does not start with "." or "_" and that
// contains a manifest file.
func Discover(installDir string) ([]Candidate, error) {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return nil, fmt.Errorf("discover: read %s: %w", installDir, err)
	}

	var candidates []Candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		dir := filepath.Join(installDir, name)
		manifestPath := filepath.Join(dir, ManifestFile)
		data, err := os.ReadFile(manifestPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discover: read manifest for %s: %w", name, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			candidates = append(candidates, Candidate{Dir: dir, Manifest: Manifest{Name: name}})
			continue
		}
		candidates = append(candidates, Candidate{Dir: dir, Manifest: m})
	}
	return candidates, nil
}

var validFieldTypes = map[frame.ConfigFieldType]bool{
	frame.FieldText:         true,
	frame.FieldNumber:       true,
	frame.FieldBoolean:      true,
	frame.FieldFile:         true,
	frame.FieldFileMultiple: true,
}

// forbiddenPatterns flags entrypoint source containing dynamic code
// evaluation, arbitrary process/network calls, or dynamic attribute
// access. This is a coarse lexical
// check, not a sandboxing guarantee — real enforcement happens at
// runtime inside the sandbox process.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bexec\.Command\b`),
	regexp.MustCompile(`\bos\/exec\b`),
	regexp.MustCompile(`\bnet\.Dial\b`),
	regexp.MustCompile(`\bplugin\.Open\b`),
	regexp.MustCompile(`\breflect\.ValueOf\b.*\.Field\(`),
	regexp.MustCompile(`\bunsafe\.Pointer\b`),
}

// forbiddenBuildPatterns flags disallowed container build settings:
// privileged mode and host networking/PID/IPC namespaces. Untagged
// base images are checked separately.
var forbiddenBuildPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*--privileged\b`),
	regexp.MustCompile(`(?im)network\s*[:=]\s*["']?host`),
	regexp.MustCompile(`(?im)pid\s*[:=]\s*["']?host`),
	regexp.MustCompile(`(?im)ipc\s*[:=]\s*["']?host`),
}

// untaggedFrom matches a FROM line with no ":" tag and no "@" digest.
var untaggedFrom = regexp.MustCompile(`(?im)^\s*FROM\s+([^\s:@]+)\s*$`)

// ValidationError reports why a candidate package failed static
// validation. A package that fails validation is never enabled.
type ValidationError struct {
	Package string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("package %s: %s", e.Package, e.Reason)
}

// Validate performs the static validation pass against a discovered
// candidate. Returns a *ValidationError (not a bare error) so callers
// can report the package name alongside the reason.
func Validate(c Candidate) error {
	name := c.Manifest.Name
	if name == "" {
		name = filepath.Base(c.Dir)
	}

	if c.Manifest.Name == "" {
		return &ValidationError{Package: name, Reason: "manifest missing required field \"name\""}
	}
	if c.Manifest.Version == "" {
		return &ValidationError{Package: name, Reason: "manifest missing required field \"version\""}
	}
	if _, err := ParseVersion(c.Manifest.Version); err != nil {
		return &ValidationError{Package: name, Reason: err.Error()}
	}

	entrypointPath := filepath.Join(c.Dir, EntrypointFile)
	src, err := os.ReadFile(entrypointPath)
	if err != nil {
		return &ValidationError{Package: name, Reason: "entrypoint file missing"}
	}

	for field, spec := range c.Manifest.Schema.Fields {
		if !validFieldTypes[spec.FieldType] {
			return &ValidationError{Package: name, Reason: fmt.Sprintf("schema field %q: unrecognized field_type %q", field, spec.FieldType)}
		}
	}

	text := string(src)
	for _, pat := range forbiddenPatterns {
		if pat.MatchString(text) {
			return &ValidationError{Package: name, Reason: fmt.Sprintf("entrypoint contains forbidden construct matching %q", pat.String())}
		}
	}

	buildPath := filepath.Join(c.Dir, BuildFile)
	if buildSrc, err := os.ReadFile(buildPath); err == nil {
		if err := validateBuildFile(name, string(buildSrc)); err != nil {
			return err
		}
	}

	return nil
}

func validateBuildFile(pkgName, text string) error {
	if m := untaggedFrom.FindStringSubmatch(text); m != nil {
		return &ValidationError{Package: pkgName, Reason: fmt.Sprintf("container build file uses untagged base image %q", m[1])}
	}
	for _, pat := range forbiddenBuildPatterns {
		if pat.MatchString(text) {
			return &ValidationError{Package: pkgName, Reason: fmt.Sprintf("container build file requests disallowed setting matching %q", pat.String())}
		}
	}
	return nil
}
