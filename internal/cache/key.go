package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Composite cache keys:
// frame_hash:detector_slug:version:config_hash[:scene_context].

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a detector name into the composite key's slug form.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// FrameContentHash returns the MD5 hex digest of raw frame bytes.
// MD5 is chosen for speed; the hash carries no security weight.
func FrameContentHash(frameBytes []byte) string {
	sum := md5.Sum(frameBytes)
	return fmt.Sprintf("%x", sum)
}

// ConfigHash returns the first 16 hex chars of the SHA-256 digest of
// the config serialized with sorted keys.
func ConfigHash(config map[string]any) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(config[k])
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')

	sum := sha256.Sum256(ordered)
	return fmt.Sprintf("%x", sum)[:16]
}

// CompositeKey joins the parts of a cache key with ":". sceneContext
// is optional; pass "" to omit it.
func CompositeKey(frameHash, detectorName, detectorVersion, configHash, sceneContext string) string {
	parts := []string{frameHash, Slug(detectorName), detectorVersion, configHash}
	if sceneContext != "" {
		parts = append(parts, sceneContext)
	}
	return strings.Join(parts, ":")
}

// ParseCompositeKey splits a composite key back into its parts.
// sceneContext is "" if the key didn't carry one.
func ParseCompositeKey(key string) (frameHash, detectorSlug, detectorVersion, configHash, sceneContext string) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return key, "", "", "", ""
	}
	frameHash, detectorSlug, detectorVersion, configHash = parts[0], parts[1], parts[2], parts[3]
	if len(parts) >= 5 {
		sceneContext = strings.Join(parts[4:], ":")
	}
	return
}
