package batch

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// phashSize is the perceptual-hash downsample dimension.
const phashSize = 32

// perceptualHash downsamples raw frame bytes to a 32x32 greyscale
// image and returns the MD5 hex digest of its pixel bytes. Decode
// failures yield an empty string; the caller treats that as
// "undeduplicatable", never a fatal error.
func perceptualHash(payload []byte) string {
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	gray := image.NewGray(image.Rect(0, 0, phashSize, phashSize))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Over, nil)
	sum := md5.Sum(gray.Pix)
	return fmt.Sprintf("%x", sum)
}

// similarity returns the fraction of matching characters at the same
// position between two equal-length hex digests.
func similarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// DuplicateThreshold is the minimum character-match fraction that
// counts two hashes as near-identical.
const DuplicateThreshold = 0.80

// RecentHashWindow bounds how many recent hashes a segment compares
// against.
const RecentHashWindow = 30

// recentHashes is a small fixed-size ring of (hash, sourceFrame) pairs
// used to detect near-duplicate frames within one segment.
type recentHashes struct {
	hashes []string
	frames []int
}

func (r *recentHashes) findDuplicate(hash string) (sourceFrame int, ok bool) {
	if hash == "" {
		return 0, false
	}
	for i := len(r.hashes) - 1; i >= 0; i-- {
		if r.hashes[i] == hash || similarity(r.hashes[i], hash) >= DuplicateThreshold {
			return r.frames[i], true
		}
	}
	return 0, false
}

func (r *recentHashes) push(hash string, frameNumber int) {
	if hash == "" {
		return
	}
	r.hashes = append(r.hashes, hash)
	r.frames = append(r.frames, frameNumber)
	if len(r.hashes) > RecentHashWindow {
		r.hashes = r.hashes[len(r.hashes)-RecentHashWindow:]
		r.frames = r.frames[len(r.frames)-RecentHashWindow:]
	}
}
