package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Sanitize maps a resource identifier to a filesystem-safe lock file stem.
// Runs of characters outside [A-Za-z0-9] become a single '_'. When that
// mapping loses information, an 8-hex-digit SHA-256 prefix of the raw name is
// appended so "a/b" and "a.b" never share a lock file.
func Sanitize(resource string) string {
	normalized := norm.NFKC.String(resource)

	var b strings.Builder
	b.Grow(len(normalized))
	inRun := false
	for _, r := range normalized {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	stem := strings.Trim(b.String(), "_")
	if stem == resource && stem != "" {
		return stem
	}
	if stem == "" {
		stem = "resource"
	}
	sum := sha256.Sum256([]byte(resource))
	return stem + "-" + hex.EncodeToString(sum[:4])
}
