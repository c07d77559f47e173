// Package sanitize maps arbitrary upload filenames to names that are safe to
// use as S3 object keys and inside batch inference manifests.
//
// The mapping is deterministic and must stay bit-exact: staged keys are
// recomputed from the original filename when results are matched back to
// files, so any change here orphans previously staged objects.
package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fallbackName is used when nothing printable survives sanitization.
const fallbackName = "file"

// strippedChars are removed outright (after spaces become underscores). A '/'
// can only reach that step through compatibility decomposition of a
// fullwidth solidus and is dropped as well.
const strippedChars = `,()[]{}!@#$%^&*+=|\:;"'<>?`

var (
	// copyCounter matches the " (1)" suffix desktop OSes append to duplicate downloads.
	copyCounter = regexp.MustCompile(`\s*\(\d+\)`)
	underscores = regexp.MustCompile(`_+`)
)

// Filename returns the storage-safe form of name. Only the final "/"-separated
// element is considered; the extension is reattached unchanged.
//
//	"Video Nov 14 2025, 10 02 14 AM_22153_720p15.mov" -> "Video_Nov_14_2025_10_02_14_AM_22153_720p15.mov"
func Filename(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	stem = copyCounter.ReplaceAllString(stem, "")
	stem = toASCII(stem)
	stem = strings.ReplaceAll(stem, " ", "_")
	stem = strings.Map(func(r rune) rune {
		if r == '/' || strings.ContainsRune(strippedChars, r) {
			return -1
		}
		return r
	}, stem)
	stem = underscores.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "_")

	if stem == "" {
		stem = fallbackName
	}
	return stem + ext
}

// toASCII decomposes s (NFKD) and drops everything outside ASCII, so "é"
// becomes "e" and characters with no ASCII base disappear.
func toASCII(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return -1
			}
			return r
		}, s)
	}
	return out
}
