// Package slug derives and validates URL slugs for markets. A slug is
// unique and immutable once the market is created.
package slug

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLen bounds slug length; longer inputs are truncated at a word
// boundary where possible.
const MaxLen = 80

// validRegex matches a well-formed slug: lowercase alphanumerics
// separated by single hyphens. Example: will-kenya-win-afcon-2027
var validRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrEmpty   = errors.New("slug: empty after normalization")
	ErrInvalid = errors.New("slug: invalid format")
)

// Make derives a slug from a market title: lowercase, non-alphanumeric
// runs collapsed to single hyphens, trimmed to MaxLen.
func Make(title string) (string, error) {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "", fmt.Errorf("%w: %q", ErrEmpty, title)
	}

	if len(s) > MaxLen {
		s = s[:MaxLen]
		if i := strings.LastIndexByte(s, '-'); i > 0 {
			s = s[:i]
		}
	}
	return s, nil
}

// Validate checks that s is a well-formed slug.
func Validate(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > MaxLen || !validRegex.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return nil
}
