package store

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MaxBranchLength is the maximum length of a branch identifier in bytes.
// Most filesystems do not allow longer directory names.
const MaxBranchLength = 255

// ErrInvalidBranch is returned for branch identifiers that cannot safely be
// used as a directory name.
var ErrInvalidBranch = errors.New("invalid branch identifier")

// Branch is a client supplied branch identifier. It names the directory
// that holds the reports of that branch.
type Branch string

// ParseBranch decodes raw identifier bytes as UTF-8, never failing. Each
// invalid byte is replaced by its own U+FFFD, so distinct raw identifiers
// stay distinct.
func ParseBranch(raw []byte) Branch {
	var sb strings.Builder
	sb.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		sb.WriteRune(r)
		raw = raw[size:]
	}
	return Branch(sb.String())
}

// Validate checks that the Branch can be used as a single path segment.
func (b Branch) Validate() error {
	s := string(b)
	switch {
	case s == "":
		return errors.Wrap(ErrInvalidBranch, "empty")
	case s == "." || s == "..":
		return errors.Wrapf(ErrInvalidBranch, "%q is reserved", s)
	case len(s) > MaxBranchLength:
		return errors.Wrapf(ErrInvalidBranch, "longer than %d bytes", MaxBranchLength)
	case strings.ContainsAny(s, `/\`):
		return errors.Wrapf(ErrInvalidBranch, "%q contains a path separator", s)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return errors.Wrapf(ErrInvalidBranch, "%q contains control characters", s)
		}
	}
	return nil
}

func (b Branch) String() string {
	return string(b)
}
