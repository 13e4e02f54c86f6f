// Package version implements CCO's "YYYY.M.N" calendar versioning scheme:
// parsing, ordering, and string round-tripping.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Build is the running binary's version, set via -ldflags at release build
// time. Defaults to a placeholder for local/dev builds.
var Build = "2026.7.0"

// Version is a calendar version triple (year, month, release).
// Total order is lexicographic over the triple.
type Version struct {
	Year    uint16
	Month   uint8
	Release uint32
}

// Parse splits s on "." and requires exactly three numeric components,
// with Month in 1..=12. The error message names the offending token.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: expected 3 dot-separated components, got %d", s, len(parts))
	}

	year, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: invalid year component %q: %w", s, parts[0], err)
	}

	month, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: invalid month component %q: %w", s, parts[1], err)
	}
	if month < 1 || month > 12 {
		return Version{}, fmt.Errorf("version %q: month component %q out of range 1..=12", s, parts[1])
	}

	release, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Version{}, fmt.Errorf("version %q: invalid release component %q: %w", s, parts[2], err)
	}

	return Version{Year: uint16(year), Month: uint8(month), Release: uint32(release)}, nil
}

// MustParse is Parse but panics on error. Intended for compile-time-known
// literals (e.g. the build-embedded current version).
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the canonical "YYYY.M.N" wire form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Year, v.Month, v.Release)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, ordering lexicographically by (Year, Month, Release).
func (v Version) Compare(other Version) int {
	switch {
	case v.Year != other.Year:
		return cmpUint(uint64(v.Year), uint64(other.Year))
	case v.Month != other.Month:
		return cmpUint(uint64(v.Month), uint64(other.Month))
	default:
		return cmpUint(uint64(v.Release), uint64(other.Release))
	}
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
