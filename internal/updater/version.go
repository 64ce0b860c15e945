package updater

import (
	"fmt"
	"strconv"
	"strings"
)

// Version represents a semantic version. Build metadata is ignored.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
}

// ParseVersion parses version strings like "v1.2.3", "1.2" or "v1.2.3-rc.1+abc123"
func ParseVersion(s string) (Version, error) {
	v := Version{}

	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}

	core, pre, _ := strings.Cut(s, "-")
	v.Prerelease = pre

	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		return v, fmt.Errorf("invalid version format: %s", s)
	}

	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version component %q in %s", part, s)
		}
		*fields[i] = n
	}

	return v, nil
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v Version) Compare(other Version) int {
	if c := compareInt(v.Major, other.Major); c != 0 {
		return c
	}
	if c := compareInt(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := compareInt(v.Patch, other.Patch); c != 0 {
		return c
	}

	// 1.0.0 > 1.0.0-beta
	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case other.Prerelease == "":
		return -1
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

// comparePrerelease compares dot separated identifiers, numeric ones numerically
func comparePrerelease(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.Atoi(as[i])
		bn, bErr := strconv.Atoi(bs[i])
		switch {
		case aErr == nil && bErr == nil:
			if c := compareInt(an, bn); c != 0 {
				return c
			}
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return compareInt(len(as), len(bs))
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// String returns version as string
func (v Version) String() string {
	s := fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// IsNewer returns true if latest is newer than current
func IsNewer(current, latest string) (bool, error) {
	if IsDev(current) {
		return false, nil
	}

	currentV, err := ParseVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse current version: %w", err)
	}

	latestV, err := ParseVersion(latest)
	if err != nil {
		return false, fmt.Errorf("parse latest version: %w", err)
	}

	return currentV.Compare(latestV) < 0, nil
}

// IsDev returns true if version is development version
func IsDev(version string) bool {
	return version == "dev" || version == ""
}
