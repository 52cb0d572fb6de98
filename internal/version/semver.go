package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// semVerRegex matches a semantic version string (e.g., 1.2.3, 1.2.3-beta.1, 1.2.3+build.123)
	semVerRegex = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)
)

// SemVer is a parsed semantic version.
type SemVer struct {
	Major      uint
	Minor      uint
	Patch      uint
	PreRelease string
	Build      string
}

// Parse parses a semantic version string
func Parse(version string) (*SemVer, error) {
	matches := semVerRegex.FindStringSubmatch(strings.TrimSpace(version))
	if matches == nil {
		return nil, errors.New("invalid semantic version format")
	}

	major, err := strconv.ParseUint(matches[1], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse major version")
	}

	minor, err := strconv.ParseUint(matches[2], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse minor version")
	}

	patch, err := strconv.ParseUint(matches[3], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse patch version")
	}

	return &SemVer{
		Major:      uint(major),
		Minor:      uint(minor),
		Patch:      uint(patch),
		PreRelease: matches[4],
		Build:      matches[5],
	}, nil
}

// String formats the version back into its canonical form.
func (v *SemVer) String() string {
	result := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		result += "-" + v.PreRelease
	}
	if v.Build != "" {
		result += "+" + v.Build
	}
	return result
}

// Compare compares two parsed versions following semver precedence rules.
// Returns:
//   - -1 if v1 < v2
//   -  0 if v1 = v2
//   -  1 if v1 > v2
func Compare(v1, v2 *SemVer) int {
	if v1.Major != v2.Major {
		if v1.Major < v2.Major {
			return -1
		}
		return 1
	}
	if v1.Minor != v2.Minor {
		if v1.Minor < v2.Minor {
			return -1
		}
		return 1
	}
	if v1.Patch != v2.Patch {
		if v1.Patch < v2.Patch {
			return -1
		}
		return 1
	}

	// A version without a pre-release tag has higher precedence than the
	// same version with one.
	if v1.PreRelease == "" && v2.PreRelease != "" {
		return 1
	}
	if v1.PreRelease != "" && v2.PreRelease == "" {
		return -1
	}
	if v1.PreRelease != "" && v2.PreRelease != "" {
		return comparePreRelease(v1.PreRelease, v2.PreRelease)
	}

	// Build metadata does not affect precedence
	return 0
}

func comparePreRelease(p1, p2 string) int {
	parts1 := strings.Split(p1, ".")
	parts2 := strings.Split(p2, ".")

	for i := 0; i < len(parts1) && i < len(parts2); i++ {
		// Numeric identifiers have lower precedence than non-numeric
		n1, isNum1 := parseNumericIdentifier(parts1[i])
		n2, isNum2 := parseNumericIdentifier(parts2[i])

		if isNum1 && !isNum2 {
			return -1
		}
		if !isNum1 && isNum2 {
			return 1
		}

		if isNum1 && isNum2 {
			if n1 != n2 {
				if n1 < n2 {
					return -1
				}
				return 1
			}
			continue
		}

		if parts1[i] != parts2[i] {
			if parts1[i] < parts2[i] {
				return -1
			}
			return 1
		}
	}

	// A pre-release with more identifiers has higher precedence
	if len(parts1) != len(parts2) {
		if len(parts1) < len(parts2) {
			return -1
		}
		return 1
	}
	return 0
}

func parseNumericIdentifier(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// CompareStrings parses and compares two semantic version strings.
// Returns an error when either string is not a valid semantic version.
func CompareStrings(v1Str, v2Str string) (int, error) {
	v1, err := Parse(v1Str)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid version %q", v1Str)
	}

	v2, err := Parse(v2Str)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid version %q", v2Str)
	}

	return Compare(v1, v2), nil
}
