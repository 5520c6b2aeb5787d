// SPDX-License-Identifier: Apache-2.0

// Package semver parses the version strings EC firmware reports, such as
// "hammer_v1.2.3-5f4a1c0".
package semver

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hammerd/hammerd-api-go/util/errp"
)

var versionRegexp = regexp.MustCompile(`v?([0-9]+)\.([0-9]+)\.([0-9]+)`)

// SemVer is a major.minor.patch version.
type SemVer struct {
	major uint16
	minor uint16
	patch uint16
}

// NewSemVer creates a new SemVer.
func NewSemVer(major, minor, patch uint16) *SemVer {
	return &SemVer{major: major, minor: minor, patch: patch}
}

// NewSemVerFromString parses the first "X.Y.Z" found in version, optionally prefixed by "v".
// Board prefixes ("hammer_") and build suffixes ("-5f4a1c0") are ignored.
func NewSemVerFromString(version string) (*SemVer, error) {
	match := versionRegexp.FindStringSubmatch(version)
	if len(match) != 4 {
		return nil, errp.Newf("Could not find the version in '%s'.", version)
	}
	var parts [3]uint16
	for i := range parts {
		value, err := strconv.ParseUint(match[i+1], 10, 16)
		if err != nil {
			return nil, errp.WithMessagef(errp.WithStack(err), "invalid version '%s'", version)
		}
		parts[i] = uint16(value)
	}
	return NewSemVer(parts[0], parts[1], parts[2]), nil
}

// AtLeast returns true if this version is equal to or newer than other.
func (version *SemVer) AtLeast(other *SemVer) bool {
	if version.major != other.major {
		return version.major > other.major
	}
	if version.minor != other.minor {
		return version.minor > other.minor
	}
	return version.patch >= other.patch
}

// Less returns true if this version is strictly older than other.
func (version *SemVer) Less(other *SemVer) bool {
	return !version.AtLeast(other)
}

func (version *SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", version.major, version.minor, version.patch)
}
