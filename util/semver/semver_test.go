// SPDX-License-Identifier: Apache-2.0

package semver_test

import (
	"testing"

	"github.com/hammerd/hammerd-api-go/util/semver"
	"github.com/stretchr/testify/require"
)

func TestNewSemVerFromString(t *testing.T) {
	for _, test := range []struct {
		input    string
		expected string
	}{
		{"1.0.0", "1.0.0"},
		{"v2.13.4", "2.13.4"},
		{"hammer_v1.1.0-5f4a1c0", "1.1.0"},
		{"staff_v0.0.12-dirty", "0.0.12"},
	} {
		t.Run(test.input, func(t *testing.T) {
			version, err := semver.NewSemVerFromString(test.input)
			require.NoError(t, err)
			require.Equal(t, test.expected, version.String())
		})
	}

	for _, invalid := range []string{"", "hammer", "1.2", "v99999.0.0"} {
		_, err := semver.NewSemVerFromString(invalid)
		require.Error(t, err, invalid)
	}
}

func TestAtLeast(t *testing.T) {
	v := semver.NewSemVer(1, 2, 3)
	require.True(t, v.AtLeast(semver.NewSemVer(1, 2, 3)))
	require.True(t, v.AtLeast(semver.NewSemVer(1, 2, 2)))
	require.True(t, v.AtLeast(semver.NewSemVer(0, 9, 9)))
	require.False(t, v.AtLeast(semver.NewSemVer(1, 3, 0)))
	require.False(t, v.AtLeast(semver.NewSemVer(2, 0, 0)))
	require.True(t, v.Less(semver.NewSemVer(1, 2, 4)))
	require.False(t, v.Less(semver.NewSemVer(1, 2, 3)))
}
