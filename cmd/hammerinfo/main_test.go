// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunInvalidConfig(t *testing.T) {
	*configFile = filepath.Join(t.TempDir(), "hammerd.yaml")
	defer func() { *configFile = "" }()
	require.ErrorIs(t, run(), os.ErrNotExist)

	require.NoError(t, os.WriteFile(*configFile, []byte("device: ["), 0o600))
	require.Error(t, run())
}
