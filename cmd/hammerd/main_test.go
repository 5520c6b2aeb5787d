// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunReportsErrors(t *testing.T) {
	dir := t.TempDir()
	*imageFile = filepath.Join(dir, "missing.fw")
	*tracePath = filepath.Join(dir, "trace.cbor")
	defer func() { *imageFile, *tracePath = "", "" }()

	require.ErrorIs(t, run(), os.ErrNotExist)
	// The image is read before the trace is created.
	_, err := os.Stat(*tracePath)
	require.ErrorIs(t, err, os.ErrNotExist)

	*configFile = filepath.Join(dir, "hammerd.yaml")
	defer func() { *configFile = "" }()
	require.NoError(t, os.WriteFile(*configFile, []byte("retries:\n  max_run_count: 0\n"), 0o600))
	require.Error(t, run())
}
