// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlog(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	logger = With(logger, "session", "abc")

	logger.Info("connected")
	logger.Debug("sent 12 bytes")
	logger.Error("transfer failed", errors.New("stall"))

	out := buf.String()
	require.Contains(t, out, "msg=connected")
	require.Contains(t, out, "session=abc")
	require.Contains(t, out, "level=DEBUG")
	require.Contains(t, out, "error=stall")
}

func TestOrNop(t *testing.T) {
	require.Equal(t, Nop{}, OrNop(nil))
	logger := NewSlog(nil)
	require.Equal(t, logger, OrNop(logger))
	require.Equal(t, Logger(Nop{}), With(Nop{}, "a", 1))
}

func TestGlog(t *testing.T) {
	var logger Logger = Glog{}
	require.Equal(t, logger, OrNop(logger))
	require.Equal(t, logger, With(logger, "device", "18d1:5022"))
	logger.Info("connected")
	logger.Debug("sent 12 bytes")
	logger.Error("transfer failed", errors.New("stall"))
}
