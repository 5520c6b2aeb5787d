// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLink mocks a claimed interface with variable write chunk handling.
type testLink struct {
	writes         [][]byte
	writeChunkSize int // max bytes accepted per call, 0 = all
	writeErr       error
	reads          [][]byte
	readErr        error
	chunkLength    int
	closed         int
}

func (l *testLink) Write(ctx context.Context, data []byte) (int, error) {
	if l.writeErr != nil {
		return 0, l.writeErr
	}
	n := len(data)
	if l.writeChunkSize != 0 && l.writeChunkSize < n {
		n = l.writeChunkSize
	}
	l.writes = append(l.writes, append([]byte{}, data[:n]...))
	return n, nil
}

func (l *testLink) Read(ctx context.Context, buf []byte) (int, error) {
	if len(l.reads) == 0 {
		if l.readErr != nil {
			return 0, l.readErr
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	n := copy(buf, l.reads[0])
	l.reads = l.reads[1:]
	return n, nil
}

func (l *testLink) ChunkLength() int      { return l.chunkLength }
func (l *testLink) Configuration() string { return "hammer_v1.0.0" }
func (l *testLink) Close() error {
	l.closed++
	return nil
}

var testDeviceID = NewDeviceID(0x18d1, 0x5022, 1, 2)

func newTestEndpoint(t *testing.T, id DeviceID, open opener) (*Endpoint, *[]time.Duration) {
	t.Helper()
	endpoint := NewEndpoint(id, nil, WithTimeout(20*time.Millisecond))
	endpoint.open = open
	var sleeps []time.Duration
	endpoint.TstSetSleep(func(d time.Duration) { sleeps = append(sleeps, d) })
	t.Cleanup(endpoint.Close)
	return endpoint, &sleeps
}

func TestConnectRetries(t *testing.T) {
	testLink := &testLink{chunkLength: 64}
	attempts := 0
	endpoint, sleeps := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		attempts++
		if attempts < 3 {
			return nil, ErrDeviceNotFound
		}
		return testLink, nil
	})
	require.NoError(t, endpoint.Connect())
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{DefaultConnectBackoff, 2 * DefaultConnectBackoff}, *sleeps)
	require.True(t, endpoint.IsConnected())
	require.Equal(t, 64, endpoint.ChunkLength())
	require.Equal(t, "hammer_v1.0.0", endpoint.ConfigurationString())

	// Connecting again is a no-op.
	require.NoError(t, endpoint.Connect())
	require.Equal(t, 3, attempts)
}

func TestConnectGivesUp(t *testing.T) {
	attempts := 0
	endpoint, sleeps := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		attempts++
		return nil, ErrDeviceNotFound
	})
	require.ErrorIs(t, endpoint.Connect(), ErrDeviceNotFound)
	require.Equal(t, DefaultConnectRetries+1, attempts)
	require.Len(t, *sleeps, DefaultConnectRetries)
	require.False(t, endpoint.IsConnected())

	// The device is released after a failed connect.
	other, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		return &testLink{}, nil
	})
	require.NoError(t, other.Connect())
}

func TestConnectBusyInterfaceIsNotRetried(t *testing.T) {
	attempts := 0
	endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		attempts++
		return nil, ErrInterfaceBusy
	})
	require.ErrorIs(t, endpoint.Connect(), ErrInterfaceBusy)
	require.Equal(t, 1, attempts)
}

func TestExclusiveAccess(t *testing.T) {
	open := func(id DeviceID) (link, error) { return &testLink{}, nil }
	first, _ := newTestEndpoint(t, testDeviceID, open)
	second, _ := newTestEndpoint(t, testDeviceID, open)

	require.NoError(t, first.Connect())
	require.ErrorIs(t, second.Connect(), ErrDeviceBusy)

	// Another device is independent.
	otherID := testDeviceID
	otherID.Port = 3
	third, _ := newTestEndpoint(t, otherID, open)
	require.NoError(t, third.Connect())

	first.Close()
	require.NoError(t, second.Connect())
}

func TestCloseIdempotent(t *testing.T) {
	testLink := &testLink{}
	endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		return testLink, nil
	})
	endpoint.Close()
	require.NoError(t, endpoint.Connect())
	endpoint.Close()
	endpoint.Close()
	require.Equal(t, 1, testLink.closed)
	require.False(t, endpoint.IsConnected())

	require.ErrorIs(t, endpoint.Send([]byte{1}), ErrConnectionClosed)
	_, err := endpoint.Receive(4, 0)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.Equal(t, 0, endpoint.Flush())
}

func TestSendChunks(t *testing.T) {
	tests := []struct {
		name        string
		length      int
		chunkLength int
		writes      []int
	}{
		{name: "empty", length: 0, chunkLength: 64, writes: nil},
		{name: "single packet", length: 12, chunkLength: 64, writes: []int{12}},
		{name: "exact packets", length: 128, chunkLength: 64, writes: []int{64, 64}},
		{name: "partial last packet", length: 140, chunkLength: 64, writes: []int{64, 64, 12}},
		{name: "unknown packet size", length: 140, chunkLength: 0, writes: []int{140}},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			testLink := &testLink{chunkLength: test.chunkLength}
			endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
				return testLink, nil
			})
			require.NoError(t, endpoint.Connect())

			data := bytes.Repeat([]byte{0xa5}, test.length)
			require.NoError(t, endpoint.Send(data))
			var lengths []int
			for _, write := range testLink.writes {
				lengths = append(lengths, len(write))
			}
			require.Equal(t, test.writes, lengths)
			require.Equal(t, data, bytes.Join(testLink.writes, nil))
		})
	}
}

func TestSendErrors(t *testing.T) {
	testLink := &testLink{chunkLength: 64, writeChunkSize: 10}
	endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		return testLink, nil
	})
	require.NoError(t, endpoint.Connect())

	err := endpoint.Send(make([]byte, 20))
	require.ErrorIs(t, err, ErrTransport)
	require.Contains(t, err.Error(), "short write: sent 10/20 bytes")

	testLink.writeErr = errors.New("libusb: i/o error")
	require.ErrorIs(t, endpoint.Send([]byte{1}), ErrTransport)

	testLink.writeErr = context.DeadlineExceeded
	require.ErrorIs(t, endpoint.Send([]byte{1}), ErrTimeout)
}

func TestReceive(t *testing.T) {
	testLink := &testLink{reads: [][]byte{{1, 2, 3, 4, 5}}}
	endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		return testLink, nil
	})
	require.NoError(t, endpoint.Connect())

	data, err := endpoint.Receive(4, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	_, err = endpoint.Receive(4, 5*time.Millisecond)
	require.True(t, IsTimeout(err))

	testLink.readErr = ErrTransport
	_, err = endpoint.Receive(4, 0)
	require.ErrorIs(t, err, ErrTransport)
}

func TestFlush(t *testing.T) {
	testLink := &testLink{reads: [][]byte{{1, 2, 3}, {4}}}
	endpoint, _ := newTestEndpoint(t, testDeviceID, func(id DeviceID) (link, error) {
		return testLink, nil
	})
	require.NoError(t, endpoint.Connect())
	require.Equal(t, 4, endpoint.Flush())
	require.Equal(t, 0, endpoint.Flush())
}

func TestDeviceIDString(t *testing.T) {
	require.Equal(t, "18d1:5022", testDeviceID.String())
	require.Equal(t, -1, testDeviceID.Bus)
	require.Equal(t, testDeviceID, NewEndpoint(testDeviceID, nil).ID())
}
