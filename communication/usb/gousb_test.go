// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	require.NoError(t, translate(nil))
	tests := []struct {
		err      error
		expected error
	}{
		{gousb.ErrorBusy, ErrInterfaceBusy},
		{gousb.ErrorNoDevice, ErrDeviceNotFound},
		{gousb.ErrorNotFound, ErrDeviceNotFound},
		{gousb.ErrorTimeout, ErrTimeout},
		{gousb.ErrorIO, ErrTransport},
		{gousb.TransferTimedOut, ErrTimeout},
		{gousb.TransferCancelled, ErrTimeout},
		{gousb.TransferNoDevice, ErrTransport},
		{gousb.TransferStall, ErrTransport},
		{context.DeadlineExceeded, ErrTimeout},
		{context.Canceled, ErrTimeout},
		{fmt.Errorf("read: %w", gousb.TransferTimedOut), ErrTimeout},
		{fmt.Errorf("claim interface 0: %s", gousb.ErrorBusy.Error()), ErrInterfaceBusy},
		{errors.New("something else"), ErrTransport},
	}
	for _, test := range tests {
		t.Run(test.err.Error(), func(t *testing.T) {
			require.ErrorIs(t, translate(test.err), test.expected)
		})
	}
}

func endpointDesc(number int, direction gousb.EndpointDirection) gousb.EndpointDesc {
	address := gousb.EndpointAddress(number)
	if direction == gousb.EndpointDirectionIn {
		address |= 0x80
	}
	return gousb.EndpointDesc{
		Address:       address,
		Number:        number,
		Direction:     direction,
		MaxPacketSize: 64,
		TransferType:  gousb.TransferTypeBulk,
	}
}

func interfaceSetting(number, alternate int, subClass gousb.Class,
	endpoints ...gousb.EndpointDesc) gousb.InterfaceSetting {
	setting := gousb.InterfaceSetting{
		Number:    number,
		Alternate: alternate,
		Class:     gousb.ClassVendorSpec,
		SubClass:  subClass,
		Protocol:  gousb.Protocol(0xff),
		Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{},
	}
	for _, endpoint := range endpoints {
		setting.Endpoints[endpoint.Address] = endpoint
	}
	return setting
}

func TestFindUpdateInterface(t *testing.T) {
	update := interfaceSetting(1, 1, gousb.Class(0x53),
		endpointDesc(2, gousb.EndpointDirectionIn), endpointDesc(2, gousb.EndpointDirectionOut))
	config := gousb.ConfigDesc{
		Number: 1,
		Interfaces: []gousb.InterfaceDesc{
			{Number: 0, AltSettings: []gousb.InterfaceSetting{
				interfaceSetting(0, 0, gousb.Class(0x51), endpointDesc(1, gousb.EndpointDirectionIn)),
			}},
			{Number: 1, AltSettings: []gousb.InterfaceSetting{
				interfaceSetting(1, 0, gousb.Class(0x51)),
				update,
			}},
		},
	}
	setting, ok := findUpdateInterface(config)
	require.True(t, ok)
	require.Equal(t, 1, setting.Number)
	require.Equal(t, 1, setting.Alternate)

	// The subclass alone is not enough.
	update.Protocol = gousb.Protocol(0x01)
	config.Interfaces[1].AltSettings[1] = update
	_, ok = findUpdateInterface(config)
	require.False(t, ok)

	_, ok = findUpdateInterface(gousb.ConfigDesc{})
	require.False(t, ok)
}

func TestEndpointNumbers(t *testing.T) {
	shared := interfaceSetting(0, 0, gousb.Class(0x53),
		endpointDesc(1, gousb.EndpointDirectionIn), endpointDesc(1, gousb.EndpointDirectionOut))
	split := interfaceSetting(0, 0, gousb.Class(0x53),
		endpointDesc(3, gousb.EndpointDirectionIn), endpointDesc(5, gousb.EndpointDirectionIn),
		endpointDesc(4, gousb.EndpointDirectionOut))
	outOnly := interfaceSetting(0, 0, gousb.Class(0x53), endpointDesc(2, gousb.EndpointDirectionOut))

	tests := []struct {
		name        string
		setting     gousb.InterfaceSetting
		in, out     int
		expectedIn  int
		expectedOut int
	}{
		{"discovered", shared, 0, 0, 1, 1},
		{"missing numbers fall back", shared, 1, 2, 1, 1},
		{"lowest of a direction", split, 0, 0, 3, 4},
		{"requested numbers kept", split, 5, 4, 5, 4},
		{"other direction", outOnly, 0, 0, 2, 2},
		{"nothing to discover", interfaceSetting(0, 0, gousb.Class(0x53)), 1, 2, 1, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			in, out := endpointNumbers(test.setting, test.in, test.out)
			require.Equal(t, test.expectedIn, in)
			require.Equal(t, test.expectedOut, out)
		})
	}
}
