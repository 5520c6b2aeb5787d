// SPDX-License-Identifier: Apache-2.0

package usb

import "errors"

// Transport errors. Errors returned by this package match one of these with errors.Is.
var (
	// ErrDeviceNotFound is returned if no device matches the DeviceID, or it does not expose the
	// update interface. The device may still be re-enumerating after a reset.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInterfaceBusy is returned if the update interface could not be claimed, e.g. because
	// another process holds it.
	ErrInterfaceBusy = errors.New("interface busy")
	// ErrDeviceBusy is returned if another Endpoint of this process is connected to the device.
	ErrDeviceBusy = errors.New("device busy")
	// ErrTransport is returned for failed or short bulk transfers and device removal.
	ErrTransport = errors.New("transport error")
	// ErrTimeout is returned if a transfer did not complete within its timeout.
	ErrTimeout = errors.New("transport timeout")
	// ErrConnectionClosed is returned by transfers on an endpoint that is not connected.
	ErrConnectionClosed = errors.New("connection closed")
)

// IsTimeout returns true if err is a transfer timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
