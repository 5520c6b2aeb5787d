// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/karalabe/hid"
)

// PresenceFunc reports whether a device with the given ids is attached.
type PresenceFunc func(vendorID, productID uint16) (bool, error)

// Present reports whether the HID interfaces of the device are enumerated. Bases expose their
// keyboard and touchpad as HID interfaces next to the update interface, so a base can be found
// even while another process holds the update interface.
func Present(vendorID, productID uint16) (bool, error) {
	if !hid.Supported() {
		return false, errp.New("HID enumeration is not supported on this platform")
	}
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return false, errp.WithStack(err)
	}
	return len(infos) > 0, nil
}
