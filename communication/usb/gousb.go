// SPDX-License-Identifier: Apache-2.0

package usb

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/gousb"
	"github.com/hammerd/hammerd-api-go/util/errp"
)

// The update interface of the base EC.
const (
	updateClass    = gousb.ClassVendorSpec
	updateSubClass = gousb.Class(0x53)
	updateProtocol = gousb.Protocol(0xff)
)

type gousbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	configuration string
}

// openGousb opens the first device matching id and claims its update interface.
func openGousb(id DeviceID) (link, error) {
	l := &gousbLink{ctx: gousb.NewContext()}
	devices, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == id.VendorID && uint16(desc.Product) == id.ProductID &&
			(id.Bus < 0 || desc.Bus == id.Bus) && (id.Port < 0 || desc.Port == id.Port)
	})
	// OpenDevices returns the devices it could open even if others failed.
	if len(devices) == 0 {
		_ = l.Close()
		if err != nil {
			return nil, translate(err)
		}
		return nil, errp.WithMessagef(ErrDeviceNotFound, "no device %s", id)
	}
	l.dev = devices[0]
	for _, dev := range devices[1:] {
		_ = dev.Close()
	}

	if err := l.dev.SetAutoDetach(true); err != nil {
		_ = l.Close()
		return nil, translate(err)
	}
	configNum, err := l.dev.ActiveConfigNum()
	if err != nil {
		_ = l.Close()
		return nil, translate(err)
	}
	configDesc, ok := l.dev.Desc.Configs[configNum]
	if !ok {
		_ = l.Close()
		return nil, errp.WithMessagef(ErrDeviceNotFound, "%s: no descriptor of config %d", id, configNum)
	}
	setting, ok := findUpdateInterface(configDesc)
	if !ok {
		_ = l.Close()
		return nil, errp.WithMessagef(ErrDeviceNotFound, "%s: USB FW update not supported by that device", id)
	}

	l.cfg, err = l.dev.Config(configNum)
	if err != nil {
		_ = l.Close()
		return nil, translate(err)
	}
	l.intf, err = l.cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		_ = l.Close()
		return nil, translate(err)
	}

	inNum, outNum := endpointNumbers(setting, id.InEndpoint, id.OutEndpoint)
	if l.in, err = l.intf.InEndpoint(inNum); err != nil {
		_ = l.Close()
		return nil, errp.WithMessagef(ErrDeviceNotFound, "%s: IN endpoint %d: %v", id, inNum, err)
	}
	if l.out, err = l.intf.OutEndpoint(outNum); err != nil {
		_ = l.Close()
		return nil, errp.WithMessagef(ErrDeviceNotFound, "%s: OUT endpoint %d: %v", id, outNum, err)
	}
	// Not every device has a configuration string.
	l.configuration, _ = l.dev.ConfigDescription(configNum)
	return l, nil
}

func findUpdateInterface(config gousb.ConfigDesc) (gousb.InterfaceSetting, bool) {
	for _, intf := range config.Interfaces {
		for _, setting := range intf.AltSettings {
			if setting.Class == updateClass && setting.SubClass == updateSubClass &&
				setting.Protocol == updateProtocol {
				return setting, true
			}
		}
	}
	return gousb.InterfaceSetting{}, false
}

// endpointNumbers picks the IN and OUT endpoint numbers on the update interface. A requested
// number the interface does not have, or 0, falls back to the interface's lowest endpoint of that
// direction, or to its lowest endpoint at all: the base uses one number for both directions.
func endpointNumbers(setting gousb.InterfaceSetting, in, out int) (int, int) {
	var ins, outs []int
	for _, endpoint := range setting.Endpoints {
		if endpoint.Direction == gousb.EndpointDirectionIn {
			ins = append(ins, endpoint.Number)
		} else {
			outs = append(outs, endpoint.Number)
		}
	}
	slices.Sort(ins)
	slices.Sort(outs)
	return pickEndpoint(in, ins, outs), pickEndpoint(out, outs, ins)
}

func pickEndpoint(requested int, same, other []int) int {
	switch {
	case requested != 0 && slices.Contains(same, requested):
		return requested
	case len(same) > 0:
		return same[0]
	case len(other) > 0:
		return other[0]
	default:
		return requested
	}
}

func (l *gousbLink) Write(ctx context.Context, data []byte) (int, error) {
	n, err := l.out.WriteContext(ctx, data)
	return n, translate(err)
}

func (l *gousbLink) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := l.in.ReadContext(ctx, buf)
	return n, translate(err)
}

func (l *gousbLink) ChunkLength() int {
	return l.out.Desc.MaxPacketSize
}

func (l *gousbLink) Configuration() string {
	return l.configuration
}

func (l *gousbLink) Close() error {
	if l.intf != nil {
		l.intf.Close()
		l.intf = nil
	}
	var err error
	if l.cfg != nil {
		err = l.cfg.Close()
		l.cfg = nil
	}
	if l.dev != nil {
		if closeErr := l.dev.Close(); err == nil {
			err = closeErr
		}
		l.dev = nil
	}
	if l.ctx != nil {
		if closeErr := l.ctx.Close(); err == nil {
			err = closeErr
		}
		l.ctx = nil
	}
	return errp.WithStack(err)
}

// translate maps libusb errors onto the transport errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errp.WithStack(ErrTimeout)
	}
	var status gousb.TransferStatus
	if errors.As(err, &status) {
		switch status {
		case gousb.TransferTimedOut, gousb.TransferCancelled:
			return errp.WithStack(ErrTimeout)
		case gousb.TransferNoDevice:
			return errp.WithMessage(ErrTransport, "device removed")
		default:
			return errp.WithMessage(ErrTransport, status.String())
		}
	}
	var usbErr gousb.Error
	if errors.As(err, &usbErr) {
		switch usbErr {
		case gousb.ErrorTimeout:
			return errp.WithStack(ErrTimeout)
		case gousb.ErrorBusy:
			return errp.WithMessage(ErrInterfaceBusy, usbErr.Error())
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return errp.WithMessage(ErrDeviceNotFound, usbErr.Error())
		}
		return errp.WithMessage(ErrTransport, usbErr.Error())
	}
	// Claiming an interface reports libusb errors as text only.
	if strings.Contains(err.Error(), gousb.ErrorBusy.Error()) {
		return errp.WithMessage(ErrInterfaceBusy, err.Error())
	}
	return errp.WithMessage(ErrTransport, err.Error())
}
