// SPDX-License-Identifier: Apache-2.0

// Package emulator emulates the device side of the base EC update protocol in memory. It
// implements the transport endpoint the updater talks through.
package emulator

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/entropy"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"golang.org/x/crypto/curve25519"
)

// Faults injects failures. Counters are decremented as faults are triggered.
type Faults struct {
	// ConnectFailures fails that many Connect calls with usb.ErrDeviceNotFound.
	ConnectFailures int
	// FailBlocks answers that many write blocks at an offset with UpdateWriteFailure.
	FailBlocks map[uint32]int
	// DropAcks leaves that many write blocks unanswered.
	DropAcks int
	// VerifyFailure answers done with ResultInvalidChecksum.
	VerifyFailure bool
	// CorruptAuthenticator flips a bit of the pair challenge authenticator.
	CorruptAuthenticator bool
	// DropPairResponse leaves pair challenges unanswered.
	DropPairResponse bool
	// CorruptFirstResponse flips a bit of the first response's protocol version.
	CorruptFirstResponse bool
}

// Device is an emulated base. Exported fields configure it and must be set before use.
type Device struct {
	// HeaderType of the first response. Defaults to pdu.HeaderTypeSections.
	HeaderType uint16
	// MaximumPDUSize defaults to 1024.
	MaximumPDUSize uint32
	// FlashProtection bits reported in the first response.
	FlashProtection uint32
	MinRollback     int32
	KeyVersion      uint32
	// PacketSize is the max packet size of the endpoints. Defaults to 64.
	PacketSize int
	// Configuration is the configuration string descriptor.
	Configuration string
	// Faults to inject.
	Faults Faults

	mutex sync.Mutex
	flash []byte
	// Layout of the two sections in flash.
	sections [2]firmware.Section
	versions [2]string
	running  common.SectionName

	present   bool
	connected bool
	responses [][]byte
	// jumpOnRead makes RO jump to RW after its pending response is read.
	jumpOnRead bool

	pendingUnlockRW  bool
	pendingUnlockRB  bool
	written          bool
	entropy          []byte
	privateKey       []byte
	commands         []pdu.Command
	entropyInjection int
}

// New returns a device whose flash holds image, running section running. The image must be
// valid.
func New(image []byte, running common.SectionName) (*Device, error) {
	parsed, err := firmware.ParseImage(image)
	if err != nil {
		return nil, err
	}
	device := &Device{
		HeaderType:     pdu.HeaderTypeSections,
		MaximumPDUSize: 1024,
		PacketSize:     64,
		flash:          append([]byte{}, image...),
		running:        running,
		present:        true,
	}
	for _, name := range common.Sections {
		section, _ := parsed.Section(name)
		device.sections[name] = section
		device.versions[name] = section.Version
	}
	seed := sha256.Sum256([]byte("emulated base entropy"))
	device.setEntropy(seed[:])
	return device, nil
}

func (device *Device) setEntropy(data []byte) {
	device.entropy = append([]byte{}, data...)
	device.privateKey = nil
	if len(data) == 0 {
		return
	}
	key := sha256.Sum256(data)
	device.privateKey = key[:]
}

// ClearEntropy makes the device forget its injected entropy, so that pairing needs a new
// injection.
func (device *Device) ClearEntropy() {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.setEntropy(nil)
}

// Entropy returns the last injected entropy.
func (device *Device) Entropy() []byte {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return append([]byte{}, device.entropy...)
}

// EntropyInjections returns the number of accepted entropy injections.
func (device *Device) EntropyInjections() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.entropyInjection
}

// PublicKey returns the device's X25519 public key.
func (device *Device) PublicKey() ([]byte, error) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if device.privateKey == nil {
		return nil, errp.New("no entropy injected")
	}
	return curve25519.X25519(device.privateKey, curve25519.Basepoint)
}

// Flash returns a copy of the flash contents.
func (device *Device) Flash() []byte {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return append([]byte{}, device.flash...)
}

// EraseSection erases a section, as on a base whose RW update was interrupted.
func (device *Device) EraseSection(name common.SectionName) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	section := device.sections[name]
	for i := section.Offset; i < section.Offset+section.Size; i++ {
		device.flash[i] = 0xff
	}
	device.versions[name] = ""
}

// Running returns the section the device runs.
func (device *Device) Running() common.SectionName {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.running
}

// Version returns the device's version of a section.
func (device *Device) Version(name common.SectionName) string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.versions[name]
}

// Commands returns the commands received so far.
func (device *Device) Commands() []pdu.Command {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return append([]pdu.Command{}, device.commands...)
}

// SetPresent attaches or detaches the device. Detaching drops the connection.
func (device *Device) SetPresent(present bool) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.present = present
	if !present {
		device.disconnect()
	}
}

// Present reports whether the device is attached. It matches usb.PresenceFunc.
func (device *Device) Present(vendorID, productID uint16) (bool, error) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.present, nil
}

// Connect implements firmware.Endpoint.
func (device *Device) Connect() error {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if device.Faults.ConnectFailures > 0 {
		device.Faults.ConnectFailures--
		return errp.WithMessage(usb.ErrDeviceNotFound, "emulated enumeration failure")
	}
	if !device.present {
		return errp.WithStack(usb.ErrDeviceNotFound)
	}
	device.connected = true
	return nil
}

// Close implements firmware.Endpoint.
func (device *Device) Close() {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.disconnect()
}

func (device *Device) disconnect() {
	device.connected = false
	device.responses = nil
	if device.jumpOnRead {
		device.jump()
	}
}

// IsConnected implements firmware.Endpoint.
func (device *Device) IsConnected() bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.connected
}

// ChunkLength implements firmware.Endpoint.
func (device *Device) ChunkLength() int {
	return device.PacketSize
}

// ConfigurationString implements firmware.Endpoint.
func (device *Device) ConfigurationString() string {
	return device.Configuration
}

// Flush implements firmware.Endpoint.
func (device *Device) Flush() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	flushed := 0
	for _, response := range device.responses {
		flushed += len(response)
	}
	device.responses = nil
	return flushed
}

// Receive implements firmware.Endpoint. Without a pending response it fails with
// usb.ErrTimeout right away.
func (device *Device) Receive(maxLen int, timeout time.Duration) ([]byte, error) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if !device.connected {
		return nil, errp.WithStack(usb.ErrConnectionClosed)
	}
	if len(device.responses) == 0 {
		return nil, errp.WithStack(usb.ErrTimeout)
	}
	response := device.responses[0]
	device.responses = device.responses[1:]
	if len(response) > maxLen {
		response = response[:maxLen]
	}
	if device.jumpOnRead {
		device.jump()
	}
	return response, nil
}

// Send implements firmware.Endpoint. Every call carries one complete request.
func (device *Device) Send(data []byte) error {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if !device.connected {
		return errp.WithStack(usb.ErrConnectionClosed)
	}
	if pdu.IsDone(data) {
		device.handleDone()
		return nil
	}
	header, err := pdu.ParseHeader(data)
	if err != nil {
		return nil
	}
	request, err := pdu.Decode(data)
	if err != nil {
		// Corrupted blocks are rejected, everything else is ignored like garbage on the wire.
		if header.Base != pdu.ExtraCommandMarker && header.BlockSize > pdu.HeaderSize {
			device.respond([]byte{byte(pdu.UpdateDataError), 0, 0, 0})
		}
		return nil
	}
	device.commands = append(device.commands, request.Command)
	switch request.Command.Kind {
	case pdu.KindFirst:
		device.handleFirst()
	case pdu.KindBlock:
		device.handleBlock(request.Command.Base, request.Payload)
	case pdu.KindExtra:
		device.handleExtra(request.Command.Extra, request.Payload)
	}
	return nil
}

func (device *Device) respond(response []byte) {
	device.responses = append(device.responses, response)
}

func (device *Device) writable() common.SectionName {
	return device.running.Other()
}

func (device *Device) handleFirst() {
	response := &pdu.FirstResponse{
		HeaderType:      device.HeaderType,
		ProtocolVersion: pdu.ProtocolVersion,
		MaximumPDUSize:  device.MaximumPDUSize,
		FlashProtection: device.FlashProtection,
		Offset:          device.sections[device.writable()].Offset,
		Version:         device.versions[device.running],
		MinRollback:     device.MinRollback,
		KeyVersion:      device.KeyVersion,
		ROVersion:       device.versions[common.SectionRO],
		RWVersion:       device.versions[common.SectionRW],
	}
	if device.Faults.CorruptFirstResponse {
		response.ProtocolVersion ^= 1
	}
	device.written = false
	device.respond(response.Bytes())
}

func (device *Device) locked(name common.SectionName) bool {
	if name == common.SectionRO {
		return device.FlashProtection&pdu.FlashProtectRONow != 0
	}
	return device.FlashProtection&(pdu.FlashProtectRWNow|pdu.FlashProtectAllNow) != 0
}

func (device *Device) handleBlock(offset uint32, payload []byte) {
	if device.Faults.DropAcks > 0 {
		device.Faults.DropAcks--
		return
	}
	if device.Faults.FailBlocks[offset] > 0 {
		device.Faults.FailBlocks[offset]--
		device.respond([]byte{byte(pdu.UpdateWriteFailure), 0, 0, 0})
		return
	}
	section := device.sections[device.writable()]
	end := uint64(offset) + uint64(len(payload))
	if offset < section.Offset || end > uint64(section.Offset)+uint64(section.Size) {
		device.respond([]byte{byte(pdu.UpdateBadAddr), 0, 0, 0})
		return
	}
	if device.locked(device.writable()) {
		device.respond([]byte{byte(pdu.UpdateWriteFailure), 0, 0, 0})
		return
	}
	if !device.written {
		// The first block erases the section.
		for i := section.Offset; i < section.Offset+section.Size; i++ {
			device.flash[i] = 0xff
		}
		device.written = true
	}
	copy(device.flash[offset:], payload)
	device.respond([]byte{byte(pdu.UpdateSuccess), 0, 0, 0})
}

func (device *Device) handleDone() {
	if device.Faults.VerifyFailure {
		device.respond([]byte{byte(pdu.ResultInvalidChecksum)})
		return
	}
	if device.written {
		image, err := firmware.ParseImage(device.flash)
		if err != nil {
			device.versions[device.writable()] = ""
			device.respond([]byte{byte(pdu.ResultError)})
			return
		}
		section, _ := image.Section(device.writable())
		device.versions[device.writable()] = section.Version
	}
	device.respond([]byte{byte(pdu.ResultSuccess)})
}

func (device *Device) handleExtra(cmd common.UpdateExtraCommand, body []byte) {
	switch cmd {
	case common.ImmediateReset:
		device.reset()
		device.connected = false
	case common.JumpToRW:
		if device.running == common.SectionRO && device.versions[common.SectionRW] != "" {
			device.respond([]byte{byte(pdu.ResultSuccess)})
			device.jumpOnRead = true
			return
		}
		device.respond([]byte{byte(pdu.ResultInvalidCommand)})
	case common.StayInRO:
		device.respond([]byte{byte(pdu.ResultSuccess)})
	case common.UnlockRW:
		device.pendingUnlockRW = true
		device.respond([]byte{byte(pdu.ResultSuccess)})
	case common.UnlockRollback:
		device.pendingUnlockRB = true
		device.respond([]byte{byte(pdu.ResultSuccess)})
	case common.InjectEntropy:
		switch {
		case device.running != common.SectionRO:
			device.respond([]byte{byte(pdu.ResultAccessDenied)})
		case len(body) != entropy.Size:
			device.respond([]byte{byte(pdu.ResultInvalidParam)})
		default:
			device.setEntropy(body)
			device.entropyInjection++
			device.respond([]byte{byte(pdu.ResultSuccess)})
		}
	case common.PairChallenge:
		device.handlePair(body)
	default:
		device.respond([]byte{byte(pdu.ResultInvalidCommand)})
	}
}

func (device *Device) handlePair(body []byte) {
	if device.Faults.DropPairResponse {
		return
	}
	if device.running != common.SectionRW {
		device.respond([]byte{byte(pdu.ResultInvalidCommand)})
		return
	}
	if device.privateKey == nil {
		device.respond([]byte{byte(pdu.ResultUnavailable)})
		return
	}
	request, err := pdu.ParsePairRequest(body)
	if err != nil {
		device.respond([]byte{byte(pdu.ResultInvalidParam)})
		return
	}
	publicKey, err := curve25519.X25519(device.privateKey, curve25519.Basepoint)
	if err != nil {
		device.respond([]byte{byte(pdu.ResultError)})
		return
	}
	secret, err := curve25519.X25519(device.privateKey, request.PublicKey[:])
	if err != nil {
		device.respond([]byte{byte(pdu.ResultInvalidParam)})
		return
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(request.Nonce[:])
	response := &pdu.PairResponse{Status: pdu.ResultSuccess}
	copy(response.PublicKey[:], publicKey)
	copy(response.Authenticator[:], mac.Sum(nil))
	if device.Faults.CorruptAuthenticator {
		response.Authenticator[0] ^= 0x01
	}
	device.respond(response.Bytes())
}

// reset reboots the device into RO. Pending unlocks take effect. RO stays until asked to jump.
func (device *Device) reset() {
	device.jumpOnRead = false
	device.responses = nil
	if device.pendingUnlockRW {
		device.FlashProtection &^= pdu.FlashProtectRWNow | pdu.FlashProtectAllNow
		device.pendingUnlockRW = false
	}
	if device.pendingUnlockRB {
		device.FlashProtection &^= pdu.FlashProtectRollbackNow
		device.pendingUnlockRB = false
	}
	device.running = common.SectionRO
	device.connected = false
}

// jump boots RW, dropping the connection.
func (device *Device) jump() {
	device.jumpOnRead = false
	device.responses = nil
	device.running = common.SectionRW
	device.connected = false
}

func (device *Device) String() string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return fmt.Sprintf("emulated base (running %s, RO %q, RW %q)",
		device.running, device.versions[common.SectionRO], device.versions[common.SectionRW])
}
