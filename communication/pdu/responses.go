// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/hammerd/hammerd-api-go/util/errp"
)

const (
	// ProtocolVersion is the only update protocol version spoken.
	ProtocolVersion = 6

	// HeaderTypeCR50 is the board-specific first response of cr50. Not supported.
	HeaderTypeCR50 uint16 = 0
	// HeaderTypeCommon is the common first response carrying the running section's version.
	HeaderTypeCommon uint16 = 1
	// HeaderTypeSections extends the common response with the versions of both sections.
	HeaderTypeSections uint16 = 2

	// VersionStringSize is the size of a NUL padded version field.
	VersionStringSize = 32
	// FirstResponseSize is the size of a HeaderTypeCommon first response.
	FirstResponseSize = 60
	// SectionsFirstResponseSize is the size of a HeaderTypeSections first response.
	SectionsFirstResponseSize = FirstResponseSize + 2*VersionStringSize

	firstResponsePrefixSize = 8
)

// Flash protection bits of FirstResponse.FlashProtection.
const (
	FlashProtectROAtBoot       uint32 = 1 << 0
	FlashProtectRONow          uint32 = 1 << 1
	FlashProtectAllNow         uint32 = 1 << 2
	FlashProtectGPIOAsserted   uint32 = 1 << 3
	FlashProtectErrorStuck     uint32 = 1 << 4
	FlashProtectErrorUnknown   uint32 = 1 << 5
	FlashProtectAllAtBoot      uint32 = 1 << 6
	FlashProtectRWAtBoot       uint32 = 1 << 7
	FlashProtectRWNow          uint32 = 1 << 8
	FlashProtectRollbackAtBoot uint32 = 1 << 9
	FlashProtectRollbackNow    uint32 = 1 << 10
)

// ErrProtocolMismatch is returned when the device speaks an incompatible protocol version or
// header type.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// FirstResponse is the device's answer to the first PDU.
type FirstResponse struct {
	ReturnValue     uint32
	HeaderType      uint16
	ProtocolVersion uint16
	MaximumPDUSize  uint32
	FlashProtection uint32
	// Offset is the flash offset of the writable section, i.e. the one not running.
	Offset uint32
	// Version is the version of the running section.
	Version     string
	MinRollback int32
	KeyVersion  uint32
	// ROVersion and RWVersion are only set for HeaderTypeSections.
	ROVersion string
	RWVersion string

	contents []byte
}

// ParseFirstResponse parses the first response. Responses of another protocol version or of an
// unknown header type fail with ErrProtocolMismatch.
func ParseFirstResponse(data []byte) (*FirstResponse, error) {
	if len(data) < firstResponsePrefixSize {
		return nil, errp.WithMessagef(ErrMalformedFrame,
			"first response: expected at least %d bytes, got %d", firstResponsePrefixSize, len(data))
	}
	response := &FirstResponse{
		ReturnValue:     binary.BigEndian.Uint32(data[0:4]),
		HeaderType:      binary.BigEndian.Uint16(data[4:6]),
		ProtocolVersion: binary.BigEndian.Uint16(data[6:8]),
		contents:        append([]byte{}, data...),
	}
	if response.ProtocolVersion != ProtocolVersion {
		return nil, errp.WithMessagef(ErrProtocolMismatch,
			"device speaks protocol version %d, expected %d", response.ProtocolVersion, ProtocolVersion)
	}
	expectedSize := FirstResponseSize
	switch response.HeaderType {
	case HeaderTypeCommon:
	case HeaderTypeSections:
		expectedSize = SectionsFirstResponseSize
	default:
		return nil, errp.WithMessagef(ErrProtocolMismatch, "unsupported header type %d", response.HeaderType)
	}
	if len(data) < expectedSize {
		return nil, errp.WithMessagef(ErrMalformedFrame,
			"first response: expected %d bytes, got %d", expectedSize, len(data))
	}
	response.MaximumPDUSize = binary.BigEndian.Uint32(data[8:12])
	response.FlashProtection = binary.BigEndian.Uint32(data[12:16])
	response.Offset = binary.BigEndian.Uint32(data[16:20])
	response.Version = cString(data[20 : 20+VersionStringSize])
	response.MinRollback = int32(binary.BigEndian.Uint32(data[52:56]))
	response.KeyVersion = binary.BigEndian.Uint32(data[56:60])
	if response.HeaderType == HeaderTypeSections {
		response.ROVersion = cString(data[60 : 60+VersionStringSize])
		response.RWVersion = cString(data[92 : 92+VersionStringSize])
	}
	return response, nil
}

// Contents returns the raw bytes the response was parsed from.
func (response *FirstResponse) Contents() []byte {
	return append([]byte{}, response.contents...)
}

// Bytes encodes the response in wire format.
func (response *FirstResponse) Bytes() []byte {
	size := FirstResponseSize
	if response.HeaderType == HeaderTypeSections {
		size = SectionsFirstResponseSize
	}
	data := make([]byte, size)
	binary.BigEndian.PutUint32(data[0:4], response.ReturnValue)
	binary.BigEndian.PutUint16(data[4:6], response.HeaderType)
	binary.BigEndian.PutUint16(data[6:8], response.ProtocolVersion)
	binary.BigEndian.PutUint32(data[8:12], response.MaximumPDUSize)
	binary.BigEndian.PutUint32(data[12:16], response.FlashProtection)
	binary.BigEndian.PutUint32(data[16:20], response.Offset)
	putCString(data[20:20+VersionStringSize], response.Version)
	binary.BigEndian.PutUint32(data[52:56], uint32(response.MinRollback))
	binary.BigEndian.PutUint32(data[56:60], response.KeyVersion)
	if response.HeaderType == HeaderTypeSections {
		putCString(data[60:60+VersionStringSize], response.ROVersion)
		putCString(data[92:92+VersionStringSize], response.RWVersion)
	}
	return data
}

// ParseBlockStatus parses the acknowledgement of a write block. Only the first byte is
// significant.
func ParseBlockStatus(data []byte) (UpdateStatus, error) {
	if len(data) < 1 {
		return 0, errp.WithMessage(ErrMalformedFrame, "empty block acknowledgement")
	}
	return UpdateStatus(data[0]), nil
}

// ParseResult parses the one byte answer to done and extra commands.
func ParseResult(data []byte) (ECResult, error) {
	if len(data) < 1 {
		return 0, errp.WithMessage(ErrMalformedFrame, "empty result")
	}
	return ECResult(data[0]), nil
}

const (
	// PairKeySize is the size of an X25519 public key.
	PairKeySize = 32
	// PairNonceSize is the size of the challenge nonce.
	PairNonceSize = 16
	// PairAuthenticatorSize is the size of the truncated authenticator.
	PairAuthenticatorSize = 16
	// PairResponseSize is the size of a successful pair challenge response.
	PairResponseSize = 1 + PairKeySize + PairAuthenticatorSize
)

// PairRequest is the body of the PairChallenge subcommand.
type PairRequest struct {
	PublicKey [PairKeySize]byte
	Nonce     [PairNonceSize]byte
}

// Bytes encodes the request body.
func (request *PairRequest) Bytes() []byte {
	return append(append([]byte{}, request.PublicKey[:]...), request.Nonce[:]...)
}

// ParsePairRequest parses a PairChallenge subcommand body.
func ParsePairRequest(data []byte) (*PairRequest, error) {
	if len(data) != PairKeySize+PairNonceSize {
		return nil, errp.WithMessagef(ErrMalformedFrame,
			"pair request: expected %d bytes, got %d", PairKeySize+PairNonceSize, len(data))
	}
	request := &PairRequest{}
	copy(request.PublicKey[:], data[:PairKeySize])
	copy(request.Nonce[:], data[PairKeySize:])
	return request, nil
}

// PairResponse is the device's answer to a pair challenge.
type PairResponse struct {
	Status        ECResult
	PublicKey     [PairKeySize]byte
	Authenticator [PairAuthenticatorSize]byte
}

// Bytes encodes the response. Failed responses are a single status byte.
func (response *PairResponse) Bytes() []byte {
	if response.Status != ResultSuccess {
		return []byte{byte(response.Status)}
	}
	data := []byte{byte(response.Status)}
	data = append(data, response.PublicKey[:]...)
	return append(data, response.Authenticator[:]...)
}

// ParsePairResponse parses a pair challenge response. A response with a failure status may
// consist of the status byte only.
func ParsePairResponse(data []byte) (*PairResponse, error) {
	if len(data) < 1 {
		return nil, errp.WithMessage(ErrMalformedFrame, "empty pair response")
	}
	response := &PairResponse{Status: ECResult(data[0])}
	if response.Status != ResultSuccess {
		return response, nil
	}
	if len(data) < PairResponseSize {
		return nil, errp.WithMessagef(ErrMalformedFrame,
			"pair response: expected %d bytes, got %d", PairResponseSize, len(data))
	}
	copy(response.PublicKey[:], data[1:1+PairKeySize])
	copy(response.Authenticator[:], data[1+PairKeySize:PairResponseSize])
	return response, nil
}

func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

func putCString(dst []byte, value string) {
	n := copy(dst, value)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
