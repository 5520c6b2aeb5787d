// SPDX-License-Identifier: Apache-2.0

// Package pdu implements the framing of the EC update protocol: request PDUs sent to the base EC
// and the responses it answers with.
package pdu

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/util/errp"
)

const (
	// HeaderSize is the size of the frame header: block_size, block_digest, block_base.
	HeaderSize = 12
	// MaxPayloadSize bounds the payload of a single frame.
	MaxPayloadSize = 64 * 1024

	// ExtraCommandMarker is the block_base of frames carrying a subcommand.
	ExtraCommandMarker uint32 = 0xB007AB1F
	// DoneMarker is the bare word sent to finish a transfer.
	DoneMarker uint32 = 0xB007AB1E
)

var (
	// ErrMalformedFrame is returned for truncated or structurally invalid frames.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrChecksumMismatch is returned when the frame digest does not match its contents.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Kind tells what a request frame asks the device to do.
type Kind int

const (
	// KindFirst is the negotiation PDU opening an update session.
	KindFirst Kind = iota
	// KindBlock writes payload to flash at the command's base offset.
	KindBlock
	// KindExtra carries a control subcommand.
	KindExtra
)

func (kind Kind) String() string {
	switch kind {
	case KindFirst:
		return "first"
	case KindBlock:
		return "block"
	case KindExtra:
		return "extra"
	default:
		return fmt.Sprintf("Kind(%d)", int(kind))
	}
}

// Command identifies a request frame.
type Command struct {
	Kind Kind
	// Base is the flash offset written by a KindBlock command.
	Base uint32
	// Extra is the subcommand of a KindExtra command.
	Extra common.UpdateExtraCommand
}

// First returns the negotiation command.
func First() Command {
	return Command{Kind: KindFirst}
}

// Block returns the command writing a block at flash offset base.
func Block(base uint32) Command {
	return Command{Kind: KindBlock, Base: base}
}

// Extra returns the command carrying subcommand cmd.
func Extra(cmd common.UpdateExtraCommand) Command {
	return Command{Kind: KindExtra, Extra: cmd}
}

func (cmd Command) String() string {
	switch cmd.Kind {
	case KindBlock:
		return fmt.Sprintf("block@0x%08x", cmd.Base)
	case KindExtra:
		return "extra:" + cmd.Extra.String()
	default:
		return cmd.Kind.String()
	}
}

func (cmd Command) base() uint32 {
	switch cmd.Kind {
	case KindBlock:
		return cmd.Base
	case KindExtra:
		return ExtraCommandMarker
	default:
		return 0
	}
}

// PDU is a decoded request frame.
type PDU struct {
	Command Command
	Digest  uint32
	// Payload holds the block data, or the subcommand body without the subcommand id.
	Payload []byte
}

// Header is the fixed part of every request frame.
type Header struct {
	BlockSize uint32
	Digest    uint32
	Base      uint32
}

// ParseHeader reads the header at the start of data. data may hold more than the header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errp.WithMessagef(ErrMalformedFrame,
			"expected at least %d header bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		BlockSize: binary.BigEndian.Uint32(data[0:4]),
		Digest:    binary.BigEndian.Uint32(data[4:8]),
		Base:      binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Digest computes the integrity field of a frame: the first four bytes of the SHA-1 over the
// big-endian block_base followed by the payload.
func Digest(base uint32, payload []byte) uint32 {
	var baseBytes [4]byte
	binary.BigEndian.PutUint32(baseBytes[:], base)
	hash := sha1.New()
	hash.Write(baseBytes[:])
	hash.Write(payload)
	return binary.BigEndian.Uint32(hash.Sum(nil)[:4])
}

// Encode frames a command and its payload. For KindExtra the subcommand id is prepended to the
// payload.
func Encode(cmd Command, payload []byte) ([]byte, error) {
	body := newBuffer()
	switch cmd.Kind {
	case KindFirst:
		if len(payload) != 0 {
			return nil, errp.New("the first PDU carries no payload")
		}
	case KindBlock:
		if len(payload) == 0 {
			return nil, errp.Newf("empty block at 0x%08x", cmd.Base)
		}
		if cmd.Base == ExtraCommandMarker || cmd.Base == DoneMarker {
			return nil, errp.Newf("block base 0x%08x collides with a command marker", cmd.Base)
		}
	case KindExtra:
		if err := binary.Write(body, binary.BigEndian, uint16(cmd.Extra)); err != nil {
			return nil, errp.WithStack(err)
		}
	default:
		return nil, errp.Newf("unknown command kind %v", cmd.Kind)
	}
	body.Write(payload)
	if body.Len() > MaxPayloadSize {
		return nil, errp.Newf("payload size %d over %d bytes", body.Len(), MaxPayloadSize)
	}

	base := cmd.base()
	var digest uint32
	if cmd.Kind != KindFirst {
		digest = Digest(base, body.Bytes())
	}
	frame := make([]byte, HeaderSize, HeaderSize+body.Len())
	binary.BigEndian.PutUint32(frame[0:4], uint32(HeaderSize+body.Len()))
	binary.BigEndian.PutUint32(frame[4:8], digest)
	binary.BigEndian.PutUint32(frame[8:12], base)
	return append(frame, body.Bytes()...), nil
}

// Decode parses a complete request frame and validates its length and digest. Corruption is only
// detected, never corrected.
func Decode(frame []byte) (*PDU, error) {
	header, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(header.BlockSize) != len(frame) {
		return nil, errp.WithMessagef(ErrMalformedFrame,
			"block_size %d does not match frame length %d", header.BlockSize, len(frame))
	}
	if header.BlockSize > HeaderSize+MaxPayloadSize {
		return nil, errp.WithMessagef(ErrMalformedFrame, "frame size %d too large", header.BlockSize)
	}
	body := frame[HeaderSize:]

	var result PDU
	result.Digest = header.Digest
	switch {
	case header.Base == 0 && len(body) == 0:
		if header.Digest != 0 {
			return nil, errp.WithMessagef(ErrChecksumMismatch,
				"first PDU digest must be 0, got 0x%08x", header.Digest)
		}
		result.Command = First()
		return &result, nil
	case header.Base == ExtraCommandMarker:
		if len(body) < 2 {
			return nil, errp.WithMessage(ErrMalformedFrame, "extra command without subcommand id")
		}
		result.Command = Extra(common.UpdateExtraCommand(binary.BigEndian.Uint16(body[:2])))
		result.Payload = body[2:]
	default:
		if len(body) == 0 {
			return nil, errp.WithMessagef(ErrMalformedFrame, "empty block at 0x%08x", header.Base)
		}
		result.Command = Block(header.Base)
		result.Payload = body
	}

	if expected := Digest(header.Base, body); expected != header.Digest {
		return nil, errp.WithMessagef(ErrChecksumMismatch,
			"expected: 0x%08x, got: 0x%08x", expected, header.Digest)
	}
	return &result, nil
}

// EncodeDone returns the word finishing a transfer.
func EncodeDone() []byte {
	done := make([]byte, 4)
	binary.BigEndian.PutUint32(done, DoneMarker)
	return done
}

// IsDone returns true if data is the done word.
func IsDone(data []byte) bool {
	return len(data) == 4 && binary.BigEndian.Uint32(data) == DoneMarker
}

func newBuffer() *bytes.Buffer {
	return bytes.NewBuffer([]byte{})
}
