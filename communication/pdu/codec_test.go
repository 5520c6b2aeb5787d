// SPDX-License-Identifier: Apache-2.0

package pdu_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"testing/quick"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/stretchr/testify/require"
)

func mustDecodeHex(str string) []byte {
	decoded, err := hex.DecodeString(str)
	if err != nil {
		panic(err)
	}
	return decoded
}

var tests = []struct {
	cmd     pdu.Command
	payload string
	encoded string
}{
	{pdu.First(), "", "0000000c0000000000000000"},
	{pdu.Extra(common.StayInRO), "", "0000000e92d392ecb007ab1f0002"},
	{pdu.Extra(common.ImmediateReset), "", "0000000efe82f2ecb007ab1f0000"},
	{pdu.Block(0x10000), "01020304", "00000010e2d73b480001000001020304"},
	{pdu.Block(0), "aaaaaaaaaaaaaaaa", "00000014d5085bfd00000000aaaaaaaaaaaaaaaa"},
}

func TestEncode(t *testing.T) {
	for _, test := range tests {
		test := test
		t.Run(test.cmd.String(), func(t *testing.T) {
			encoded, err := pdu.Encode(test.cmd, mustDecodeHex(test.payload))
			require.NoError(t, err)
			require.Equal(t, test.encoded, hex.EncodeToString(encoded))
		})
	}
}

func TestDecode(t *testing.T) {
	for _, test := range tests {
		test := test
		t.Run(test.cmd.String(), func(t *testing.T) {
			decoded, err := pdu.Decode(mustDecodeHex(test.encoded))
			require.NoError(t, err)
			require.Equal(t, test.cmd, decoded.Command)
			require.Equal(t, test.payload, hex.EncodeToString(decoded.Payload))
		})
	}
}

// TestEncodeDecode encodes random blocks and checks that decoding is the inverse of encoding.
func TestEncodeDecode(t *testing.T) {
	f := func(base uint32, sub uint16, payload []byte) bool {
		if len(payload) == 0 || base == pdu.ExtraCommandMarker || base == pdu.DoneMarker {
			return true
		}
		for _, cmd := range []pdu.Command{pdu.Block(base), pdu.Extra(common.UpdateExtraCommand(sub))} {
			encoded, err := pdu.Encode(cmd, payload)
			if err != nil {
				return false
			}
			decoded, err := pdu.Decode(encoded)
			if err != nil {
				return false
			}
			if decoded.Command != cmd || !bytes.Equal(decoded.Payload, payload) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestDecodeCorrupted(t *testing.T) {
	frame := mustDecodeHex("00000010e2d73b480001000001020304")

	// Every single bit flip in digest, base or payload is detected.
	for i := 4; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte{}, frame...)
			corrupted[i] ^= 1 << bit
			_, err := pdu.Decode(corrupted)
			require.Error(t, err)
			require.True(t,
				errors.Is(err, pdu.ErrChecksumMismatch) || errors.Is(err, pdu.ErrMalformedFrame),
				"byte %d bit %d: %v", i, bit, err)
		}
	}

	// First PDU with a digest.
	_, err := pdu.Decode(mustDecodeHex("0000000c0000000100000000"))
	require.ErrorIs(t, err, pdu.ErrChecksumMismatch)
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{
		"",
		"0000000c00000000",                   // truncated header
		"00000010e2d73b4800010000010203",     // truncated payload
		"00000010e2d73b480001000001020304ff", // trailing data
		"0000000c00000000b007ab1f",           // extra command without id
		"0000000c0000000000010000",           // empty block
	} {
		_, err := pdu.Decode(mustDecodeHex(frame))
		require.ErrorIs(t, err, pdu.ErrMalformedFrame, frame)
	}
}

func TestEncodeInvalid(t *testing.T) {
	_, err := pdu.Encode(pdu.First(), []byte{1})
	require.Error(t, err)
	_, err = pdu.Encode(pdu.Block(0x100), nil)
	require.Error(t, err)
	_, err = pdu.Encode(pdu.Block(pdu.ExtraCommandMarker), []byte{1})
	require.Error(t, err)
	_, err = pdu.Encode(pdu.Block(0x100), make([]byte, pdu.MaxPayloadSize+1))
	require.Error(t, err)
	_, err = pdu.Encode(pdu.Command{Kind: pdu.Kind(7)}, nil)
	require.Error(t, err)
}

func TestParseHeader(t *testing.T) {
	header, err := pdu.ParseHeader(mustDecodeHex("00000010e2d73b4800010000"))
	require.NoError(t, err)
	require.Equal(t, pdu.Header{BlockSize: 16, Digest: 0xe2d73b48, Base: 0x10000}, header)
}

func TestDone(t *testing.T) {
	require.Equal(t, "b007ab1e", hex.EncodeToString(pdu.EncodeDone()))
	require.True(t, pdu.IsDone(pdu.EncodeDone()))
	require.False(t, pdu.IsDone(mustDecodeHex("b007ab1f")))
	require.False(t, pdu.IsDone(mustDecodeHex("0000000c0000000000000000")))
}
