// SPDX-License-Identifier: Apache-2.0

package firmware_test

import (
	"bytes"
	"testing"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/internal/emulator"
	"github.com/stretchr/testify/require"
)

func testImage() []byte {
	return emulator.BuildImage(emulator.ImageOptions{
		ROVersion:  "hammer_v1.0.0-abcdef",
		RWVersion:  "hammer_v1.1.0-123456",
		Rollback:   2,
		KeyVersion: 1,
	})
}

func TestParseImage(t *testing.T) {
	data := testImage()
	image, err := firmware.ParseImage(data)
	require.NoError(t, err)
	require.Equal(t, data, image.Bytes())

	ro, err := image.Section(common.SectionRO)
	require.NoError(t, err)
	require.Equal(t, firmware.Section{
		Name:       common.SectionRO,
		Offset:     0,
		Size:       0x1000,
		Version:    "hammer_v1.0.0-abcdef",
		Rollback:   -1,
		KeyVersion: 1,
	}, ro)

	rw, err := image.Section(common.SectionRW)
	require.NoError(t, err)
	require.Equal(t, firmware.Section{
		Name:       common.SectionRW,
		Offset:     0x1000,
		Size:       0x1000,
		Version:    "hammer_v1.1.0-123456",
		Rollback:   2,
		KeyVersion: 1,
	}, rw)

	_, err = image.Section(common.SectionInvalid)
	require.ErrorIs(t, err, firmware.ErrSectionNotFound)

	require.Equal(t, common.SectionRO, image.SectionAt(0))
	require.Equal(t, common.SectionRW, image.SectionAt(0x1000))
	require.Equal(t, common.SectionInvalid, image.SectionAt(0x800))
}

func TestSectionDataTrimsErasedBytes(t *testing.T) {
	data := testImage()
	image, err := firmware.ParseImage(data)
	require.NoError(t, err)

	rw, err := image.SectionData(common.SectionRW)
	require.NoError(t, err)
	require.Len(t, rw, 0x800)
	require.Equal(t, data[0x1000:0x1800], rw)

	// The returned data is a copy.
	rw[0] ^= 0xff
	again, err := image.SectionData(common.SectionRW)
	require.NoError(t, err)
	require.NotEqual(t, rw[0], again[0])
}

func TestParseImageOptionalAreas(t *testing.T) {
	data := testImage()
	// Keep only the required areas.
	fmap := emulator.BuildFMAP(0x2000,
		emulator.Area{Name: "EC_RO", Offset: 0, Size: 0x1000},
		emulator.Area{Name: "RO_FRID", Offset: 0x40, Size: 32},
		emulator.Area{Name: "EC_RW", Offset: 0x1000, Size: 0x1000},
		emulator.Area{Name: "RW_FWID", Offset: 0x1040, Size: 32},
	)
	copy(data[0x100:], bytes.Repeat([]byte{0}, 56+7*42))
	copy(data[0x100:], fmap)

	image, err := firmware.ParseImage(data)
	require.NoError(t, err)
	rw, err := image.Section(common.SectionRW)
	require.NoError(t, err)
	require.Equal(t, int32(-1), rw.Rollback)
	require.Equal(t, int32(-1), rw.KeyVersion)
}

func TestParseImageInvalid(t *testing.T) {
	valid := testImage()
	withFMAP := func(areas ...emulator.Area) []byte {
		data := append([]byte{}, valid...)
		copy(data[0x100:], bytes.Repeat([]byte{0}, 56+7*42))
		copy(data[0x100:], emulator.BuildFMAP(uint32(len(data)), areas...))
		return data
	}
	required := []emulator.Area{
		{Name: "EC_RO", Offset: 0, Size: 0x1000},
		{Name: "RO_FRID", Offset: 0x40, Size: 32},
		{Name: "EC_RW", Offset: 0x1000, Size: 0x1000},
		{Name: "RW_FWID", Offset: 0x1040, Size: 32},
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no FMAP", emulator.BuildImage(emulator.ImageOptions{ROVersion: "1", RWVersion: "2", NoFMAP: true})},
		{"truncated", valid[:0x100+60]},
		{"missing RW", withFMAP(required[0], required[1], required[3])},
		{"missing RO version", withFMAP(required[0], required[2], required[3])},
		{"area outside image", withFMAP(required[0], required[1],
			emulator.Area{Name: "EC_RW", Offset: 0x1000, Size: 0x2000}, required[3])},
		{"overlapping sections", withFMAP(required[0], required[1],
			emulator.Area{Name: "EC_RW", Offset: 0x800, Size: 0x1000}, required[3])},
		{"empty version", withFMAP(required[0],
			emulator.Area{Name: "RO_FRID", Offset: 0x60, Size: 32}, required[2], required[3])},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := firmware.ParseImage(test.data)
			require.ErrorIs(t, err, firmware.ErrInvalidImage)
		})
	}
}
