// SPDX-License-Identifier: Apache-2.0

package emulator

import (
	"encoding/binary"
)

// ImageOptions describes an EC image built by BuildImage.
type ImageOptions struct {
	ROVersion string
	RWVersion string
	// SectionSize is the size of each of the two sections. Defaults to 4 KiB.
	SectionSize uint32
	// CodeSize is the size of the non-erased part of each section. Defaults to half a section.
	CodeSize uint32
	// Rollback is the RW rollback version.
	Rollback int32
	// KeyVersion is the version of both signing keys.
	KeyVersion uint32
	// NoFMAP omits the FMAP, producing an invalid image.
	NoFMAP bool
}

// Offsets inside a section.
const (
	versionOffset  = 0x40
	keyOffset      = 0x60
	keySize        = 0x40
	rollbackOffset = 0xc0
	fmapOffset     = 0x100
)

// Area is an FMAP area.
type Area struct {
	Name         string
	Offset, Size uint32
}

// BuildImage builds an EC image with RO at offset 0, RW right after it, and an FMAP describing
// both sections.
func BuildImage(opts ImageOptions) []byte {
	if opts.SectionSize == 0 {
		opts.SectionSize = 0x1000
	}
	if opts.CodeSize == 0 {
		opts.CodeSize = opts.SectionSize / 2
	}
	size := opts.SectionSize
	image := make([]byte, 2*size)
	for i := range image {
		image[i] = 0xff
	}
	for _, base := range []uint32{0, size} {
		for i := uint32(0); i < opts.CodeSize; i++ {
			image[base+i] = byte((base+i)*7 + 3)
		}
		// Code never ends with an erased byte.
		image[base+opts.CodeSize-1] = 0x5a
	}

	putString := func(offset uint32, value string) {
		copy(image[offset:offset+32], make([]byte, 32))
		copy(image[offset:offset+32], value)
	}
	putKey := func(offset uint32) {
		copy(image[offset:offset+keySize], make([]byte, keySize))
		binary.LittleEndian.PutUint32(image[offset+36:], opts.KeyVersion)
	}
	putString(versionOffset, opts.ROVersion)
	putKey(keyOffset)
	putString(size+versionOffset, opts.RWVersion)
	putKey(size + keyOffset)
	binary.LittleEndian.PutUint32(image[size+rollbackOffset:], uint32(opts.Rollback))

	if opts.NoFMAP {
		return image
	}
	areas := []Area{
		{"EC_RO", 0, size},
		{"RO_FRID", versionOffset, 32},
		{"KEY_RO", keyOffset, keySize},
		{"EC_RW", size, size},
		{"RW_FWID", size + versionOffset, 32},
		{"KEY_RW", size + keyOffset, keySize},
		{"RW_RBVER", size + rollbackOffset, 4},
	}
	copy(image[fmapOffset:], BuildFMAP(2*size, areas...))
	return image
}

// BuildFMAP encodes an FMAP header and its areas.
func BuildFMAP(imageSize uint32, areas ...Area) []byte {
	fmap := make([]byte, 56+42*len(areas))
	copy(fmap[0:8], "__FMAP__")
	fmap[8] = 1 // ver_major
	fmap[9] = 1 // ver_minor
	binary.LittleEndian.PutUint64(fmap[10:18], 0)
	binary.LittleEndian.PutUint32(fmap[18:22], imageSize)
	copy(fmap[22:54], "FMAP")
	binary.LittleEndian.PutUint16(fmap[54:56], uint16(len(areas)))
	for i, area := range areas {
		raw := fmap[56+42*i:]
		binary.LittleEndian.PutUint32(raw[0:4], area.Offset)
		binary.LittleEndian.PutUint32(raw[4:8], area.Size)
		copy(raw[8:40], area.Name)
	}
	return fmap
}
