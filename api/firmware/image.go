// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/util/errp"
)

// ErrInvalidImage is returned for EC images without a valid FMAP or section layout.
var ErrInvalidImage = errors.New("invalid EC image")

const (
	fmapSignature  = "__FMAP__"
	fmapVerMajor   = 1
	fmapHeaderSize = 56
	fmapAreaSize   = 42
	fmapNameSize   = 32

	// vb21 packed key: common header (24), sig_alg, hash_alg, key_offset, key_size, key_version.
	keyVersionOffset = 36
)

// FMAP area names.
const (
	areaRO        = "EC_RO"
	areaROVersion = "RO_FRID"
	areaROKey     = "KEY_RO"
	areaRW        = "EC_RW"
	areaRWVersion = "RW_FWID"
	areaRWKey     = "KEY_RW"
	areaRollback  = "RW_RBVER"
)

// Section describes one firmware copy inside an EC image.
type Section struct {
	Name    common.SectionName
	Offset  uint32
	Size    uint32
	Version string
	// Rollback is the rollback version of the RW section, -1 if unknown.
	Rollback int32
	// KeyVersion is the version of the section's signing key, -1 if unknown.
	KeyVersion int32
}

// Image is a parsed EC image. It is immutable.
type Image struct {
	data     []byte
	sections [2]Section
}

type fmapArea struct {
	offset uint32
	size   uint32
	name   string
}

// ParseImage validates an EC image and locates its sections. All errors match ErrInvalidImage.
func ParseImage(data []byte) (*Image, error) {
	areas, err := parseFMAP(data)
	if err != nil {
		return nil, err
	}
	image := &Image{data: append([]byte{}, data...)}
	for _, section := range []struct {
		name                         common.SectionName
		area, versionArea, keyArea string
	}{
		{common.SectionRO, areaRO, areaROVersion, areaROKey},
		{common.SectionRW, areaRW, areaRWVersion, areaRWKey},
	} {
		area, ok := areas[section.area]
		if !ok {
			return nil, errp.WithMessagef(ErrInvalidImage, "missing FMAP area %s", section.area)
		}
		versionArea, ok := areas[section.versionArea]
		if !ok {
			return nil, errp.WithMessagef(ErrInvalidImage, "missing FMAP area %s", section.versionArea)
		}
		version := cString(image.area(versionArea))
		if version == "" {
			return nil, errp.WithMessagef(ErrInvalidImage, "empty %s version", section.name)
		}
		image.sections[section.name] = Section{
			Name:       section.name,
			Offset:     area.offset,
			Size:       area.size,
			Version:    version,
			Rollback:   -1,
			KeyVersion: -1,
		}
		if keyArea, ok := areas[section.keyArea]; ok && keyArea.size >= keyVersionOffset+4 {
			key := image.area(keyArea)
			image.sections[section.name].KeyVersion = int32(
				binary.LittleEndian.Uint32(key[keyVersionOffset : keyVersionOffset+4]))
		}
	}
	if rollbackArea, ok := areas[areaRollback]; ok && rollbackArea.size >= 4 {
		image.sections[common.SectionRW].Rollback = int32(
			binary.LittleEndian.Uint32(image.area(rollbackArea)[:4]))
	}

	ro, rw := image.sections[common.SectionRO], image.sections[common.SectionRW]
	if ro.Size == 0 || rw.Size == 0 {
		return nil, errp.WithMessage(ErrInvalidImage, "empty section")
	}
	if ro.Offset < rw.Offset+rw.Size && rw.Offset < ro.Offset+ro.Size {
		return nil, errp.WithMessagef(ErrInvalidImage,
			"sections overlap: RO [%#x, %#x), RW [%#x, %#x)",
			ro.Offset, ro.Offset+ro.Size, rw.Offset, rw.Offset+rw.Size)
	}
	return image, nil
}

// parseFMAP finds the first FMAP with a valid header and returns its areas by name.
func parseFMAP(data []byte) (map[string]fmapArea, error) {
	for start := 0; ; {
		index := bytes.Index(data[start:], []byte(fmapSignature))
		if index < 0 {
			return nil, errp.WithMessage(ErrInvalidImage, "no FMAP found")
		}
		offset := start + index
		start = offset + 1
		if len(data)-offset < fmapHeaderSize || data[offset+8] != fmapVerMajor {
			continue
		}
		header := data[offset : offset+fmapHeaderSize]
		nareas := int(binary.LittleEndian.Uint16(header[54:56]))
		areasEnd := offset + fmapHeaderSize + nareas*fmapAreaSize
		if areasEnd > len(data) {
			return nil, errp.WithMessagef(ErrInvalidImage, "FMAP with %d areas is truncated", nareas)
		}
		areas := map[string]fmapArea{}
		for i := 0; i < nareas; i++ {
			raw := data[offset+fmapHeaderSize+i*fmapAreaSize:]
			area := fmapArea{
				offset: binary.LittleEndian.Uint32(raw[0:4]),
				size:   binary.LittleEndian.Uint32(raw[4:8]),
				name:   cString(raw[8 : 8+fmapNameSize]),
			}
			if uint64(area.offset)+uint64(area.size) > uint64(len(data)) {
				return nil, errp.WithMessagef(ErrInvalidImage,
					"FMAP area %s [%#x, +%#x) exceeds the image size %#x",
					area.name, area.offset, area.size, len(data))
			}
			areas[area.name] = area
		}
		return areas, nil
	}
}

func (image *Image) area(area fmapArea) []byte {
	return image.data[area.offset : area.offset+area.size]
}

// Section returns the layout of a section. It fails for SectionInvalid.
func (image *Image) Section(name common.SectionName) (Section, error) {
	if name != common.SectionRO && name != common.SectionRW {
		return Section{}, errp.WithMessagef(ErrSectionNotFound, "section %s", name)
	}
	return image.sections[name], nil
}

// SectionData returns the contents of a section without its trailing erased (0xff) bytes, which
// need not be written.
func (image *Image) SectionData(name common.SectionName) ([]byte, error) {
	section, err := image.Section(name)
	if err != nil {
		return nil, err
	}
	data := image.data[section.Offset : section.Offset+section.Size]
	return append([]byte{}, bytes.TrimRight(data, "\xff")...), nil
}

// Bytes returns a copy of the whole image.
func (image *Image) Bytes() []byte {
	return append([]byte{}, image.data...)
}

// SectionAt returns the section starting at flash offset, or SectionInvalid.
func (image *Image) SectionAt(offset uint32) common.SectionName {
	for _, section := range image.sections {
		if section.Offset == offset {
			return section.Name
		}
	}
	return common.SectionInvalid
}

func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}
