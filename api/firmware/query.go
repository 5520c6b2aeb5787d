// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
)

// The queries below compare the first response with the loaded image. They return false (or 0)
// before SendFirstPdu.

// IsSectionLocked returns true if the device write protects a section.
func (updater *Updater) IsSectionLocked(section common.SectionName) bool {
	if updater.firstResponse == nil {
		return false
	}
	protection := updater.firstResponse.FlashProtection
	switch section {
	case common.SectionRO:
		return protection&pdu.FlashProtectRONow != 0
	case common.SectionRW:
		return protection&(pdu.FlashProtectRWNow|pdu.FlashProtectAllNow) != 0
	default:
		return false
	}
}

// IsRollbackLocked returns true if the rollback region is write protected.
func (updater *Updater) IsRollbackLocked() bool {
	if updater.firstResponse == nil {
		return false
	}
	return updater.firstResponse.FlashProtection&pdu.FlashProtectRollbackNow != 0
}

// VersionMismatch returns true if the image's version of a section differs from the device's.
// If the device does not report the section's version, the running version is compared.
func (updater *Updater) VersionMismatch(section common.SectionName) bool {
	if updater.firstResponse == nil || updater.image == nil {
		return false
	}
	layout, err := updater.image.Section(section)
	if err != nil {
		return false
	}
	deviceVersion, err := updater.sectionVersion(section)
	if err != nil {
		deviceVersion = updater.firstResponse.Version
	}
	return layout.Version != deviceVersion
}

// ValidKey returns true if the RW section of the image is signed with the key version the
// device accepts.
func (updater *Updater) ValidKey() bool {
	if updater.firstResponse == nil || updater.image == nil {
		return false
	}
	return updater.image.sections[common.SectionRW].KeyVersion == int32(updater.firstResponse.KeyVersion)
}

// CompareRollback returns the image's RW rollback version minus the device's minimum rollback
// version. A negative result means the device refuses the image.
func (updater *Updater) CompareRollback() int {
	if updater.firstResponse == nil || updater.image == nil {
		return 0
	}
	return int(updater.image.sections[common.SectionRW].Rollback) - int(updater.firstResponse.MinRollback)
}
