// SPDX-License-Identifier: Apache-2.0

// Package common contains the enumerations shared by the updater, the pair manager and the entropy
// injector.
package common

import "fmt"

// SectionName identifies one of the two EC firmware copies.
type SectionName int

const (
	// SectionRO is the read-only section the EC boots from.
	SectionRO SectionName = iota
	// SectionRW is the updatable section RO jumps to.
	SectionRW
	// SectionInvalid means the section could not be determined.
	SectionInvalid
)

// Sections lists the valid sections in flash order.
var Sections = []SectionName{SectionRO, SectionRW}

func (section SectionName) String() string {
	switch section {
	case SectionRO:
		return "RO"
	case SectionRW:
		return "RW"
	default:
		return "Invalid"
	}
}

// Other returns the section that is not section. SectionInvalid maps to itself.
func (section SectionName) Other() SectionName {
	switch section {
	case SectionRO:
		return SectionRW
	case SectionRW:
		return SectionRO
	default:
		return SectionInvalid
	}
}

// UpdateExtraCommand is a control subcommand carried by an extra-command PDU.
type UpdateExtraCommand uint16

// Subcommand ids understood by the base EC.
const (
	ImmediateReset  UpdateExtraCommand = 0
	JumpToRW        UpdateExtraCommand = 1
	StayInRO        UpdateExtraCommand = 2
	UnlockRW        UpdateExtraCommand = 3
	UnlockRollback  UpdateExtraCommand = 4
	InjectEntropy   UpdateExtraCommand = 5
	PairChallenge   UpdateExtraCommand = 6
	TouchpadInfo    UpdateExtraCommand = 7
	TouchpadDebug   UpdateExtraCommand = 8
	ConsoleReadInit UpdateExtraCommand = 9
	ConsoleReadNext UpdateExtraCommand = 10
)

var extraCommandNames = map[UpdateExtraCommand]string{
	ImmediateReset:  "ImmediateReset",
	JumpToRW:        "JumpToRW",
	StayInRO:        "StayInRO",
	UnlockRW:        "UnlockRW",
	UnlockRollback:  "UnlockRollback",
	InjectEntropy:   "InjectEntropy",
	PairChallenge:   "PairChallenge",
	TouchpadInfo:    "TouchpadInfo",
	TouchpadDebug:   "TouchpadDebug",
	ConsoleReadInit: "ConsoleReadInit",
	ConsoleReadNext: "ConsoleReadNext",
}

func (cmd UpdateExtraCommand) String() string {
	if name, ok := extraCommandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("UpdateExtraCommand(%d)", uint16(cmd))
}

// ResetsDevice returns true for subcommands after which the EC reboots and drops the USB
// connection instead of answering.
func (cmd UpdateExtraCommand) ResetsDevice() bool {
	return cmd == ImmediateReset
}
