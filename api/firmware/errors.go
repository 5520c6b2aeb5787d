// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"errors"
	"fmt"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
)

var (
	// ErrConnectionFailed is returned by TryConnectUsb after all attempts failed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrProtocolMismatch is returned if the device speaks another protocol version.
	ErrProtocolMismatch = pdu.ErrProtocolMismatch
	// ErrSectionNotFound is returned if the first response carries no version for a section.
	ErrSectionNotFound = errors.New("section not found")
	// ErrVerificationFailed is returned if the device rejects the written image on done.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrConnectionClosed is returned by operations on a session whose connection is gone.
	ErrConnectionClosed = usb.ErrConnectionClosed
	// ErrSectionNotWritable is returned when transferring the running section.
	ErrSectionNotWritable = errors.New("section not writable")
	// ErrNoImage is returned by operations needing an image before LoadEcImage.
	ErrNoImage = errors.New("no EC image loaded")
)

// StateError is returned if an operation is invoked in a state that does not allow it. It
// matches ErrConnectionClosed if the session is not connected.
type StateError struct {
	Op    string
	State State
}

func (err *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", err.Op, err.State)
}

// Unwrap implements errors.Unwrap.
func (err *StateError) Unwrap() error {
	if err.State == StateIdle || err.State == StateFailed {
		return ErrConnectionClosed
	}
	return nil
}

// TransferError is returned if a block could not be written within the retry budget.
type TransferError struct {
	Section  common.SectionName
	Offset   uint32
	Attempts int
	Err      error
}

func (err *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s block at %#x failed after %d attempt(s): %v",
		err.Section, err.Offset, err.Attempts, err.Err)
}

// Unwrap implements errors.Unwrap.
func (err *TransferError) Unwrap() error {
	return err.Err
}

// SubcommandError is returned if the device answered a subcommand with a failure result.
type SubcommandError struct {
	Command common.UpdateExtraCommand
	Status  pdu.ECResult
}

func (err *SubcommandError) Error() string {
	return fmt.Sprintf("subcommand %s: %v", err.Command, err.Status)
}

// Unwrap implements errors.Unwrap.
func (err *SubcommandError) Unwrap() error {
	return err.Status
}
