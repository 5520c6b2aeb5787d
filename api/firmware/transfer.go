// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"errors"
	"fmt"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/errp"
)

// blockAckSize is the size of a write block acknowledgement. Only the first byte is significant.
const blockAckSize = 4

// TransferImage writes a section of the loaded image to the device, block by block. The section
// must be the writable one, i.e. not the running one. Trailing erased bytes are not sent.
func (updater *Updater) TransferImage(section common.SectionName) error {
	const op = "TransferImage"
	if err := updater.checkState(op, StateFirstPduSent, StateTransferring); err != nil {
		return err
	}
	if updater.image == nil {
		return errp.WithMessage(ErrNoImage, op)
	}
	layout, err := updater.image.Section(section)
	if err != nil {
		return err
	}
	if layout.Offset != updater.firstResponse.Offset {
		return errp.WithMessagef(ErrSectionNotWritable,
			"%s is at %#x, the writable offset is %#x", section, layout.Offset, updater.firstResponse.Offset)
	}
	data, err := updater.image.SectionData(section)
	if err != nil {
		return err
	}
	blockSize := min(int(updater.firstResponse.MaximumPDUSize), pdu.MaxPayloadSize)

	updater.log.Info(fmt.Sprintf("Transferring %s: %d bytes at %#x in blocks of %d bytes",
		section, len(data), layout.Offset, blockSize))
	updater.status.Section = section
	updater.status.BlockOffset = layout.Offset
	updater.status.Progress = 0
	if updater.state == StateTransferring {
		updater.onStatusChanged()
	} else {
		updater.setState(StateTransferring)
	}

	for sent := 0; sent < len(data); {
		end := min(sent+blockSize, len(data))
		offset := layout.Offset + uint32(sent)
		if err := updater.transferBlock(section, offset, data[sent:end]); err != nil {
			return err
		}
		sent = end
		updater.status.BlockOffset = offset
		updater.status.Progress = float64(sent) / float64(len(data))
		updater.onStatusChanged()
	}
	if len(data) == 0 {
		updater.status.Progress = 1
		updater.onStatusChanged()
	}
	updater.log.Info(fmt.Sprintf("Transferred %s", section))
	updater.written = append(updater.written, section)
	return nil
}

// TransferBlock writes one block at flash offset. A failed block is retried on its own; when
// the retries are exhausted the session fails with a *TransferError.
func (updater *Updater) TransferBlock(offset uint32, data []byte) error {
	const op = "TransferBlock"
	if err := updater.checkState(op, StateFirstPduSent, StateTransferring); err != nil {
		return err
	}
	if _, err := pdu.Encode(pdu.Block(offset), data); err != nil {
		return err
	}
	section := common.SectionInvalid
	if updater.image != nil {
		for _, name := range common.Sections {
			layout := updater.image.sections[name]
			if offset >= layout.Offset && offset < layout.Offset+layout.Size {
				section = name
			}
		}
	}
	updater.status.Section = section
	updater.setState(StateTransferring)
	return updater.transferBlock(section, offset, data)
}

func (updater *Updater) transferBlock(section common.SectionName, offset uint32, data []byte) error {
	frame, err := pdu.Encode(pdu.Block(offset), data)
	if err != nil {
		return updater.fail("TransferBlock", err)
	}
	maxAttempts := updater.options.blockRetries + 1
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if attempt > 1 {
			updater.log.Info(fmt.Sprintf("Retrying block at %#x (attempt %d/%d): %v",
				offset, attempt, maxAttempts, err))
			updater.endpoint.Flush()
		}
		if err = updater.sendBlock(frame); err == nil {
			return nil
		}
		if !retryable(err) {
			break
		}
	}
	return updater.fail("TransferBlock", errp.WithStack(&TransferError{
		Section:  section,
		Offset:   offset,
		Attempts: attempt,
		Err:      err,
	}))
}

func (updater *Updater) sendBlock(frame []byte) error {
	if err := updater.endpoint.Send(frame); err != nil {
		return err
	}
	ack, err := updater.endpoint.Receive(blockAckSize, updater.options.transferTimeout)
	if err != nil {
		return err
	}
	status, err := pdu.ParseBlockStatus(ack)
	if err != nil {
		return err
	}
	if status != pdu.UpdateSuccess {
		return status
	}
	return nil
}

// retryable returns true for block failures which may not recur.
func retryable(err error) bool {
	var status pdu.UpdateStatus
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return errors.Is(err, usb.ErrTimeout) || errors.Is(err, usb.ErrTransport)
}

// SendDone finishes the transfer. The device verifies the written section and answers with its
// result; a failure fails the session with ErrVerificationFailed.
func (updater *Updater) SendDone() error {
	const op = "SendDone"
	if err := updater.checkState(op, StateFirstPduSent, StateTransferring); err != nil {
		return err
	}
	if err := updater.endpoint.Send(pdu.EncodeDone()); err != nil {
		return updater.fail(op, err)
	}
	response, err := updater.endpoint.Receive(1, updater.options.transferTimeout)
	if err != nil {
		return updater.fail(op, err)
	}
	result, err := pdu.ParseResult(response)
	if err != nil {
		return updater.fail(op, err)
	}
	if result != pdu.ResultSuccess {
		return updater.fail(op, errp.WithStack(fmt.Errorf("%w: %w", ErrVerificationFailed, result)))
	}
	// The verified sections now hold the image's versions.
	for _, section := range updater.written {
		if layout, err := updater.image.Section(section); err == nil && layout.Version != "" {
			updater.versions[section] = layout.Version
		}
	}
	updater.written = nil
	updater.setState(StateDone)
	return nil
}
