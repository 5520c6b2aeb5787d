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

// SendSubcommand sends a subcommand without body. See SendSubcommandWithPayload.
func (updater *Updater) SendSubcommand(cmd common.UpdateExtraCommand) error {
	return updater.SendSubcommandWithPayload(cmd, nil)
}

// SendSubcommandWithPayload sends a subcommand and checks the device's result. Subcommands
// resetting the device are not answered. A failure result is returned as a *SubcommandError.
//
// Subcommands never change the session state, even if they fail or reboot the device. After a
// reset, the caller must close and reconnect.
func (updater *Updater) SendSubcommandWithPayload(cmd common.UpdateExtraCommand, payload []byte) error {
	if cmd.ResetsDevice() {
		_, err := updater.SendSubcommandReceiveResponse(cmd, payload, 0)
		return err
	}
	response, err := updater.SendSubcommandReceiveResponse(cmd, payload, 1)
	if err != nil {
		return err
	}
	return checkResult(cmd, response)
}

func checkResult(cmd common.UpdateExtraCommand, response []byte) error {
	result, err := pdu.ParseResult(response)
	if err != nil {
		return err
	}
	if result != pdu.ResultSuccess {
		return errp.WithStack(&SubcommandError{Command: cmd, Status: result})
	}
	return nil
}

// SendSubcommandReceiveResponse sends a subcommand with body payload and returns the raw
// response of at most responseSize bytes. With responseSize 0, no response is read. It is
// allowed after SendFirstPdu succeeded.
func (updater *Updater) SendSubcommandReceiveResponse(
	cmd common.UpdateExtraCommand, payload []byte, responseSize int) ([]byte, error) {
	if err := updater.sendExtra(cmd, payload); err != nil {
		return nil, err
	}
	if responseSize == 0 {
		return nil, nil
	}
	response, err := updater.endpoint.Receive(responseSize, updater.options.ioTimeout)
	if err != nil {
		updater.log.Error("No response to subcommand "+cmd.String(), err)
		return nil, err
	}
	return response, nil
}

func (updater *Updater) sendExtra(cmd common.UpdateExtraCommand, payload []byte) error {
	if err := updater.checkState("Subcommand "+cmd.String(), negotiatedStates...); err != nil {
		return err
	}
	frame, err := pdu.Encode(pdu.Extra(cmd), payload)
	if err != nil {
		return err
	}
	updater.log.Info(fmt.Sprintf("Sending subcommand %s with %d byte(s) of payload", cmd, len(payload)))
	if err := updater.endpoint.Send(frame); err != nil {
		updater.log.Error("Subcommand "+cmd.String()+" failed", err)
		return err
	}
	return nil
}

// UnlockRW asks RO to remove the write protection of RW. It takes effect after a reset.
func (updater *Updater) UnlockRW() error {
	return updater.SendSubcommand(common.UnlockRW)
}

// UnlockRollback asks RO to remove the write protection of the rollback region. It takes effect
// after a reset.
func (updater *Updater) UnlockRollback() error {
	return updater.SendSubcommand(common.UnlockRollback)
}

// JumpToRW asks RO to boot RW. RO may boot RW before its answer is read; a missing answer counts
// as a jump, a failure result does not.
func (updater *Updater) JumpToRW() error {
	if err := updater.sendExtra(common.JumpToRW, nil); err != nil {
		return err
	}
	response, err := updater.endpoint.Receive(1, updater.options.ioTimeout)
	if err != nil {
		if usb.IsTimeout(err) || errors.Is(err, usb.ErrTransport) || errors.Is(err, usb.ErrConnectionClosed) {
			updater.log.Info(fmt.Sprintf("No answer to %s, RW is booting: %v", common.JumpToRW, err))
			return nil
		}
		return err
	}
	return checkResult(common.JumpToRW, response)
}
