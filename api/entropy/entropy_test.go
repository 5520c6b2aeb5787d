// SPDX-License-Identifier: Apache-2.0

package entropy_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/entropy"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/internal/emulator"
	"github.com/stretchr/testify/require"
)

type sessionMock struct {
	sent [][]byte
	err  error
}

func (session *sessionMock) SendSubcommandWithPayload(cmd common.UpdateExtraCommand, payload []byte) error {
	if cmd != common.InjectEntropy {
		return errors.New("unexpected subcommand")
	}
	session.sent = append(session.sent, payload)
	return session.err
}

func TestInjectEntropyWithPayloadSize(t *testing.T) {
	session := &sessionMock{}
	injector := entropy.NewInjector(session, nil)
	for _, size := range []int{0, entropy.Size - 1, entropy.Size + 1} {
		err := injector.InjectEntropyWithPayload(make([]byte, size))
		require.ErrorIs(t, err, entropy.ErrInvalidPayloadSize)
	}
	require.Empty(t, session.sent)

	require.NoError(t, injector.InjectEntropyWithPayload(make([]byte, entropy.Size)))
	require.Len(t, session.sent, 1)
}

func TestInjectEntropyNotRetried(t *testing.T) {
	session := &sessionMock{err: pdu.ResultError}
	injector := entropy.NewInjector(session, nil)
	err := injector.InjectEntropyWithPayload(make([]byte, entropy.Size))
	require.ErrorIs(t, err, pdu.ResultError)
	require.Len(t, session.sent, 1)
}

func TestInjectEntropy(t *testing.T) {
	session := &sessionMock{}
	random := bytes.Repeat([]byte{7}, entropy.Size)
	injector := entropy.NewInjector(session, nil, entropy.WithRandom(bytes.NewReader(random)))
	require.NoError(t, injector.InjectEntropy())
	require.Equal(t, [][]byte{random}, session.sent)

	// The source is exhausted.
	require.Error(t, injector.InjectEntropy())
	require.Len(t, session.sent, 1)
}

func TestDeterministicPayload(t *testing.T) {
	seed := make([]byte, 32)
	nonce := make([]byte, 12)
	payload, err := entropy.DeterministicPayload(seed, nonce)
	require.NoError(t, err)
	// RFC 8439 appendix A.1, test vector #1.
	require.Equal(t,
		"76b8e0ada0f13d90405d6ae55386bd28bdd219b8a08ded1aa836efcc8b770dc7",
		hex.EncodeToString(payload))

	again, err := entropy.DeterministicPayload(seed, nonce)
	require.NoError(t, err)
	require.Equal(t, payload, again)

	other, err := entropy.DeterministicPayload(seed, make([]byte, 24))
	require.NoError(t, err)
	require.NotEqual(t, payload, other)

	_, err = entropy.DeterministicPayload(seed[:16], nonce)
	require.Error(t, err)
	_, err = entropy.DeterministicPayload(seed, nonce[:8])
	require.Error(t, err)
}

func TestInjectEntropyIntoBase(t *testing.T) {
	device, err := emulator.New(emulator.BuildImage(emulator.ImageOptions{
		ROVersion: "1.0.0",
		RWVersion: "1.1.0",
	}), common.SectionRO)
	require.NoError(t, err)
	updater := firmware.NewUpdaterWithEndpoint(device, nil)
	require.NoError(t, updater.TryConnectUsb())
	require.NoError(t, updater.SendFirstPdu())
	require.NoError(t, updater.SendSubcommand(common.StayInRO))

	payload, err := entropy.DeterministicPayload(bytes.Repeat([]byte{1}, 32), make([]byte, 12))
	require.NoError(t, err)
	require.NoError(t, entropy.NewInjector(updater, nil).InjectEntropyWithPayload(payload))
	require.Equal(t, payload, device.Entropy())
	require.Equal(t, 1, device.EntropyInjections())
	require.Equal(t, firmware.StateFirstPduSent, updater.State())
}
