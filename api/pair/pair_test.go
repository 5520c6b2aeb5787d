// SPDX-License-Identifier: Apache-2.0

package pair_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/api/pair"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/internal/emulator"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, running common.SectionName) (*emulator.Device, *firmware.Updater) {
	t.Helper()
	device, err := emulator.New(emulator.BuildImage(emulator.ImageOptions{
		ROVersion: "1.0.0",
		RWVersion: "1.1.0",
	}), running)
	require.NoError(t, err)
	updater := firmware.NewUpdaterWithEndpoint(device, nil, firmware.WithSleep(func(time.Duration) {}))
	require.NoError(t, updater.TryConnectUsb())
	require.NoError(t, updater.SendFirstPdu())
	return device, updater
}

func TestPairChallenge(t *testing.T) {
	device, updater := connect(t, common.SectionRW)
	status, err := pair.NewManager(nil).PairChallenge(updater)
	require.NoError(t, err)
	require.Equal(t, pair.ChallengePassed, status)
	require.Equal(t, firmware.StateFirstPduSent, updater.State())
	require.Equal(t, []pdu.Command{pdu.First(), pdu.Extra(common.PairChallenge)}, device.Commands())

	// Challenges are not replayed.
	status, err = pair.NewManager(nil).PairChallenge(updater)
	require.NoError(t, err)
	require.Equal(t, pair.ChallengePassed, status)
}

func TestPairChallengeMismatch(t *testing.T) {
	device, updater := connect(t, common.SectionRW)
	device.Faults.CorruptAuthenticator = true
	status, err := pair.NewManager(nil).PairChallenge(updater)
	require.ErrorIs(t, err, pair.ErrAuthenticatorMismatch)
	require.Equal(t, pair.ChallengeFailed, status)
	require.Equal(t, firmware.StateFirstPduSent, updater.State())
}

func TestPairChallengeInRO(t *testing.T) {
	device, updater := connect(t, common.SectionRO)
	status, err := pair.NewManager(nil).PairChallenge(updater)
	require.ErrorIs(t, err, pair.ErrUnsupportedInThisMode)
	require.Equal(t, pair.ChallengeUnsupported, status)
	require.Equal(t, []pdu.Command{pdu.First()}, device.Commands())
}

func TestPairChallengeNeedsEntropy(t *testing.T) {
	device, updater := connect(t, common.SectionRW)
	device.ClearEntropy()
	status, err := pair.NewManager(nil).PairChallenge(updater)
	require.ErrorIs(t, err, pdu.ResultUnavailable)
	require.Equal(t, pair.ChallengeNeedInjectEntropy, status)
}

func TestPairChallengeTimeout(t *testing.T) {
	device, updater := connect(t, common.SectionRW)
	device.Faults.DropPairResponse = true
	status, err := pair.NewManager(nil).PairChallenge(updater)
	require.Error(t, err)
	require.Equal(t, pair.ChallengeTimeout, status)
}

func TestPairChallengeNotNegotiated(t *testing.T) {
	device, err := emulator.New(emulator.BuildImage(emulator.ImageOptions{
		ROVersion: "1.0.0",
		RWVersion: "1.1.0",
	}), common.SectionRW)
	require.NoError(t, err)
	updater := firmware.NewUpdaterWithEndpoint(device, nil)
	status, err := pair.NewManager(nil).PairChallenge(updater)
	var stateErr *firmware.StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, pair.ChallengeUnknownError, status)
}

func TestRandomSource(t *testing.T) {
	device, updater := connect(t, common.SectionRW)
	random := bytes.NewReader(bytes.Repeat([]byte{0x42}, 32+pdu.PairNonceSize))
	status, err := pair.NewManager(nil, pair.WithRandom(random)).PairChallenge(updater)
	require.NoError(t, err)
	require.Equal(t, pair.ChallengePassed, status)
	require.Zero(t, random.Len())

	// An exhausted source fails before anything is sent.
	status, err = pair.NewManager(nil, pair.WithRandom(random)).PairChallenge(updater)
	require.Error(t, err)
	require.Equal(t, pair.ChallengeUnknownError, status)
	require.Len(t, device.Commands(), 2)
}

func TestAuthenticator(t *testing.T) {
	authenticator := pair.Authenticator([]byte("secret"), []byte("nonce"))
	require.Len(t, authenticator, pdu.PairAuthenticatorSize)
	require.Equal(t, authenticator, pair.Authenticator([]byte("secret"), []byte("nonce")))
	require.NotEqual(t, authenticator, pair.Authenticator([]byte("secret"), []byte("nonc3")))
}

func TestChallengeStatusString(t *testing.T) {
	require.Equal(t, "need inject entropy", pair.ChallengeNeedInjectEntropy.String())
	require.Equal(t, "ChallengeStatus(42)", pair.ChallengeStatus(42).String())
}
