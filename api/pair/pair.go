// SPDX-License-Identifier: Apache-2.0

// Package pair authenticates the base: the host sends an ephemeral X25519 public key and a nonce,
// and the base proves possession of its key pair by answering with an HMAC of the nonce keyed
// with the shared secret.
package pair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
)

// ChallengeStatus is the outcome of a pair challenge.
type ChallengeStatus int

// Challenge outcomes.
const (
	ChallengePassed ChallengeStatus = iota
	// ChallengeFailed means the authenticator did not match.
	ChallengeFailed
	// ChallengeNeedInjectEntropy means the base has no key pair yet.
	ChallengeNeedInjectEntropy
	ChallengeTimeout
	// ChallengeUnsupported means the running firmware cannot pair, e.g. RO.
	ChallengeUnsupported
	ChallengeUnknownError
)

func (status ChallengeStatus) String() string {
	switch status {
	case ChallengePassed:
		return "passed"
	case ChallengeFailed:
		return "failed"
	case ChallengeNeedInjectEntropy:
		return "need inject entropy"
	case ChallengeTimeout:
		return "timeout"
	case ChallengeUnsupported:
		return "unsupported"
	case ChallengeUnknownError:
		return "unknown error"
	default:
		return fmt.Sprintf("ChallengeStatus(%d)", int(status))
	}
}

var (
	// ErrUnsupportedInThisMode is returned when challenging a base running RO.
	ErrUnsupportedInThisMode = errors.New("pairing is not supported in this mode")
	// ErrAuthenticatorMismatch is returned when the base's authenticator is wrong.
	ErrAuthenticatorMismatch = errors.New("authenticator mismatch")
)

// Session is the open update session the challenge is sent over. *firmware.Updater implements
// it.
type Session interface {
	CurrentSection() common.SectionName
	SendSubcommandReceiveResponse(cmd common.UpdateExtraCommand, payload []byte, responseSize int) ([]byte, error)
}

// Manager runs pair challenges.
type Manager struct {
	log    logging.Logger
	random io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom sets the source of key pairs and nonces. Defaults to crypto/rand.
func WithRandom(random io.Reader) Option {
	return func(manager *Manager) {
		manager.random = random
	}
}

// NewManager creates a pair manager.
func NewManager(logger logging.Logger, opts ...Option) *Manager {
	manager := &Manager{
		log:    logging.OrNop(logger),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// PairChallenge challenges the base of session, which must run RW. It does not change the
// session state. Every status but ChallengePassed comes with an error describing it.
func (manager *Manager) PairChallenge(session Session) (ChallengeStatus, error) {
	if section := session.CurrentSection(); section == common.SectionRO {
		return ChallengeUnsupported, errp.WithMessagef(ErrUnsupportedInThisMode, "base runs %s", section)
	}
	keypair, err := noise.DH25519.GenerateKeypair(manager.random)
	if err != nil {
		return ChallengeUnknownError, errp.WithStack(err)
	}
	request := &pdu.PairRequest{}
	copy(request.PublicKey[:], keypair.Public)
	if _, err := io.ReadFull(manager.random, request.Nonce[:]); err != nil {
		return ChallengeUnknownError, errp.WithStack(err)
	}

	data, err := session.SendSubcommandReceiveResponse(
		common.PairChallenge, request.Bytes(), pdu.PairResponseSize)
	if err != nil {
		if usb.IsTimeout(err) {
			return ChallengeTimeout, err
		}
		return ChallengeUnknownError, err
	}
	response, err := pdu.ParsePairResponse(data)
	if err != nil {
		return ChallengeUnknownError, err
	}
	switch {
	case response.Status == pdu.ResultSuccess:
	case response.Status.IsErrUnavailable():
		manager.log.Info("The base has no key pair, entropy must be injected")
		return ChallengeNeedInjectEntropy, errp.WithStack(response.Status)
	case response.Status == pdu.ResultInvalidCommand:
		return ChallengeUnsupported, errp.WithMessage(response.Status, "pair challenge")
	default:
		return ChallengeUnknownError, errp.WithMessage(response.Status, "pair challenge")
	}

	secret, err := noise.DH25519.DH(keypair.Private, response.PublicKey[:])
	if err != nil {
		// A low order public key.
		return ChallengeFailed, errp.WithMessage(ErrAuthenticatorMismatch, err.Error())
	}
	if !hmac.Equal(Authenticator(secret, request.Nonce[:]), response.Authenticator[:]) {
		manager.log.Info("Pair challenge failed: authenticator mismatch")
		return ChallengeFailed, errp.WithStack(ErrAuthenticatorMismatch)
	}
	manager.log.Info(fmt.Sprintf("Pair challenge passed, base key %x", response.PublicKey))
	return ChallengePassed, nil
}

// Authenticator derives the expected challenge answer from the X25519 shared secret.
func Authenticator(secret, nonce []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	return mac.Sum(nil)[:pdu.PairAuthenticatorSize]
}
