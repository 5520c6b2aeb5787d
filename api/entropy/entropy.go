// SPDX-License-Identifier: Apache-2.0

// Package entropy injects the entropy the base derives its pairing key pair from. Injection is
// only accepted by RO.
package entropy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
	"golang.org/x/crypto/chacha20"
)

// Size is the exact size of an entropy payload.
const Size = 32

// ErrInvalidPayloadSize is returned for payloads that are not Size bytes long.
var ErrInvalidPayloadSize = errors.New("invalid entropy payload size")

// Session is the open update session entropy is injected over. *firmware.Updater implements it.
type Session interface {
	SendSubcommandWithPayload(cmd common.UpdateExtraCommand, payload []byte) error
}

// Injector injects entropy into the base.
type Injector struct {
	session Session
	log     logging.Logger
	random  io.Reader
}

// Option configures an Injector.
type Option func(*Injector)

// WithRandom sets the source of InjectEntropy. Defaults to crypto/rand.
func WithRandom(random io.Reader) Option {
	return func(injector *Injector) {
		injector.random = random
	}
}

// NewInjector creates an injector sending through session.
func NewInjector(session Session, logger logging.Logger, opts ...Option) *Injector {
	injector := &Injector{
		session: session,
		log:     logging.OrNop(logger),
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(injector)
	}
	return injector
}

// InjectEntropyWithPayload sends payload, which must be exactly Size bytes. A failed injection is
// never resent: the base may have consumed part of it, so the caller reconnects and starts over.
func (injector *Injector) InjectEntropyWithPayload(payload []byte) error {
	if len(payload) != Size {
		return errp.WithMessagef(ErrInvalidPayloadSize, "expected %d bytes, got %d", Size, len(payload))
	}
	if err := injector.session.SendSubcommandWithPayload(common.InjectEntropy, payload); err != nil {
		injector.log.Error("Entropy injection failed", err)
		return err
	}
	injector.log.Info("Injected entropy")
	return nil
}

// InjectEntropy injects Size fresh random bytes.
func (injector *Injector) InjectEntropy() error {
	payload := make([]byte, Size)
	if _, err := io.ReadFull(injector.random, payload); err != nil {
		return errp.WithStack(err)
	}
	return injector.InjectEntropyWithPayload(payload)
}

// DeterministicPayload derives a reproducible payload from a 32 byte seed and a 12 or 24 byte
// nonce, as the ChaCha20 keystream. Bases provisioned at the factory or in RMA flows can be given
// known entropy this way.
func DeterministicPayload(seed, nonce []byte) ([]byte, error) {
	if len(seed) != chacha20.KeySize {
		return nil, errp.Newf("seed must be %d bytes, got %d", chacha20.KeySize, len(seed))
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(seed, nonce)
	if err != nil {
		return nil, errp.WithMessage(errp.WithStack(err), fmt.Sprintf("nonce of %d bytes", len(nonce)))
	}
	payload := make([]byte, Size)
	cipher.XORKeyStream(payload, payload)
	return payload, nil
}
