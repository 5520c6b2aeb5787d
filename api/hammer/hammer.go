// SPDX-License-Identifier: Apache-2.0

// Package hammer drives a base from whatever state it is in to running an up to date RW that
// passed the pair challenge. Every round connects, inspects the base and takes one step:
// writing RW, resetting, jumping to RW, injecting entropy or pairing.
package hammer

import (
	"errors"
	"fmt"
	"time"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/entropy"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/api/pair"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/config"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
	"github.com/hammerd/hammerd-api-go/util/semver"
)

// RunStatus is the outcome of a round, telling the loop what to do next.
type RunStatus int

// Round outcomes.
const (
	NoUpdate RunStatus = iota
	FatalError
	NeedReset
	NeedJump
	NeedInjectEntropy
	LostConnection
	InvalidFirmware
)

func (status RunStatus) String() string {
	switch status {
	case NoUpdate:
		return "NoUpdate"
	case FatalError:
		return "FatalError"
	case NeedReset:
		return "NeedReset"
	case NeedJump:
		return "NeedJump"
	case NeedInjectEntropy:
		return "NeedInjectEntropy"
	case LostConnection:
		return "LostConnection"
	case InvalidFirmware:
		return "InvalidFirmware"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(status))
	}
}

// ErrUpdateFailed is returned by Run if the base did not end up up to date and paired.
var ErrUpdateFailed = errors.New("update failed")

// FirmwareUpdater is the update session driven. *firmware.Updater implements it.
type FirmwareUpdater interface {
	pair.Session
	entropy.Session
	LoadEcImage(data []byte) error
	Image() *firmware.Image
	TryConnectUsb() error
	SendFirstPdu() error
	CloseUsb()
	GetSectionVersion(section common.SectionName) (string, error)
	VersionMismatch(section common.SectionName) bool
	IsSectionLocked(section common.SectionName) bool
	TransferImage(section common.SectionName) error
	SendDone() error
	SendSubcommand(cmd common.UpdateExtraCommand) error
	UnlockRW() error
	JumpToRW() error
}

// PairManager runs pair challenges. *pair.Manager implements it.
type PairManager interface {
	PairChallenge(session pair.Session) (pair.ChallengeStatus, error)
}

// EntropyInjector injects fresh entropy over the session of the FirmwareUpdater. *entropy.Injector
// implements it.
type EntropyInjector interface {
	InjectEntropy() error
}

var (
	_ FirmwareUpdater = (*firmware.Updater)(nil)
	_ PairManager     = (*pair.Manager)(nil)
	_ EntropyInjector = (*entropy.Injector)(nil)
)

type presence struct {
	vendorID, productID uint16
	present             usb.PresenceFunc
}

// Hammer runs the update loop.
type Hammer struct {
	fw       FirmwareUpdater
	pairer   PairManager
	injector EntropyInjector
	log      logging.Logger

	maxRunCount    int
	resetDelay     time.Duration
	allowDowngrade bool
	sleep          func(time.Duration)
	presence       *presence
}

// Option configures a Hammer.
type Option func(*Hammer)

// WithMaxRunCount bounds the number of rounds.
func WithMaxRunCount(count int) Option {
	return func(hammer *Hammer) {
		if count > 0 {
			hammer.maxRunCount = count
		}
	}
}

// WithResetDelay sets the time given to the base to reboot after a reset or jump.
func WithResetDelay(delay time.Duration) Option {
	return func(hammer *Hammer) {
		hammer.resetDelay = delay
	}
}

// WithAllowDowngrade permits writing an RW older than the base's.
func WithAllowDowngrade(allow bool) Option {
	return func(hammer *Hammer) {
		hammer.allowDowngrade = allow
	}
}

// WithSleep replaces time.Sleep, for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(hammer *Hammer) {
		hammer.sleep = sleep
	}
}

// WithPresence makes failed connects report whether the base is attached at all.
func WithPresence(vendorID, productID uint16, present usb.PresenceFunc) Option {
	return func(hammer *Hammer) {
		hammer.presence = &presence{vendorID: vendorID, productID: productID, present: present}
	}
}

// New creates a Hammer. injector must inject over the session of fw.
func New(fw FirmwareUpdater, pairer PairManager, injector EntropyInjector, logger logging.Logger,
	opts ...Option) *Hammer {
	defaults := config.Default()
	hammer := &Hammer{
		fw:          fw,
		pairer:      pairer,
		injector:    injector,
		log:         logging.OrNop(logger),
		maxRunCount: defaults.Retries.MaxRunCount,
		resetDelay:  defaults.ResetDelay,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(hammer)
	}
	return hammer
}

// WithConfig applies the run count, reset delay and downgrade policy of cfg, and checks the
// presence of the base it describes.
func WithConfig(cfg *config.Config) Option {
	return func(hammer *Hammer) {
		WithMaxRunCount(cfg.Retries.MaxRunCount)(hammer)
		WithResetDelay(cfg.ResetDelay)(hammer)
		WithAllowDowngrade(cfg.AllowDowngrade)(hammer)
		WithPresence(cfg.Device.VendorID, cfg.Device.ProductID, usb.Present)(hammer)
	}
}

// NewFromConfig creates a Hammer updating the base described by cfg over libusb.
func NewFromConfig(cfg *config.Config, logger logging.Logger, opts ...Option) *Hammer {
	return NewWithUpdater(firmware.NewUpdaterFromConfig(cfg, logger), logger,
		append([]Option{WithConfig(cfg)}, opts...)...)
}

// NewWithUpdater creates a Hammer pairing and injecting entropy over the session of fw.
func NewWithUpdater(fw *firmware.Updater, logger logging.Logger, opts ...Option) *Hammer {
	return New(fw, pair.NewManager(logger), entropy.NewInjector(fw, logger), logger, opts...)
}

// Run loads image and runs the update loop. It returns nil if the base runs the image's RW and
// passed the pair challenge.
func (hammer *Hammer) Run(image []byte) error {
	if err := hammer.fw.LoadEcImage(image); err != nil {
		return err
	}
	if status := hammer.RunLoop(); status != NoUpdate {
		return errp.WithMessagef(ErrUpdateFailed, "update loop ended with %s", status)
	}
	return nil
}

// RunLoop runs rounds until the base is done, a round fails, or the run count is exhausted. Each
// round holds one connection.
func (hammer *Hammer) RunLoop() RunStatus {
	postRWJump := false
	needInjectEntropy := false
	for round := 1; round <= hammer.maxRunCount; round++ {
		hammer.log.Debug(fmt.Sprintf("Round %d/%d", round, hammer.maxRunCount))
		if err := hammer.fw.TryConnectUsb(); err != nil {
			hammer.logConnectFailure(err)
			hammer.fw.CloseUsb()
			return LostConnection
		}
		status := hammer.RunOnce(postRWJump, needInjectEntropy)
		hammer.log.Info(fmt.Sprintf("Round %d: %s", round, status))
		postRWJump = status == NeedJump
		switch status {
		case NeedInjectEntropy:
			needInjectEntropy = true
			status = NeedReset
		case NeedReset:
			// A reset requested from RO means any pending injection happened.
			needInjectEntropy = needInjectEntropy && hammer.fw.CurrentSection() != common.SectionRO
		}

		switch status {
		case NoUpdate, FatalError, InvalidFirmware, LostConnection:
			hammer.fw.CloseUsb()
			return status
		case NeedReset:
			if err := hammer.fw.SendSubcommand(common.ImmediateReset); err != nil {
				hammer.log.Error("Reset failed", err)
			}
		case NeedJump:
			if err := hammer.fw.JumpToRW(); err != nil {
				hammer.log.Error("Jump to RW failed", err)
			}
		}
		hammer.fw.CloseUsb()
		hammer.sleep(hammer.resetDelay)
	}
	hammer.log.Error("Giving up", errp.Newf("no result after %d rounds", hammer.maxRunCount))
	return FatalError
}

func (hammer *Hammer) logConnectFailure(err error) {
	hammer.log.Error("Failed to connect to the base", err)
	if hammer.presence == nil {
		return
	}
	present, presenceErr := hammer.presence.present(hammer.presence.vendorID, hammer.presence.productID)
	switch {
	case presenceErr != nil:
		hammer.log.Error("Presence check failed", presenceErr)
	case present:
		hammer.log.Info("The base is attached, but its update interface is unavailable")
	default:
		hammer.log.Info("The base is not attached")
	}
}

// RunOnce inspects the base over an open connection and decides the next step. postRWJump tells
// that the previous round jumped to RW, needInjectEntropy that entropy must be injected.
func (hammer *Hammer) RunOnce(postRWJump, needInjectEntropy bool) RunStatus {
	if err := hammer.fw.SendFirstPdu(); err != nil {
		hammer.log.Error("Failed to send the first PDU", err)
		return statusFor(err)
	}

	if hammer.fw.CurrentSection() == common.SectionRW {
		if needInjectEntropy {
			hammer.log.Info("Resetting to RO to inject entropy")
			return NeedReset
		}
		if hammer.rwNeedsUpdate() {
			hammer.log.Info("RW is outdated, resetting to RO to update it")
			return NeedReset
		}
		return hammer.PostRWProcess()
	}

	if needInjectEntropy {
		if err := hammer.fw.SendSubcommand(common.StayInRO); err != nil {
			hammer.log.Error("Failed to stay in RO", err)
			return statusFor(err)
		}
		if err := hammer.injector.InjectEntropy(); err != nil {
			return statusFor(err)
		}
		return NeedReset
	}
	if hammer.rwNeedsUpdate() {
		if hammer.fw.IsSectionLocked(common.SectionRW) {
			hammer.log.Info("RW is locked, unlocking")
			if err := hammer.fw.UnlockRW(); err != nil {
				return statusFor(err)
			}
			return NeedReset
		}
		if err := hammer.fw.TransferImage(common.SectionRW); err != nil {
			return statusFor(err)
		}
		if err := hammer.fw.SendDone(); err != nil {
			if errors.Is(err, firmware.ErrVerificationFailed) {
				return InvalidFirmware
			}
			return statusFor(err)
		}
		return NeedReset
	}
	if postRWJump {
		hammer.log.Error("The base stayed in RO after jumping to RW", errp.New("RW does not boot"))
		return InvalidFirmware
	}
	return NeedJump
}

// PostRWProcess runs once the base runs an up to date RW.
func (hammer *Hammer) PostRWProcess() RunStatus {
	return hammer.Pair()
}

// Pair challenges the base.
func (hammer *Hammer) Pair() RunStatus {
	status, err := hammer.pairer.PairChallenge(hammer.fw)
	switch status {
	case pair.ChallengePassed:
		return NoUpdate
	case pair.ChallengeNeedInjectEntropy:
		return NeedInjectEntropy
	default:
		hammer.log.Error(fmt.Sprintf("Pair challenge %s", status), err)
		return FatalError
	}
}

// rwNeedsUpdate returns true if the image's RW differs from the base's and is not a downgrade,
// unless downgrades are allowed.
func (hammer *Hammer) rwNeedsUpdate() bool {
	if !hammer.fw.VersionMismatch(common.SectionRW) {
		return false
	}
	if hammer.allowDowngrade || hammer.fw.Image() == nil {
		return true
	}
	deviceVersion, err := hammer.fw.GetSectionVersion(common.SectionRW)
	if err != nil {
		return true
	}
	section, err := hammer.fw.Image().Section(common.SectionRW)
	if err != nil {
		return true
	}
	imageSemVer, err := semver.NewSemVerFromString(section.Version)
	if err != nil {
		return true
	}
	deviceSemVer, err := semver.NewSemVerFromString(deviceVersion)
	if err != nil {
		return true
	}
	if imageSemVer.Less(deviceSemVer) {
		hammer.log.Info(fmt.Sprintf("Not downgrading RW from %s to %s", deviceSemVer, imageSemVer))
		return false
	}
	return true
}

// statusFor classifies a failed step.
func statusFor(err error) RunStatus {
	if errors.Is(err, firmware.ErrConnectionClosed) || errors.Is(err, usb.ErrTimeout) ||
		errors.Is(err, usb.ErrTransport) {
		return LostConnection
	}
	return FatalError
}
