// SPDX-License-Identifier: Apache-2.0

// Package firmware implements an update session with the base EC: loading an EC image,
// negotiating with the device, streaming sections and issuing subcommands.
package firmware

import (
	"errors"
	"fmt"
	"time"

	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/config"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
)

// Endpoint is the transport an Updater talks through. *usb.Endpoint implements it.
type Endpoint interface {
	Connect() error
	Close()
	IsConnected() bool
	ChunkLength() int
	ConfigurationString() string
	Send(data []byte) error
	Receive(maxLen int, timeout time.Duration) ([]byte, error)
	Flush() int
}

var _ Endpoint = (*usb.Endpoint)(nil)

// State is the phase of an update session.
type State int

// Session states.
const (
	StateIdle State = iota
	StateConnected
	StateFirstPduSent
	StateTransferring
	StateDone
	StateFailed
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateFirstPduSent:
		return "FirstPduSent"
	case StateTransferring:
		return "Transferring"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(state))
	}
}

// States after a successful first PDU, in which the first response is known.
var negotiatedStates = []State{StateFirstPduSent, StateTransferring, StateDone}

// Status is a snapshot of the session's progress.
type Status struct {
	State State
	// Section and BlockOffset are the section and last block being transferred.
	Section     common.SectionName
	BlockOffset uint32
	// Progress of the current section transfer, from 0 to 1.
	Progress float64
	ErrMsg   string
}

type options struct {
	connectRetries  int
	connectDelay    time.Duration
	blockRetries    int
	ioTimeout       time.Duration
	transferTimeout time.Duration
	onStatusChanged func(*Status)
	sleep           func(time.Duration)
}

func defaultOptions() options {
	defaults := config.Default()
	return options{
		connectRetries:  defaults.Retries.Connect,
		connectDelay:    defaults.ConnectDelay,
		blockRetries:    defaults.Retries.Block,
		ioTimeout:       defaults.Timeouts.IO,
		transferTimeout: defaults.Timeouts.Transfer,
		sleep:           time.Sleep,
	}
}

// Option configures an Updater.
type Option func(*options)

// WithConnectRetries sets how often TryConnectUsb retries a failed connect.
func WithConnectRetries(retries int) Option {
	return func(o *options) {
		if retries >= 0 {
			o.connectRetries = retries
		}
	}
}

// WithConnectDelay sets the pause between connect attempts.
func WithConnectDelay(delay time.Duration) Option {
	return func(o *options) {
		if delay >= 0 {
			o.connectDelay = delay
		}
	}
}

// WithBlockRetries sets how often a failed block is sent again.
func WithBlockRetries(retries int) Option {
	return func(o *options) {
		if retries >= 0 {
			o.blockRetries = retries
		}
	}
}

// WithTimeouts sets the timeout of request/response exchanges and of block acknowledgements,
// which take longer as the device erases and writes flash.
func WithTimeouts(io, transfer time.Duration) Option {
	return func(o *options) {
		if io > 0 {
			o.ioTimeout = io
		}
		if transfer > 0 {
			o.transferTimeout = transfer
		}
	}
}

// WithStatusCallback sets a function called after every status change.
func WithStatusCallback(onStatusChanged func(*Status)) Option {
	return func(o *options) {
		o.onStatusChanged = onStatusChanged
	}
}

// WithSleep replaces time.Sleep, for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// WithConfig applies the timeouts, retries and delays of a configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		WithConnectRetries(cfg.Retries.Connect)(o)
		WithBlockRetries(cfg.Retries.Block)(o)
		WithConnectDelay(cfg.ConnectDelay)(o)
		WithTimeouts(cfg.Timeouts.IO, cfg.Timeouts.Transfer)(o)
	}
}

// Updater owns one update session with a base EC. It is not safe for concurrent use.
type Updater struct {
	endpoint Endpoint
	log      logging.Logger
	options  options

	state         State
	image         *Image
	firstResponse *pdu.FirstResponse
	// versions caches the section versions of the current session.
	versions map[common.SectionName]string
	// written holds the image sections transferred in the current session, pending SendDone.
	written  []common.SectionName
	status   Status
}

// NewUpdater creates an updater talking to the device over libusb.
func NewUpdater(id usb.DeviceID, logger logging.Logger, opts ...Option) *Updater {
	logger = logging.With(logging.OrNop(logger), "device", id.String())
	return NewUpdaterWithEndpoint(usb.NewEndpoint(id, logger), logger, opts...)
}

// EndpointFromConfig creates the libusb endpoint of the device described by cfg.
func EndpointFromConfig(cfg *config.Config, logger logging.Logger) *usb.Endpoint {
	id := usb.DeviceID{
		VendorID:    cfg.Device.VendorID,
		ProductID:   cfg.Device.ProductID,
		InEndpoint:  cfg.Device.InEndpoint,
		OutEndpoint: cfg.Device.OutEndpoint,
		Bus:         cfg.Device.Bus,
		Port:        cfg.Device.Port,
	}
	logger = logging.With(logging.OrNop(logger), "device", id.String())
	return usb.NewEndpoint(id, logger, usb.WithTimeout(cfg.Timeouts.IO))
}

// NewUpdaterFromConfig creates an updater for the device and with the settings of cfg.
func NewUpdaterFromConfig(cfg *config.Config, logger logging.Logger, opts ...Option) *Updater {
	return NewUpdaterWithEndpoint(EndpointFromConfig(cfg, logger), logger,
		append([]Option{WithConfig(cfg)}, opts...)...)
}

// NewUpdaterWithEndpoint creates an updater talking through endpoint.
func NewUpdaterWithEndpoint(endpoint Endpoint, logger logging.Logger, opts ...Option) *Updater {
	updater := &Updater{
		endpoint: endpoint,
		log:      logging.OrNop(logger),
		options:  defaultOptions(),
		state:    StateIdle,
		status:   Status{State: StateIdle, Section: common.SectionInvalid},
	}
	for _, opt := range opts {
		opt(&updater.options)
	}
	return updater
}

// Endpoint returns the transport of the session, for components layered on the same connection.
func (updater *Updater) Endpoint() Endpoint {
	return updater.endpoint
}

// State returns the current session state.
func (updater *Updater) State() State {
	return updater.state
}

// Status returns the current progress.
func (updater *Updater) Status() *Status {
	return &updater.status
}

// Image returns the loaded EC image, or nil.
func (updater *Updater) Image() *Image {
	return updater.image
}

func (updater *Updater) onStatusChanged() {
	if updater.options.onStatusChanged != nil {
		updater.options.onStatusChanged(&updater.status)
	}
}

func (updater *Updater) setState(state State) {
	if updater.state == state {
		return
	}
	updater.log.Debug(fmt.Sprintf("State %s -> %s", updater.state, state))
	updater.state = state
	updater.status.State = state
	if state != StateFailed {
		updater.status.ErrMsg = ""
	}
	updater.onStatusChanged()
}

// fail records the unrecoverable error err and moves the session to StateFailed.
func (updater *Updater) fail(op string, err error) error {
	updater.log.Error(op+" failed", err)
	updater.status.ErrMsg = err.Error()
	updater.setState(StateFailed)
	return err
}

// checkState returns a *StateError if the session is not in one of the given states, or
// ErrConnectionClosed if the transport dropped the connection.
func (updater *Updater) checkState(op string, states ...State) error {
	allowed := false
	for _, state := range states {
		if updater.state == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return errp.WithStack(&StateError{Op: op, State: updater.state})
	}
	if updater.state != StateIdle && !updater.endpoint.IsConnected() {
		return updater.fail(op, errp.WithMessage(ErrConnectionClosed, op))
	}
	return nil
}

// LoadEcImage parses and keeps the EC image to update with. It is only allowed while Idle, and
// leaves the state unchanged.
func (updater *Updater) LoadEcImage(data []byte) error {
	if updater.state != StateIdle {
		return errp.WithStack(&StateError{Op: "LoadEcImage", State: updater.state})
	}
	image, err := ParseImage(data)
	if err != nil {
		updater.log.Error("Failed to parse the EC image", err)
		return err
	}
	updater.image = image
	for _, name := range common.Sections {
		section := image.sections[name]
		updater.log.Info(fmt.Sprintf("Image %s: offset %#x, size %#x, version %q, rollback %d, key version %d",
			name, section.Offset, section.Size, section.Version, section.Rollback, section.KeyVersion))
	}
	return nil
}

// TryConnectUsb connects to the device, retrying a bounded number of times while the device is
// absent, e.g. because it is rebooting. After all attempts failed, the error matches
// ErrConnectionFailed and the last transport error. The state stays Idle on failure.
func (updater *Updater) TryConnectUsb() error {
	const op = "TryConnectUsb"
	if err := updater.checkState(op, StateIdle); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt <= updater.options.connectRetries; attempt++ {
		if attempt > 0 {
			updater.options.sleep(updater.options.connectDelay)
		}
		if err = updater.endpoint.Connect(); err == nil {
			updater.setState(StateConnected)
			return nil
		}
		if errors.Is(err, usb.ErrDeviceBusy) {
			break
		}
		updater.log.Debug(fmt.Sprintf("Connect attempt %d failed: %v", attempt+1, err))
	}
	updater.log.Error("Failed to connect to the base", err)
	return errp.WithStack(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
}

// SendFirstPdu negotiates the session. The device answers with the protocol version, the
// writable flash offset and the running section's version.
func (updater *Updater) SendFirstPdu() error {
	const op = "SendFirstPdu"
	if err := updater.checkState(op, StateConnected); err != nil {
		return err
	}
	if flushed := updater.endpoint.Flush(); flushed > 0 {
		updater.log.Info(fmt.Sprintf("Discarded %d bytes of a previous session", flushed))
	}
	frame, err := pdu.Encode(pdu.First(), nil)
	if err != nil {
		return updater.fail(op, err)
	}
	if err := updater.endpoint.Send(frame); err != nil {
		return updater.fail(op, err)
	}
	data, err := updater.endpoint.Receive(pdu.SectionsFirstResponseSize, updater.options.ioTimeout)
	if err != nil {
		return updater.fail(op, err)
	}
	response, err := pdu.ParseFirstResponse(data)
	if err != nil {
		return updater.fail(op, err)
	}
	if response.ReturnValue != 0 {
		return updater.fail(op, errp.Newf("device rejected the first PDU: return value %d", response.ReturnValue))
	}
	if response.MaximumPDUSize == 0 {
		return updater.fail(op, errp.WithMessage(ErrProtocolMismatch, "maximum PDU size 0"))
	}
	updater.firstResponse = response
	updater.versions = map[common.SectionName]string{}
	updater.written = nil
	updater.log.Info(fmt.Sprintf(
		"First response: header type %d, protocol %d, max PDU %d, flash protection %#x, "+
			"offset %#x, version %q, min rollback %d, key version %d",
		response.HeaderType, response.ProtocolVersion, response.MaximumPDUSize,
		response.FlashProtection, response.Offset, response.Version, response.MinRollback,
		response.KeyVersion))
	updater.setState(StateFirstPduSent)
	return nil
}

// GetFirstResponsePdu returns the response to the first PDU.
func (updater *Updater) GetFirstResponsePdu() (*pdu.FirstResponse, error) {
	if err := updater.checkState("GetFirstResponsePdu", negotiatedStates...); err != nil {
		return nil, err
	}
	response := *updater.firstResponse
	return &response, nil
}

// GetSectionVersion returns the device's version of a section. Devices answering with the
// common first response only report the running section's version; other sections fail with
// ErrSectionNotFound.
func (updater *Updater) GetSectionVersion(section common.SectionName) (string, error) {
	if err := updater.checkState("GetSectionVersion", negotiatedStates...); err != nil {
		return "", err
	}
	return updater.sectionVersion(section)
}

func (updater *Updater) sectionVersion(section common.SectionName) (string, error) {
	if version, ok := updater.versions[section]; ok {
		return version, nil
	}
	var version string
	switch {
	case section != common.SectionRO && section != common.SectionRW:
	case updater.firstResponse.HeaderType == pdu.HeaderTypeSections:
		if section == common.SectionRO {
			version = updater.firstResponse.ROVersion
		} else {
			version = updater.firstResponse.RWVersion
		}
	case section == updater.CurrentSection():
		version = updater.firstResponse.Version
	}
	if version == "" {
		return "", errp.WithMessagef(ErrSectionNotFound, "no %s version in the first response", section)
	}
	updater.versions[section] = version
	return version, nil
}

// CurrentSection returns the section the device is running. The device reports the offset of
// the writable section; the running one is the other. Without an image, RO is assumed at flash
// offset 0. Before SendFirstPdu, it returns SectionInvalid.
func (updater *Updater) CurrentSection() common.SectionName {
	if updater.firstResponse == nil {
		return common.SectionInvalid
	}
	if updater.image != nil {
		return updater.image.SectionAt(updater.firstResponse.Offset).Other()
	}
	if updater.firstResponse.Offset == 0 {
		return common.SectionRW
	}
	return common.SectionRO
}

// CloseUsb closes the connection and returns to Idle from any state. The loaded image is kept.
func (updater *Updater) CloseUsb() {
	updater.endpoint.Close()
	updater.firstResponse = nil
	updater.versions = nil
	updater.written = nil
	updater.status = Status{State: updater.state, Section: common.SectionInvalid}
	updater.setState(StateIdle)
}
