// SPDX-License-Identifier: Apache-2.0

// Package usb implements the bulk transport to the update interface of the base EC.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
)

const (
	// DefaultTimeout applies to every transfer without an explicit timeout.
	DefaultTimeout = time.Second
	// DefaultConnectRetries is the number of extra enumeration attempts while the device resets.
	DefaultConnectRetries = 3
	// DefaultConnectBackoff is multiplied by the attempt number between enumeration attempts.
	DefaultConnectBackoff = 100 * time.Millisecond

	flushTimeout = 10 * time.Millisecond
)

// DeviceID selects the device and endpoints to talk to.
type DeviceID struct {
	VendorID  uint16
	ProductID uint16
	// InEndpoint and OutEndpoint are endpoint numbers, without the direction bit. 0 discovers the
	// endpoint from the update interface.
	InEndpoint  int
	OutEndpoint int
	// Bus and Port narrow the match when several devices share VID:PID. -1 matches any.
	Bus  int
	Port int
}

// NewDeviceID returns a DeviceID matching any bus and port.
func NewDeviceID(vendorID, productID uint16, inEndpoint, outEndpoint int) DeviceID {
	return DeviceID{
		VendorID:    vendorID,
		ProductID:   productID,
		InEndpoint:  inEndpoint,
		OutEndpoint: outEndpoint,
		Bus:         -1,
		Port:        -1,
	}
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
}

type deviceKey struct {
	vendorID, productID uint16
	bus, port           int
}

func (id DeviceID) key() deviceKey {
	return deviceKey{vendorID: id.VendorID, productID: id.ProductID, bus: id.Bus, port: id.Port}
}

// claimed holds the devices an Endpoint of this process is connected to.
var claimed = struct {
	sync.Mutex
	devices map[deviceKey]struct{}
}{devices: map[deviceKey]struct{}{}}

func claim(key deviceKey) bool {
	claimed.Lock()
	defer claimed.Unlock()
	if _, ok := claimed.devices[key]; ok {
		return false
	}
	claimed.devices[key] = struct{}{}
	return true
}

func release(key deviceKey) {
	claimed.Lock()
	defer claimed.Unlock()
	delete(claimed.devices, key)
}

// link is a claimed update interface.
type link interface {
	Write(ctx context.Context, data []byte) (int, error)
	Read(ctx context.Context, buf []byte) (int, error)
	// ChunkLength is the max packet size of the OUT endpoint.
	ChunkLength() int
	Configuration() string
	Close() error
}

type opener func(id DeviceID) (link, error)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithTimeout sets the default timeout of a single transfer.
func WithTimeout(timeout time.Duration) Option {
	return func(endpoint *Endpoint) {
		if timeout > 0 {
			endpoint.timeout = timeout
		}
	}
}

// WithConnectRetries sets how often enumeration is retried while the device is not found, and
// the backoff unit between attempts.
func WithConnectRetries(retries int, backoff time.Duration) Option {
	return func(endpoint *Endpoint) {
		if retries >= 0 {
			endpoint.connectRetries = retries
		}
		if backoff >= 0 {
			endpoint.connectBackoff = backoff
		}
	}
}

// Endpoint is a connection to the update interface of one device. It is the device handle: the
// interface stays claimed from Connect until Close.
type Endpoint struct {
	id             DeviceID
	open           opener
	log            logging.Logger
	timeout        time.Duration
	connectRetries int
	connectBackoff time.Duration
	sleep          func(time.Duration)

	mutex sync.Mutex
	link  link
}

// NewEndpoint creates an unconnected endpoint for the device id, backed by libusb.
func NewEndpoint(id DeviceID, logger logging.Logger, opts ...Option) *Endpoint {
	endpoint := &Endpoint{
		id:             id,
		open:           openGousb,
		log:            logging.OrNop(logger),
		timeout:        DefaultTimeout,
		connectRetries: DefaultConnectRetries,
		connectBackoff: DefaultConnectBackoff,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(endpoint)
	}
	return endpoint
}

// TstSetSleep replaces time.Sleep for unit tests.
func (endpoint *Endpoint) TstSetSleep(sleep func(time.Duration)) {
	endpoint.sleep = sleep
}

// ID returns the device id the endpoint connects to.
func (endpoint *Endpoint) ID() DeviceID {
	return endpoint.id
}

// Connect opens the device and claims its update interface. Enumeration is retried with a
// growing backoff while the device is not found. Connecting a connected endpoint is a no-op.
func (endpoint *Endpoint) Connect() error {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link != nil {
		endpoint.log.Info("Already connected. Ignored.")
		return nil
	}
	key := endpoint.id.key()
	if !claim(key) {
		return errp.WithMessagef(ErrDeviceBusy, "%s is connected by another endpoint", endpoint.id)
	}

	var err error
	for attempt := 0; attempt <= endpoint.connectRetries; attempt++ {
		if attempt > 0 {
			endpoint.sleep(time.Duration(attempt) * endpoint.connectBackoff)
		}
		endpoint.log.Info(fmt.Sprintf("open_device %s (attempt %d)", endpoint.id, attempt+1))
		var l link
		l, err = endpoint.open(endpoint.id)
		if err == nil {
			endpoint.link = l
			endpoint.log.Info(fmt.Sprintf("USB endpoint is initialized, chunk_len %d, configuration %q",
				l.ChunkLength(), l.Configuration()))
			return nil
		}
		if !errors.Is(err, ErrDeviceNotFound) {
			break
		}
		endpoint.log.Debug(fmt.Sprintf("%s not found: %v", endpoint.id, err))
	}
	release(key)
	endpoint.log.Error("connect failed", err)
	return err
}

// IsConnected returns true between a successful Connect and Close.
func (endpoint *Endpoint) IsConnected() bool {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	return endpoint.link != nil
}

// ChunkLength returns the max packet size of the OUT endpoint, or 0 if not connected.
func (endpoint *Endpoint) ChunkLength() int {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return 0
	}
	return endpoint.link.ChunkLength()
}

// ConfigurationString returns the configuration string descriptor of the device, which carries
// the running firmware version on hammer-like bases.
func (endpoint *Endpoint) ConfigurationString() string {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return ""
	}
	return endpoint.link.Configuration()
}

// Send bulk-writes data to the OUT endpoint, split into packets of ChunkLength bytes.
func (endpoint *Endpoint) Send(data []byte) error {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return errp.WithStack(ErrConnectionClosed)
	}
	chunkLength := endpoint.link.ChunkLength()
	if chunkLength <= 0 {
		chunkLength = len(data)
	}
	for sent := 0; sent < len(data); {
		end := min(sent+chunkLength, len(data))
		ctx, cancel := context.WithTimeout(context.Background(), endpoint.timeout)
		n, err := endpoint.link.Write(ctx, data[sent:end])
		cancel()
		if err != nil {
			return errp.WithMessagef(classify(err), "sent %d/%d bytes", sent+n, len(data))
		}
		if n != end-sent {
			return errp.WithMessagef(ErrTransport, "short write: sent %d/%d bytes", sent+n, len(data))
		}
		sent = end
	}
	endpoint.log.Debug(fmt.Sprintf("Sent %d bytes", len(data)))
	return nil
}

// Receive bulk-reads at most maxLen bytes from the IN endpoint. A timeout of 0 uses the default
// timeout. It fails with ErrTimeout if nothing arrives in time.
func (endpoint *Endpoint) Receive(maxLen int, timeout time.Duration) ([]byte, error) {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return nil, errp.WithStack(ErrConnectionClosed)
	}
	return endpoint.receive(maxLen, timeout)
}

func (endpoint *Endpoint) receive(maxLen int, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = endpoint.timeout
	}
	buf := make([]byte, maxLen)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := endpoint.link.Read(ctx, buf)
	if err != nil {
		return nil, classify(err)
	}
	endpoint.log.Debug(fmt.Sprintf("Received %d/%d bytes", n, maxLen))
	return buf[:n], nil
}

// Flush discards data the device queued before this session, e.g. the answer to a request of an
// aborted session. It returns the number of bytes discarded.
func (endpoint *Endpoint) Flush() int {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return 0
	}
	flushed := 0
	for {
		data, err := endpoint.receive(64, flushTimeout)
		if err != nil || len(data) == 0 {
			break
		}
		flushed += len(data)
	}
	if flushed > 0 {
		endpoint.log.Info(fmt.Sprintf("Flushed %d stale bytes", flushed))
	}
	return flushed
}

// Close releases the interface and closes the device. Closing a closed endpoint is a no-op.
func (endpoint *Endpoint) Close() {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	if endpoint.link == nil {
		return
	}
	if err := endpoint.link.Close(); err != nil {
		endpoint.log.Error("closing the USB device failed", err)
	}
	endpoint.link = nil
	release(endpoint.id.key())
	endpoint.log.Info("USB endpoint closed")
}

// classify maps errors of a link onto the transport errors.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrTransport),
		errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrInterfaceBusy):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errp.WithStack(ErrTimeout)
	default:
		return errp.WithMessage(ErrTransport, err.Error())
	}
}
