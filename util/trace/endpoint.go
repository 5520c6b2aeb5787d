// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"time"
)

// Transport is the transport being traced. It has the method set of firmware.Endpoint.
type Transport interface {
	Connect() error
	Close()
	IsConnected() bool
	ChunkLength() int
	ConfigurationString() string
	Send(data []byte) error
	Receive(maxLen int, timeout time.Duration) ([]byte, error)
	Flush() int
}

// Endpoint records every operation of the wrapped transport. Recording errors never fail the
// operation; check Recorder.Err.
type Endpoint struct {
	transport Transport
	recorder  *Recorder
}

// Wrap returns transport with its operations recorded to recorder.
func Wrap(transport Transport, recorder *Recorder) *Endpoint {
	return &Endpoint{transport: transport, recorder: recorder}
}

func (endpoint *Endpoint) record(direction Direction, op Op, data []byte, length int, err error) {
	event := Event{Direction: direction, Op: op, Data: data, Length: length}
	if err != nil {
		event.Err = err.Error()
	}
	_ = endpoint.recorder.Record(event)
}

// Connect implements firmware.Endpoint.
func (endpoint *Endpoint) Connect() error {
	err := endpoint.transport.Connect()
	endpoint.record(DirectionNone, OpConnect, nil, 0, err)
	return err
}

// Close implements firmware.Endpoint.
func (endpoint *Endpoint) Close() {
	endpoint.transport.Close()
	endpoint.record(DirectionNone, OpClose, nil, 0, nil)
}

// IsConnected implements firmware.Endpoint.
func (endpoint *Endpoint) IsConnected() bool {
	return endpoint.transport.IsConnected()
}

// ChunkLength implements firmware.Endpoint.
func (endpoint *Endpoint) ChunkLength() int {
	return endpoint.transport.ChunkLength()
}

// ConfigurationString implements firmware.Endpoint.
func (endpoint *Endpoint) ConfigurationString() string {
	return endpoint.transport.ConfigurationString()
}

// Send implements firmware.Endpoint.
func (endpoint *Endpoint) Send(data []byte) error {
	err := endpoint.transport.Send(data)
	endpoint.record(DirectionOut, OpSend, data, len(data), err)
	return err
}

// Receive implements firmware.Endpoint.
func (endpoint *Endpoint) Receive(maxLen int, timeout time.Duration) ([]byte, error) {
	data, err := endpoint.transport.Receive(maxLen, timeout)
	endpoint.record(DirectionIn, OpReceive, data, len(data), err)
	return data, err
}

// Flush implements firmware.Endpoint.
func (endpoint *Endpoint) Flush() int {
	flushed := endpoint.transport.Flush()
	if flushed > 0 {
		endpoint.record(DirectionIn, OpFlush, nil, flushed, nil)
	}
	return flushed
}
