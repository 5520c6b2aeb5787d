// SPDX-License-Identifier: Apache-2.0

// Package mocks contains the mock implementations to be used in testing.
package mocks

import "time"

// Endpoint is a mock implementation of firmware.Endpoint. Unset functions behave like a
// connected device that accepts everything and never answers.
type Endpoint struct {
	MockConnect       func() error
	MockClose         func()
	MockIsConnected   func() bool
	MockChunkLength   func() int
	MockConfiguration func() string
	MockSend          func(data []byte) error
	MockReceive       func(maxLen int, timeout time.Duration) ([]byte, error)
	MockFlush         func() int
}

// Connect implements firmware.Endpoint.
func (endpoint *Endpoint) Connect() error {
	if endpoint.MockConnect == nil {
		return nil
	}
	return endpoint.MockConnect()
}

// Close implements firmware.Endpoint.
func (endpoint *Endpoint) Close() {
	if endpoint.MockClose != nil {
		endpoint.MockClose()
	}
}

// IsConnected implements firmware.Endpoint.
func (endpoint *Endpoint) IsConnected() bool {
	if endpoint.MockIsConnected == nil {
		return true
	}
	return endpoint.MockIsConnected()
}

// ChunkLength implements firmware.Endpoint.
func (endpoint *Endpoint) ChunkLength() int {
	if endpoint.MockChunkLength == nil {
		return 64
	}
	return endpoint.MockChunkLength()
}

// ConfigurationString implements firmware.Endpoint.
func (endpoint *Endpoint) ConfigurationString() string {
	if endpoint.MockConfiguration == nil {
		return ""
	}
	return endpoint.MockConfiguration()
}

// Send implements firmware.Endpoint.
func (endpoint *Endpoint) Send(data []byte) error {
	if endpoint.MockSend == nil {
		return nil
	}
	return endpoint.MockSend(data)
}

// Receive implements firmware.Endpoint.
func (endpoint *Endpoint) Receive(maxLen int, timeout time.Duration) ([]byte, error) {
	return endpoint.MockReceive(maxLen, timeout)
}

// Flush implements firmware.Endpoint.
func (endpoint *Endpoint) Flush() int {
	if endpoint.MockFlush == nil {
		return 0
	}
	return endpoint.MockFlush()
}
