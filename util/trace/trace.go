// SPDX-License-Identifier: Apache-2.0

// Package trace records the traffic of an update session as a CBOR sequence, one event per
// transport operation, for offline protocol debugging.
package trace

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hammerd/hammerd-api-go/util/errp"
)

// MaxData bounds the payload bytes kept per event.
const MaxData = 256

// Direction of an event.
type Direction uint8

const (
	// DirectionNone is used for connection events.
	DirectionNone Direction = iota
	// DirectionOut is host to base.
	DirectionOut
	// DirectionIn is base to host.
	DirectionIn
)

func (direction Direction) String() string {
	switch direction {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	default:
		return "-"
	}
}

// Op is the traced transport operation.
type Op uint8

// Traced operations.
const (
	OpConnect Op = iota
	OpClose
	OpSend
	OpReceive
	OpFlush
)

func (op Op) String() string {
	switch op {
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	case OpFlush:
		return "flush"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Event is one traced operation. Integer keys keep the encoding compact.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	// Session identifies the recorder (UUID).
	Session   string    `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
	Op        Op        `cbor:"4,keyasint"`
	// Length is the full size of the transferred data; Data may be truncated to MaxData bytes.
	Length    int    `cbor:"5,keyasint,omitempty"`
	Data      []byte `cbor:"6,keyasint,omitempty"`
	Truncated bool   `cbor:"7,keyasint,omitempty"`
	Err       string `cbor:"8,keyasint,omitempty"`
}

func (event Event) String() string {
	s := fmt.Sprintf("%s %s %s %d", event.Timestamp.Format(time.RFC3339Nano), event.Direction, event.Op,
		event.Length)
	if event.Err != "" {
		s += " error: " + event.Err
	}
	return s
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: CBOR decoder mode: %v", err))
	}
}

// Recorder writes events to an io.Writer. It is safe for concurrent use.
type Recorder struct {
	mutex   sync.Mutex
	encoder *cbor.Encoder
	session string
	now     func() time.Time
	err     error
}

// NewRecorder creates a recorder with a fresh session id.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		encoder: encMode.NewEncoder(w),
		session: uuid.New().String(),
		now:     time.Now,
	}
}

// Session returns the session id stamped on every event.
func (recorder *Recorder) Session() string {
	return recorder.session
}

// Record stamps and writes event. After the first write error, nothing more is written and Err
// returns that error.
func (recorder *Recorder) Record(event Event) error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.err != nil {
		return recorder.err
	}
	event.Timestamp = recorder.now()
	event.Session = recorder.session
	if len(event.Data) > MaxData {
		event.Data = event.Data[:MaxData]
		event.Truncated = true
	}
	if err := recorder.encoder.Encode(event); err != nil {
		recorder.err = errp.WithStack(err)
	}
	return recorder.err
}

// Err returns the first write error.
func (recorder *Recorder) Err() error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.err
}

// ReadAll decodes all events of a recording.
func ReadAll(r io.Reader) ([]Event, error) {
	decoder := decMode.NewDecoder(r)
	var events []Event
	for {
		var event Event
		err := decoder.Decode(&event)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, errp.WithStack(err)
		}
		events = append(events, event)
	}
}
