// Package ingest implements the report upload protocol: the listener that
// accepts connections, the per-connection handler and a client.
//
// Wire protocol, per connection:
//
//	client: identifier length, 4 bytes big-endian
//	client: branch identifier, <length> bytes
//	server: "OK"
//	client: base64 report, optionally wrapped in '~', then closes its send side
//	server: "OK"
//
// There is no error response. A client knows the upload failed when it does
// not receive the second acknowledgment.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Ack is sent by the server after the identifier and after the report were
// processed successfully.
var Ack = []byte("OK")

// LengthPrefixSize is the size of the identifier length frame
const LengthPrefixSize = 4

var (
	ErrShortFrame        = errors.New("short identifier frame")
	ErrIdentifierTooLong = errors.New("identifier too long")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrDecode            = errors.New("payload is not valid base64")
	ErrNoAck             = errors.New("no acknowledgment received")
)

// State is a step of the per-connection protocol. The handler moves through
// the states in order and never goes back.
type State int

const (
	StateAwaitLength State = iota
	StateAwaitIdentifier
	StateCreateDirectory
	StateSendAck1
	StateAwaitPayload
	StateTrim
	StateDecode
	StatePersist
	StateSendAck2
	StateClose
	StateDone
)

var stateNames = [...]string{
	StateAwaitLength:     "await_length",
	StateAwaitIdentifier: "await_identifier",
	StateCreateDirectory: "create_directory",
	StateSendAck1:        "send_ack1",
	StateAwaitPayload:    "await_payload",
	StateTrim:            "trim",
	StateDecode:          "decode",
	StatePersist:         "persist",
	StateSendAck2:        "send_ack2",
	StateClose:           "close",
	StateDone:            "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// AckSent returns the number of acknowledgments the client has received when
// a connection ends in this state.
func (s State) AckSent() int {
	switch {
	case s > StateSendAck2:
		return 2
	case s > StateSendAck1:
		return 1
	default:
		return 0
	}
}

// StateError is an error that aborted a connection in a given State
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// ReadLength reads the identifier length frame
func ReadLength(r io.Reader) (uint32, error) {
	var buf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadIdentifier reads exactly n identifier bytes
func ReadIdentifier(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, shortRead(err)
	}
	return buf, nil
}

// WriteIdentifier writes the length frame followed by the identifier
func WriteIdentifier(w io.Writer, id []byte) error {
	buf := make([]byte, LengthPrefixSize+len(id))
	binary.BigEndian.PutUint32(buf, uint32(len(id)))
	copy(buf[LengthPrefixSize:], id)
	_, err := w.Write(buf)
	return err
}

// ReadPayload reads until EOF. A max of 0 means no limit.
func ReadPayload(r io.Reader, max uint64) ([]byte, error) {
	if max > 0 {
		r = io.LimitReader(r, int64(max)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && uint64(len(data)) > max {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "more than %d bytes", max)
	}
	return data, nil
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortFrame
	}
	return err
}
