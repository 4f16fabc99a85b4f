// Package wire defines the values that cross the fabric's typed channels:
// the length-prefixed call/response Frame, and the tagged-union ObjectRef
// used for capability exchange and for binding byte-channel pairs into an
// RPC call's arguments.
//
// Encoding is CBOR in fxamacker/cbor/v2's Canonical CBOR mode (RFC 7049):
// compact, deterministic, self-describing, and able to carry tagged unions.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical CBOR encoder: %s", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building CBOR decoder: %s", err))
	}
}

// Marshal encodes v using the fabric's canonical (deterministic) CBOR mode.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v using the fabric's CBOR mode.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// RefKind is the discriminant of the ObjectRef tagged union. Go has no
// native sum type, so the tag is carried as an explicit field alongside the
// payload fields relevant to that tag.
type RefKind string

const (
	RefAgentCapability    RefKind = "agent-capability"
	RefOperatorCapability RefKind = "operator-capability"
	RefByteChannel        RefKind = "byte-channel"
)

// ObjectRef is a handle to a value bound to a live local object: on
// serialize, the sender has already opened (or is about to open) a mux
// substream for the referenced object; on deserialize, the receiver uses
// ChannelID to find the matching inbound substream and build a proxy object
// that dispatches through it.
type ObjectRef struct {
	Kind      RefKind `cbor:"kind"`
	ChannelID uint64  `cbor:"channel_id"`
}

// Frame is one call or response multiplexed over a typed channel. Many
// Frames, identified by CallID, pipeline concurrently over a single
// substream, which is how a capability server accepts concurrent calls
// even though SSH channels are ordered streams.
type Frame struct {
	CallID     uint64          `cbor:"id"`
	IsResponse bool            `cbor:"resp"`
	Method     string          `cbor:"method,omitempty"`
	Params     cbor.RawMessage `cbor:"params,omitempty"`
	Result     cbor.RawMessage `cbor:"result,omitempty"`
	ErrKind    string          `cbor:"err_kind,omitempty"`
	ErrPath    string          `cbor:"err_path,omitempty"`
	ErrDetail  string          `cbor:"err_detail,omitempty"`
	HasError   bool            `cbor:"has_err,omitempty"`
}

// WriteFrame writes a single length-prefixed CBOR-encoded Frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: encoding frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// FrameReader reads length-prefixed Frames from a buffered substream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r (buffering it if it isn't already a *bufio.Reader).
func NewFrameReader(r io.Reader) *FrameReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &FrameReader{r: br}
	}
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads and decodes the next Frame, blocking until one arrives.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	f := &Frame{}
	if err := Unmarshal(payload, f); err != nil {
		return nil, fmt.Errorf("wire: decoding frame: %w", err)
	}
	return f, nil
}
