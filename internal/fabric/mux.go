// Package fabric implements the frame multiplexer and capability exchange
// that bind an operator and an agent over one TLS byte stream. The substream
// substrate is golang.org/x/crypto/ssh's channel multiplexing: ssh.Channel
// provides independent per-channel flow control and graceful half-close
// (CloseWrite). The SSH handshake authenticates nothing (TLS already has);
// it is used purely as a framed, multi-channel transport.
package fabric

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

// capChannelType is the SSH channel type every capability-exchange and
// per-call byte-channel substream is opened with; the tagged ObjectRef in
// the channel's ExtraData is what actually distinguishes them.
const capChannelType = "fabric"

// Mux is one multiplexed connection between an operator and an agent. Each
// side can open new substreams and accept substreams opened by the peer;
// closing one substream never affects another.
type Mux struct {
	conn   ssh.Conn
	chans  <-chan ssh.NewChannel
	logger *logging.Logger
}

func newMux(conn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, logger *logging.Logger) *Mux {
	go ssh.DiscardRequests(reqs)
	return &Mux{conn: conn, chans: chans, logger: logger}
}

// ServerHandshake completes the mux side of the protocol for an accepted
// agent connection: conn is the already-TLS-wrapped byte stream.
func ServerHandshake(conn net.Conn, cfg *ssh.ServerConfig, logger *logging.Logger) (*Mux, error) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("fabric: server handshake: %w", err)
	}
	return newMux(sc, chans, reqs, logger), nil
}

// ClientHandshake completes the mux side of the protocol for an agent
// dialing the operator.
func ClientHandshake(conn net.Conn, cfg *ssh.ClientConfig, logger *logging.Logger) (*Mux, error) {
	cc, chans, reqs, err := ssh.NewClientConn(conn, "", cfg)
	if err != nil {
		return nil, fmt.Errorf("fabric: client handshake: %w", err)
	}
	return newMux(cc, chans, reqs, logger), nil
}

// OpenSubstream opens a new outbound substream carrying ref as its
// (CBOR-encoded) tagged reference, returning the send/receive halves as a
// single ssh.Channel (which is itself an io.ReadWriteCloser with
// CloseWrite).
func (m *Mux) OpenSubstream(ref *wire.ObjectRef) (ssh.Channel, error) {
	extra, err := wire.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("fabric: encoding object ref: %w", err)
	}
	ch, reqs, err := m.conn.OpenChannel(capChannelType, extra)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// Incoming is a substream opened by the peer, not yet accepted.
type Incoming struct {
	Ref *wire.ObjectRef
	nc  ssh.NewChannel
}

// Accept completes acceptance of the incoming substream.
func (in *Incoming) Accept() (ssh.Channel, error) {
	ch, reqs, err := in.nc.Accept()
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// Reject refuses the incoming substream with a reason. A substream carrying
// an unrecognized reference tag is a protocol error and gets rejected.
func (in *Incoming) Reject(reason ssh.RejectionReason, message string) error {
	return in.nc.Reject(reason, message)
}

// AcceptSubstream blocks for the next substream opened by the peer. It
// returns io.EOF once the peer's channel of new-channel requests is closed
// (i.e., the mux is shutting down).
func (m *Mux) AcceptSubstream() (*Incoming, error) {
	nc, ok := <-m.chans
	if !ok {
		return nil, io.EOF
	}
	ref := &wire.ObjectRef{}
	_ = wire.Unmarshal(nc.ExtraData(), ref)
	return &Incoming{Ref: ref, nc: nc}, nil
}

// Wait blocks until the underlying connection terminates and returns its
// final error (nil on a clean peer-initiated close).
func (m *Mux) Wait() error {
	return m.conn.Wait()
}

// Close tears down the mux; every substream opened on it fails with a
// terminal error.
func (m *Mux) Close() error {
	return m.conn.Close()
}

// RemoteAddr exposes the peer's address, which the operator uses as the
// session registry key.
func (m *Mux) RemoteAddr() net.Addr {
	return m.conn.RemoteAddr()
}
