package fabric

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

// pipePair builds two connected TCP sockets over loopback: net.Pipe is fully
// synchronous, and the SSH handshake has both sides write their version
// banner before reading the peer's, which deadlocks on an unbuffered pipe.
func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer ln.Close()

	type dialResult struct {
		c   net.Conn
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		dialed <- dialResult{c, err}
	}()
	accepted, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %s", err)
	}
	res := <-dialed
	if res.err != nil {
		accepted.Close()
		t.Fatalf("dial: %s", res.err)
	}
	t.Cleanup(func() {
		accepted.Close()
		res.c.Close()
	})
	return accepted, res.c
}

// muxPair completes the handshake on both ends of a loopback connection and
// returns the two resulting muxes, server side first.
func muxPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	logger := logging.New("test", logging.LevelError)

	serverConn, clientConn := pipePair(t)

	hostKey, err := EphemeralHostKey()
	if err != nil {
		t.Fatalf("ephemeral host key: %s", err)
	}
	srvCfg := &ssh.ServerConfig{NoClientAuth: true}
	srvCfg.AddHostKey(hostKey)
	cliCfg := &ssh.ClientConfig{
		User:            "agent",
		Auth:            []ssh.AuthMethod{ssh.Password("unused")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	type result struct {
		mux *Mux
		err error
	}
	srvCh := make(chan result, 1)
	go func() {
		m, err := ServerHandshake(serverConn, srvCfg, logger.Fork("server"))
		srvCh <- result{m, err}
	}()
	cliMux, err := ClientHandshake(clientConn, cliCfg, logger.Fork("client"))
	if err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	srvRes := <-srvCh
	if srvRes.err != nil {
		t.Fatalf("server handshake: %s", srvRes.err)
	}
	return srvRes.mux, cliMux
}

func TestExchangeYieldsBothHandles(t *testing.T) {
	opMux, agMux := muxPair(t)

	type result struct {
		local, peer ssh.Channel
		err         error
	}
	opCh := make(chan result, 1)
	go func() {
		local, peer, err := Exchange(opMux, wire.RefOperatorCapability, wire.RefAgentCapability)
		opCh <- result{local, peer, err}
	}()
	agLocal, agPeer, err := Exchange(agMux, wire.RefAgentCapability, wire.RefOperatorCapability)
	if err != nil {
		t.Fatalf("agent exchange: %s", err)
	}
	opRes := <-opCh
	if opRes.err != nil {
		t.Fatalf("operator exchange: %s", opRes.err)
	}

	// The agent's local channel and the operator's peer channel are the two
	// ends of the same substream; bytes written into one come out the other.
	msg := []byte("over the agent capability substream")
	go agLocal.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(opRes.peer, got); err != nil {
		t.Fatalf("reading from operator's peer handle: %s", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}

	// And symmetrically for the operator-capability substream.
	msg2 := []byte("over the operator capability substream")
	go opRes.local.Write(msg2)
	got2 := make([]byte, len(msg2))
	if _, err := io.ReadFull(agPeer, got2); err != nil {
		t.Fatalf("reading from agent's peer handle: %s", err)
	}
	if !bytes.Equal(got2, msg2) {
		t.Fatalf("got %q, want %q", got2, msg2)
	}
}

func TestExchangeRejectsWrongTag(t *testing.T) {
	opMux, agMux := muxPair(t)

	// The "agent" side misbehaves: it presents an operator-capability tag
	// while the operator expects agent-capability.
	go Exchange(agMux, wire.RefOperatorCapability, wire.RefOperatorCapability)

	_, _, err := Exchange(opMux, wire.RefOperatorCapability, wire.RefAgentCapability)
	if err == nil {
		t.Fatal("Exchange accepted a wrong capability tag")
	}
}

func TestByteChannelBrokerMatchesOpenToAccept(t *testing.T) {
	opMux, agMux := muxPair(t)

	// The exchange must complete first: the broker's accept loop owns all
	// subsequent inbound substreams.
	done := make(chan struct{})
	go func() {
		Exchange(agMux, wire.RefAgentCapability, wire.RefOperatorCapability)
		close(done)
	}()
	if _, _, err := Exchange(opMux, wire.RefOperatorCapability, wire.RefAgentCapability); err != nil {
		t.Fatalf("exchange: %s", err)
	}
	<-done

	logger := logging.New("test", logging.LevelError)
	opBroker := NewByteChannelBroker(opMux, logger.Fork("op"))
	agBroker := NewByteChannelBroker(agMux, logger.Fork("ag"))

	id := opBroker.NextChannelID()

	opened := make(chan error, 1)
	var sendHalf ssh.Channel
	go func() {
		ch, err := opBroker.Open(id)
		sendHalf = ch
		opened <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recvHalf, err := agBroker.Accept(ctx, id)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	if err := <-opened; err != nil {
		t.Fatalf("Open: %s", err)
	}

	msg := []byte("payload")
	go sendHalf.Write(msg)
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(recvHalf, got); err != nil {
		t.Fatalf("reading: %s", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestByteChannelBrokerAcceptHonorsContext(t *testing.T) {
	opMux, agMux := muxPair(t)

	done := make(chan struct{})
	go func() {
		Exchange(agMux, wire.RefAgentCapability, wire.RefOperatorCapability)
		close(done)
	}()
	if _, _, err := Exchange(opMux, wire.RefOperatorCapability, wire.RefAgentCapability); err != nil {
		t.Fatalf("exchange: %s", err)
	}
	<-done

	logger := logging.New("test", logging.LevelError)
	agBroker := NewByteChannelBroker(agMux, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := agBroker.Accept(ctx, 12345); err == nil {
		t.Fatal("Accept for a never-opened ID should fail once the context ends")
	}
}
