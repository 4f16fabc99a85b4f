// Package agentcap implements the agent capability server:
// the typed-channel Dispatcher an agent installs on its root substream so
// the operator's call façade can invoke host operations on it. Every method
// here is a thin adapter between the wire's untyped CBOR params and
// internal/osadapt's concrete host operations.
package agentcap

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/duskline/meridian/internal/duplex"
	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/fabric"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/osadapt"
	"github.com/duskline/meridian/internal/wire"
)

// Handshake is the static identity payload returned by the handshake call.
type Handshake struct {
	Message string `cbor:"message" json:"message"`
}

// SystemPowerParams decodes the system_power call's single argument.
type SystemPowerParams struct {
	Action osadapt.PowerAction `cbor:"action"`
}

// PathParams decodes any call that takes a single path argument.
type PathParams struct {
	Path string `cbor:"path"`
}

// WriteFileParams decodes write_file's arguments.
type WriteFileParams struct {
	Path    string `cbor:"path"`
	Content []byte `cbor:"content"`
}

// KillProcessParams decodes kill_process's argument.
type KillProcessParams struct {
	PID int32 `cbor:"pid"`
}

// OpenFileParams decodes open_file's argument.
type OpenFileParams struct {
	Cmdline string `cbor:"cmdline"`
}

// ProxyParams decodes the proxy call's arguments: a target address plus a
// bound pair of raw byte-channel references, one per direction.
type ProxyParams struct {
	TargetAddr   string         `cbor:"target_addr"`
	ByteSender   wire.ObjectRef `cbor:"byte_sender"`
	ByteReceiver wire.ObjectRef `cbor:"byte_receiver"`
}

// ProxyResult carries back the one-shot completion signal: the operator
// accepts the substream this ObjectRef names and its close marks the tunnel
// as finished.
type ProxyResult struct {
	Signal wire.ObjectRef `cbor:"signal"`
}

// Dialer opens a TCP connection to a proxy target, abstracted so tests can
// substitute an in-memory dialer instead of reaching the network.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Server is the agent-side capability Dispatcher.
type Server struct {
	identity string
	logger   *logging.Logger
	broker   *fabric.ByteChannelBroker
	dial     Dialer

	infoMu sync.Mutex
	info   *osadapt.SystemInfo
}

// NewServer builds a capability server. broker must be wired to the same
// Mux the server's own root substream came from, so ObjectRef{ChannelID}
// values in proxy calls resolve against substreams the operator opens on
// that connection.
func NewServer(identity string, logger *logging.Logger, broker *fabric.ByteChannelBroker, dial Dialer) *Server {
	return &Server{identity: identity, logger: logger, broker: broker, dial: dial}
}

// Dispatch implements fabric.Dispatcher.
func (s *Server) Dispatch(ctx context.Context, method string, params []byte) (interface{}, *errs.Error) {
	switch method {
	case "handshake":
		return &Handshake{Message: s.identity}, nil

	case "system_info":
		s.infoMu.Lock()
		defer s.infoMu.Unlock()
		if s.info == nil {
			info, err := osadapt.GetSystemInfo()
			if err != nil {
				return nil, errs.Wrap(err)
			}
			s.info = info
		}
		return s.info, nil

	case "system_power":
		var p SystemPowerParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.SystemPower(p.Action); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "installed_apps":
		apps, err := osadapt.InstalledApps()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		filtered := apps[:0]
		for _, a := range apps {
			if a.Name != "" {
				filtered = append(filtered, a)
			}
		}
		return filtered, nil

	case "processes":
		procs, err := osadapt.Processes()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return procs, nil

	case "kill_process":
		var p KillProcessParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.KillProcess(p.PID); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "list_dir":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		files, err := osadapt.ListDir(p.Path)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return files, nil

	case "read_file":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		data, err := osadapt.ReadFile(p.Path)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return data, nil

	case "create_file":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.CreateFile(p.Path); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "write_file":
		var p WriteFileParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.WriteFile(p.Path, p.Content); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "delete_file":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.DeleteFile(p.Path); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "delete_dir_recursive":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.DeleteDirRecursive(p.Path); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "create_dir":
		var p PathParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := osadapt.CreateDir(p.Path); err != nil {
			return nil, errs.Wrap(err)
		}
		return struct{}{}, nil

	case "open_file":
		var p OpenFileParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		res, err := osadapt.OpenFile(p.Cmdline)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return res, nil

	case "displays":
		displays, err := osadapt.Displays()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		return displays, nil

	case "proxy":
		var p ProxyParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return s.proxy(ctx, &p)

	default:
		return nil, errs.Newf(errs.CallError, "unknown method %q", method)
	}
}

func decode(params []byte, v interface{}) *errs.Error {
	if err := wire.Unmarshal(params, v); err != nil {
		return errs.Newf(errs.ParamInvalid, "decoding params: %s", err)
	}
	return nil
}

func (s *Server) proxy(ctx context.Context, p *ProxyParams) (*ProxyResult, *errs.Error) {
	if p.ByteSender.Kind != wire.RefByteChannel || p.ByteReceiver.Kind != wire.RefByteChannel {
		return nil, errs.New(errs.ParamInvalid, "proxy: byte channel refs must be tagged byte-channel")
	}
	sender, err := s.broker.Accept(ctx, p.ByteSender.ChannelID)
	if err != nil {
		return nil, errs.Newf(errs.ConnectError, "accepting sender channel: %s", err)
	}
	receiver, err := s.broker.Accept(ctx, p.ByteReceiver.ChannelID)
	if err != nil {
		_ = sender.Close()
		return nil, errs.Newf(errs.ConnectError, "accepting receiver channel: %s", err)
	}

	signalID := s.broker.NextChannelID()
	signalCh, err := s.broker.Open(signalID)
	if err != nil {
		_ = sender.Close()
		_ = receiver.Close()
		return nil, errs.Newf(errs.ConnectError, "opening completion signal: %s", err)
	}

	go s.runProxy(p.TargetAddr, sender, receiver, signalCh)

	return &ProxyResult{Signal: wire.ObjectRef{Kind: wire.RefByteChannel, ChannelID: signalID}}, nil
}

// sendRecvPair presents a sender/receiver byte-channel pair, one channel
// per direction, as the single bidirectional HalfCloser
// duplex.Splice expects: reads drain the sender (operator's client -> agent),
// writes feed the receiver (agent -> operator's client).
type sendRecvPair struct {
	sender   fabric.ByteChannel
	receiver fabric.ByteChannel
}

func (p sendRecvPair) Read(b []byte) (int, error)  { return p.sender.Read(b) }
func (p sendRecvPair) Write(b []byte) (int, error) { return p.receiver.Write(b) }
func (p sendRecvPair) CloseWrite() error           { return p.receiver.CloseWrite() }
func (p sendRecvPair) Close() error {
	senderErr := p.sender.Close()
	if recvErr := p.receiver.Close(); recvErr != nil {
		return recvErr
	}
	return senderErr
}

// runProxy dials the target and, via duplex.Splice, forwards bytes between
// it and the operator-bound channel pair until either side drains. Closing
// signal once the splice ends is the tunnel's completion notification.
func (s *Server) runProxy(targetAddr string, sender, receiver fabric.ByteChannel, signal io.Closer) {
	id := duplex.NextID()
	defer signal.Close()

	conn, err := s.dial(context.Background(), "tcp", targetAddr)
	if err != nil {
		s.logger.Warnf("proxy %d: dial %s: %s", id, targetAddr, err)
		_ = sender.Close()
		_ = receiver.Close()
		return
	}
	defer conn.Close()

	target := duplex.WrapConn(conn)
	pair := sendRecvPair{sender: sender, receiver: receiver}
	toReceiver, fromSender, err := duplex.Splice(s.logger, target, pair)
	s.logger.Debugf("proxy %d: %s closed after %d bytes in, %d bytes out: %v", id, targetAddr, fromSender, toReceiver, err)
}
