// Package facade is the operator→agent call façade: it resolves a session
// by address, clones the agent's remote handle under the registry's read
// lock, releases the lock, then issues the call. The lock is never held
// across the network round trip. It is also where the
// per-session proxy table is manipulated (start/stop), since opening or
// closing a tunnel is itself just another RPC against the agent's
// capability server.
package facade

import (
	"context"
	"fmt"

	"github.com/duskline/meridian/internal/agentcap"
	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/fabric"
	"github.com/duskline/meridian/internal/lifecycle"
	"github.com/duskline/meridian/internal/osadapt"
	"github.com/duskline/meridian/internal/registry"
	"github.com/duskline/meridian/internal/wire"
)

// Facade is the operator's single entry point for invoking agent
// capabilities by address.
type Facade struct {
	registry *registry.Registry
}

// New builds a Facade bound to reg.
func New(reg *registry.Registry) *Facade {
	return &Facade{registry: reg}
}

func (f *Facade) resolve(addr string) (*registry.Session, *errs.Error) {
	s := f.registry.Lookup(addr)
	if s == nil {
		return nil, errs.New(errs.ClientNotFound, addr)
	}
	return s, nil
}

func asCallErr(err error) *errs.Error {
	if err == nil {
		return nil
	}
	return errs.Wrap(err)
}

func (f *Facade) call(ctx context.Context, addr, method string, params, result interface{}) *errs.Error {
	s, cerr := f.resolve(addr)
	if cerr != nil {
		return cerr
	}
	agent := s.Agent // clone of the handle; the registry's lock is already released by resolve
	return asCallErr(agent.Call(ctx, method, params, result))
}

// Bootstrap performs the handshake+system_info pair a freshly accepted
// session runs once, caching the result on the session record.
func (f *Facade) Bootstrap(ctx context.Context, s *registry.Session) *errs.Error {
	var hs agentcap.Handshake
	if err := s.Agent.Call(ctx, "handshake", nil, &hs); err != nil {
		return asCallErr(err)
	}
	var info osadapt.SystemInfo
	if err := s.Agent.Call(ctx, "system_info", nil, &info); err != nil {
		return asCallErr(err)
	}
	s.SetInfo(&info)
	return nil
}

// SystemInfo re-queries the agent's live system summary.
func (f *Facade) SystemInfo(ctx context.Context, addr string) (*osadapt.SystemInfo, *errs.Error) {
	var info osadapt.SystemInfo
	if err := f.call(ctx, addr, "system_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SystemPower triggers a power action on the agent's host.
func (f *Facade) SystemPower(ctx context.Context, addr string, action osadapt.PowerAction) *errs.Error {
	return f.call(ctx, addr, "system_power", &agentcap.SystemPowerParams{Action: action}, nil)
}

// InstalledApps enumerates the agent host's installed applications.
func (f *Facade) InstalledApps(ctx context.Context, addr string) ([]osadapt.App, *errs.Error) {
	var apps []osadapt.App
	if err := f.call(ctx, addr, "installed_apps", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// Processes enumerates the agent host's running processes.
func (f *Facade) Processes(ctx context.Context, addr string) ([]osadapt.Process, *errs.Error) {
	var procs []osadapt.Process
	if err := f.call(ctx, addr, "processes", nil, &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

// KillProcess terminates pid on the agent's host.
func (f *Facade) KillProcess(ctx context.Context, addr string, pid int32) *errs.Error {
	return f.call(ctx, addr, "kill_process", &agentcap.KillProcessParams{PID: pid}, nil)
}

// ListDir lists path on the agent's host.
func (f *Facade) ListDir(ctx context.Context, addr, path string) ([]osadapt.File, *errs.Error) {
	var files []osadapt.File
	if err := f.call(ctx, addr, "list_dir", &agentcap.PathParams{Path: path}, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ReadFile reads the entirety of path from the agent's host.
func (f *Facade) ReadFile(ctx context.Context, addr, path string) ([]byte, *errs.Error) {
	var data []byte
	if err := f.call(ctx, addr, "read_file", &agentcap.PathParams{Path: path}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// CreateFile creates an empty file at path on the agent's host.
func (f *Facade) CreateFile(ctx context.Context, addr, path string) *errs.Error {
	return f.call(ctx, addr, "create_file", &agentcap.PathParams{Path: path}, nil)
}

// WriteFile overwrites path on the agent's host with content.
func (f *Facade) WriteFile(ctx context.Context, addr, path string, content []byte) *errs.Error {
	return f.call(ctx, addr, "write_file", &agentcap.WriteFileParams{Path: path, Content: content}, nil)
}

// DeleteFile removes a single file on the agent's host.
func (f *Facade) DeleteFile(ctx context.Context, addr, path string) *errs.Error {
	return f.call(ctx, addr, "delete_file", &agentcap.PathParams{Path: path}, nil)
}

// DeleteDirRecursive removes a directory and its contents on the agent's
// host.
func (f *Facade) DeleteDirRecursive(ctx context.Context, addr, path string) *errs.Error {
	return f.call(ctx, addr, "delete_dir_recursive", &agentcap.PathParams{Path: path}, nil)
}

// CreateDir creates a directory (and its parents) on the agent's host.
func (f *Facade) CreateDir(ctx context.Context, addr, path string) *errs.Error {
	return f.call(ctx, addr, "create_dir", &agentcap.PathParams{Path: path}, nil)
}

// OpenFile runs cmdline on the agent's host and returns its textual result.
func (f *Facade) OpenFile(ctx context.Context, addr, cmdline string) (*osadapt.RunResult, *errs.Error) {
	var res osadapt.RunResult
	if err := f.call(ctx, addr, "open_file", &agentcap.OpenFileParams{Cmdline: cmdline}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Displays enumerates the agent host's attached monitors.
func (f *Facade) Displays(ctx context.Context, addr string) ([]osadapt.Display, *errs.Error) {
	var displays []osadapt.Display
	if err := f.call(ctx, addr, "displays", nil, &displays); err != nil {
		return nil, err
	}
	return displays, nil
}

// ProxyHandle is a live tunnel's wiring back to the caller: Sender carries
// bytes toward the agent, Receiver carries bytes back, and Signal closes
// when the agent tears the tunnel down.
type ProxyHandle struct {
	Sender   fabric.ByteChannel
	Receiver fabric.ByteChannel
	Signal   fabric.ByteChannel
}

// Close tears down every substream in the handle.
func (h *ProxyHandle) Close() {
	_ = h.Sender.Close()
	_ = h.Receiver.Close()
	_ = h.Signal.Close()
}

// OpenProxy issues the proxy capability call against addr's agent: it opens
// the two data-plane byte-channel substreams, invokes proxy(target_addr,
// byte_sender, byte_receiver), and accepts the agent's completion-signal
// substream.
func (f *Facade) OpenProxy(ctx context.Context, addr, targetAddr string) (*ProxyHandle, *errs.Error) {
	s, cerr := f.resolve(addr)
	if cerr != nil {
		return nil, cerr
	}
	if s.Broker == nil {
		return nil, errs.New(errs.CallError, "session has no byte-channel broker")
	}

	senderID := s.Broker.NextChannelID()
	sender, err := s.Broker.Open(senderID)
	if err != nil {
		return nil, errs.Newf(errs.ConnectError, "opening sender channel: %s", err)
	}
	receiverID := s.Broker.NextChannelID()
	receiver, err := s.Broker.Open(receiverID)
	if err != nil {
		_ = sender.Close()
		return nil, errs.Newf(errs.ConnectError, "opening receiver channel: %s", err)
	}

	params := &agentcap.ProxyParams{
		TargetAddr:   targetAddr,
		ByteSender:   wire.ObjectRef{Kind: wire.RefByteChannel, ChannelID: senderID},
		ByteReceiver: wire.ObjectRef{Kind: wire.RefByteChannel, ChannelID: receiverID},
	}
	var result agentcap.ProxyResult
	if cerr := asCallErr(s.Agent.Call(ctx, "proxy", params, &result)); cerr != nil {
		_ = sender.Close()
		_ = receiver.Close()
		return nil, cerr
	}
	if result.Signal.Kind != wire.RefByteChannel {
		_ = sender.Close()
		_ = receiver.Close()
		return nil, errs.New(errs.CallError, "proxy: malformed completion signal")
	}
	signal, err := s.Broker.Accept(ctx, result.Signal.ChannelID)
	if err != nil {
		_ = sender.Close()
		_ = receiver.Close()
		return nil, errs.Newf(errs.ConnectError, "accepting completion signal: %s", err)
	}
	return &ProxyHandle{Sender: sender, Receiver: receiver, Signal: signal}, nil
}

// StartProxy registers localAddr's disconnect signal on the session's proxy
// table, reporting false without replacing the existing entry if one is
// already active.
func (f *Facade) StartProxy(addr, localAddr string) (*lifecycle.Signal, bool, *errs.Error) {
	s, cerr := f.resolve(addr)
	if cerr != nil {
		return nil, false, cerr
	}
	sig := lifecycle.NewSignal()
	if !s.AddProxy(localAddr, sig) {
		return s.ProxySignal(localAddr), false, nil
	}
	return sig, true, nil
}

// StopProxy fires and removes localAddr's disconnect signal.
func (f *Facade) StopProxy(addr, localAddr string) *errs.Error {
	s, cerr := f.resolve(addr)
	if cerr != nil {
		return cerr
	}
	if !s.RemoveProxy(localAddr) {
		return errs.New(errs.ParamInvalid, fmt.Sprintf("no active proxy at %s", localAddr))
	}
	return nil
}

// ProxyAddrs lists addr's active proxy listener addresses.
func (f *Facade) ProxyAddrs(addr string) ([]string, *errs.Error) {
	s, cerr := f.resolve(addr)
	if cerr != nil {
		return nil, cerr
	}
	return s.ProxyAddrs(), nil
}

// Clients lists the addresses of every connected agent.
func (f *Facade) Clients() []string {
	return f.registry.Addrs()
}
