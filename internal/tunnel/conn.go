// Package tunnel is the operator's TCP tunnel subsystem: a SOCKS5 front-end
// built on armon/go-socks5, whose Dial hook is redirected into an RPC call
// against the target agent instead of a local network dial.
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/facade"
)

// chanConn adapts a facade.ProxyHandle's pair of byte-channel substreams
// into a net.Conn, so the SOCKS5 library's own bidirectional copy loop can
// drive the tunnel without this package re-implementing it.
type chanConn struct {
	handle     *facade.ProxyHandle
	localAddr  net.Addr
	remoteAddr net.Addr

	closeOnce sync.Once
}

func newChanConn(handle *facade.ProxyHandle, local, remote net.Addr) *chanConn {
	c := &chanConn{handle: handle, localAddr: local, remoteAddr: remote}
	go c.watchSignal()
	return c
}

// watchSignal unblocks Read/Write once the agent reports the tunnel
// finished, even if the data substreams haven't themselves hit EOF yet.
func (c *chanConn) watchSignal() {
	buf := make([]byte, 1)
	for {
		if _, err := c.handle.Signal.Read(buf); err != nil {
			_ = c.Close()
			return
		}
	}
}

func (c *chanConn) Read(p []byte) (int, error)  { return c.handle.Receiver.Read(p) }
func (c *chanConn) Write(p []byte) (int, error) { return c.handle.Sender.Write(p) }

func (c *chanConn) Close() error {
	c.closeOnce.Do(c.handle.Close)
	return nil
}

func (c *chanConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *chanConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *chanConn) SetDeadline(t time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(t time.Time) error { return nil }

// opener resolves a CONNECT target into a live proxy handle. It is the
// facade's OpenProxy, abstracted so lazyChanConn can be built and tested
// without a real facade.Facade.
type opener func(ctx context.Context, agentAddr, target string) (*facade.ProxyHandle, *errs.Error)

// lazyChanConn stands in for a dialed net.Conn the instant go-socks5 asks
// for one, deferring the actual agent proxy RPC to the first Read or Write.
// This lets the SOCKS5 server write its success reply (which it does as
// soon as Dial returns) before the tunnel is actually initiated: the client
// hears back with the resolved target immediately, and bytes start routing
// through the tunnel only afterward.
type lazyChanConn struct {
	open       opener
	agentAddr  string
	target     string
	localAddr  net.Addr
	remoteAddr net.Addr

	once  sync.Once
	ready chan struct{}
	real  *chanConn
	err   error
}

func newLazyChanConn(open opener, agentAddr, target string, local, remote net.Addr) *lazyChanConn {
	return &lazyChanConn{
		open:       open,
		agentAddr:  agentAddr,
		target:     target,
		localAddr:  local,
		remoteAddr: remote,
		ready:      make(chan struct{}),
	}
}

// init starts the agent RPC at most once and blocks the caller until it
// completes (successfully or not).
func (c *lazyChanConn) init() (*chanConn, error) {
	c.once.Do(func() {
		defer close(c.ready)
		handle, cerr := c.open(context.Background(), c.agentAddr, c.target)
		if cerr != nil {
			c.err = cerr
			return
		}
		c.real = newChanConn(handle, c.localAddr, c.remoteAddr)
	})
	<-c.ready
	return c.real, c.err
}

func (c *lazyChanConn) Read(p []byte) (int, error) {
	real, err := c.init()
	if err != nil {
		return 0, err
	}
	return real.Read(p)
}

func (c *lazyChanConn) Write(p []byte) (int, error) {
	real, err := c.init()
	if err != nil {
		return 0, err
	}
	return real.Write(p)
}

// Close waits out any init already in flight (so it can't race a concurrent
// Read/Write into leaking the opened handle), then tears down whatever got
// opened. If nothing ever called Read/Write, it marks init a permanent
// no-op so the agent RPC never starts at all.
func (c *lazyChanConn) Close() error {
	c.once.Do(func() { close(c.ready) })
	<-c.ready
	if c.real != nil {
		return c.real.Close()
	}
	return nil
}

func (c *lazyChanConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *lazyChanConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *lazyChanConn) SetDeadline(t time.Time) error      { return nil }
func (c *lazyChanConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *lazyChanConn) SetWriteDeadline(t time.Time) error { return nil }
