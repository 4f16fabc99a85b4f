package tunnel

import (
	"context"
	"net"

	socks5 "github.com/armon/go-socks5"
	"github.com/google/uuid"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/facade"
	"github.com/duskline/meridian/internal/lifecycle"
	"github.com/duskline/meridian/internal/logging"
)

// stringAddr is a trivial net.Addr for the remote end of a tunnel
// connection, whose target is dialed by the agent rather than by a local
// socket.
type stringAddr struct {
	network, addr string
}

func (a stringAddr) Network() string { return a.network }
func (a stringAddr) String() string  { return a.addr }

// Manager owns every active proxy listener across all sessions: one TCP
// accept loop per (agent, local address) pair, registered in that
// session's proxy table.
type Manager struct {
	facade *facade.Facade
	logger *logging.Logger
}

// NewManager builds a Manager that opens tunnels through f.
func NewManager(f *facade.Facade, logger *logging.Logger) *Manager {
	return &Manager{facade: f, logger: logger}
}

// Open starts (or, if already active, no-ops on) a SOCKS5 listener at
// listenAddr that tunnels CONNECTed traffic through agentAddr's agent.
func (m *Manager) Open(agentAddr, listenAddr, user, password string) *errs.Error {
	sig, started, cerr := m.facade.StartProxy(agentAddr, listenAddr)
	if cerr != nil {
		return cerr
	}
	if !started {
		return nil // already active at this address; opening again is a no-op success
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		_ = m.facade.StopProxy(agentAddr, listenAddr)
		return errs.Newf(errs.IoError, "listen %s: %s", listenAddr, err)
	}

	creds := socks5.StaticCredentials{user: password}
	socksCfg := &socks5.Config{
		AuthMethods: []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: creds}},
		Dial: func(ctx context.Context, network, target string) (net.Conn, error) {
			return m.dialViaAgent(ctx, agentAddr, network, target)
		},
	}
	srv, err := socks5.New(socksCfg)
	if err != nil {
		ln.Close()
		_ = m.facade.StopProxy(agentAddr, listenAddr)
		return errs.Wrap(err)
	}

	go m.acceptLoop(ln, srv, sig)
	return nil
}

// Close stops the listener at listenAddr and drops its entry from the
// session's proxy table.
func (m *Manager) Close(agentAddr, listenAddr string) *errs.Error {
	return m.facade.StopProxy(agentAddr, listenAddr)
}

func (m *Manager) acceptLoop(ln net.Listener, srv *socks5.Server, sig *lifecycle.Signal) {
	go func() {
		<-sig.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if sig.IsFired() {
				return
			}
			m.logger.Warnf("tunnel: accept on %s: %s", ln.Addr(), err)
			return
		}
		// Each accepted connection gets a correlation ID threaded through
		// its log lines, since one listener may be serving many concurrent
		// CONNECTs that otherwise interleave indistinguishably.
		connID := uuid.NewString()
		go func() {
			defer conn.Close()
			if err := srv.ServeConn(conn); err != nil {
				m.logger.Debugf("tunnel: socks5 session %s: %s", connID, err)
			}
		}()
	}
}

// dialViaAgent stands in for the SOCKS5 CONNECT dial. It resolves the
// target on the operator side (a domain name resolves to its first DNS
// result, a literal socket address passes through unchanged), so the agent
// only ever receives an already-resolved address. It must then return
// immediately: go-socks5 sends the SUCCESS reply right after Dial returns,
// before any bytes flow, so the actual agent proxy RPC is deferred to
// lazyChanConn's first Read/Write instead of being made here.
func (m *Manager) dialViaAgent(ctx context.Context, agentAddr, network, target string) (net.Conn, error) {
	resolved, err := net.ResolveTCPAddr(network, target)
	if err != nil {
		host, _, splitErr := net.SplitHostPort(target)
		if splitErr != nil {
			host = target
		}
		return nil, errs.Newf(errs.DnsLookupError, "%s: %s", host, err)
	}
	// go-socks5 type-asserts the dialed conn's LocalAddr to *net.TCPAddr to
	// build the CONNECT reply's BND.ADDR/BND.PORT, so the local side can't
	// be the pseudo stringAddr used for RemoteAddr/logging.
	local := &net.TCPAddr{IP: net.IPv4zero, Port: 0}
	remote := stringAddr{network: network, addr: resolved.String()}
	return newLazyChanConn(m.facade.OpenProxy, agentAddr, resolved.String(), local, remote), nil
}
