// Command operator binds a TLS listener for agents and an HTTP listener for
// human operators. Each accepted agent is handed off to a per-session task
// that completes the mux+capability handshake, installs the session in the
// registry, and awaits teardown.
package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/duskline/meridian/internal/config"
	"github.com/duskline/meridian/internal/facade"
	"github.com/duskline/meridian/internal/fabric"
	"github.com/duskline/meridian/internal/httpapi"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/registry"
	"github.com/duskline/meridian/internal/tunnel"
	"github.com/duskline/meridian/internal/wire"
)

func main() {
	cfg, err := config.ParseOperatorFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger := logging.New("operator", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("operator exited: %s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.OperatorConfig, logger *logging.Logger) error {
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return err
	}
	hostKey, err := fabric.EphemeralHostKey()
	if err != nil {
		return err
	}
	sshCfg := &ssh.ServerConfig{NoClientAuth: true}
	sshCfg.AddHostKey(hostKey)

	reg := registry.New()
	fac := facade.New(reg)
	tunnels := tunnel.NewManager(fac, logger.Fork("tunnel"))
	api := httpapi.New(fac, tunnels)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return logger.Err("listening on %s: %s", cfg.ListenAddr, err)
	}
	defer ln.Close()
	logger.Infof("accepting agents on %s", cfg.ListenAddr)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	logger.Infof("serving HTTP control API on %s", cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return acceptLoop(gctx, ln, tlsCfg, sshCfg, reg, fac, logger) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return httpSrv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// acceptLoop accepts TLS connections from agents and spawns one session
// task per connection, until ctx is canceled or the listener fails.
func acceptLoop(ctx context.Context, ln net.Listener, tlsCfg *tls.Config, sshCfg *ssh.ServerConfig, reg *registry.Registry, fac *facade.Facade, logger *logging.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleAgent(ctx, conn, tlsCfg, sshCfg, reg, fac, logger)
	}
}

// handleAgent runs the lifecycle of one accepted agent connection: TLS
// handshake, mux + capability exchange, registry insertion, handshake/
// system_info bootstrap, then waits for the mux to end and tears the
// session down.
func handleAgent(ctx context.Context, rawConn net.Conn, tlsCfg *tls.Config, sshCfg *ssh.ServerConfig, reg *registry.Registry, fac *facade.Facade, logger *logging.Logger) {
	addr := rawConn.RemoteAddr().String()
	sessLogger := logger.Fork("session.%s", addr)

	tlsConn := tls.Server(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		sessLogger.Warnf("TLS handshake: %s", err)
		tlsConn.Close()
		return
	}

	mux, err := fabric.ServerHandshake(tlsConn, sshCfg, sessLogger)
	if err != nil {
		sessLogger.Warnf("mux handshake: %s", err)
		tlsConn.Close()
		return
	}

	local, peer, err := fabric.Exchange(mux, wire.RefOperatorCapability, wire.RefAgentCapability)
	if err != nil {
		sessLogger.Warnf("capability exchange: %s", err)
		mux.Close()
		return
	}

	broker := fabric.NewByteChannelBroker(mux, sessLogger)
	agentHandle := fabric.NewTypedChannel(peer, sessLogger.Fork("agentclient"), nil)
	// local is the operator's own capability channel; the agent holds a
	// handle to it but no current operation calls back through it.
	_ = fabric.NewTypedChannel(local, sessLogger.Fork("opserver"), nil)

	sess := registry.NewSession(addr, mux, agentHandle, broker)
	reg.Insert(addr, sess)
	sessLogger.Infof("agent connected")

	if cerr := fac.Bootstrap(ctx, sess); cerr != nil {
		sessLogger.Warnf("bootstrap: %s", cerr)
	}

	muxDone := make(chan error, 1)
	go func() { muxDone <- mux.Wait() }()

	var waitErr error
	select {
	case waitErr = <-muxDone:
	case <-sess.Disconnect.Done():
		// A reconnect from this address replaced us in the registry
		// (registry.Insert fires the replaced session's signal); tear our
		// own mux down so this task's teardown runs instead of leaking.
		sessLogger.Infof("session superseded by a newer connection from this address")
		mux.Close()
		waitErr = <-muxDone
	}
	sessLogger.Infof("agent disconnected: %v", waitErr)

	sess.DrainProxies()
	sess.Disconnect.Fire(waitErr)
	reg.Remove(addr, sess)
	agentHandle.Close()
	mux.Close()
}
