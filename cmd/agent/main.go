// Command agent dials an operator, exchanges capabilities, and serves host
// operations until the connection drops, then reconnects with backoff.
package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/duskline/meridian/internal/agentcap"
	"github.com/duskline/meridian/internal/config"
	"github.com/duskline/meridian/internal/fabric"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

func main() {
	cfg, err := config.ParseAgentFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger := logging.New("agent", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runConnectionLoop(ctx, cfg, logger)
}

func runConnectionLoop(ctx context.Context, cfg *config.AgentConfig, logger *logging.Logger) {
	b := &backoff.Backoff{Min: cfg.ReconnectMin, Max: cfg.ReconnectMax}
	for ctx.Err() == nil {
		if err := runOneConnection(ctx, cfg, logger); err != nil {
			logger.Warnf("connection ended: %s", err)
		}
		if ctx.Err() != nil {
			return
		}
		d := b.Duration()
		logger.Infof("reconnecting in %s", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func runOneConnection(ctx context.Context, cfg *config.AgentConfig, logger *logging.Logger) error {
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		return err
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, "tcp", cfg.OperatorAddr)
	if err != nil {
		return err
	}
	tlsConn, err := wrapClientTLS(ctx, rawConn, tlsCfg)
	if err != nil {
		rawConn.Close()
		return err
	}

	sshClientCfg := &ssh.ClientConfig{
		User:            "agent",
		Auth:            []ssh.AuthMethod{ssh.Password("unused")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TLS already authenticated the transport
	}
	mux, err := fabric.ClientHandshake(tlsConn, sshClientCfg, logger)
	if err != nil {
		tlsConn.Close()
		return err
	}
	defer mux.Close()

	local, peer, err := fabric.Exchange(mux, wire.RefAgentCapability, wire.RefOperatorCapability)
	if err != nil {
		return err
	}

	broker := fabric.NewByteChannelBroker(mux, logger)
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	server := agentcap.NewServer(identity(), logger, broker, dialer)
	fabric.NewTypedChannel(local, logger.Fork("capserver"), server)
	// peer is the operator's own capability handle; the agent never calls it.
	_ = fabric.NewTypedChannel(peer, logger.Fork("opclient"), nil)

	return mux.Wait()
}

// wrapClientTLS performs the client-side TLS handshake over an already
// dialed TCP connection, mirroring the operator's tls.Server handshake in
// cmd/operator/main.go's handleAgent.
func wrapClientTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return "meridian-agent@" + host
}
