// Package config parses the agent and operator command-line configuration
// and builds the resulting tls.Config. Configuration is flag.FlagSet based
// with environment-variable fallback; there is no config file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/duskline/meridian/internal/logging"
)

// embeddedCA is the fleet's root of trust, compiled directly into the
// agent binary so a stolen agent cannot be pointed at an operator signed by
// a different authority.
//
//go:embed ca.pem
var embeddedCA []byte

// AgentConfig holds everything cmd/agent needs to dial an operator.
type AgentConfig struct {
	OperatorAddr     string
	ClientCertFile   string
	ClientKeyFile    string
	AllowInsecureTLS bool // dev-only escape hatch; never set by default
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	LogLevel         logging.Level
}

// OperatorConfig holds everything cmd/operator needs to accept agents and
// serve the HTTP API.
type OperatorConfig struct {
	ListenAddr     string
	HTTPAddr       string
	ServerCertFile string
	ServerKeyFile  string
	ClientCAFile   string // if empty, falls back to the embedded fleet CA
	LogLevel       logging.Level
}

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

// ParseAgentFlags parses args (normally os.Args[1:]) into an AgentConfig,
// falling back to the MERIDIAN_OPERATOR environment variable when -operator
// is unset. No other flag has an environment fallback.
func ParseAgentFlags(args []string) (*AgentConfig, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	operatorAddr := fs.String("operator", "", "operator host:port to dial")
	certFile := fs.String("cert", "", "client certificate file")
	keyFile := fs.String("key", "", "client private key file")
	insecure := fs.Bool("insecure-tls", false, "skip TLS verification (development only)")
	reconnectMin := fs.Duration("reconnect-min", defaultReconnectMin, "minimum reconnect backoff")
	reconnectMax := fs.Duration("reconnect-max", defaultReconnectMax, "maximum reconnect backoff")
	verbose := fs.String("log-level", "info", "log level: error, warn, info, debug, trace")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &AgentConfig{
		OperatorAddr:     *operatorAddr,
		ClientCertFile:   *certFile,
		ClientKeyFile:    *keyFile,
		AllowInsecureTLS: *insecure,
		ReconnectMin:     *reconnectMin,
		ReconnectMax:     *reconnectMax,
		LogLevel:         logging.ParseLevel(*verbose),
	}
	if cfg.OperatorAddr == "" {
		cfg.OperatorAddr = os.Getenv("MERIDIAN_OPERATOR")
	}
	if cfg.OperatorAddr == "" {
		return nil, fmt.Errorf("config: -operator (or MERIDIAN_OPERATOR) is required")
	}
	return cfg, nil
}

// ParseOperatorFlags parses args into an OperatorConfig.
func ParseOperatorFlags(args []string) (*OperatorConfig, error) {
	fs := flag.NewFlagSet("operator", flag.ContinueOnError)
	listenAddr := fs.String("listen", "0.0.0.0:1244", "address to accept agent mux connections on")
	httpAddr := fs.String("http", "127.0.0.1:8080", "address to serve the HTTP control API on")
	certFile := fs.String("cert", "", "server certificate file")
	keyFile := fs.String("key", "", "server private key file")
	clientCA := fs.String("client-ca", "", "CA file trusted for agent client certs (defaults to the embedded fleet CA)")
	verbose := fs.String("log-level", "info", "log level: error, warn, info, debug, trace")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &OperatorConfig{
		ListenAddr:     *listenAddr,
		HTTPAddr:       *httpAddr,
		ServerCertFile: *certFile,
		ServerKeyFile:  *keyFile,
		ClientCAFile:   *clientCA,
		LogLevel:       logging.ParseLevel(*verbose),
	}
	if cfg.ServerCertFile == "" || cfg.ServerKeyFile == "" {
		return nil, fmt.Errorf("config: -cert and -key are required")
	}
	return cfg, nil
}

func fleetCAPool(overrideFile string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if overrideFile != "" {
		pem, err := os.ReadFile(overrideFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: %s contains no usable certificates", overrideFile)
		}
		return pool, nil
	}
	if !pool.AppendCertsFromPEM(embeddedCA) {
		return nil, fmt.Errorf("config: embedded fleet CA is malformed")
	}
	return pool, nil
}

// ClientTLSConfig builds the tls.Config an agent dials the operator with:
// its own client certificate, plus trust in the embedded fleet CA (or
// AllowInsecureTLS for local development).
func (c *AgentConfig) ClientTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: c.AllowInsecureTLS,
	}
	if !c.AllowInsecureTLS {
		pool, err := fleetCAPool("")
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: loading client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// ServerTLSConfig builds the tls.Config the operator listens with: its own
// server certificate, and (optionally) mutual-TLS verification of agent
// client certificates against the fleet CA.
func (c *OperatorConfig) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.ServerCertFile, c.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: loading server cert: %w", err)
	}
	pool, err := fleetCAPool(c.ClientCAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}, nil
}
