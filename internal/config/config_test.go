package config

import (
	"testing"
	"time"

	"github.com/duskline/meridian/internal/logging"
)

func TestParseAgentFlags(t *testing.T) {
	cfg, err := ParseAgentFlags([]string{
		"-operator", "op.example.com:1244",
		"-log-level", "debug",
		"-reconnect-min", "1s",
	})
	if err != nil {
		t.Fatalf("ParseAgentFlags: %s", err)
	}
	if cfg.OperatorAddr != "op.example.com:1244" {
		t.Fatalf("OperatorAddr = %q", cfg.OperatorAddr)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.ReconnectMin != time.Second {
		t.Fatalf("ReconnectMin = %v, want 1s", cfg.ReconnectMin)
	}
	if cfg.AllowInsecureTLS {
		t.Fatal("AllowInsecureTLS must default to false")
	}
}

func TestParseAgentFlagsRequiresOperator(t *testing.T) {
	t.Setenv("MERIDIAN_OPERATOR", "")
	if _, err := ParseAgentFlags(nil); err == nil {
		t.Fatal("expected an error when no operator address is given")
	}
}

func TestParseAgentFlagsEnvFallback(t *testing.T) {
	t.Setenv("MERIDIAN_OPERATOR", "env.example.com:1244")
	cfg, err := ParseAgentFlags(nil)
	if err != nil {
		t.Fatalf("ParseAgentFlags: %s", err)
	}
	if cfg.OperatorAddr != "env.example.com:1244" {
		t.Fatalf("OperatorAddr = %q, want the env fallback", cfg.OperatorAddr)
	}
}

func TestParseOperatorFlagsDefaults(t *testing.T) {
	cfg, err := ParseOperatorFlags([]string{"-cert", "c.pem", "-key", "k.pem"})
	if err != nil {
		t.Fatalf("ParseOperatorFlags: %s", err)
	}
	if cfg.ListenAddr != "0.0.0.0:1244" {
		t.Fatalf("ListenAddr = %q, want the default agent port", cfg.ListenAddr)
	}
}

func TestParseOperatorFlagsRequiresCertAndKey(t *testing.T) {
	if _, err := ParseOperatorFlags(nil); err == nil {
		t.Fatal("expected an error when cert/key are missing")
	}
}

func TestClientTLSConfigInsecureMode(t *testing.T) {
	cfg := &AgentConfig{OperatorAddr: "x:1", AllowInsecureTLS: true}
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		t.Fatalf("ClientTLSConfig: %s", err)
	}
	if !tlsCfg.InsecureSkipVerify {
		t.Fatal("insecure mode must set InsecureSkipVerify")
	}
	if tlsCfg.RootCAs != nil {
		t.Fatal("insecure mode should not install a CA pool")
	}
}

func TestClientTLSConfigDefaultTrustsEmbeddedCA(t *testing.T) {
	cfg := &AgentConfig{OperatorAddr: "x:1"}
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		t.Fatalf("ClientTLSConfig: %s", err)
	}
	if tlsCfg.InsecureSkipVerify {
		t.Fatal("default mode must verify the peer")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatal("default mode must trust the embedded fleet CA")
	}
}
