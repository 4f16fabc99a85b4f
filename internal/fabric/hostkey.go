package fabric

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// EphemeralHostKey generates a throwaway SSH host key signer for the mux's
// ServerConfig. SSH here authenticates nothing, the TLS byte stream
// underneath it already has, so the key only needs to
// satisfy the ssh package's API surface, not identify anything durable.
func EphemeralHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("fabric: generating ephemeral host key: %w", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("fabric: wrapping ephemeral host key: %w", err)
	}
	return signer, nil
}
