package fabric

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/duskline/meridian/internal/wire"
)

// Exchange performs the capability handshake: both peers
// simultaneously open a substream tagged with their own kind and accept the
// substream the other side opens, so the connection ends with each side
// holding a live handle to the other's capability object. A tag mismatch on
// either side is a fatal protocol error; the caller should drop the whole
// mux connection in that case.
func Exchange(m *Mux, localKind wire.RefKind, expectedPeerKind wire.RefKind) (local ssh.Channel, peer ssh.Channel, err error) {
	type openResult struct {
		ch  ssh.Channel
		err error
	}
	openDone := make(chan openResult, 1)
	go func() {
		ch, err := m.OpenSubstream(&wire.ObjectRef{Kind: localKind})
		openDone <- openResult{ch, err}
	}()

	in, err := m.AcceptSubstream()
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: capability exchange: accepting peer substream: %w", err)
	}
	if in.Ref == nil || in.Ref.Kind != expectedPeerKind {
		_ = in.Reject(ssh.Prohibited, "unexpected capability kind")
		return nil, nil, fmt.Errorf("fabric: capability exchange: expected peer kind %q, got %+v", expectedPeerKind, in.Ref)
	}
	peerCh, err := in.Accept()
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: capability exchange: accepting peer channel: %w", err)
	}

	res := <-openDone
	if res.err != nil {
		_ = peerCh.Close()
		return nil, nil, fmt.Errorf("fabric: capability exchange: opening local substream: %w", res.err)
	}
	return res.ch, peerCh, nil
}
