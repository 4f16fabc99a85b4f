package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

// ByteChannel is one raw byte-channel substream: a half-closable
// io.ReadWriteCloser. It is an alias for ssh.Channel so callers outside this
// package never need to import golang.org/x/crypto/ssh directly.
type ByteChannel = ssh.Channel

// ByteChannelBroker matches up the raw byte-channel substreams referenced by
// wire.ObjectRef{Kind: RefByteChannel} values embedded in RPC call
// arguments. One side allocates an ID and
// opens the substream; the other side, on receiving that ID inside a call's
// params, waits for the matching substream to arrive, in whichever order
// the two events race in.
type ByteChannelBroker struct {
	mux    *Mux
	logger *logging.Logger

	nextID uint64

	mu       sync.Mutex
	waiters  map[uint64]chan acceptResult
	buffered map[uint64]acceptResult
}

type acceptResult struct {
	ch  ssh.Channel
	err error
}

// NewByteChannelBroker starts accepting byte-channel substreams on mux.
// Substreams not tagged RefByteChannel are rejected; a higher-level accept
// loop for other tags must not share this Mux's AcceptSubstream calls.
func NewByteChannelBroker(mux *Mux, logger *logging.Logger) *ByteChannelBroker {
	b := &ByteChannelBroker{
		mux:      mux,
		logger:   logger,
		waiters:  make(map[uint64]chan acceptResult),
		buffered: make(map[uint64]acceptResult),
	}
	go b.acceptLoop()
	return b
}

func (b *ByteChannelBroker) acceptLoop() {
	for {
		in, err := b.mux.AcceptSubstream()
		if err != nil {
			b.failAll(err)
			return
		}
		if in.Ref == nil || in.Ref.Kind != wire.RefByteChannel {
			_ = in.Reject(ssh.UnknownChannelType, "expected a byte-channel substream")
			continue
		}
		id := in.Ref.ChannelID
		ch, err := in.Accept()
		b.deliver(id, acceptResult{ch, err})
	}
}

func (b *ByteChannelBroker) deliver(id uint64, res acceptResult) {
	b.mu.Lock()
	if w, ok := b.waiters[id]; ok {
		delete(b.waiters, id)
		b.mu.Unlock()
		w <- res
		return
	}
	b.buffered[id] = res
	b.mu.Unlock()
}

func (b *ByteChannelBroker) failAll(err error) {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = make(map[uint64]chan acceptResult)
	b.mu.Unlock()
	for _, w := range waiters {
		w <- acceptResult{nil, fmt.Errorf("fabric: byte-channel broker stopped: %w", err)}
	}
}

// NextChannelID allocates a fresh ID for a byte-channel pair this side is
// about to open, to be embedded as an ObjectRef in the RPC call that
// references it.
func (b *ByteChannelBroker) NextChannelID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Open opens the outbound half of the byte-channel substream tagged id.
// Used by the side that allocated id via NextChannelID.
func (b *ByteChannelBroker) Open(id uint64) (ssh.Channel, error) {
	return b.mux.OpenSubstream(&wire.ObjectRef{Kind: wire.RefByteChannel, ChannelID: id})
}

// Accept waits for the peer's substream tagged id to arrive. Used by the
// side that received id inside a call's parameters.
func (b *ByteChannelBroker) Accept(ctx context.Context, id uint64) (ssh.Channel, error) {
	b.mu.Lock()
	if res, ok := b.buffered[id]; ok {
		delete(b.buffered, id)
		b.mu.Unlock()
		return res.ch, res.err
	}
	waitCh := make(chan acceptResult, 1)
	b.waiters[id] = waitCh
	b.mu.Unlock()

	select {
	case res := <-waitCh:
		return res.ch, res.err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}
