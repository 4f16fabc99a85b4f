// Package duplex holds the full-duplex byte-forwarding routine the agent's
// proxy dial-out (internal/agentcap) uses to splice its target connection
// onto a pair of fabric byte-channel substreams. The operator's SOCKS5
// front-end (internal/tunnel) does not use it; go-socks5 runs its own copy
// loop there.
package duplex

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/duskline/meridian/internal/logging"
)

// HalfCloser is a connection that supports shutting down its write side
// independently of reading, satisfied by *net.TCPConn and ssh.Channel.
type HalfCloser interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

type netConnHalfCloser struct{ net.Conn }

func (c netConnHalfCloser) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// WrapConn adapts a plain net.Conn (which may or may not support
// half-close) into a HalfCloser, falling back to a full Close when the
// concrete type has no CloseWrite.
func WrapConn(c net.Conn) HalfCloser {
	return netConnHalfCloser{c}
}

// Splice copies bytes bidirectionally between a and b until both directions
// reach EOF, half-closing each destination's write side as its source dries
// up, then closes both ends. It returns the byte counts in each direction
// and the a-to-b copy error if there was one, otherwise the b-to-a copy
// error.
func Splice(logger *logging.Logger, a, b HalfCloser) (aToB int64, bToA int64, err error) {
	var aToBErr, bToAErr error
	var wg sync.WaitGroup
	wg.Add(2)

	copyFunc := func(src, dst HalfCloser, n *int64, copyErr *error) {
		defer wg.Done()
		*n, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			logger.Debugf("splice: copy ended: %s", *copyErr)
		}
		_ = dst.CloseWrite()
	}
	go copyFunc(a, b, &aToB, &aToBErr)
	go copyFunc(b, a, &bToA, &bToAErr)
	wg.Wait()

	_ = a.Close()
	_ = b.Close()

	err = aToBErr
	if err == nil {
		err = bToAErr
	}
	return aToB, bToA, err
}

var spliceCount int64

// NextID returns a monotonically increasing identifier for log correlation
// across concurrent splices.
func NextID() int64 {
	return atomic.AddInt64(&spliceCount, 1)
}
