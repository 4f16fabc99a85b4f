package fabric

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

type echoParams struct {
	Text string `cbor:"text"`
}

type echoResult struct {
	Text string `cbor:"text"`
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, method string, params []byte) (interface{}, *errs.Error) {
	switch method {
	case "echo":
		var p echoParams
		if err := wire.Unmarshal(params, &p); err != nil {
			return nil, errs.New(errs.ParamInvalid, err.Error())
		}
		return &echoResult{Text: p.Text}, nil
	case "fail":
		return nil, errs.New(errs.ProcessNotFound, "7")
	default:
		return nil, errs.Newf(errs.CallError, "unknown method %q", method)
	}
}

func TestTypedChannelCallRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	logger := logging.New("test", logging.LevelError)

	server := NewTypedChannel(serverConn, logger.Fork("server"), echoDispatcher{})
	defer server.Close()
	client := NewTypedChannel(clientConn, logger.Fork("client"), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result echoResult
	if err := client.Call(ctx, "echo", &echoParams{Text: "hello"}, &result); err != nil {
		t.Fatalf("Call: %s", err)
	}
	if result.Text != "hello" {
		t.Fatalf("result = %+v, want Text=hello", result)
	}
}

func TestTypedChannelCallSurfacesTypedError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	logger := logging.New("test", logging.LevelError)

	server := NewTypedChannel(serverConn, logger.Fork("server"), echoDispatcher{})
	defer server.Close()
	client := NewTypedChannel(clientConn, logger.Fork("client"), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Call(ctx, "fail", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	cerr, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("error is %T, want *errs.Error", err)
	}
	if cerr.Kind != errs.ProcessNotFound {
		t.Fatalf("Kind = %s, want ProcessNotFound", cerr.Kind)
	}
}

func TestTypedChannelConcurrentCallsDoNotCrossTalk(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	logger := logging.New("test", logging.LevelError)

	server := NewTypedChannel(serverConn, logger.Fork("server"), echoDispatcher{})
	defer server.Close()
	client := NewTypedChannel(clientConn, logger.Fork("client"), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 8
	results := make(chan string, n)
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			var result echoResult
			text := string(rune('a' + i))
			if err := client.Call(ctx, "echo", &echoParams{Text: text}, &result); err != nil {
				errsCh <- err
				return
			}
			results <- result.Text
		}(i)
	}
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			seen[r] = true
		case err := <-errsCh:
			t.Fatalf("concurrent call failed: %s", err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for concurrent calls")
		}
	}
	if len(seen) != n {
		t.Fatalf("saw %d distinct echoed values, want %d", len(seen), n)
	}
}

func TestTypedChannelCallFailsAfterPeerClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	logger := logging.New("test", logging.LevelError)

	server := NewTypedChannel(serverConn, logger.Fork("server"), nil)
	client := NewTypedChannel(clientConn, logger.Fork("client"), nil)

	server.Close()

	err := client.Call(context.Background(), "echo", &echoParams{Text: "x"}, nil)
	if err == nil {
		t.Fatal("expected a terminal error once the peer is closed")
	}
}
