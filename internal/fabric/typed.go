package fabric

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/wire"
)

// Dispatcher serves incoming calls on a TypedChannel. A capability server
// (internal/agentcap) implements this once for its whole method set; the
// operator's own capability channel currently has no inbound calls and
// never installs one.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params []byte) (result interface{}, callErr *errs.Error)
}

// TypedChannel pipelines many concurrent RPC calls, identified by CallID,
// over one ordered substream; each inbound call is dispatched onto its own
// goroutine. It is bidirectional: either side may issue calls (via Call)
// while also serving the peer's calls (via an installed Dispatcher).
type TypedChannel struct {
	rw         io.ReadWriteCloser
	logger     *logging.Logger
	dispatcher Dispatcher

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *wire.Frame

	closed  chan struct{}
	closeMu sync.Mutex
	closeAt error
}

// NewTypedChannel wraps rw (normally an ssh.Channel substream) and starts
// its read pump. dispatcher may be nil if this side never serves calls.
func NewTypedChannel(rw io.ReadWriteCloser, logger *logging.Logger, dispatcher Dispatcher) *TypedChannel {
	tc := &TypedChannel{
		rw:         rw,
		logger:     logger,
		dispatcher: dispatcher,
		pending:    make(map[uint64]chan *wire.Frame),
		closed:     make(chan struct{}),
	}
	go tc.pump()
	return tc
}

func (tc *TypedChannel) pump() {
	fr := wire.NewFrameReader(tc.rw)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			tc.fail(err)
			return
		}
		if f.IsResponse {
			tc.mu.Lock()
			ch := tc.pending[f.CallID]
			delete(tc.pending, f.CallID)
			tc.mu.Unlock()
			if ch != nil {
				ch <- f
			}
			continue
		}
		go tc.serveOne(f)
	}
}

func (tc *TypedChannel) serveOne(f *wire.Frame) {
	if tc.dispatcher == nil {
		tc.writeResponse(f.CallID, nil, errs.New(errs.CallError, "no dispatcher installed on this channel"))
		return
	}
	result, callErr := tc.dispatcher.Dispatch(context.Background(), f.Method, f.Params)
	tc.writeResponse(f.CallID, result, callErr)
}

func (tc *TypedChannel) writeResponse(id uint64, result interface{}, callErr *errs.Error) {
	resp := &wire.Frame{CallID: id, IsResponse: true}
	if callErr != nil {
		resp.HasError = true
		resp.ErrKind = string(callErr.Kind)
		resp.ErrPath = callErr.Path
		resp.ErrDetail = callErr.Detail
	} else if result != nil {
		b, err := wire.Marshal(result)
		if err != nil {
			resp.HasError = true
			resp.ErrKind = string(errs.CallError)
			resp.ErrDetail = err.Error()
		} else {
			resp.Result = b
		}
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if tc.isClosed() {
		return
	}
	_ = wire.WriteFrame(tc.rw, resp)
}

// Call issues method(params) to the peer and blocks for its response,
// unmarshaling the result into result (which may be nil if the caller
// doesn't need it). A typed *errs.Error returned by the peer is returned
// unchanged; a transport failure is wrapped into a CallError.
func (tc *TypedChannel) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	var paramsBytes []byte
	if params != nil {
		b, err := wire.Marshal(params)
		if err != nil {
			return errs.Newf(errs.CallError, "encoding params: %s", err)
		}
		paramsBytes = b
	}

	id := atomic.AddUint64(&tc.nextID, 1)
	respCh := make(chan *wire.Frame, 1)
	tc.mu.Lock()
	tc.pending[id] = respCh
	tc.mu.Unlock()
	cleanup := func() {
		tc.mu.Lock()
		delete(tc.pending, id)
		tc.mu.Unlock()
	}

	f := &wire.Frame{CallID: id, Method: method, Params: paramsBytes}
	tc.writeMu.Lock()
	if tc.isClosed() {
		tc.writeMu.Unlock()
		cleanup()
		return errs.New(errs.CallError, "channel closed")
	}
	err := wire.WriteFrame(tc.rw, f)
	tc.writeMu.Unlock()
	if err != nil {
		cleanup()
		return errs.Newf(errs.CallError, "writing call: %s", err)
	}

	select {
	case resp := <-respCh:
		if resp.HasError {
			return &errs.Error{Kind: errs.Kind(resp.ErrKind), Path: resp.ErrPath, Detail: resp.ErrDetail}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := wire.Unmarshal(resp.Result, result); err != nil {
				return errs.Newf(errs.CallError, "decoding result: %s", err)
			}
		}
		return nil
	case <-ctx.Done():
		cleanup()
		return errs.Newf(errs.CallError, "call canceled: %s", ctx.Err())
	case <-tc.closed:
		cleanup()
		return errs.New(errs.CallError, "channel closed")
	}
}

func (tc *TypedChannel) isClosed() bool {
	select {
	case <-tc.closed:
		return true
	default:
		return false
	}
}

func (tc *TypedChannel) fail(err error) {
	tc.closeMu.Lock()
	alreadyClosed := tc.isClosed()
	if !alreadyClosed {
		tc.closeAt = err
		close(tc.closed)
	}
	tc.closeMu.Unlock()
	if alreadyClosed {
		return
	}
	tc.mu.Lock()
	pending := tc.pending
	tc.pending = make(map[uint64]chan *wire.Frame)
	tc.mu.Unlock()
	failure := &wire.Frame{HasError: true, ErrKind: string(errs.CallError), ErrDetail: "channel closed"}
	for _, ch := range pending {
		frameCopy := *failure
		ch <- &frameCopy
	}
}

// Close closes the underlying substream and fails every in-flight call.
func (tc *TypedChannel) Close() error {
	tc.fail(io.ErrClosedPipe)
	return tc.rw.Close()
}

// Err returns the reason the channel stopped serving calls, or nil while
// still open.
func (tc *TypedChannel) Err() error {
	tc.closeMu.Lock()
	defer tc.closeMu.Unlock()
	return tc.closeAt
}
