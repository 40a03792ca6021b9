package birpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RawCall is the explicit form of an outbound call, exposing every option
// CallRaw accepts.
type RawCall struct {
	Method   string
	Args     []any
	Event    bool
	Optional bool
}

type callResult struct {
	result any
	err    error
}

// pendingCall is the bookkeeping record for one in-flight response-
// expecting call. Every field is guarded by the owning Endpoint's mu.
type pendingCall struct {
	path string
	args []any
	done chan callResult

	ackReceived bool
	ackTimer    *timer
	respTimer   *timer
}

// Endpoint manages one side of the RPC: its local function tree, the
// correlation and stream tables, and the transport it was built with. An
// Endpoint is safe for concurrent use from multiple goroutines.
type Endpoint struct {
	cfg       EndpointConfig
	functions FunctionTree

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
	pending map[string]*pendingCall
	streams map[string]*Stream

	ready    chan struct{}
	readyErr error
}

var noopFunction Function = func(ctx context.Context, b Binding, args []any) (any, error) {
	return nil, nil
}

// NewEndpoint constructs an Endpoint around functions (the local function
// tree; a nil tree is treated as empty) and applies opts over the default
// configuration. WithPost is required for an endpoint that sends
// anything; WithReceiver is required to serve inbound requests.
//
// Listener registration (if configured) happens on a background goroutine:
// calls issued before it settles block behind a one-shot readiness gate
// and proceed once it completes (or fails).
func NewEndpoint(functions FunctionTree, opts ...Option) *Endpoint {
	cfg := BuildEndpointConfig(opts...)
	if functions == nil {
		functions = FunctionTree{}
	}
	e := &Endpoint{
		cfg:       cfg,
		functions: functions,
		pending:   make(map[string]*pendingCall),
		streams:   make(map[string]*Stream),
		ready:     make(chan struct{}),
	}
	go e.startRegistration()
	return e
}

func (e *Endpoint) startRegistration() {
	defer close(e.ready)
	if e.cfg.Register == nil {
		return
	}
	if err := e.cfg.Register(e.receive); err != nil {
		e.readyErr = fmt.Errorf("birpc: register: %w", err)
	}
}

func (e *Endpoint) waitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Functions implements Binding: the local function tree, readable and
// mutable at runtime.
func (e *Endpoint) Functions() FunctionTree { return e.functions }

// Meta implements Binding: the opaque metadata supplied at construction.
func (e *Endpoint) Meta() any { return e.cfg.Meta }

// Closed reports whether the endpoint has transitioned to closed.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) binding() Binding {
	if e.cfg.BindingMode == BindingFunctions {
		return FunctionTreeBinding{tree: e.functions, meta: e.cfg.Meta}
	}
	return e
}

// Path returns a builder for the dotted method path formed by joining
// segments, the idiomatic substitute for a recursive callable proxy.
// Segments may themselves already be dotted.
func (e *Endpoint) Path(segments ...string) *RemoteCall {
	return &RemoteCall{e: e, path: joinPath(segments)}
}

// post serializes and sends one frame, holding writeMu for the duration so
// that, from a single caller, frames are emitted in call order.
func (e *Endpoint) post(ctx context.Context, f Frame, extra ...any) error {
	payload, err := e.cfg.Serialize(f)
	if err != nil {
		return fmt.Errorf("birpc: serialize: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.cfg.Post(ctx, payload, extra...)
}

func (e *Endpoint) handleGeneralError(err error) error {
	if err == nil {
		return nil
	}
	if e.cfg.OnGeneralError != nil && e.cfg.OnGeneralError(err) {
		return nil
	}
	e.cfg.Logger.Warn("birpc: general error", "err", err)
	return err
}

// receive is installed as the transport's inbound callback.
func (e *Endpoint) receive(payload any, extra ...any) {
	if e.isClosed() {
		// Closed endpoints ignore further inbound frames, including
		// Responses for requests whose records were already cleared.
		return
	}
	f, err := e.cfg.Deserialize(payload)
	if err != nil {
		e.handleGeneralError(fmt.Errorf("birpc: deserialize: %w", err))
		return
	}
	e.dispatch(f, extra...)
}

func (e *Endpoint) dispatch(f Frame, extra ...any) {
	switch f.Tag {
	case TagRequest:
		go e.handleRequest(context.Background(), f, extra...)
	case TagResponse:
		e.handleResponse(f)
	case TagAck:
		e.handleAck(f)
	case TagStreamNext:
		e.handleStreamNext(f)
	case TagStreamEnd:
		e.handleStreamEnd(f)
	case TagStreamError:
		e.handleStreamError(f)
	default:
		// unrecognized tags are ignored
	}
}

const methodsPath = "$methods"

// ListMethods returns every dotted path registered in the peer's function
// tree.
func (e *Endpoint) ListMethods(ctx context.Context) ([]string, error) {
	res, err := e.Call(ctx, methodsPath)
	if err != nil {
		return nil, err
	}
	return toStringSlice(res), nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (e *Endpoint) resolveFunction(ctx context.Context, path string) (Function, error) {
	def, defErr := resolvePath(e.functions, path)
	if e.cfg.Resolver == nil {
		return def, defErr
	}
	var defFn Function
	if defErr == nil {
		defFn = def
	}
	fn, err := e.cfg.Resolver(ctx, path, defFn)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn, nil
	}
	return nil, ErrNotFound
}

// handleRequest serves one inbound Request: ack first, resolve,
// invoke, then respond, stream, or (for events) do nothing further.
func (e *Endpoint) handleRequest(ctx context.Context, f Frame, extra ...any) {
	if f.ID != "" {
		if err := e.post(ctx, Frame{Tag: TagAck, ID: f.ID}, extra...); err != nil {
			e.handleGeneralError(fmt.Errorf("birpc: %s: ack: %w", f.Method, err))
		}
	}

	if f.Method == methodsPath {
		if f.ID != "" {
			e.sendResponse(f.Method, f.ID, listMethods(e.functions), nil, extra...)
		}
		return
	}

	fn, err := e.resolveFunction(ctx, f.Method)
	if err != nil {
		if f.Optional {
			fn = noopFunction
		} else {
			e.cfg.Logger.Debug("birpc: method not found", "path", f.Method)
			if f.ID == "" {
				return
			}
			e.sendResponse(f.Method, f.ID, nil, ErrNotFound, extra...)
			return
		}
	}

	result, callErr := fn(ctx, e.binding(), f.Args)
	if callErr != nil {
		suppress := false
		var replacement error
		if e.cfg.OnFunctionError != nil {
			suppress, replacement = e.cfg.OnFunctionError(f.Method, f.Args, callErr)
		}
		if suppress {
			e.cfg.Logger.Debug("birpc: function error suppressed", "path", f.Method, "err", callErr)
			return
		}
		if replacement != nil {
			callErr = replacement
		}
		if f.ID == "" {
			return
		}
		e.sendResponse(f.Method, f.ID, nil, callErr, extra...)
		return
	}

	if seq, ok := result.(Sequence); ok {
		if f.ID == "" {
			// an event that returns a stream has nowhere to deliver it
			return
		}
		e.streamProduce(ctx, f.ID, f.Method, seq, extra...)
		return
	}

	if f.ID == "" {
		return
	}
	e.sendResponse(f.Method, f.ID, result, nil, extra...)
}

// sendResponse posts a Response frame; on a serialize/post failure it
// retries once, encoding the failure itself in the Response's error field.
func (e *Endpoint) sendResponse(path, id string, result any, callErr error, extra ...any) {
	f := Frame{Tag: TagResponse, ID: id}
	if callErr != nil {
		f.Err = errorToPayload(path, callErr)
	} else {
		f.Result = result
	}
	if err := e.post(context.Background(), f, extra...); err != nil {
		retry := Frame{Tag: TagResponse, ID: id, Err: errorToPayload(path, fmt.Errorf("birpc: marshal response: %w", err))}
		_ = e.post(context.Background(), retry, extra...)
		e.handleGeneralError(fmt.Errorf("birpc: %s: response post: %w", path, err))
	}
}

// streamProduce drains a local Sequence, posting StreamNext for each
// value, then StreamEnd or StreamError on completion.
func (e *Endpoint) streamProduce(ctx context.Context, id, path string, seq Sequence, extra ...any) {
	go func() {
		for {
			v, ok, err := seq.Next(ctx)
			if err != nil {
				if perr := e.post(ctx, Frame{Tag: TagStreamError, ID: id, Err: errorToPayload(path, err)}, extra...); perr != nil {
					e.handleGeneralError(fmt.Errorf("birpc: %s: stream error post: %w", path, perr))
				}
				return
			}
			if !ok {
				if perr := e.post(ctx, Frame{Tag: TagStreamEnd, ID: id}, extra...); perr != nil {
					e.handleGeneralError(fmt.Errorf("birpc: %s: stream end post: %w", path, perr))
				}
				return
			}
			if perr := e.post(ctx, Frame{Tag: TagStreamNext, ID: id, Value: v}, extra...); perr != nil {
				e.handleGeneralError(fmt.Errorf("birpc: %s: stream next post: %w", path, perr))
				return
			}
		}
	}()
}

func (e *Endpoint) handleResponse(f Frame) {
	e.mu.Lock()
	pc, ok := e.pending[f.ID]
	if ok {
		delete(e.pending, f.ID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pc.ackTimer.stop()
	pc.respTimer.stop()

	var result any
	var err error
	if f.Err != nil {
		err = payloadToError(pc.path, f.Err)
	} else {
		result = f.Result
	}
	select {
	case pc.done <- callResult{result, err}:
	default:
	}
}

func (e *Endpoint) handleAck(f Frame) {
	e.mu.Lock()
	if pc, ok := e.pending[f.ID]; ok {
		if pc.ackReceived {
			e.mu.Unlock()
			return
		}
		pc.ackReceived = true
		pc.ackTimer.stop()
		pc.ackTimer = nil
		// The response timer only starts here when an ack timeout was
		// configured -- that is the only case where sendRequestAwait
		// deferred arming it to Ack receipt (§4.5). Without an ack
		// timeout, sendRequestAwait already armed it at post time; arming
		// it again here would leak the first timer, unreferenced and
		// still live.
		if e.cfg.AckTimeout != nil && e.cfg.ResponseTimeout >= 0 {
			id := f.ID
			pc.respTimer = newTimer(e.cfg.ResponseTimeout, func() { e.onResponseTimeout(id) })
		}
		e.mu.Unlock()
		return
	}
	s, ok := e.streams[f.ID]
	e.mu.Unlock()
	if ok {
		s.markAcked()
	}
}

func (e *Endpoint) handleStreamNext(f Frame) {
	e.mu.Lock()
	s, ok := e.streams[f.ID]
	e.mu.Unlock()
	if ok {
		s.push(f.Value)
	}
}

func (e *Endpoint) handleStreamEnd(f Frame) {
	e.mu.Lock()
	s, ok := e.streams[f.ID]
	e.mu.Unlock()
	if ok {
		s.end()
	}
}

func (e *Endpoint) handleStreamError(f Frame) {
	e.mu.Lock()
	s, ok := e.streams[f.ID]
	e.mu.Unlock()
	if ok {
		s.fail(payloadToError(s.path, f.Err))
	}
}

// onAckTimeout fires when a call's ack timer expires unacknowledged.
// Suppressing leaves the record armed; otherwise the call is torn
// down and rejected.
func (e *Endpoint) onAckTimeout(id string) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if !ok || pc.ackReceived {
		e.mu.Unlock()
		return
	}
	path, args := pc.path, pc.args
	e.mu.Unlock()

	suppress := false
	var replacement error
	if e.cfg.OnAckTimeout != nil {
		suppress, replacement = e.cfg.OnAckTimeout(path, args)
	}
	if suppress {
		return
	}

	e.mu.Lock()
	pc, ok = e.pending[id]
	if !ok || pc.ackReceived {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	e.mu.Unlock()

	err := replacement
	if err == nil {
		err = pathError(path, ErrAckTimeout)
	}
	select {
	case pc.done <- callResult{nil, err}:
	default:
	}
}

// onResponseTimeout fires when a call's response timer expires.
func (e *Endpoint) onResponseTimeout(id string) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	path, args := pc.path, pc.args
	e.mu.Unlock()

	suppress := false
	var replacement error
	if e.cfg.OnTimeout != nil {
		suppress, replacement = e.cfg.OnTimeout(path, args)
	}
	if suppress {
		return
	}

	e.mu.Lock()
	pc, ok = e.pending[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	e.mu.Unlock()
	pc.ackTimer.stop()

	err := replacement
	if err == nil {
		err = pathError(path, ErrTimeout)
	}
	select {
	case pc.done <- callResult{nil, err}:
	default:
	}
}

// onStreamAckTimeout is the stream-table counterpart of onAckTimeout.
func (e *Endpoint) onStreamAckTimeout(id string) {
	e.mu.Lock()
	s, ok := e.streams[id]
	e.mu.Unlock()
	if !ok || s.hasAckReceived() {
		return
	}

	suppress := false
	var replacement error
	if e.cfg.OnAckTimeout != nil {
		suppress, replacement = e.cfg.OnAckTimeout(s.path, s.args)
	}
	if suppress {
		return
	}

	e.mu.Lock()
	s, ok = e.streams[id]
	if !ok || s.hasAckReceived() {
		e.mu.Unlock()
		return
	}
	delete(e.streams, id)
	e.mu.Unlock()

	err := replacement
	if err == nil {
		err = pathError(s.path, ErrAckTimeout)
	}
	s.fail(err)
}

// call implements Call/CallOptional, routing through the request hook
// when one is configured.
func (e *Endpoint) call(ctx context.Context, path string, args []any, optional bool) (any, error) {
	if e.isClosed() {
		return nil, pathError(path, ErrClosed)
	}
	if err := e.waitReady(ctx); err != nil {
		return nil, err
	}

	frame := Frame{Tag: TagRequest, Method: path, Args: args, Optional: optional}
	next := func(ctx context.Context, f Frame) (any, error) { return e.sendRequestAwait(ctx, f) }
	resolve := func(result any) (any, error) { return result, nil }

	if e.cfg.Hook != nil {
		var nextErr error
		hookNext := func(ctx context.Context, f Frame) (any, error) {
			res, err := next(ctx, f)
			nextErr = err
			return res, err
		}
		res, err := e.cfg.Hook(ctx, frame, hookNext, resolve)
		if err != nil && (nextErr == nil || !errors.Is(err, nextErr)) {
			// An error the hook raised itself, not one passed on from next.
			return nil, e.handleGeneralError(err)
		}
		return res, err
	}
	return next(ctx, frame)
}

// sendRequestAwait allocates an id, registers the pending record, posts
// the Request, arms the appropriate timer, and blocks for the terminal
// event.
func (e *Endpoint) sendRequestAwait(ctx context.Context, f Frame) (any, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, pathError(f.Method, ErrClosed)
	}
	id := e.cfg.IDGenerator()
	f.ID = id
	pc := &pendingCall{path: f.Method, args: f.Args, done: make(chan callResult, 1)}
	e.pending[id] = pc
	e.mu.Unlock()

	if err := e.post(ctx, f); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, e.handleGeneralError(fmt.Errorf("birpc: %s: post: %w", f.Method, err))
	}

	e.mu.Lock()
	if e.closed {
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, pathError(f.Method, ErrClosed)
	}
	if e.cfg.AckTimeout != nil {
		// The Ack may already have arrived (and handleAck already armed
		// the response timer) by the time we get the lock back from
		// post; don't also arm the ack timer in that case, or both
		// timers end up live for the same record.
		if !pc.ackReceived {
			d := *e.cfg.AckTimeout
			pc.ackTimer = newTimer(d, func() { e.onAckTimeout(id) })
		}
	} else if e.cfg.ResponseTimeout >= 0 {
		pc.respTimer = newTimer(e.cfg.ResponseTimeout, func() { e.onResponseTimeout(id) })
	}
	e.mu.Unlock()

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		// The caller cannot cancel a pending call: the record stays
		// live and will still be resolved by a later event; we only stop
		// waiting locally.
		return nil, ctx.Err()
	}
}

func (e *Endpoint) callEvent(ctx context.Context, path string, args []any) error {
	if e.isClosed() {
		return pathError(path, ErrClosed)
	}
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	f := Frame{Tag: TagRequest, Method: path, Args: args}
	if err := e.post(ctx, f); err != nil {
		return e.handleGeneralError(fmt.Errorf("birpc: %s: post: %w", path, err))
	}
	return nil
}

// Call sends a response-expecting Request and blocks for the result.
func (e *Endpoint) Call(ctx context.Context, path string, args ...any) (any, error) {
	return e.call(ctx, path, args, false)
}

// CallOptional is Call, but the receiver substitutes a no-op when path
// does not resolve instead of rejecting.
func (e *Endpoint) CallOptional(ctx context.Context, path string, args ...any) (any, error) {
	return e.call(ctx, path, args, true)
}

// CallEvent sends a fire-and-forget Request; it resolves as soon as the
// frame is posted.
func (e *Endpoint) CallEvent(ctx context.Context, path string, args ...any) error {
	return e.callEvent(ctx, path, args)
}

// CallStream returns a lazy Stream; the underlying Request is not sent
// until the first call to Stream.Next. ctx is accepted for
// surface symmetry with the other Call* methods but the request itself is
// governed by whatever ctx is passed to Next.
func (e *Endpoint) CallStream(ctx context.Context, path string, args ...any) *Stream {
	return newStream(e, path, args)
}

// CallRaw is the explicit form exposing every RawCall option.
func (e *Endpoint) CallRaw(ctx context.Context, raw RawCall) (any, error) {
	if raw.Event {
		return nil, e.callEvent(ctx, raw.Method, raw.Args)
	}
	return e.call(ctx, raw.Method, raw.Args, raw.Optional)
}

// RejectPendingCalls fails every in-flight call via handler (or the
// default rejected-pending-call error if handler is nil), then clears the
// table. Streams are not affected.
func (e *Endpoint) RejectPendingCalls(handler func(path string) error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	e.mu.Unlock()

	for _, pc := range pending {
		pc.ackTimer.stop()
		pc.respTimer.stop()
		var err error
		if handler != nil {
			err = handler(pc.path)
		} else {
			err = pathError(pc.path, ErrRejected)
		}
		select {
		case pc.done <- callResult{nil, err}:
		default:
		}
	}
}

// Close transitions the endpoint to closed: every pending call is
// rejected, every stream is failed, both tables are emptied, and the
// optional Unregister callback runs. A second and subsequent Close is a
// no-op.
func (e *Endpoint) Close(cause error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	streams := e.streams
	e.streams = make(map[string]*Stream)
	e.mu.Unlock()

	for _, pc := range pending {
		pc.ackTimer.stop()
		pc.respTimer.stop()
		var err error
		if cause != nil {
			err = fmt.Errorf("birpc: %s: %w", pc.path, cause)
		} else {
			err = pathError(pc.path, ErrClosed)
		}
		select {
		case pc.done <- callResult{nil, err}:
		default:
		}
	}

	for _, s := range streams {
		s.mu.Lock()
		s.ackTimer.stop()
		s.mu.Unlock()
		var err error
		if cause != nil {
			err = fmt.Errorf("birpc: %s: %w", s.path, cause)
		} else {
			err = pathError(s.path, ErrClosed)
		}
		s.fail(err)
	}

	if e.cfg.Unregister != nil {
		e.cfg.Unregister()
	}
	e.cfg.Logger.Info("birpc: endpoint closed", "cause", cause)
	return nil
}
