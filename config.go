package birpc

import (
	"context"
	"fmt"
	"time"
)

// BindingMode selects the receiver context a local Function is invoked
// with.
type BindingMode int

const (
	// BindingRPC invokes local functions with the *Endpoint itself as the
	// Binding, letting them call back into $call, $meta, etc. This is the
	// default.
	BindingRPC BindingMode = iota
	// BindingFunctions invokes local functions with a bare
	// FunctionTreeBinding, exposing only the function tree and metadata.
	BindingFunctions
)

// TimeoutHandler backs both the ack-timeout and response-timeout hooks. It
// receives the method path and the arguments captured at call time (not
// whatever may have been observed later), per the open question in §9:
// ack-timeout handlers see the original call-site arguments. Returning
// suppress=true leaves the pending call (or stream) armed rather than
// rejecting it; a non-nil replacement error is used instead of the default
// timeout/ack-timeout sentinel.
type TimeoutHandler func(path string, args []any) (suppress bool, replacement error)

// FunctionErrorHandler is consulted when a local function returns an error
// while serving a Request. Returning suppress=true sends nothing back to
// the caller at all.
type FunctionErrorHandler func(path string, args []any, err error) (suppress bool, replacement error)

// GeneralErrorHandler is consulted for serialize/deserialize/post/hook
// failures. Returning handled=true stops the error from being raised at
// the operation boundary.
type GeneralErrorHandler func(err error) (handled bool)

// RequestHook intercepts an outbound, non-event call before it is sent. It
// must do exactly one of: call next (optionally with a modified Request)
// and return its result, call resolve with a synthetic result, or return
// an error (routed to the general-error handler). The hook never sees
// events or streams.
type RequestHook func(
	ctx context.Context,
	req Frame,
	next func(ctx context.Context, req Frame) (any, error),
	resolve func(result any) (any, error),
) (any, error)

// EndpointConfig is the immutable-for-the-endpoint's-life configuration
// described in §3. Build one with NewEndpointConfig and Options, or via
// NewEndpoint(functions, opts...) directly.
type EndpointConfig struct {
	// Post sends one serialized frame over the transport. Required.
	Post func(ctx context.Context, payload any, extra ...any) error
	// Register installs receive as the transport's inbound callback. May
	// be nil for an endpoint that only ever calls out and never serves
	// inbound frames (rare, but not forbidden).
	Register func(receive func(payload any, extra ...any)) error
	// Unregister symmetrically tears down Register's installation on
	// Close, if provided.
	Unregister func()

	Serialize   func(Frame) (any, error)
	Deserialize func(any) (Frame, error)

	BindingMode BindingMode
	Meta        any

	// EventMethods names methods that Path()'s builder treats as events
	// by default, without an explicit .Event() call.
	EventMethods map[string]bool

	// ResponseTimeout is the default response timer duration; negative
	// disables the response timer entirely.
	ResponseTimeout time.Duration
	// AckTimeout, if non-nil, arms the ack timer; the response timer
	// then starts only once the Ack arrives.
	AckTimeout *time.Duration

	ProxyEnabled bool

	Resolver Resolver
	Hook     RequestHook

	OnFunctionError FunctionErrorHandler
	OnTimeout       TimeoutHandler
	OnAckTimeout    TimeoutHandler
	OnGeneralError  GeneralErrorHandler

	Logger Logger

	// IDGenerator mints correlation ids for calls and streams.
	IDGenerator func() string
}

// NewEndpointConfig returns the default configuration: identity codec, rpc
// binding mode, a 60s response timeout, no ack timeout, UUID-based ids and
// a discarding logger -- the same defaults §3 describes.
func NewEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Serialize:       DefaultSerialize,
		Deserialize:     DefaultDeserialize,
		BindingMode:     BindingRPC,
		ResponseTimeout: 60 * time.Second,
		IDGenerator:     NewID,
		Logger:          DefaultLogger(),
	}
}

// BuildEndpointConfig applies opts over NewEndpointConfig's defaults and
// returns the result, without constructing an Endpoint. This is the
// building block NewEndpoint itself uses, and the recommended way to
// produce the per-member EndpointConfig values a Broadcast group takes,
// since a hand-built EndpointConfig{} literal skips the defaults entirely.
func BuildEndpointConfig(opts ...Option) EndpointConfig {
	cfg := NewEndpointConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// DefaultSerialize is the identity transform: it passes the Frame through
// unchanged, suitable for in-process transports that already clone values
// crossing the boundary.
func DefaultSerialize(f Frame) (any, error) { return f, nil }

// DefaultDeserialize is the identity transform's inverse: it expects the
// payload to already be a Frame (or *Frame).
func DefaultDeserialize(payload any) (Frame, error) {
	switch v := payload.(type) {
	case Frame:
		return v, nil
	case *Frame:
		if v == nil {
			return Frame{}, fmt.Errorf("birpc: deserialize: nil frame")
		}
		return *v, nil
	default:
		return Frame{}, fmt.Errorf("birpc: deserialize: unsupported payload type %T", payload)
	}
}

// Option mutates an EndpointConfig during construction.
type Option func(*EndpointConfig)

// WithPost sets the transport's post function. Required for any endpoint
// that issues outbound calls or responds to inbound ones.
func WithPost(fn func(ctx context.Context, payload any, extra ...any) error) Option {
	return func(c *EndpointConfig) { c.Post = fn }
}

// WithReceiver sets the transport's receive-registration function.
func WithReceiver(fn func(receive func(payload any, extra ...any)) error) Option {
	return func(c *EndpointConfig) { c.Register = fn }
}

// WithUnregister sets the optional teardown counterpart to WithReceiver.
func WithUnregister(fn func()) Option {
	return func(c *EndpointConfig) { c.Unregister = fn }
}

// WithCodec overrides the (serialize, deserialize) pair; both default to
// the identity transform.
func WithCodec(serialize func(Frame) (any, error), deserialize func(any) (Frame, error)) Option {
	return func(c *EndpointConfig) {
		if serialize != nil {
			c.Serialize = serialize
		}
		if deserialize != nil {
			c.Deserialize = deserialize
		}
	}
}

// WithBindingMode selects the receiver context used for local invocation.
func WithBindingMode(mode BindingMode) Option {
	return func(c *EndpointConfig) { c.BindingMode = mode }
}

// WithMeta attaches opaque metadata, retrievable via Endpoint.Meta.
func WithMeta(meta any) Option {
	return func(c *EndpointConfig) { c.Meta = meta }
}

// WithEventMethods designates method names that Path()'s builder treats
// as fire-and-forget by default.
func WithEventMethods(names ...string) Option {
	return func(c *EndpointConfig) {
		if c.EventMethods == nil {
			c.EventMethods = make(map[string]bool, len(names))
		}
		for _, n := range names {
			c.EventMethods[n] = true
		}
	}
}

// WithResponseTimeout overrides the default 60s response timeout. Negative
// disables the response timer.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *EndpointConfig) { c.ResponseTimeout = d }
}

// WithAckTimeout arms the ack timer, including for d == 0 ("must already
// be acknowledged by the time the timer check runs").
func WithAckTimeout(d time.Duration) Option {
	return func(c *EndpointConfig) { c.AckTimeout = &d }
}

// WithProxy toggles the Path() builder's availability. Path is always
// constructible in this rendering, so this only documents intent; see
// §4.2's Go rendering note.
func WithProxy(enabled bool) Option {
	return func(c *EndpointConfig) { c.ProxyEnabled = enabled }
}

// WithResolver installs a custom method resolver.
func WithResolver(r Resolver) Option {
	return func(c *EndpointConfig) { c.Resolver = r }
}

// WithRequestHook installs the outbound request interceptor.
func WithRequestHook(h RequestHook) Option {
	return func(c *EndpointConfig) { c.Hook = h }
}

// WithFunctionErrorHandler installs the function-error handler.
func WithFunctionErrorHandler(h FunctionErrorHandler) Option {
	return func(c *EndpointConfig) { c.OnFunctionError = h }
}

// WithTimeoutHandler installs the response-timeout handler.
func WithTimeoutHandler(h TimeoutHandler) Option {
	return func(c *EndpointConfig) { c.OnTimeout = h }
}

// WithAckTimeoutHandler installs the ack-timeout handler.
func WithAckTimeoutHandler(h TimeoutHandler) Option {
	return func(c *EndpointConfig) { c.OnAckTimeout = h }
}

// WithGeneralErrorHandler installs the general-error handler.
func WithGeneralErrorHandler(h GeneralErrorHandler) Option {
	return func(c *EndpointConfig) { c.OnGeneralError = h }
}

// WithLogger overrides the default discarding Logger.
func WithLogger(l Logger) Option {
	return func(c *EndpointConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithIDGenerator overrides the default UUID-based id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *EndpointConfig) {
		if fn != nil {
			c.IDGenerator = fn
		}
	}
}
